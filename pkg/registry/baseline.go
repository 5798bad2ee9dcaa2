package registry

import (
	"encoding/json"

	"github.com/agentplane/gap/pkg/contracts"
)

// baselineTypes returns the five pre-registered action types, one per
// baseline category. Their semantics are fixed; domain extensions add
// new ids rather than altering these.
func baselineTypes() []*ActionType {
	schema := func(s string) json.RawMessage { return json.RawMessage(s) }

	return []*ActionType{
		{
			ID:            "state-query",
			Category:      CategoryObserve,
			Description:   "read-only query of an external system",
			RequiredLevel: contracts.LevelL0,
			Risk:          RiskProfile{ImpactScope: "local", Reversibility: "reversible", BlastRadius: "narrow"},
			PayloadSchema: schema(`{"type":"object","properties":{"system":{"type":"string"},"query":{"type":"string"}},"required":["system"]}`),
			RegisteredBy:  "baseline",
		},
		{
			ID:            "outbound-message",
			Category:      CategoryCommunicate,
			Description:   "message sent to a human recipient",
			RequiredLevel: contracts.LevelL1,
			Risk:          RiskProfile{ImpactScope: "external", Reversibility: "irreversible", BlastRadius: "narrow"},
			PayloadSchema: schema(`{"type":"object","properties":{"recipient":{"type":"string"},"channel":{"type":"string"},"template":{"type":"string"}},"required":["recipient","channel"]}`),
			RegisteredBy:  "baseline",
		},
		{
			ID:            "state-correction",
			Category:      CategoryMutate,
			Description:   "corrective mutation of drifted external state",
			RequiredLevel: contracts.LevelL1,
			Risk:          RiskProfile{ImpactScope: "team", Reversibility: "partial", BlastRadius: "moderate"},
			PayloadSchema: schema(`{"type":"object","properties":{"entity_id":{"type":"string"},"property":{"type":"string"},"desired":{}},"required":["entity_id","property"]}`),
			RegisteredBy:  "baseline",
		},
		{
			ID:            "financial-operation",
			Category:      CategoryTransact,
			Description:   "operation with monetary or contractual effect",
			RequiredLevel: contracts.LevelL3,
			Risk:          RiskProfile{ImpactScope: "org", Reversibility: "partial", BlastRadius: "wide"},
			PayloadSchema: schema(`{"type":"object","properties":{"amount":{"type":"number","minimum":0},"currency":{"type":"string"}},"required":["amount","currency"]}`),
			RegisteredBy:  "baseline",
		},
		{
			ID:            "human-handoff",
			Category:      CategoryDelegate,
			Description:   "route work to a human queue with context",
			RequiredLevel: contracts.LevelL0,
			Risk:          RiskProfile{ImpactScope: "local", Reversibility: "reversible", BlastRadius: "narrow"},
			PayloadSchema: schema(`{"type":"object","properties":{"queue":{"type":"string"},"priority":{"type":"string"}},"required":["queue"]}`),
			RegisteredBy:  "baseline",
		},
	}
}
