package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/gap/pkg/audit"
	"github.com/agentplane/gap/pkg/contracts"
	"github.com/agentplane/gap/pkg/lineage"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), "kernel", audit.EventDecision, "evaluate", "action/act-1", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &event))

	assert.Equal(t, audit.EventDecision, event.Type)
	assert.Equal(t, "evaluate", event.Action)
	assert.Equal(t, "action/act-1", event.Resource)
	assert.Equal(t, "kernel", event.Actor)
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_DefaultsActor(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	meta := map[string]any{"verdict": "REJECTED", "reason_code": "POLICY_VIOLATION"}
	err := logger.Record(context.Background(), "", audit.EventDecision, "evaluate", "action/act-2", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimSpace(strings.TrimPrefix(buf.String(), "AUDIT: "))
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &event))

	assert.Equal(t, "system", event.Actor)
	assert.Equal(t, "REJECTED", event.Metadata["verdict"])
}

func exportLedger(t *testing.T, n int) *lineage.Ledger {
	t.Helper()
	l := lineage.NewLedger()
	for i := 0; i < n; i++ {
		_, err := l.Append(contracts.DecisionRecord{
			ActionID:   "act-1",
			ActionType: "outbound-message",
			Phase:      contracts.PhaseProposed,
			Verdict:    contracts.VerdictAuthorized,
		})
		require.NoError(t, err)
	}
	return l
}

func TestExporter_GeneratePack_Success(t *testing.T) {
	exporter := audit.NewExporter(exportLedger(t, 3))

	zipBytes, checksum, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, zipBytes)
	assert.Len(t, checksum, 64)

	r, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["records.json"])
	assert.True(t, names["manifest.json"])
	assert.True(t, names["README.txt"])

	var manifest map[string]any
	mf, err := r.Open("manifest.json")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(mf).Decode(&manifest))
	assert.Equal(t, float64(3), manifest["record_count"])
	assert.Equal(t, "intact", manifest["verification"])
}

func TestExporter_GeneratePack_Range(t *testing.T) {
	exporter := audit.NewExporter(exportLedger(t, 5))

	zipBytes, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{From: 2, To: 4})
	require.NoError(t, err)

	r, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)

	rf, err := r.Open("records.json")
	require.NoError(t, err)
	var records []contracts.DecisionRecord
	require.NoError(t, json.NewDecoder(rf).Decode(&records))
	require.Len(t, records, 3)
	assert.Equal(t, uint64(2), records[0].Sequence)
}

func TestExporter_GeneratePack_OutOfRange(t *testing.T) {
	exporter := audit.NewExporter(exportLedger(t, 2))

	_, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{From: 1, To: 9})
	assert.ErrorIs(t, err, lineage.ErrOutOfRange)
}

func TestExporter_GeneratePack_FailClosedWithoutLedger(t *testing.T) {
	exporter := audit.NewExporter(nil)

	_, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrLedgerNotConfigured)
}
