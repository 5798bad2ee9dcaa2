package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentplane/gap/pkg/lineage"
)

var (
	// ErrLedgerNotConfigured is returned when export is invoked without
	// a backing ledger.
	ErrLedgerNotConfigured = errors.New("audit: ledger not configured (fail-closed)")
)

// ExportRequest selects a ledger range to export. Positions are
// 1-based; To == 0 means "through the head".
type ExportRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Exporter bundles decision records into evidence packs for external
// review. The pack carries its own chain verification result so a
// reviewer can see whether the exported range was intact at export
// time.
type Exporter struct {
	ledger *lineage.Ledger
}

func NewExporter(l *lineage.Ledger) *Exporter {
	return &Exporter{ledger: l}
}

// GeneratePack creates a zip containing the selected decision records
// and a manifest, and returns the zip bytes with their sha256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if e.ledger == nil {
		return nil, "", ErrLedgerNotConfigured
	}

	from := req.From
	if from == 0 {
		from = 1
	}
	records, err := e.ledger.Range(from, req.To)
	if err != nil {
		return nil, "", fmt.Errorf("audit: select records: %w", err)
	}

	recordsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal records: %w", err)
	}

	verification := "intact"
	if len(records) > 0 {
		if verr := e.ledger.Verify(from, req.To); verr != nil {
			verification = verr.Error()
		}
	}

	manifest := map[string]any{
		"generated_at": time.Now().UTC(),
		"record_count": len(records),
		"chain_head":   e.ledger.Head(),
		"verification": verification,
		"range": map[string]any{
			"from": from,
			"to":   req.To,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("records.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(recordsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Decision lineage evidence pack\nGenerated at %s\nRecords: %d\n", time.Now().UTC(), len(records))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
