package boundary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBoundary = `
name: no-pii-export
version: 1.0.0
description: personal data never leaves the system in exports
authority_threshold: 6
constraints:
  - name: no-pii-export
    kind: hard
    expr: 'payload.fields.all(f, !(f in ["email", "phone", "ssn"]))'
    reason_code: NO_PII_EXPORT
    activation:
      always: true
    allowed_hints:
      redact_fields: ["email", "phone", "ssn"]
  - name: prefer-batch-export
    kind: soft
    expr: 'payload.batch'
    activation:
      always: true
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boundary_no_pii.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleBoundary), 0o644))

	b, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "no-pii-export", b.Name)
	assert.Len(t, b.Constraints, 2)
	assert.Equal(t, KindSoft, b.Constraints[1].Kind)
	assert.Equal(t, 6, b.Threshold())
	assert.Equal(t, []any{"email", "phone", "ssn"}, b.Constraints[0].AllowedHints["redact_fields"])
}

func TestLoadDirInstalls(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boundary_no_pii.yaml"), []byte(sampleBoundary), 0o644))

	s, err := NewSet()
	require.NoError(t, err)

	n, err := LoadDir(s, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get("no-pii-export")
	assert.NoError(t, err)
}

func TestLoadDirBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boundary_bad.yaml"), []byte("name: [broken"), 0o644))

	s, err := NewSet()
	require.NoError(t, err)

	_, err = LoadDir(s, dir)
	assert.Error(t, err)
}
