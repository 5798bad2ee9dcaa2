// Package artifacts provides content-addressed storage for outcome
// deliverables. A validated outcome's provenance references its
// deliverable by digest; the store resolves that digest back to bytes
// during audit. There is deliberately no delete operation: a
// deliverable referenced from the decision ledger stays retrievable.
package artifacts

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentplane/gap/pkg/canonicalize"
)

// Store is content-addressed blob storage keyed by prefixed digest
// ("sha256:<hex>" or "sha512:<hex>").
type Store interface {
	// Put persists data and returns its prefixed content digest.
	// Storing the same bytes twice is idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by prefixed digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether a deliverable is present.
	Exists(ctx context.Context, digest string) (bool, error)
}

// splitDigest validates a prefixed digest and returns (algorithm, hex).
func splitDigest(digest string) (string, string, error) {
	alg, raw, ok := strings.Cut(digest, ":")
	if !ok || alg == "" || raw == "" {
		return "", "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if alg != "sha256" && alg != "sha512" {
		return "", "", fmt.Errorf("unsupported digest algorithm: %s", alg)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return alg, raw, nil
}

// FileStore is a filesystem-backed Store. Blobs are sharded by the
// first two hex characters of their digest to keep directories small.
type FileStore struct {
	baseDir string
	alg     string
	mu      sync.RWMutex
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileHashAlgorithm selects the digest algorithm for new blobs.
func WithFileHashAlgorithm(alg string) FileOption {
	return func(s *FileStore) { s.alg = alg }
}

// NewFileStore creates a deliverable store rooted at baseDir.
func NewFileStore(baseDir string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure deliverable dir: %w", err)
	}
	s := &FileStore{baseDir: baseDir, alg: "sha256"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) blobPath(alg, raw string) string {
	return filepath.Join(s.baseDir, alg, raw[:2], raw+".blob")
}

// Put writes data under its digest. Writes go to a temp file first and
// commit by rename, so a crash never leaves a partial blob at the
// final path.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, err := canonicalize.Digest(s.alg, data)
	if err != nil {
		return "", err
	}
	alg, raw, err := splitDigest(digest)
	if err != nil {
		return "", err
	}

	path := s.blobPath(alg, raw)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure shard dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write deliverable: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit deliverable: %w", err)
	}
	return digest, nil
}

// Get reads a deliverable back by digest.
func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alg, raw, err := splitDigest(digest)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.blobPath(alg, raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("deliverable not found: %s", digest)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return io.ReadAll(f)
}

// Exists reports whether the deliverable is present.
func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alg, raw, err := splitDigest(digest)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(s.blobPath(alg, raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
