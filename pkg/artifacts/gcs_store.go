package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/agentplane/gap/pkg/canonicalize"
)

// GCSStore keeps outcome deliverables in a Google Cloud Storage
// bucket, keyed the same way as S3Store.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	alg    string
}

// GCSConfig holds GCSStore settings.
type GCSConfig struct {
	Bucket        string
	Prefix        string
	HashAlgorithm string
}

// NewGCSStore creates a GCS-backed deliverable store using application
// default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	alg := cfg.HashAlgorithm
	if alg == "" {
		alg = "sha256"
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, alg: alg}, nil
}

func (s *GCSStore) object(alg, raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + alg + "/" + raw + ".blob")
}

// Put uploads data under its digest, skipping the upload when the
// object already exists.
func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	digest, err := canonicalize.Digest(s.alg, data)
	if err != nil {
		return "", err
	}
	alg, raw, err := splitDigest(digest)
	if err != nil {
		return "", err
	}

	obj := s.object(alg, raw)
	if _, err := obj.Attrs(ctx); err == nil {
		return digest, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs commit: %w", err)
	}
	return digest, nil
}

// Get downloads a deliverable by digest.
func (s *GCSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	alg, raw, err := splitDigest(digest)
	if err != nil {
		return nil, err
	}

	reader, err := s.object(alg, raw).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", digest, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// Exists reads object attributes for the digest.
func (s *GCSStore) Exists(ctx context.Context, digest string) (bool, error) {
	alg, raw, err := splitDigest(digest)
	if err != nil {
		return false, err
	}

	_, err = s.object(alg, raw).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs: %w", err)
	}
	return true, nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error { return s.client.Close() }
