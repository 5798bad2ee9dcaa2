package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects where outcome deliverables are kept.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv builds a deliverable store from environment
// variables.
//
//   - DELIVERABLE_BACKEND: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the fs backend (default "data")
//   - LEDGER_HASH_ALGORITHM: digest algorithm for new blobs
//
// For s3:
//   - DELIVERABLE_S3_BUCKET (required)
//   - DELIVERABLE_S3_REGION or AWS_REGION
//   - DELIVERABLE_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - DELIVERABLE_S3_PREFIX (optional)
//
// For gcs:
//   - DELIVERABLE_GCS_BUCKET (required)
//   - DELIVERABLE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("DELIVERABLE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}
	alg := os.Getenv("LEDGER_HASH_ALGORITHM")

	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		opts := []FileOption{}
		if alg != "" {
			opts = append(opts, WithFileHashAlgorithm(alg))
		}
		return NewFileStore(filepath.Join(dataDir, "deliverables"), opts...)

	case BackendS3:
		bucket := os.Getenv("DELIVERABLE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("DELIVERABLE_S3_BUCKET is required for the s3 backend")
		}
		region := os.Getenv("DELIVERABLE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:        bucket,
			Region:        region,
			Endpoint:      os.Getenv("DELIVERABLE_S3_ENDPOINT"),
			Prefix:        os.Getenv("DELIVERABLE_S3_PREFIX"),
			HashAlgorithm: alg,
		})

	case BackendGCS:
		bucket := os.Getenv("DELIVERABLE_GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("DELIVERABLE_GCS_BUCKET is required for the gcs backend")
		}
		return NewGCSStore(ctx, GCSConfig{
			Bucket:        bucket,
			Prefix:        os.Getenv("DELIVERABLE_GCS_PREFIX"),
			HashAlgorithm: alg,
		})

	default:
		return nil, fmt.Errorf("unsupported deliverable backend: %s", backend)
	}
}
