package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agentplane/gap/pkg/canonicalize"
)

// S3Store keeps outcome deliverables in an S3 bucket, keyed as
// <prefix><alg>/<hex>.blob.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	alg    string
}

// S3Config holds S3Store settings. Endpoint supports MinIO and
// LocalStack; leaving it empty uses AWS.
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	Prefix        string
	HashAlgorithm string
}

// NewS3Store creates an S3-backed deliverable store using the default
// AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	alg := cfg.HashAlgorithm
	if alg == "" {
		alg = "sha256"
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, alg: alg}, nil
}

func (s *S3Store) key(alg, raw string) string {
	return s.prefix + alg + "/" + raw + ".blob"
}

// Put uploads data under its digest, skipping the upload when the
// object already exists.
func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	digest, err := canonicalize.Digest(s.alg, data)
	if err != nil {
		return "", err
	}
	alg, raw, err := splitDigest(digest)
	if err != nil {
		return "", err
	}
	key := s.key(alg, raw)

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return digest, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put: %w", err)
	}
	return digest, nil
}

// Get downloads a deliverable by digest.
func (s *S3Store) Get(ctx context.Context, digest string) ([]byte, error) {
	alg, raw, err := splitDigest(digest)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(alg, raw)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", digest, err)
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

// Exists issues a head request for the digest's object.
func (s *S3Store) Exists(ctx context.Context, digest string) (bool, error) {
	alg, raw, err := splitDigest(digest)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(alg, raw)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}
