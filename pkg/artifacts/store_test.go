package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("deployment manifest v2")
	digest, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "sha256:"))

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStorePutIsIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	second, err := store.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileStoreShardsByDigestPrefix(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	digest, err := store.Put(context.Background(), []byte("sharded"))
	require.NoError(t, err)

	raw := strings.TrimPrefix(digest, "sha256:")
	path := filepath.Join(dir, "sha256", raw[:2], raw+".blob")
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestFileStoreMissingDeliverable(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	missing := "sha256:" + strings.Repeat("ab", 32)
	_, err = store.Get(ctx, missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	ok, err := store.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRejectsMalformedDigest(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, digest := range []string{"", "abc123", "md5:abc123", "sha256:not-hex"} {
		_, err := store.Get(ctx, digest)
		assert.Error(t, err, digest)
	}
}

func TestFileStoreSha512Option(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), WithFileHashAlgorithm("sha512"))
	require.NoError(t, err)
	ctx := context.Background()

	digest, err := store.Put(ctx, []byte("long digest"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "sha512:"))

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("long digest"), got)
}

func TestNewStoreFromEnvDefaultsToFS(t *testing.T) {
	t.Setenv("DELIVERABLE_BACKEND", "")
	t.Setenv("DATA_DIR", t.TempDir())

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	_, ok := store.(*FileStore)
	assert.True(t, ok)
}

func TestNewStoreFromEnvS3RequiresBucket(t *testing.T) {
	t.Setenv("DELIVERABLE_BACKEND", "s3")
	t.Setenv("DELIVERABLE_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DELIVERABLE_S3_BUCKET")
}

func TestNewStoreFromEnvUnknownBackend(t *testing.T) {
	t.Setenv("DELIVERABLE_BACKEND", "tape")

	_, err := NewStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}
