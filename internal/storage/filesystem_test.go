package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52}

func newStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), "https://cdn.test/artifacts/")
	require.NoError(t, err)
	return store
}

func TestFileStorePutGetHead(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	url, err := store.Put(ctx, "owners/o1/jobs/1/0.png", pngHeader, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/artifacts/owners/o1/jobs/1/0.png", url)
	assert.True(t, store.IsDurable(url))

	data, err := store.Get(ctx, "owners/o1/jobs/1/0.png")
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)

	info, err := store.Head(ctx, "owners/o1/jobs/1/0.png")
	require.NoError(t, err)
	assert.Equal(t, int64(len(pngHeader)), info.Size)
	assert.Equal(t, "image/png", info.ContentType)
}

func TestFileStoreHeadSniffsWithoutContentType(t *testing.T) {
	store := newStore(t)
	_, err := store.Put(context.Background(), "a/b.bin", pngHeader, "")
	require.NoError(t, err)

	info, err := store.Head(context.Background(), "a/b.bin")
	require.NoError(t, err)
	assert.Equal(t, "image/png", info.ContentType)
}

func TestFileStoreMissingObject(t *testing.T) {
	store := newStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Head(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"/owners/a/b.png":   "owners/a/b.png",
		"./x/../y.png":      "y.png",
		`owners\a\b.png`:    "owners/a/b.png",
		"owners//a/./b.png": "owners/a/b.png",
	}
	for in, want := range cases {
		got, err := sanitizeKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "  ", "..", "../etc/passwd", "a/../../b", "x.png.content-type"} {
		_, err := sanitizeKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestIsDurable(t *testing.T) {
	store := newStore(t)
	assert.False(t, store.IsDurable("https://provider.test/out/1.png"))
	assert.False(t, store.IsDurable("https://cdn.test/artifacts/../secret"))
	assert.False(t, store.IsDurable("https://cdn.test/artifactsX/a.png"))

	key, ok := store.KeyFromURL("https://cdn.test/artifacts/owners/o/jobs/1/0.png")
	assert.True(t, ok)
	assert.Equal(t, "owners/o/jobs/1/0.png", key)
}
