package fsbackend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/srm-lifecycle/internal/backend"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "sub", "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "secret.key"), []byte("k"), 0o600))

	b, err := New(Config{Root: root, Hide: []string{"**/*.key"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func wait(t *testing.T, start func(cb backend.Callback) error) backend.Result {
	t.Helper()
	ch := make(chan backend.Result, 1)
	require.NoError(t, start(func(r backend.Result) { ch <- r }))
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
		return backend.Result{}
	}
}

func TestPinAndUnpin(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	r := wait(t, func(cb backend.Callback) error { return b.Pin(ctx, "/data/a.txt", time.Minute, cb) })
	require.NoError(t, r.Err)
	assert.Equal(t, int64(5), r.Size)
	assert.Contains(t, r.TURL, "file://")
	assert.Equal(t, 1, b.Pinned("/data/a.txt"))

	require.NoError(t, b.Unpin(ctx, "/data/a.txt"))
	assert.Equal(t, 0, b.Pinned("/data/a.txt"))
	assert.ErrorIs(t, b.Unpin(ctx, "/data/a.txt"), backend.ErrNotFound)
}

func TestPinMissingAndHidden(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	r := wait(t, func(cb backend.Callback) error { return b.Pin(ctx, "/data/nope", time.Minute, cb) })
	assert.ErrorIs(t, r.Err, backend.ErrNotFound)

	r = wait(t, func(cb backend.Callback) error { return b.Pin(ctx, "/data/secret.key", time.Minute, cb) })
	assert.ErrorIs(t, r.Err, backend.ErrAccessDenied)

	r = wait(t, func(cb backend.Callback) error { return b.Stage(ctx, "/../../etc/passwd", cb) })
	assert.Error(t, r.Err)
}

func TestPrepareUpload(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	r := wait(t, func(cb backend.Callback) error { return b.PrepareUpload(ctx, "/new/dir/f.bin", 42, cb) })
	require.NoError(t, r.Err)
	assert.Equal(t, int64(42), r.Size)

	r = wait(t, func(cb backend.Callback) error { return b.PrepareUpload(ctx, "/data/a.txt", 1, cb) })
	assert.ErrorIs(t, r.Err, backend.ErrExists)
}

func TestListDepthAndPaging(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	r := wait(t, func(cb backend.Callback) error {
		return b.List(ctx, "/data", backend.ListOptions{Depth: 1}, cb)
	})
	require.NoError(t, r.Err)
	var paths []string
	for _, e := range r.Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"/data", "/data/a.txt", "/data/sub"}, paths)

	r = wait(t, func(cb backend.Callback) error {
		return b.List(ctx, "/data", backend.ListOptions{Depth: 2, Offset: 1, Count: 2}, cb)
	})
	require.NoError(t, r.Err)
	require.Len(t, r.Entries, 2)
	assert.Equal(t, "/data/a.txt", r.Entries[0].Path)
	assert.Equal(t, "/data/sub", r.Entries[1].Path)
}

func TestInvalidHidePattern(t *testing.T) {
	_, err := New(Config{Root: t.TempDir(), Hide: []string{"[unclosed"}})
	assert.Error(t, err)
}
