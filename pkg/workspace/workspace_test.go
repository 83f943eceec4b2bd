package workspace

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/filestore"
)

// fakeWorkerFS is an in-memory stand-in for a worker's /workspace driven
// through the WorkerIO protocol.
type fakeWorkerFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeWorkerFS() *fakeWorkerFS {
	return &fakeWorkerFS{files: make(map[string][]byte)}
}

func (f *fakeWorkerFS) List(ctx context.Context, worker string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.files))
	for p, data := range f.files {
		out[p] = filestore.HashBytes(data)
	}
	return out, nil
}

func (f *fakeWorkerFS) Upload(ctx context.Context, worker, relPath string, data io.Reader) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.files[relPath] = content
	f.mu.Unlock()
	return nil
}

func (f *fakeWorkerFS) Download(ctx context.Context, worker, relPath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[relPath], nil
}

func (f *fakeWorkerFS) Remove(ctx context.Context, worker, relPath string) error {
	f.mu.Lock()
	delete(f.files, relPath)
	f.mu.Unlock()
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeWorkerFS, *filestore.Store) {
	t.Helper()
	store, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	fs := newFakeWorkerFS()
	return New(fs, store), fs, store
}

func putBlob(t *testing.T, store *filestore.Store, tenant, name string, content []byte) string {
	t.Helper()
	obj, err := store.Put(context.Background(), tenant, name, bytes.NewReader(content), nil, nil)
	require.NoError(t, err)
	return obj.ContentHash
}

func TestProjectPopulatesEmptyWorkspace(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	h1 := putBlob(t, store, "s1", "a.txt", []byte("alpha"))
	h2 := putBlob(t, store, "s1", "b/c.txt", []byte("beta"))

	err := m.Project(ctx, "w1", map[string]string{"a.txt": h1, "b/c.txt": h2}, false)
	require.NoError(t, err)

	assert.Equal(t, []byte("alpha"), fs.files["a.txt"])
	assert.Equal(t, []byte("beta"), fs.files["b/c.txt"])
}

func TestProjectRemovesUndeclaredFiles(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	fs.files["stale.txt"] = []byte("residue")
	h := putBlob(t, store, "s1", "keep.txt", []byte("keep"))

	err := m.Project(ctx, "w1", map[string]string{"keep.txt": h}, false)
	require.NoError(t, err)

	_, staleExists := fs.files["stale.txt"]
	assert.False(t, staleExists, "undeclared file must be removed")
	assert.Equal(t, []byte("keep"), fs.files["keep.txt"])
}

func TestProjectKeepsStraysWhenPersistent(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	fs.files["kept.txt"] = []byte("residue")
	h := putBlob(t, store, "s1", "new.txt", []byte("new"))

	err := m.Project(ctx, "w1", map[string]string{"new.txt": h}, true)
	require.NoError(t, err)

	assert.Equal(t, []byte("residue"), fs.files["kept.txt"])
	assert.Equal(t, []byte("new"), fs.files["new.txt"])
}

func TestProjectSkipsUnchangedFiles(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	content := []byte("unchanged")
	h := putBlob(t, store, "s1", "same.txt", content)
	fs.files["same.txt"] = content

	// Delete the blob out from under the store: if projection wrongly
	// re-transfers an unchanged file, it will fail on the missing blob.
	require.NoError(t, store.Expire("s1", "same.txt", h))
	_, err := store.Reclaim(ctx)
	require.NoError(t, err)

	err = m.Project(ctx, "w1", map[string]string{"same.txt": h}, false)
	require.NoError(t, err, "files already at the right hash must not be transferred")
}

func TestProjectFailsOnMissingBlob(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.Project(context.Background(), "w1", map[string]string{"x.txt": "ffffffff"}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, brokerrors.ErrWorkspaceProjectionFailed)
}

func TestExtractStoresNewAndChangedFiles(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	hIn := putBlob(t, store, "s1", "in.txt", []byte("input"))
	projected := map[string]string{"in.txt": hIn}
	fs.files["in.txt"] = []byte("input")
	fs.files["out.txt"] = []byte("x") // produced by the user code

	files, meta, err := m.Extract(ctx, "w1", "s1", projected, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, filestore.HashBytes([]byte("x")), files["out.txt"])
	assert.Equal(t, hIn, files["in.txt"])

	// Only the produced file gains new metadata.
	require.Contains(t, meta, "out.txt")
	assert.NotContains(t, meta, "in.txt")

	// The stored bytes round-trip through the store under the returned hash.
	rc, _, err := store.Get(ctx, "s1", "out.txt", files["out.txt"], false)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestExtractAppliesQuotaAndExpiry(t *testing.T) {
	m, fs, _ := newTestManager(t)
	ctx := context.Background()

	fs.files["out.bin"] = []byte("artifact")
	quota := int64(2)
	expiry := time.Now().Add(time.Hour).UTC()

	_, meta, err := m.Extract(ctx, "w1", "s1", nil, &quota, &expiry)
	require.NoError(t, err)

	obj := meta["out.bin"]
	require.NotNil(t, obj)
	assert.Equal(t, int64(2), *obj.RemainingDownloads)
	assert.True(t, obj.ExpiresAt.Equal(expiry))
}

func TestProjectNormalizesWorkspacePrefixedKeys(t *testing.T) {
	m, fs, store := newTestManager(t)
	ctx := context.Background()

	h := putBlob(t, store, "s1", "out.txt", []byte("x"))

	// Clients may send keys as absolute /workspace/ paths; projection must
	// not nest them under /workspace/workspace/...
	err := m.Project(ctx, "w1", map[string]string{"/workspace/out.txt": h}, false)
	require.NoError(t, err)

	assert.Equal(t, []byte("x"), fs.files["out.txt"])
	_, nested := fs.files["workspace/out.txt"]
	assert.False(t, nested)
}

func TestProjectRejectsEscapingPaths(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()
	h := putBlob(t, store, "s1", "x", []byte("x"))

	for _, p := range []string{"/etc/passwd", "../evil", "a/../../evil", "/workspace"} {
		err := m.Project(ctx, "w1", map[string]string{p: h}, false)
		assert.ErrorIs(t, err, brokerrors.ErrInvalidArgument, "path %q must be rejected", p)
	}
}

func TestNormalizeFiles(t *testing.T) {
	got, err := NormalizeFiles(map[string]string{
		"/workspace/a.txt": "aa",
		"b/./c.txt":        "bb",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "aa", "b/c.txt": "bb"}, got)

	_, err = NormalizeFiles(map[string]string{
		"a.txt":            "aa",
		"/workspace/a.txt": "bb",
	})
	assert.ErrorIs(t, err, brokerrors.ErrInvalidArgument, "same path with diverging hashes")
}

func TestExtractEmptyWorkspace(t *testing.T) {
	m, _, _ := newTestManager(t)

	files, meta, err := m.Extract(context.Background(), "w1", "s1", nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Empty(t, meta)
}
