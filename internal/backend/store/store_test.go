package store

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/backend/backendtest"
)

const testChannel = -1001

func newTestWorker(t *testing.T, dir string, blockSize int64) *Worker {
	t.Helper()
	w, err := New(Options{
		ID:        "store-1",
		Channel:   testChannel,
		DataDir:   dir,
		Secret:    "test-secret",
		BlockSize: blockSize,
	})
	require.NoError(t, err)
	return w
}

func TestNew_RequiresOptions(t *testing.T) {
	dir := t.TempDir()
	for name, opts := range map[string]Options{
		"no id":       {DataDir: dir, Secret: "s"},
		"no dir":      {ID: "a", Secret: "s"},
		"no secret":   {ID: "a", DataDir: dir},
		"negative bs": {ID: "a", DataDir: dir, Secret: "s", BlockSize: -1},
	} {
		_, err := New(opts)
		assert.Error(t, err, name)
	}

	w, err := New(Options{ID: "a", DataDir: dir, Secret: "s"})
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultBlockSize), w.blockSize)
}

func TestWorker_PutAndMessage(t *testing.T) {
	w := newTestWorker(t, t.TempDir(), 64)
	ctx := context.Background()
	data := backendtest.Pattern(1000)

	msg, err := w.Put(ctx, testChannel, "report.pdf", "quarterly", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	require.NotNil(t, msg.Document)
	assert.Equal(t, "report.pdf", msg.Document.FileName)
	assert.Equal(t, int64(1000), msg.Document.Size)
	assert.Equal(t, "application/pdf", msg.Document.MimeType)
	assert.Len(t, msg.Document.UniqueID, 24)

	got, err := w.Message(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "quarterly", got.Caption)
	assert.True(t, msg.Date.Equal(got.Date))
	require.NotNil(t, got.Document)
	assert.Equal(t, msg.Document.File, got.Document.File)

	d, ok := backend.Describe(got)
	require.True(t, ok)
	assert.Equal(t, int64(1000), d.Size)
}

func TestWorker_MessageNotFound(t *testing.T) {
	w := newTestWorker(t, t.TempDir(), 64)
	_, err := w.Message(context.Background(), 42)
	assert.ErrorIs(t, err, backend.ErrMessageNotFound)
}

func TestWorker_KindFromMime(t *testing.T) {
	w := newTestWorker(t, t.TempDir(), 64)
	ctx := context.Background()

	png := append([]byte("\x89PNG\r\n\x1a\n"), backendtest.Pattern(100)...)
	msg, err := w.Put(ctx, testChannel, "", "", bytes.NewReader(png))
	require.NoError(t, err)
	require.NotNil(t, msg.Photo)
	assert.Equal(t, "image/png", msg.Photo.MimeType)

	msg, err = w.Put(ctx, testChannel, "notes.txt", "", bytes.NewReader([]byte("hello world\n")))
	require.NoError(t, err)
	require.NotNil(t, msg.Document)
	assert.Contains(t, msg.Document.MimeType, "text/plain")
	assert.Equal(t, int64(2), msg.ID)
}

func TestWorker_FetchChunk(t *testing.T) {
	w := newTestWorker(t, t.TempDir(), 64)
	ctx := context.Background()
	data := backendtest.Pattern(1000)

	msg, err := w.Put(ctx, testChannel, "a.bin", "", bytes.NewReader(data))
	require.NoError(t, err)
	loc := msg.Document.Location

	tests := []struct {
		offset, limit int64
		want          []byte
	}{
		{0, 64, data[0:64]},
		{0, 1000, data},
		{10, 100, data[10:110]},
		{63, 2, data[63:65]},
		{960, 64, data[960:1000]},
		{999, 10, data[999:1000]},
		{1000, 64, nil},
		{4096, 64, nil},
	}
	for _, tt := range tests {
		got, err := w.FetchChunk(ctx, loc, tt.offset, tt.limit)
		require.NoError(t, err, "offset=%d limit=%d", tt.offset, tt.limit)
		assert.Equal(t, len(tt.want), len(got), "offset=%d limit=%d", tt.offset, tt.limit)
		assert.True(t, bytes.Equal(tt.want, got), "offset=%d limit=%d", tt.offset, tt.limit)
	}

	_, err = w.FetchChunk(ctx, loc, -1, 10)
	assert.Error(t, err)
	_, err = w.FetchChunk(ctx, "../escape", 0, 10)
	assert.Error(t, err)
}

func TestWorker_EmptyObject(t *testing.T) {
	w := newTestWorker(t, t.TempDir(), 64)
	ctx := context.Background()

	msg, err := w.Put(ctx, testChannel, "empty.bin", "", bytes.NewReader(nil))
	require.NoError(t, err)
	info, ok := msg.Media()
	require.True(t, ok)
	assert.Equal(t, int64(0), info.Size)

	got, err := w.FetchChunk(ctx, info.Location, 0, 64)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWorker_History(t *testing.T) {
	w := newTestWorker(t, t.TempDir(), 64)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := w.Put(ctx, testChannel, "f.bin", "", bytes.NewReader(backendtest.Pattern(10+i)))
		require.NoError(t, err)
	}

	all, err := w.History(ctx, testChannel, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(5), all[0].ID, "newest first")
	assert.Equal(t, int64(1), all[4].ID)

	page, err := w.History(ctx, testChannel, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].ID)
	assert.Equal(t, int64(2), page[1].ID)

	other, err := w.History(ctx, 777, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestWorker_SharedDirectory(t *testing.T) {
	dir := t.TempDir()
	a := newTestWorker(t, dir, 64)
	b, err := New(Options{ID: "store-2", Channel: testChannel, DataDir: dir, Secret: "test-secret", BlockSize: 64})
	require.NoError(t, err)
	ctx := context.Background()
	data := backendtest.Pattern(300)

	msg, err := a.Put(ctx, testChannel, "shared.bin", "", bytes.NewReader(data))
	require.NoError(t, err)

	got, err := b.Message(ctx, msg.ID)
	require.NoError(t, err)
	chunk, err := b.FetchChunk(ctx, got.Document.Location, 0, 300)
	require.NoError(t, err)
	assert.Equal(t, data, chunk)
}

func TestWorker_ConcurrentPutAssignsDistinctIDs(t *testing.T) {
	dir := t.TempDir()
	a := newTestWorker(t, dir, 64)
	b := newTestWorker(t, dir, 64)
	ctx := context.Background()

	const n = 12
	ids := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			w := a
			if i%2 == 1 {
				w = b
			}
			msg, err := w.Put(ctx, testChannel, "x.bin", "", bytes.NewReader(backendtest.Pattern(i+1)))
			if assert.NoError(t, err) {
				ids[i] = msg.ID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	history, err := a.History(ctx, testChannel, 100, 0)
	require.NoError(t, err)
	assert.Len(t, history, n)
}

func TestWorker_DedupSameContent(t *testing.T) {
	w := newTestWorker(t, t.TempDir(), 64)
	ctx := context.Background()
	data := backendtest.Pattern(200)

	m1, err := w.Put(ctx, testChannel, "a.bin", "", bytes.NewReader(data))
	require.NoError(t, err)
	m2, err := w.Put(ctx, testChannel, "b.bin", "", bytes.NewReader(data))
	require.NoError(t, err)

	assert.NotEqual(t, m1.ID, m2.ID)
	assert.Equal(t, m1.Document.UniqueID, m2.Document.UniqueID)
	assert.Equal(t, m1.Document.Location, m2.Document.Location)
}
