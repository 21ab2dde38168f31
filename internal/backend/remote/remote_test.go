package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/backend/backendtest"
	"github.com/webstreamer/webstreamer/internal/stream"
)

// newBridge serves a fake worker's content through the bridge API.
func newBridge(t *testing.T, fake *backendtest.Worker, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unauthorized", Message: "bad token"})
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("GET /messages/{id}", auth(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		msg, err := fake.Message(r.Context(), id)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "not_found"})
			return
		}
		_ = json.NewEncoder(w).Encode(msg)
	}))

	mux.HandleFunc("GET /history", auth(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		channel, _ := strconv.ParseInt(q.Get("channel"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.ParseInt(q.Get("offset_id"), 10, 64)
		msgs, err := fake.History(r.Context(), channel, limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(historyResponse{Messages: msgs})
	}))

	mux.HandleFunc("GET /chunk", auth(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
		limit, _ := strconv.ParseInt(q.Get("limit"), 10, 64)
		data, err := fake.FetchChunk(r.Context(), backend.Location(q.Get("location")), offset, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		_, _ = w.Write(data)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestWorker(t *testing.T, url, token string) *Worker {
	t.Helper()
	w, err := New(Options{ID: "bridge-1", URL: url + "/", Token: token, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return w
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{URL: "http://localhost"})
	assert.Error(t, err, "missing id")

	for _, u := range []string{"", "localhost:8080", "ftp://host", "http://"} {
		_, err := New(Options{ID: "a", URL: u})
		assert.Error(t, err, u)
	}

	w, err := New(Options{ID: "a", URL: "http://localhost:9000/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", w.baseURL)
	assert.Equal(t, DefaultTimeout, w.client.Timeout)
}

func TestWorker_Message(t *testing.T) {
	fake := backendtest.NewWorker("fake", -100)
	want := fake.AddDocument(12, "clip.mp4", "video/mp4", backendtest.Pattern(500))
	srv := newBridge(t, fake, "")
	w := newTestWorker(t, srv.URL, "")

	msg, err := w.Message(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, want.ID, msg.ID)
	require.NotNil(t, msg.Document)
	assert.Equal(t, want.Document.File, msg.Document.File)

	_, err = w.Message(context.Background(), 13)
	assert.ErrorIs(t, err, backend.ErrMessageNotFound)
}

func TestWorker_History(t *testing.T) {
	fake := backendtest.NewWorker("fake", -100)
	for i := int64(1); i <= 4; i++ {
		fake.AddDocument(i, "f", "", backendtest.Pattern(10))
	}
	srv := newBridge(t, fake, "")
	w := newTestWorker(t, srv.URL, "")

	msgs, err := w.History(context.Background(), -100, 2, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].ID)
	assert.Equal(t, int64(2), msgs[1].ID)
}

func TestWorker_FetchChunk(t *testing.T) {
	fake := backendtest.NewWorker("fake", -100)
	data := backendtest.Pattern(1000)
	msg := fake.AddDocument(1, "a.bin", "", data)
	srv := newBridge(t, fake, "")
	w := newTestWorker(t, srv.URL, "")

	chunk, err := w.FetchChunk(context.Background(), msg.Document.Location, 256, 256)
	require.NoError(t, err)
	assert.Equal(t, data[256:512], chunk)

	tail, err := w.FetchChunk(context.Background(), msg.Document.Location, 768, 256)
	require.NoError(t, err)
	assert.Equal(t, data[768:], tail)
}

func TestWorker_FetchChunkRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	defer srv.Close()
	w := newTestWorker(t, srv.URL, "")

	_, err := w.FetchChunk(context.Background(), "x", 0, 64)
	assert.Error(t, err)
}

func TestWorker_BearerToken(t *testing.T) {
	fake := backendtest.NewWorker("fake", -100)
	fake.AddDocument(1, "a.bin", "", backendtest.Pattern(10))
	srv := newBridge(t, fake, "s3cret")

	_, err := newTestWorker(t, srv.URL, "s3cret").Message(context.Background(), 1)
	require.NoError(t, err)

	_, err = newTestWorker(t, srv.URL, "wrong").Message(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
	assert.Contains(t, err.Error(), "401")
}

func TestWorker_ErrorBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session expired", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	w := newTestWorker(t, srv.URL, "")

	_, err := w.Message(context.Background(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, backend.ErrMessageNotFound)
	assert.True(t, strings.Contains(err.Error(), "session expired"))
}

func TestWorker_Cancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	w := newTestWorker(t, srv.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.FetchChunk(ctx, "x", 0, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_StreamsThroughStitcher(t *testing.T) {
	fake := backendtest.NewWorker("fake", -100)
	data := backendtest.Pattern(5000)
	fake.AddDocument(9, "movie.mkv", "video/x-matroska", data)
	srv := newBridge(t, fake, "")
	w := newTestWorker(t, srv.URL, "")

	d, err := stream.NewResolver(w, nil).Resolve(context.Background(), 9)
	require.NoError(t, err)
	rng, err := stream.ParseRange("bytes=1000-3999", d.Size)
	require.NoError(t, err)

	s := stream.NewStitcher(context.Background(), stream.StitcherConfig{
		Worker:     w,
		Descriptor: d,
		Plan:       stream.NewPlan(rng, 1024),
	})
	defer func() { _ = s.Close() }()

	var got []byte
	for {
		buf, err := s.Next()
		if err != nil {
			break
		}
		got = append(got, buf...)
	}
	assert.Equal(t, data[1000:4000], got)
}
