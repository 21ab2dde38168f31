// Package backendtest provides an in-memory backend.Worker for tests.
package backendtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webstreamer/webstreamer/internal/backend"
)

// Fetch records one FetchChunk call.
type Fetch struct {
	Location backend.Location
	Offset   int64
	Limit    int64
}

// Worker is an in-memory backend.Worker.
type Worker struct {
	id      string
	channel int64

	mu       sync.Mutex
	messages map[int64]backend.Message
	blobs    map[backend.Location][]byte
	fetches  []Fetch

	messageCalls atomic.Int32

	// FetchErr, when set, is returned by every FetchChunk call.
	FetchErr error
	// MessageErr and HistoryErr, when set, fail Message and History.
	MessageErr error
	HistoryErr error
	// Latency delays Message and FetchChunk, honouring ctx cancellation.
	Latency time.Duration
	// OnFetch, when set, runs before each FetchChunk returns.
	OnFetch func(Fetch)
}

// NewWorker creates an empty worker whose bin channel is channel.
func NewWorker(id string, channel int64) *Worker {
	return &Worker{
		id:       id,
		channel:  channel,
		messages: make(map[int64]backend.Message),
		blobs:    make(map[backend.Location][]byte),
	}
}

// ID implements backend.Worker.
func (w *Worker) ID() string { return w.id }

// AddDocument stores data as a document message and returns the message.
func (w *Worker) AddDocument(id int64, name, mime string, data []byte) backend.Message {
	loc := backend.Location(fmt.Sprintf("%s/%d", w.id, id))
	msg := backend.Message{
		ID:   id,
		Date: time.Unix(1700000000+id, 0).UTC(),
		Document: &backend.Document{File: backend.File{
			FileName: name,
			Size:     int64(len(data)),
			MimeType: mime,
			UniqueID: fmt.Sprintf("uniq-%d", id),
			Location: loc,
		}},
	}
	w.AddMessage(msg, data)
	return msg
}

// AddMessage stores msg and, when the message has media, its content.
func (w *Worker) AddMessage(msg backend.Message, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages[msg.ID] = msg
	if info, ok := msg.Media(); ok {
		w.blobs[info.Location] = data
	}
}

// Message implements backend.Worker.
func (w *Worker) Message(ctx context.Context, messageID int64) (*backend.Message, error) {
	w.messageCalls.Add(1)
	if err := w.wait(ctx); err != nil {
		return nil, err
	}
	if w.MessageErr != nil {
		return nil, w.MessageErr
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	msg, ok := w.messages[messageID]
	if !ok {
		return nil, backend.ErrMessageNotFound
	}
	return &msg, nil
}

// History implements backend.Worker. Only the bin channel has messages.
func (w *Worker) History(_ context.Context, channel int64, limit int, offsetID int64) ([]backend.Message, error) {
	if w.HistoryErr != nil {
		return nil, w.HistoryErr
	}
	if channel != w.channel {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]int64, 0, len(w.messages))
	for id := range w.messages {
		if offsetID == 0 || id < offsetID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]backend.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.messages[id])
	}
	return out, nil
}

// FetchChunk implements backend.Worker.
func (w *Worker) FetchChunk(ctx context.Context, loc backend.Location, offset, limit int64) ([]byte, error) {
	f := Fetch{Location: loc, Offset: offset, Limit: limit}

	w.mu.Lock()
	w.fetches = append(w.fetches, f)
	data, ok := w.blobs[loc]
	w.mu.Unlock()

	if w.OnFetch != nil {
		w.OnFetch(f)
	}
	if err := w.wait(ctx); err != nil {
		return nil, err
	}
	if w.FetchErr != nil {
		return nil, w.FetchErr
	}
	if !ok {
		return nil, fmt.Errorf("unknown location %q", loc)
	}
	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	end := offset + limit
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])
	return chunk, nil
}

// Fetches returns the FetchChunk calls made so far, in call order.
func (w *Worker) Fetches() []Fetch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Fetch(nil), w.fetches...)
}

// MessageCalls returns how many times Message was called.
func (w *Worker) MessageCalls() int {
	return int(w.messageCalls.Load())
}

func (w *Worker) wait(ctx context.Context) error {
	if w.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(w.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pattern returns n deterministic bytes, handy for checking reassembly.
func Pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}
