// Package remote implements a backend worker that talks to a messaging
// service session bridge over HTTP.
//
// The bridge owns the authenticated session; this package only speaks its
// small JSON/bytes API:
//
//	GET /messages/{id}                          message JSON, 404 when absent
//	GET /history?channel=&limit=&offset_id=     {"messages": [...]}
//	GET /chunk?location=&offset=&limit=         raw bytes
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/webstreamer/webstreamer/internal/backend"
)

// DefaultTimeout bounds a single bridge request when none is configured.
const DefaultTimeout = 30 * time.Second

// Options configures a remote worker.
type Options struct {
	ID      string
	URL     string
	Token   string // sent as a bearer token when set
	Timeout time.Duration
}

// Worker is a backend.Worker backed by a session bridge.
type Worker struct {
	id      string
	baseURL string
	token   string
	client  *http.Client
}

// ErrorResponse is the bridge's error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type historyResponse struct {
	Messages []backend.Message `json:"messages"`
}

// New creates a remote worker.
func New(opts Options) (*Worker, error) {
	if opts.ID == "" {
		return nil, errors.New("remote worker needs an id")
	}
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid bridge url %q", opts.URL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Worker{
		id:      opts.ID,
		baseURL: strings.TrimRight(opts.URL, "/"),
		token:   opts.Token,
		client:  &http.Client{Timeout: opts.Timeout},
	}, nil
}

// ID implements backend.Worker.
func (w *Worker) ID() string { return w.id }

// Message implements backend.Worker.
func (w *Worker) Message(ctx context.Context, messageID int64) (*backend.Message, error) {
	resp, err := w.get(ctx, "/messages/"+strconv.FormatInt(messageID, 10), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, backend.ErrMessageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var msg backend.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// History implements backend.Worker.
func (w *Worker) History(ctx context.Context, channel int64, limit int, offsetID int64) ([]backend.Message, error) {
	q := url.Values{}
	q.Set("channel", strconv.FormatInt(channel, 10))
	q.Set("limit", strconv.Itoa(limit))
	if offsetID != 0 {
		q.Set("offset_id", strconv.FormatInt(offsetID, 10))
	}

	resp, err := w.get(ctx, "/history", q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var result historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return result.Messages, nil
}

// FetchChunk implements backend.Worker.
func (w *Worker) FetchChunk(ctx context.Context, loc backend.Location, offset, limit int64) ([]byte, error) {
	q := url.Values{}
	q.Set("location", string(loc))
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("limit", strconv.FormatInt(limit, 10))

	resp, err := w.get(ctx, "/chunk", q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	// One byte over the limit tells a misbehaving bridge apart from a full chunk.
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("bridge returned more than %d bytes", limit)
	}
	return data, nil
}

func (w *Worker) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	target := w.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		// Surface cancellation as-is so callers can tell it from a bridge failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("bridge %s: %w", w.id, err)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		if errResp.Message != "" {
			return fmt.Errorf("bridge error %d: %s: %s", resp.StatusCode, errResp.Error, errResp.Message)
		}
		return fmt.Errorf("bridge error %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("bridge request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
