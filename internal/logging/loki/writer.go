// Package loki ships zerolog output to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultTimeout       = 10 * time.Second

	pushPath = "/loki/api/v1/push"

	// Only the first few delivery failures are reported on stderr.
	maxReportedErrors = 3
)

// Config configures a Writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static stream labels
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
}

// Writer is an io.Writer that batches zerolog JSON lines and pushes them to
// Loki, one stream per log level. Delivery failures never surface to the
// logger; they are counted and dropped.
type Writer struct {
	url       string
	labels    map[string]string
	client    *http.Client
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending []line

	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	failed atomic.Uint64
}

type line struct {
	ts    time.Time
	level string
	text  string
}

type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a Writer. Call Start to begin shipping.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	labels := map[string]string{"job": "webstreamer"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		url:       strings.TrimSuffix(cfg.URL, "/"),
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Write implements io.Writer. It always reports success.
func (w *Writer) Write(p []byte) (int, error) {
	text := strings.TrimSpace(string(p))
	if text == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, line{ts: time.Now(), level: levelOf(text), text: text})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the flush loop until Stop.
func (w *Writer) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			case <-w.kick:
			}
			w.Flush(context.Background())
		}
	}()
}

// Stop ends the flush loop and pushes whatever is still buffered.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
	w.Flush(context.Background())
}

// Flush pushes buffered lines now. Concurrent calls send disjoint batches.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := w.push(ctx, batch); err != nil {
		if n := w.failed.Add(1); n <= maxReportedErrors {
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
	}
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.failed.Load()
}

func (w *Writer) push(ctx context.Context, batch []line) error {
	byLevel := make(map[string]*pushStream)
	var order []string
	for _, l := range batch {
		s, ok := byLevel[l.level]
		if !ok {
			labels := make(map[string]string, len(w.labels)+1)
			for k, v := range w.labels {
				labels[k] = v
			}
			labels["level"] = l.level
			s = &pushStream{Stream: labels}
			byLevel[l.level] = s
			order = append(order, l.level)
		}
		s.Values = append(s.Values, [2]string{strconv.FormatInt(l.ts.UnixNano(), 10), l.text})
	}

	req := pushRequest{Streams: make([]pushStream, 0, len(order))}
	for _, lvl := range order {
		req.Streams = append(req.Streams, *byLevel[lvl])
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.client.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push %d lines: %w", len(batch), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %d lines: status %d", len(batch), resp.StatusCode)
	}
	return nil
}

// levelOf extracts the zerolog level field, or "unknown" for lines that are
// not zerolog JSON.
func levelOf(text string) string {
	var fields struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(text), &fields); err != nil || fields.Level == "" {
		return "unknown"
	}
	return fields.Level
}
