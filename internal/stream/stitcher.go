package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/metrics"
)

// Stitcher pulls the chunks of a Plan from one worker and trims the edge
// chunks so the concatenated output is exactly the planned byte range.
//
// Chunks are fetched strictly in ascending order and only when the consumer
// asks for more data, so at most one fetch is in flight. A Stitcher is not
// restartable; build a new one to read the range again.
type Stitcher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	worker  backend.Worker
	loc     backend.Location
	plan    Plan
	metrics *metrics.GatewayMetrics
	logger  zerolog.Logger

	next      int64 // index of the next chunk to fetch
	current   []byte
	bytesRead int64
}

// StitcherConfig contains the inputs of a Stitcher.
type StitcherConfig struct {
	Worker     backend.Worker
	Descriptor backend.Descriptor
	Plan       Plan
	Metrics    *metrics.GatewayMetrics // optional
	Logger     zerolog.Logger          // optional
}

// NewStitcher creates a Stitcher. Cancelling ctx or calling Close stops any
// further fetches.
func NewStitcher(ctx context.Context, cfg StitcherConfig) *Stitcher {
	childCtx, cancel := context.WithCancel(ctx)
	return &Stitcher{
		ctx:     childCtx,
		cancel:  cancel,
		worker:  cfg.Worker,
		loc:     cfg.Descriptor.Location,
		plan:    cfg.Plan,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Next returns the next buffer of the range, or io.EOF once the range is
// complete. After cancellation it returns the context error without fetching.
func (s *Stitcher) Next() ([]byte, error) {
	if s.next >= s.plan.ChunkCount {
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	index := s.next
	offset := s.plan.AlignedOffset + index*s.plan.ChunkSize

	start := time.Now()
	chunk, err := s.worker.FetchChunk(s.ctx, s.loc, offset, s.plan.ChunkSize)
	s.metrics.RecordChunkFetch(s.worker.ID(), err, time.Since(start).Seconds())
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("fetch chunk %d at offset %d from %s: %w", index, offset, s.worker.ID(), err)
	}

	lo, hi := int64(0), s.plan.ChunkSize
	if index == 0 {
		lo = s.plan.HeadTrim
	}
	if index == s.plan.ChunkCount-1 {
		hi = s.plan.TailTrim
	}
	if hi > int64(len(chunk)) || lo > hi {
		s.logger.Debug().
			Int64("chunk", index).
			Int64("offset", offset).
			Int("got", len(chunk)).
			Int64("want", hi).
			Msg("Backend returned a short chunk")
		return nil, fmt.Errorf("chunk %d at offset %d: got %d bytes, need %d: %w", index, offset, len(chunk), hi, io.ErrUnexpectedEOF)
	}

	s.next++
	return chunk[lo:hi], nil
}

// Read implements io.Reader over the stitched range.
func (s *Stitcher) Read(p []byte) (int, error) {
	for len(s.current) == 0 {
		buf, err := s.Next()
		if err != nil {
			return 0, err
		}
		s.current = buf
	}

	n := copy(p, s.current)
	s.current = s.current[n:]
	s.bytesRead += int64(n)
	return n, nil
}

// Close stops the Stitcher. It never fails.
func (s *Stitcher) Close() error {
	s.cancel()
	return nil
}

// BytesRead returns how many bytes have been handed out through Read.
func (s *Stitcher) BytesRead() int64 {
	return s.bytesRead
}
