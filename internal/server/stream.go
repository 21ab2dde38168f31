package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/webstreamer/webstreamer/internal/stream"
)

// parseStreamPath extracts the message id and the presented token. It accepts
// {token}{id} and {id}[/{anything}]?hash={token}.
func (s *Server) parseStreamPath(r *http.Request) (messageID int64, token string, ok bool) {
	path := r.PathValue("path")

	if m := s.tokenPath.FindStringSubmatch(path); m != nil {
		id, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return 0, "", false
		}
		return id, m[1], true
	}
	if m := s.idPath.FindStringSubmatch(path); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, "", false
		}
		return id, r.URL.Query().Get("hash"), true
	}
	return 0, "", false
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	messageID, token, ok := s.parseStreamPath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	err := s.serveMedia(w, r, messageID, token)
	if err == nil {
		return
	}

	var rangeErr *stream.RangeError
	switch {
	case errors.As(err, &rangeErr):
		for k, v := range unsatisfiableHeaders(rangeErr.Size) {
			w.Header()[k] = v
		}
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	case errors.Is(err, stream.ErrInvalidAccess):
		logger.Debug().Int64("message_id", messageID).Msg("Rejected stream request with invalid token")
		http.Error(w, "Invalid Hash", http.StatusForbidden)
	case errors.Is(err, stream.ErrObjectNotFound):
		http.Error(w, "Not Found", http.StatusNotFound)
	case r.Context().Err() != nil:
		// Only the client's own disconnect is benign here; a reset from the
		// backend must still produce a status for a live client.
		logger.Debug().Err(err).Int64("message_id", messageID).Msg("Client went away before streaming started")
	default:
		logger.Error().Err(err).Int64("message_id", messageID).Msg("Failed to serve media")
		msg := http.StatusText(http.StatusInternalServerError)
		if s.cfg.ExposeErrors {
			msg = err.Error()
		}
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

// serveMedia streams one object. Errors returned before the status line is
// written are mapped to a response by the caller; failures after that point
// are logged here and reported as nil.
func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request, messageID int64, token string) error {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	lease := s.pool.Acquire()
	defer lease.Release()
	worker := lease.Worker()

	if s.pool.Len() > 1 {
		logger.Debug().Str("worker", worker.ID()).Str("remote", r.RemoteAddr).Msg("Worker selected for request")
	}

	d, err := s.resolvers.Get(worker).Resolve(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.guard.Verify(d.UniqueID, token); err != nil {
		return err
	}

	rng, err := stream.ParseRange(r.Header.Get("Range"), d.Size)
	if err != nil {
		return err
	}

	status, headers := buildHeaders(d, rng)
	for k, v := range headers {
		w.Header()[k] = v
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead || rng.Length() <= 0 {
		return nil
	}

	body := stream.NewStitcher(ctx, stream.StitcherConfig{
		Worker:     worker,
		Descriptor: d,
		Plan:       stream.NewPlan(rng, s.cfg.ChunkSize.Bytes()),
		Metrics:    s.metrics,
		Logger:     logger.With().Str("worker", worker.ID()).Int64("message_id", messageID).Logger(),
	})
	defer func() { _ = body.Close() }()

	start := time.Now()
	var sent int64
	for {
		buf, err := body.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logStreamError(ctx, logger, err, messageID, sent)
			break
		}
		n, err := w.Write(buf)
		sent += int64(n)
		if err != nil {
			logStreamError(ctx, logger, err, messageID, sent)
			break
		}
	}
	s.metrics.RecordBytes(sent)

	logger.Debug().
		Int64("message_id", messageID).
		Int64("bytes", sent).
		Int64("expected", rng.Length()).
		Dur("duration", time.Since(start)).
		Msg("Stream finished")
	return nil
}

func logStreamError(ctx context.Context, logger *zerolog.Logger, err error, messageID, sent int64) {
	if isBenign(err) || ctx.Err() != nil {
		logger.Debug().Err(err).Int64("message_id", messageID).Int64("bytes", sent).Msg("Client disconnected mid-stream")
		return
	}
	logger.Error().Err(err).Int64("message_id", messageID).Int64("bytes", sent).Msg("Stream interrupted")
}

// isBenign reports errors caused by the client going away.
func isBenign(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrHandlerTimeout)
}
