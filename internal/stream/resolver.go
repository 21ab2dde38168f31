package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// ResolveTimeout bounds a shared metadata lookup.
const ResolveTimeout = 30 * time.Second

// Resolver turns message ids into descriptors through one worker and
// remembers every answer for the life of the process.
//
// The cache is never evicted. Descriptors are small and the set of streamed
// messages is bounded by the bin channel, so growth is accepted.
type Resolver struct {
	worker  backend.Worker
	metrics *metrics.GatewayMetrics

	mu    sync.RWMutex
	cache map[int64]backend.Descriptor
	group singleflight.Group
}

// NewResolver creates a Resolver bound to worker.
func NewResolver(worker backend.Worker, m *metrics.GatewayMetrics) *Resolver {
	return &Resolver{
		worker:  worker,
		metrics: m,
		cache:   make(map[int64]backend.Descriptor),
	}
}

// Worker returns the worker the resolver is bound to.
func (r *Resolver) Worker() backend.Worker {
	return r.worker
}

// Resolve returns the descriptor of messageID, asking the worker on a cache miss.
// It returns ErrObjectNotFound when the message is missing or has no media.
func (r *Resolver) Resolve(ctx context.Context, messageID int64) (backend.Descriptor, error) {
	r.mu.RLock()
	d, ok := r.cache[messageID]
	r.mu.RUnlock()
	r.metrics.RecordCacheLookup(r.worker.ID(), ok)
	if ok {
		return d, nil
	}

	if err := ctx.Err(); err != nil {
		return backend.Descriptor{}, err
	}

	// Concurrent misses for the same id share one backend call. The call is
	// detached from the caller that started it, so one client going away does
	// not fail the others; each caller still stops waiting on its own ctx.
	ch := r.group.DoChan(strconv.FormatInt(messageID, 10), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ResolveTimeout)
		defer cancel()
		return r.fetch(fetchCtx, messageID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return backend.Descriptor{}, res.Err
		}
		return res.Val.(backend.Descriptor), nil
	case <-ctx.Done():
		return backend.Descriptor{}, ctx.Err()
	}
}

func (r *Resolver) fetch(ctx context.Context, messageID int64) (backend.Descriptor, error) {
	msg, err := r.worker.Message(ctx, messageID)
	if errors.Is(err, backend.ErrMessageNotFound) {
		return backend.Descriptor{}, fmt.Errorf("message %d: %w", messageID, ErrObjectNotFound)
	}
	if err != nil {
		return backend.Descriptor{}, fmt.Errorf("get message %d from %s: %w", messageID, r.worker.ID(), err)
	}

	d, ok := backend.Describe(msg)
	if !ok {
		return backend.Descriptor{}, fmt.Errorf("message %d has no media: %w", messageID, ErrObjectNotFound)
	}

	r.mu.Lock()
	r.cache[messageID] = d
	r.mu.Unlock()

	log.Debug().
		Str("worker", r.worker.ID()).
		Int64("message_id", messageID).
		Str("file_name", d.FileName).
		Int64("size", d.Size).
		Msg("Resolved file properties")
	return d, nil
}

// Cached returns the number of descriptors held.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// ResolverCache holds one Resolver per worker, keyed by worker id.
type ResolverCache struct {
	resolvers sync.Map // worker id -> *Resolver
	metrics   *metrics.GatewayMetrics
}

// NewResolverCache creates an empty cache.
func NewResolverCache(m *metrics.GatewayMetrics) *ResolverCache {
	return &ResolverCache{metrics: m}
}

// Get returns the resolver for worker, creating it on first use. When two
// callers race on the first use, one resolver wins and the other is dropped.
func (c *ResolverCache) Get(worker backend.Worker) *Resolver {
	if r, ok := c.resolvers.Load(worker.ID()); ok {
		return r.(*Resolver)
	}
	r, loaded := c.resolvers.LoadOrStore(worker.ID(), NewResolver(worker, c.metrics))
	if !loaded {
		log.Debug().Str("worker", worker.ID()).Msg("Created resolver for worker")
	}
	return r.(*Resolver)
}
