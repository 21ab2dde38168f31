package stream

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/metrics"
)

// Pool is the registry of backend workers and their in-flight request load.
// The worker set is fixed at construction; loads change with every request.
type Pool struct {
	workers []backend.Worker
	loads   []atomic.Int64
	metrics *metrics.GatewayMetrics
}

// WorkerLoad is a point-in-time view of one worker's load.
type WorkerLoad struct {
	ID   string
	Load int64
}

// NewPool registers workers in the given order. The order decides ties in Select.
func NewPool(m *metrics.GatewayMetrics, workers ...backend.Worker) (*Pool, error) {
	if len(workers) == 0 {
		return nil, ErrBackendUnavailable
	}

	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		if seen[w.ID()] {
			return nil, fmt.Errorf("duplicate worker id %q", w.ID())
		}
		seen[w.ID()] = true
	}

	p := &Pool{
		workers: append([]backend.Worker(nil), workers...),
		loads:   make([]atomic.Int64, len(workers)),
		metrics: m,
	}
	m.SetWorkersRegistered(len(workers))
	for _, w := range workers {
		m.SetWorkerLoad(w.ID(), 0)
	}
	return p, nil
}

// Len returns the number of registered workers.
func (p *Pool) Len() int {
	return len(p.workers)
}

// Primary returns the first registered worker.
func (p *Pool) Primary() backend.Worker {
	return p.workers[0]
}

// Select returns the worker with the lowest current load; ties go to the
// earliest registered worker. It does not change any load.
func (p *Pool) Select() backend.Worker {
	return p.workers[p.selectIndex()]
}

func (p *Pool) selectIndex() int {
	best := 0
	bestLoad := p.loads[0].Load()
	for i := 1; i < len(p.loads); i++ {
		if l := p.loads[i].Load(); l < bestLoad {
			best, bestLoad = i, l
		}
	}
	return best
}

// Acquire selects a worker and counts a request against it until the
// returned Lease is released.
//
// Selection and increment are separate atomic steps, so simultaneous calls
// may pick the same worker. Load is a balancing hint, not a quota; the skew
// is bounded by the number of concurrent Acquire calls.
func (p *Pool) Acquire() *Lease {
	i := p.selectIndex()
	load := p.loads[i].Add(1)
	p.metrics.SetWorkerLoad(p.workers[i].ID(), load)
	return &Lease{pool: p, index: i}
}

// Loads returns the load of every worker in registration order.
func (p *Pool) Loads() []WorkerLoad {
	out := make([]WorkerLoad, len(p.workers))
	for i, w := range p.workers {
		out[i] = WorkerLoad{ID: w.ID(), Load: p.loads[i].Load()}
	}
	return out
}

// Lease is one request's claim on a worker.
type Lease struct {
	pool     *Pool
	index    int
	released sync.Once
}

// Worker returns the leased worker.
func (l *Lease) Worker() backend.Worker {
	return l.pool.workers[l.index]
}

// Release returns the claim. Only the first call has an effect.
func (l *Lease) Release() {
	l.released.Do(func() {
		load := l.pool.loads[l.index].Add(-1)
		l.pool.metrics.SetWorkerLoad(l.pool.workers[l.index].ID(), load)
	})
}
