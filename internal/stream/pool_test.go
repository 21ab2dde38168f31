package stream

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webstreamer/webstreamer/internal/backend"
	"github.com/webstreamer/webstreamer/internal/backend/backendtest"
	"github.com/webstreamer/webstreamer/internal/metrics"
)

func newTestPool(t *testing.T, ids ...string) *Pool {
	t.Helper()
	workers := make([]backend.Worker, len(ids))
	for i, id := range ids {
		workers[i] = backendtest.NewWorker(id, -100)
	}
	p, err := NewPool(nil, workers...)
	require.NoError(t, err)
	return p
}

func TestNewPool_Empty(t *testing.T) {
	_, err := NewPool(nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestNewPool_DuplicateID(t *testing.T) {
	_, err := NewPool(nil, backendtest.NewWorker("a", 0), backendtest.NewWorker("a", 0))
	assert.Error(t, err)
}

func TestPool_SelectTiesGoToFirst(t *testing.T) {
	p := newTestPool(t, "a", "b", "c")

	for i := 0; i < 3; i++ {
		assert.Equal(t, "a", p.Select().ID(), "selection is stable while loads are equal")
	}
	assert.Equal(t, "a", p.Primary().ID())
}

func TestPool_SelectLeastLoaded(t *testing.T) {
	p := newTestPool(t, "a", "b", "c")

	l1 := p.Acquire()
	assert.Equal(t, "a", l1.Worker().ID())
	l2 := p.Acquire()
	assert.Equal(t, "b", l2.Worker().ID())
	l3 := p.Acquire()
	assert.Equal(t, "c", l3.Worker().ID())
	l4 := p.Acquire()
	assert.Equal(t, "a", l4.Worker().ID())

	l2.Release()
	assert.Equal(t, "b", p.Select().ID())

	loads := p.Loads()
	var selected int64 = -1
	for _, wl := range loads {
		if wl.ID == p.Select().ID() {
			selected = wl.Load
		}
	}
	for _, wl := range loads {
		assert.LessOrEqual(t, selected, wl.Load)
	}
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, "a", "b")

	l := p.Acquire()
	l.Release()
	l.Release()
	l.Release()

	for _, wl := range p.Loads() {
		assert.Equal(t, int64(0), wl.Load)
	}
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	p := newTestPool(t, "a", "b", "c", "d")

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := p.Acquire()
			defer l.Release()
			_ = l.Worker().ID()
		}()
	}
	wg.Wait()

	for _, wl := range p.Loads() {
		assert.Equal(t, int64(0), wl.Load, wl.ID)
	}
}

func TestPool_PublishesLoadMetric(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	p, err := NewPool(m, backendtest.NewWorker("a", 0))
	require.NoError(t, err)

	l := p.Acquire()
	assert.Equal(t, 1.0, promtest.ToFloat64(m.WorkerLoad.WithLabelValues("a")))
	l.Release()
	assert.Equal(t, 0.0, promtest.ToFloat64(m.WorkerLoad.WithLabelValues("a")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.WorkersRegistered))
}
