package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

type countingHandler struct {
	started atomic.Bool
	handled atomic.Int64
	ticks   atomic.Int64
	tick    time.Duration
}

func (h *countingHandler) Start()                      { h.started.Store(true) }
func (h *countingHandler) Handle(t Task)               { h.handled.Add(int64(t.(int))) }
func (h *countingHandler) TickInterval() time.Duration { return h.tick }
func (h *countingHandler) Tick()                       { h.ticks.Inc() }

func TestWorkerHandlesTasksInOrder(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("test", &wg)
	h := &countingHandler{}
	w.Start(h)
	for i := 1; i <= 10; i++ {
		w.Sender() <- i
	}
	w.Stop()
	w.Stop()
	wg.Wait()

	assert.True(t, h.started.Load())
	assert.Equal(t, int64(55), h.handled.Load())
	assert.Equal(t, int64(0), h.ticks.Load())
}

func TestWorkerTrySendDropsWhenFull(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("full", &wg)
	for i := 0; i < defaultWorkerCapacity; i++ {
		assert.True(t, w.TrySend(1))
	}
	assert.False(t, w.TrySend(1))

	h := &countingHandler{}
	w.Start(h)
	w.Stop()
	wg.Wait()
	assert.Equal(t, int64(defaultWorkerCapacity), h.handled.Load())
}

func TestWorkerTicks(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("ticker", &wg)
	h := &countingHandler{tick: time.Millisecond}
	w.Start(h)
	deadline := time.Now().Add(5 * time.Second)
	for h.ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	w.Stop()
	wg.Wait()
	assert.True(t, h.ticks.Load() >= 3)
}
