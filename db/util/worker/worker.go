package worker

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

type Task interface{}

// Worker runs tasks one at a time on a dedicated goroutine.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
	stopOnce sync.Once
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

// Ticker is implemented by handlers that also want periodic callbacks.
type Ticker interface {
	TickInterval() time.Duration
	Tick()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		var tickCh <-chan time.Time
		ticker, _ := handler.(Ticker)
		if ticker != nil && ticker.TickInterval() > 0 {
			t := time.NewTicker(ticker.TickInterval())
			defer t.Stop()
			tickCh = t.C
		}
		log.Debug("worker started", zap.String("name", w.name))
		for {
			select {
			case task := <-w.receiver:
				if _, ok := task.(TaskStop); ok {
					log.Debug("worker stopped", zap.String("name", w.name))
					return
				}
				handler.Handle(task)
			case <-tickCh:
				ticker.Tick()
			}
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// TrySend queues t unless the queue is full. Tasks that are idempotent, such
// as maintenance requests, can be dropped safely when one is pending.
func (w *Worker) TrySend(t Task) bool {
	select {
	case w.sender <- t:
		return true
	default:
		return false
	}
}

// Stop asks the worker to exit after the tasks queued before it. It is safe
// to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.sender <- TaskStop{}
	})
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
