package xinbox

import (
	"context"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"
)

// ObserverPool runs observers on a fixed set of workers so a slow observer
// never stalls Send or a delivery loop. Events that do not fit the buffer
// are dropped and counted.
type ObserverPool struct {
	queue   chan *Event
	workers int
	t       *tomb.Tomb
	closed  atomic.Bool

	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool starts workers goroutines (default 4) over a buffer of
// bufferSize events (default 1000). Cancelling ctx stops the pool like Close.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	t, _ := tomb.WithContext(ctx)
	op := &ObserverPool{queue: make(chan *Event, bufferSize), workers: workers, t: t}
	for range workers {
		t.Go(op.run)
	}
	return op
}

// Notify queues e for observers without blocking.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	e.observers = append([]Observer(nil), observers...)

	select {
	case op.queue <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run() error {
	for {
		select {
		case e := <-op.queue:
			op.dispatch(e)
		case <-op.t.Dying():
			for {
				select {
				case e := <-op.queue:
					op.dispatch(e)
				default:
					return nil
				}
			}
		}
	}
}

func (op *ObserverPool) dispatch(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs != nil {
			op.call(obs, *e)
		}
	}
	op.processed.Add(1)
}

func (op *ObserverPool) call(obs Observer, e Event) {
	defer func() {
		if recover() != nil {
			op.panics.Add(1)
		}
	}()
	obs.OnEvent(e)
}

// Close drains the buffer and stops the workers, waiting at most timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.t.Kill(nil)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-op.t.Dead():
		return nil
	case <-timer.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats is safe on a nil pool.
func (op *ObserverPool) Stats() PoolStats {
	if op == nil {
		return PoolStats{}
	}
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panics:       op.panics.Load(),
		ActiveEvents: len(op.queue),
		Workers:      op.workers,
		BufferSize:   cap(op.queue),
	}
}
