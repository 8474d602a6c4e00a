// Package worker runs keyed work serially: every task submitted under the same
// key executes on the same goroutine, in submission order.
package worker

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

type Worker struct {
	ch   chan func()
	done chan struct{}
}

func NewWorker(queue int) *Worker {
	w := &Worker{ch: make(chan func(), queue), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for fn := range w.ch {
			fn()
		}
	}()
	return w
}

func (w *Worker) Submit(fn func()) {
	w.ch <- fn
}

type Dispatcher struct {
	workers []*Worker
	once    sync.Once

	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(n, queue int) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	ws := make([]*Worker, n)
	for i := range ws {
		ws[i] = NewWorker(queue)
	}
	return &Dispatcher{workers: ws}
}

// Dispatch queues fn on key's worker. After Stop, fn runs on the caller's
// goroutine instead.
func (d *Dispatcher) Dispatch(key string, fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		fn()
		return
	}
	idx := xxhash.Sum64String(key) % uint64(len(d.workers))
	d.workers[idx].Submit(fn)
}

// Do runs fn on key's worker and waits for it to finish.
func Do[T any](d *Dispatcher, key string, fn func() T) T {
	out := make(chan T, 1)
	d.Dispatch(key, func() { out <- fn() })
	return <-out
}

// Stop drains queued work and stops every worker.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		for _, w := range d.workers {
			close(w.ch)
		}
		for _, w := range d.workers {
			<-w.done
		}
	})
}
