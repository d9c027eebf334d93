// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduler is a container/heap timer queue driving api.Scheduler, used
// by the lcore pool for timeout bookkeeping (e.g. the TX flush interval)
// outside of the hot forwarding path.

package concurrency

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/momentics/vrouter-core/api"
)

var _ api.Scheduler = (*Scheduler)(nil)

type task struct {
	deadline int64
	fn       func()
	index    int
	canceled bool
	done     chan struct{}
	err      error
}

func (t *task) Cancel() error {
	t.canceled = true
	return nil
}

func (t *task) Done() <-chan struct{} { return t.done }

func (t *task) Err() error { return t.err }

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any)         { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler is a mutex-protected min-heap of deadlined callbacks, polled
// by a single background goroutine.
//
// _pad separates the hot mutex/heap state from cold fields the way
// cpu.CacheLinePad prevents false sharing between unrelated struct
// fields on the same cache line; this stands in for the original's
// explicit rte_prefetch0 hint, which has no portable Go equivalent.
type Scheduler struct {
	mu     sync.Mutex
	timerQ taskHeap
	_pad   cpu.CacheLinePad
	notify chan struct{}
	stop   chan struct{}
}

// NewScheduler creates and starts a Scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	heap.Init(&s.timerQ)
	go s.run()
	return s
}

// Schedule queues fn to run after delayNanos.
func (s *Scheduler) Schedule(delayNanos int64, fn func()) (api.Cancelable, error) {
	if fn == nil {
		return nil, api.ErrInvalidArgument
	}
	t := &task{deadline: s.Now() + delayNanos, fn: fn, done: make(chan struct{})}

	s.mu.Lock()
	heap.Push(&s.timerQ, t)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return t, nil
}

// Cancel cancels a previously scheduled callback.
func (s *Scheduler) Cancel(c api.Cancelable) error {
	return c.Cancel()
}

// Now returns wall-clock time in nanoseconds since the Unix epoch; it is
// not a monotonic reading.
func (s *Scheduler) Now() int64 { return time.Now().UnixNano() }

// Stop halts the background goroutine.
func (s *Scheduler) Stop() { close(s.stop) }

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.timerQ.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}

		next := s.timerQ[0]
		wait := time.Duration(next.deadline - s.Now())
		s.mu.Unlock()

		if wait > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}

		s.mu.Lock()
		if s.timerQ.Len() == 0 {
			s.mu.Unlock()
			continue
		}
		t := heap.Pop(&s.timerQ).(*task)
		s.mu.Unlock()

		if !t.canceled {
			t.fn()
		} else {
			t.err = api.ErrOperationTimeout
		}
		close(t.done)
	}
}
