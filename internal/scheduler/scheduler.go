// Package scheduler dispatches chunk downloads to a bounded worker pool,
// in an order that can be rebuilt around a seek target at any time.
package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// FetchFunc downloads the chunk at index. The session binds this to the
// fetcher and its slot table; a nil return marks the index completed.
type FetchFunc func(ctx context.Context, index int) error

// Scheduler owns the pending-download order for one session. An index is
// dispatched at most once unless it failed and was re-enqueued by a
// reprioritization.
type Scheduler struct {
	fetch   FetchFunc
	workers int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []int
	inflight map[int]bool
	done     map[int]bool
	total    int
	stopped  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler running at most workers concurrent fetches.
func New(fetch FetchFunc, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		fetch:    fetch,
		workers:  workers,
		inflight: make(map[int]bool),
		done:     make(map[int]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// EnqueueAll seeds the queue with indices 0..n-1 in ascending order, so the
// first chunk is fetched first.
func (s *Scheduler) EnqueueAll(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total = n
	for i := 0; i < n; i++ {
		if !s.done[i] && !s.inflight[i] {
			s.queue = append(s.queue, i)
		}
	}
	s.cond.Broadcast()
}

// Reprioritize rebuilds the pending order as target..end then 0..target-1,
// skipping completed and in-flight indices. Indices that previously failed
// re-enter the queue. Returns the new dispatch order.
func (s *Scheduler) Reprioritize(target int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target < 0 {
		target = 0
	}
	if s.total > 0 && target >= s.total {
		target = s.total - 1
	}

	newOrder := make([]int, 0, s.total)
	appendPending := func(i int) {
		if !s.done[i] && !s.inflight[i] {
			newOrder = append(newOrder, i)
		}
	}
	for i := target; i < s.total; i++ {
		appendPending(i)
	}
	for i := 0; i < target; i++ {
		appendPending(i)
	}

	s.queue = newOrder
	s.cond.Broadcast()

	log.Debug().Msgf("Download order rebuilt around chunk %d: %v", target, newOrder)

	out := make([]int, len(newOrder))
	copy(out, newOrder)
	return out
}

// Run starts the worker pool. Workers exit when ctx is cancelled or Stop is
// called.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	// Wake blocked workers when the context dies from outside
	go func() {
		<-ctx.Done()
		s.cond.Broadcast()
	}()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Stop halts dispatch and waits for in-flight fetches to return. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}

// Pending returns the queued indices in dispatch order.
func (s *Scheduler) Pending() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.queue))
	copy(out, s.queue)
	return out
}

// Completed reports whether the index has finished downloading.
func (s *Scheduler) Completed(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[index]
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		index, ok := s.next(ctx)
		if !ok {
			log.Debug().Msgf("Download worker %d stopped", id)
			return
		}

		err := s.fetch(ctx, index)
		s.finish(index, err == nil)
	}
}

// next blocks until an index is available or the scheduler shuts down.
func (s *Scheduler) next(ctx context.Context) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 {
		if s.stopped || ctx.Err() != nil {
			return 0, false
		}
		s.cond.Wait()
	}
	if s.stopped || ctx.Err() != nil {
		return 0, false
	}

	index := s.queue[0]
	s.queue = s.queue[1:]
	s.inflight[index] = true
	return index, true
}

func (s *Scheduler) finish(index int, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, index)
	if completed {
		s.done[index] = true
	}
}
