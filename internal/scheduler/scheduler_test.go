package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// collectFetch records dispatch order and signals each completion.
type collectFetch struct {
	mu    sync.Mutex
	order []int
	calls map[int]int
}

func newCollectFetch() *collectFetch {
	return &collectFetch{calls: make(map[int]int)}
}

func (c *collectFetch) fn(_ context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, index)
	c.calls[index]++
	return nil
}

func (c *collectFetch) dispatched() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.order))
	copy(out, c.order)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestDispatchAscendingOrder(t *testing.T) {
	cf := newCollectFetch()
	s := New(cf.fn, 1)
	s.EnqueueAll(5)
	s.Run(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(cf.dispatched()) == 5 })

	got := cf.dispatched()
	for i, idx := range got {
		if idx != i {
			t.Fatalf("dispatch order = %v, want ascending 0..4", got)
		}
	}
}

func TestDispatchAtMostOncePerIndex(t *testing.T) {
	cf := newCollectFetch()
	s := New(cf.fn, 2)
	s.EnqueueAll(8)
	s.Run(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.done) == 8
	})

	cf.mu.Lock()
	defer cf.mu.Unlock()
	for idx, n := range cf.calls {
		if n != 1 {
			t.Errorf("index %d fetched %d times, want 1", idx, n)
		}
	}
}

func TestReprioritizeOrder(t *testing.T) {
	s := New(func(context.Context, int) error { return nil }, 1)
	s.EnqueueAll(10)
	// Not running: queue state is inspectable

	got := s.Reprioritize(6)
	want := []int{6, 7, 8, 9, 0, 1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Reprioritize(6) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Reprioritize(6) = %v, want %v", got, want)
		}
	}
}

// Reprioritizing must permute the pending set: nothing lost, nothing
// duplicated, completed indices excluded.
func TestReprioritizeIsPermutation(t *testing.T) {
	s := New(func(context.Context, int) error { return nil }, 1)
	s.EnqueueAll(12)

	// Mark a few indices completed out of band
	s.mu.Lock()
	s.done[0] = true
	s.done[3] = true
	s.done[11] = true
	s.queue = nil
	for i := 0; i < 12; i++ {
		if !s.done[i] {
			s.queue = append(s.queue, i)
		}
	}
	s.mu.Unlock()

	for _, target := range []int{0, 3, 5, 11, -2, 50} {
		got := s.Reprioritize(target)

		seen := make(map[int]bool)
		for _, idx := range got {
			if s.Completed(idx) {
				t.Errorf("target %d: completed index %d re-enqueued", target, idx)
			}
			if seen[idx] {
				t.Errorf("target %d: index %d duplicated in %v", target, idx, got)
			}
			seen[idx] = true
		}
		if len(got) != 9 {
			sorted := append([]int(nil), got...)
			sort.Ints(sorted)
			t.Errorf("target %d: %d pending indices %v, want 9", target, len(got), sorted)
		}
	}
}

func TestReprioritizeSkipsInflight(t *testing.T) {
	block := make(chan struct{})
	started := make(chan int, 1)

	s := New(func(_ context.Context, index int) error {
		started <- index
		<-block
		return nil
	}, 1)
	s.EnqueueAll(4)
	s.Run(context.Background())
	defer func() {
		close(block)
		s.Stop()
	}()

	// Worker holds index 0 in flight
	<-started

	got := s.Reprioritize(2)
	for _, idx := range got {
		if idx == 0 {
			t.Errorf("in-flight index 0 re-enqueued: %v", got)
		}
	}
	want := []int{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("Reprioritize(2) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Reprioritize(2) = %v, want %v", got, want)
		}
	}
}

func TestFailedIndexReenteredOnReprioritize(t *testing.T) {
	var mu sync.Mutex
	attempts := make(map[int]int)

	s := New(func(_ context.Context, index int) error {
		mu.Lock()
		attempts[index]++
		n := attempts[index]
		mu.Unlock()
		if index == 2 && n == 1 {
			return errors.New("transient failure")
		}
		return nil
	}, 1)
	s.EnqueueAll(4)
	s.Run(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.done) == 3 && len(s.inflight) == 0 && len(s.queue) == 0
	})

	if s.Completed(2) {
		t.Fatal("failed index 2 marked completed")
	}

	// Seek back to the failed chunk re-enqueues it
	order := s.Reprioritize(2)
	if len(order) != 1 || order[0] != 2 {
		t.Fatalf("Reprioritize(2) = %v, want [2]", order)
	}

	waitFor(t, 2*time.Second, func() bool { return s.Completed(2) })
}

func TestStopWaitsForWorkers(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)

	s := New(func(context.Context, int) error {
		started <- struct{}{}
		<-block
		return nil
	}, 1)
	s.EnqueueAll(3)
	s.Run(context.Background())

	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after workers finished")
	}

	// Idempotent
	s.Stop()
}

func TestStopBeforeRun(t *testing.T) {
	s := New(func(context.Context, int) error { return nil }, 2)
	s.EnqueueAll(3)
	s.Stop()

	if got := s.Pending(); len(got) != 3 {
		t.Errorf("Pending() after Stop = %v, want untouched queue", got)
	}
}

func TestContextCancelStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	fetched := make(chan int, 16)
	s := New(func(_ context.Context, index int) error {
		fetched <- index
		return nil
	}, 2)
	s.Run(ctx)

	cancel()
	s.wg.Wait()

	// Enqueue after cancellation must not dispatch
	s.EnqueueAll(4)
	select {
	case idx := <-fetched:
		t.Fatalf("worker fetched index %d after context cancellation", idx)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnqueueAllSkipsCompleted(t *testing.T) {
	s := New(func(context.Context, int) error { return nil }, 1)
	s.mu.Lock()
	s.done[1] = true
	s.mu.Unlock()

	s.EnqueueAll(3)
	got := s.Pending()
	want := []int{0, 2}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Pending() = %v, want %v", got, want)
	}
}
