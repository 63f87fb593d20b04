package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_OneProcessorPerQueueUnderConcurrentProcess(t *testing.T) {
	pool := NewPool(8, time.Second, discardLogger())
	defer pool.Close()

	var inFlight, maxInFlight, calls atomic.Int64
	attempt := func(ctx context.Context, queueID string) (bool, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		calls.Add(1)
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return false, nil
	}
	r := NewRegistry(pool, attempt, time.Hour, discardLogger())
	defer r.Close()

	var wg sync.WaitGroup
	seen := make(chan *Processor, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Process("q1")
			seen <- r.ProcessorFor("q1")
		}()
	}
	wg.Wait()
	close(seen)

	var first *Processor
	for p := range seen {
		if first == nil {
			first = p
		}
		if p != first {
			t.Fatalf("expected a single processor instance for q1")
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 live processor, got %d", r.Len())
	}
	waitFor(t, time.Second, func() bool { return first.State() == StatePendingEviction })
	if maxInFlight.Load() != 1 {
		t.Fatalf("attempts for one queue overlapped: %d", maxInFlight.Load())
	}
	if calls.Load() == 0 {
		t.Fatalf("expected at least one attempt")
	}
}

func TestProcessor_ResubmitsWhileMatching(t *testing.T) {
	pool := NewPool(2, time.Second, discardLogger())
	defer pool.Close()

	var calls atomic.Int64
	attempt := func(ctx context.Context, queueID string) (bool, error) {
		return calls.Add(1) <= 3, nil
	}
	r := NewRegistry(pool, attempt, time.Hour, discardLogger())
	defer r.Close()

	r.Process("q1")
	p := r.ProcessorFor("q1")
	waitFor(t, time.Second, func() bool { return p.State() == StatePendingEviction })
	if calls.Load() != 4 {
		t.Fatalf("expected 3 matches plus one empty attempt, got %d", calls.Load())
	}
}

func TestProcessor_SignalDuringAttemptRunsAgain(t *testing.T) {
	pool := NewPool(2, time.Second, discardLogger())
	defer pool.Close()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int64
	attempt := func(ctx context.Context, queueID string) (bool, error) {
		if calls.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
		return false, nil
	}
	r := NewRegistry(pool, attempt, time.Hour, discardLogger())
	defer r.Close()

	r.Process("q1")
	<-entered
	r.Process("q1")
	r.Process("q1")
	close(release)

	p := r.ProcessorFor("q1")
	waitFor(t, time.Second, func() bool { return p.State() == StatePendingEviction })
	if calls.Load() != 2 {
		t.Fatalf("expected pending signals to collapse into one extra attempt, got %d", calls.Load())
	}
}

func TestRegistry_EvictsIdleProcessors(t *testing.T) {
	pool := NewPool(2, time.Second, discardLogger())
	defer pool.Close()

	var live atomic.Int64
	r := NewRegistry(pool, func(context.Context, string) (bool, error) { return false, nil }, 20*time.Millisecond, discardLogger())
	r.onChange = func(n int) { live.Store(int64(n)) }
	defer r.Close()

	r.Process("q1")
	r.Process("q2")
	if live.Load() != 2 {
		t.Fatalf("expected 2 live processors, got %d", live.Load())
	}
	waitFor(t, time.Second, func() bool { return r.Len() == 0 })
	if live.Load() != 0 {
		t.Fatalf("expected onChange to report 0, got %d", live.Load())
	}
}

func TestRegistry_DoesNotEvictWorkingProcessor(t *testing.T) {
	pool := NewPool(2, time.Second, discardLogger())
	defer pool.Close()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int64
	attempt := func(ctx context.Context, queueID string) (bool, error) {
		if calls.Add(1) == 2 {
			entered <- struct{}{}
			<-release
		}
		return false, nil
	}
	r := NewRegistry(pool, attempt, 20*time.Millisecond, discardLogger())
	defer r.Close()

	r.Process("q1")
	p := r.ProcessorFor("q1")
	waitFor(t, time.Second, func() bool { return p.State() == StatePendingEviction })

	// New work cancels the armed eviction; the attempt then outlives the delay.
	r.Process("q1")
	<-entered
	time.Sleep(60 * time.Millisecond)
	if r.Len() != 1 || r.ProcessorFor("q1") != p {
		t.Fatalf("working processor was evicted")
	}

	close(release)
	waitFor(t, time.Second, func() bool { return r.Len() == 0 })
}

func TestRegistry_ProcessAfterPoolClosedStaysIdle(t *testing.T) {
	pool := NewPool(1, time.Second, discardLogger())
	pool.Close()

	r := NewRegistry(pool, func(context.Context, string) (bool, error) {
		t.Fatalf("attempt must not run on a closed pool")
		return false, nil
	}, time.Hour, discardLogger())

	r.Process("q1")
	if st := r.ProcessorFor("q1").State(); st != StateIdle {
		t.Fatalf("expected idle, got %s", st)
	}
}
