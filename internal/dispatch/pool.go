package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	DefaultWorkers       = 8
	DefaultShutdownGrace = 10 * time.Second
)

// Job is a unit of work run by the pool. ctx is cancelled when shutdown is forced.
type Job func(ctx context.Context)

// Pool is a fixed set of workers draining a FIFO queue. Submit never blocks
// and Schedule arms a cancellable timer that submits on expiry, so all
// matching, timeouts and deliveries share the same bounded set of goroutines.
type Pool struct {
	log   *slog.Logger
	grace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []Job
	timers map[*ScheduledJob]struct{}
	closed bool

	wg sync.WaitGroup
}

func NewPool(workers int, grace time.Duration, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:    log,
		grace:  grace,
		ctx:    ctx,
		cancel: cancel,
		timers: map[*ScheduledJob]struct{}{},
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues fn. It returns false once the pool is closed.
func (p *Pool) Submit(fn Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.jobs = append(p.jobs, fn)
	p.cond.Signal()
	return true
}

// ScheduledJob is a pending delayed submission.
type ScheduledJob struct {
	p     *Pool
	timer *time.Timer
}

// Stop cancels the job. It reports whether the job had not fired yet.
func (j *ScheduledJob) Stop() bool {
	if j == nil {
		return false
	}
	stopped := j.timer.Stop()
	j.p.mu.Lock()
	delete(j.p.timers, j)
	j.p.mu.Unlock()
	return stopped
}

// Schedule submits fn after delay. It returns nil once the pool is closed.
func (p *Pool) Schedule(delay time.Duration, fn Job) *ScheduledJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	j := &ScheduledJob{p: p}
	j.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, j)
		p.mu.Unlock()
		p.Submit(fn)
	})
	p.timers[j] = struct{}{}
	return j
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.jobs) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs[0] = nil
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	job(p.ctx)
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Close stops accepting work, cancels timers and drains the queue within the
// grace period. If workers are still busy after that, queued jobs are dropped,
// the job context is cancelled and Close waits one more grace period.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for j := range p.timers {
		j.timer.Stop()
	}
	p.timers = map[*ScheduledJob]struct{}{}
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("pool down")
		return
	case <-time.After(p.grace):
	}

	p.mu.Lock()
	dropped := len(p.jobs)
	p.jobs = nil
	p.mu.Unlock()
	p.log.Warn("forcing pool shutdown", "dropped_jobs", dropped)
	p.cancel()

	select {
	case <-done:
		p.log.Info("pool down after being forced")
	case <-time.After(p.grace):
		p.log.Error("pool did not shut down")
	}
}
