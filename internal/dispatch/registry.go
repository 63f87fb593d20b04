package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultEvictionDelay = 10 * time.Minute

// Registry owns the queue id to processor map. Creation, lookup, signalling
// and eviction all happen under one mutex, so at most one processor per queue
// is live and an eviction can never interleave with a new Process signal.
type Registry struct {
	log     *slog.Logger
	pool    *Pool
	delay   time.Duration
	attempt attemptFunc
	// onChange is called with the number of live processors after it changes.
	onChange func(n int)

	mu         sync.Mutex
	processors map[string]*Processor
	evictions  map[string]*ScheduledJob
}

func NewRegistry(pool *Pool, attempt attemptFunc, evictionDelay time.Duration, log *slog.Logger) *Registry {
	if evictionDelay <= 0 {
		evictionDelay = DefaultEvictionDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log,
		pool:       pool,
		delay:      evictionDelay,
		attempt:    attempt,
		processors: map[string]*Processor{},
		evictions:  map[string]*ScheduledJob{},
	}
}

// ProcessorFor returns the live processor for queueID, creating it if absent.
func (r *Registry) ProcessorFor(queueID string) *Processor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processorForLocked(queueID)
}

func (r *Registry) processorForLocked(queueID string) *Processor {
	if p, ok := r.processors[queueID]; ok {
		return p
	}
	p := newProcessor(queueID, r.attempt, r.pool.Submit, r.idle)
	r.processors[queueID] = p
	r.changed()
	return p
}

// Process wakes the queue's processor. Pending eviction is cancelled.
func (r *Registry) Process(queueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.processorForLocked(queueID)
	if j, ok := r.evictions[queueID]; ok {
		j.Stop()
		delete(r.evictions, queueID)
	}
	p.Process()
}

func (r *Registry) idle(p *Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processors[p.queueID] != p {
		return
	}
	if j, ok := r.evictions[p.queueID]; ok {
		j.Stop()
		delete(r.evictions, p.queueID)
	}
	j := r.pool.Schedule(r.delay, func(context.Context) { r.evict(p) })
	if j != nil {
		r.evictions[p.queueID] = j
	}
}

// evict drops p if it is still the registered processor and still idle.
func (r *Registry) evict(p *Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processors[p.queueID] != p || p.IsWorking() {
		return
	}
	delete(r.processors, p.queueID)
	delete(r.evictions, p.queueID)
	r.changed()
	r.log.Debug("queue processor evicted", "queue_id", p.queueID)
}

// Len returns the number of live processors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processors)
}

// Close cancels pending evictions.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, j := range r.evictions {
		j.Stop()
		delete(r.evictions, id)
	}
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange(len(r.processors))
	}
}
