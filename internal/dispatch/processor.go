package dispatch

import (
	"context"
	"sync"
)

type ProcessorState int

const (
	StateIdle ProcessorState = iota
	StateRunning
	StatePendingEviction
)

func (s ProcessorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePendingEviction:
		return "pending_eviction"
	default:
		return "unknown"
	}
}

// attemptFunc runs one matching attempt for a queue and reports whether a
// pairing was committed.
type attemptFunc func(ctx context.Context, queueID string) (bool, error)

// Processor serializes matching for one queue. Each attempt is one pool job;
// after a successful match the processor resubmits itself, and when nothing
// matches it reports idleness so the registry can arm eviction.
type Processor struct {
	queueID string
	attempt attemptFunc
	submit  func(Job) bool
	onIdle  func(*Processor)

	mu    sync.Mutex
	state ProcessorState
	// pending records a Process signal received while an attempt was running.
	pending bool
}

func newProcessor(queueID string, attempt attemptFunc, submit func(Job) bool, onIdle func(*Processor)) *Processor {
	return &Processor{queueID: queueID, attempt: attempt, submit: submit, onIdle: onIdle}
}

func (p *Processor) QueueID() string { return p.queueID }

func (p *Processor) State() ProcessorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsWorking reports whether an attempt is queued or running.
func (p *Processor) IsWorking() bool { return p.State() == StateRunning }

// Process asks for another matching attempt. It never runs the attempt inline.
func (p *Processor) Process() {
	p.mu.Lock()
	if p.state == StateRunning {
		p.pending = true
		p.mu.Unlock()
		return
	}
	p.state = StateRunning
	p.pending = false
	p.mu.Unlock()
	p.schedule()
}

func (p *Processor) schedule() {
	if p.submit(p.run) {
		return
	}
	p.mu.Lock()
	p.state = StateIdle
	p.pending = false
	p.mu.Unlock()
}

func (p *Processor) run(ctx context.Context) {
	matched, err := p.attempt(ctx, p.queueID)

	p.mu.Lock()
	if (matched && err == nil) || p.pending {
		p.pending = false
		p.mu.Unlock()
		p.schedule()
		return
	}
	p.state = StatePendingEviction
	p.mu.Unlock()

	if p.onIdle != nil {
		p.onIdle(p)
	}
}
