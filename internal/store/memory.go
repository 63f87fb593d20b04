package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"comms-router/internal/domain"
)

// Memory is an in-process UnitOfWork. Writes are staged per unit of work and
// validated against committed versions when the unit commits, so concurrent
// units behave like optimistic transactions.
type Memory struct {
	mu      sync.Mutex
	tables  map[kind]map[string]row
	seq     int64
	retries int
}

type kind int

const (
	kindRouter kind = iota
	kindQueue
	kindAgent
	kindTask
	kindPlan
)

func (k kind) String() string {
	return [...]string{"router", "queue", "agent", "task", "plan"}[k]
}

type row struct {
	val     any
	version int64
}

func NewMemory() *Memory {
	return &Memory{
		tables: map[kind]map[string]row{
			kindRouter: {},
			kindQueue:  {},
			kindAgent:  {},
			kindTask:   {},
			kindPlan:   {},
		},
		retries: DefaultLockRetries,
	}
}

// WithLockRetries sets how many times ExecuteWithLockRetry re-runs after a conflict.
func (m *Memory) WithLockRetries(n int) *Memory {
	m.retries = n
	return m
}

func (m *Memory) Execute(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{m: m, staged: map[kind]map[string]*staged{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) ExecuteWithLockRetry(ctx context.Context, fn TxFunc) error {
	return retryOnConflict(ctx, m.retries, func() error { return m.Execute(ctx, fn) })
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, rows := range tx.staged {
		for id, s := range rows {
			cur, ok := m.tables[k][id]
			base := int64(0)
			if ok {
				base = cur.version
			}
			if base != s.base {
				return fmt.Errorf("%w: %s %s", ErrWriteConflict, k, id)
			}
		}
	}
	for k, rows := range tx.staged {
		for id, s := range rows {
			if s.deleted {
				delete(m.tables[k], id)
				continue
			}
			m.tables[k][id] = row{val: s.val, version: s.version}
		}
	}
	return nil
}

func (m *Memory) nextSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

type staged struct {
	val     any
	version int64
	// base is the committed version this write was staged against; 0 for inserts.
	base    int64
	deleted bool
}

type memTx struct {
	m      *Memory
	staged map[kind]map[string]*staged
}

func (tx *memTx) Routers() RouterRepo { return routerRepo{tx} }
func (tx *memTx) Queues() QueueRepo   { return queueRepo{tx} }
func (tx *memTx) Agents() AgentRepo   { return agentRepo{tx} }
func (tx *memTx) Tasks() TaskRepo     { return taskRepo{tx} }
func (tx *memTx) Plans() PlanRepo     { return planRepo{tx} }

// visible returns the row as seen by this unit of work.
func (tx *memTx) visible(k kind, id string) (row, bool) {
	if s, ok := tx.staged[k][id]; ok {
		if s.deleted {
			return row{}, false
		}
		return row{val: s.val, version: s.version}, true
	}
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	r, ok := tx.m.tables[k][id]
	return r, ok
}

// stage reserves a write of id against the expected version and returns the
// version the row will carry. The caller fills in the staged value.
func (tx *memTx) stage(k kind, id string, expected int64) (int64, error) {
	cur, exists := tx.visible(k, id)
	switch {
	case expected == 0 && exists:
		return 0, fmt.Errorf("%w: %s %s", domain.ErrAlreadyExists, k, id)
	case expected != 0 && !exists:
		return 0, fmt.Errorf("%w: %s %s", domain.ErrNotFound, k, id)
	case expected != 0 && cur.version != expected:
		return 0, fmt.Errorf("%w: %s %s has version %d, not %d", ErrWriteConflict, k, id, cur.version, expected)
	}
	if tx.staged[k] == nil {
		tx.staged[k] = map[string]*staged{}
	}
	next := expected + 1
	if s, ok := tx.staged[k][id]; ok {
		s.version, s.deleted = next, false
		return next, nil
	}
	tx.staged[k][id] = &staged{version: next, base: expected}
	return next, nil
}

func (tx *memTx) remove(k kind, id string) error {
	cur, ok := tx.visible(k, id)
	if !ok {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, k, id)
	}
	if tx.staged[k] == nil {
		tx.staged[k] = map[string]*staged{}
	}
	if s, ok := tx.staged[k][id]; ok {
		s.val, s.deleted = nil, true
		return nil
	}
	tx.staged[k][id] = &staged{base: cur.version, deleted: true}
	return nil
}

type cloner[T any] interface{ Clone() T }

func copyOf[T any](v T) T {
	if c, ok := any(v).(cloner[T]); ok {
		return c.Clone()
	}
	return v
}

func get[T any](tx *memTx, k kind, id string) (T, error) {
	r, ok := tx.visible(k, id)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %s", domain.ErrNotFound, k, id)
	}
	return copyOf(r.val.(T)), nil
}

// scan returns every visible row of kind k accepted by keep.
func scan[T any](tx *memTx, k kind, keep func(T) bool) []T {
	tx.m.mu.Lock()
	merged := make(map[string]any, len(tx.m.tables[k]))
	for id, r := range tx.m.tables[k] {
		merged[id] = r.val
	}
	tx.m.mu.Unlock()

	for id, s := range tx.staged[k] {
		if s.deleted {
			delete(merged, id)
			continue
		}
		merged[id] = s.val
	}

	out := make([]T, 0, len(merged))
	for _, v := range merged {
		t := v.(T)
		if keep == nil || keep(t) {
			out = append(out, copyOf(t))
		}
	}
	return out
}

type routerRepo struct{ tx *memTx }

func (r routerRepo) Get(_ context.Context, id string) (domain.Router, error) {
	return get[domain.Router](r.tx, kindRouter, id)
}

func (r routerRepo) List(context.Context) ([]domain.Router, error) {
	out := scan[domain.Router](r.tx, kindRouter, nil)
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt.UnixNano(), out[i].ID, out[j].CreatedAt.UnixNano(), out[j].ID) })
	return out, nil
}

func (r routerRepo) Save(_ context.Context, v *domain.Router) error {
	next, err := r.tx.stage(kindRouter, v.ID, v.Version)
	if err != nil {
		return err
	}
	v.Version = next
	r.tx.staged[kindRouter][v.ID].val = *v
	return nil
}

func (r routerRepo) Delete(_ context.Context, id string) error { return r.tx.remove(kindRouter, id) }

type queueRepo struct{ tx *memTx }

func (r queueRepo) Get(_ context.Context, id string) (domain.Queue, error) {
	return get[domain.Queue](r.tx, kindQueue, id)
}

func (r queueRepo) List(_ context.Context, routerID string) ([]domain.Queue, error) {
	out := scan(r.tx, kindQueue, func(q domain.Queue) bool { return routerID == "" || q.RouterID == routerID })
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt.UnixNano(), out[i].ID, out[j].CreatedAt.UnixNano(), out[j].ID) })
	return out, nil
}

func (r queueRepo) Save(_ context.Context, v *domain.Queue) error {
	next, err := r.tx.stage(kindQueue, v.ID, v.Version)
	if err != nil {
		return err
	}
	v.Version = next
	r.tx.staged[kindQueue][v.ID].val = *v
	return nil
}

func (r queueRepo) Delete(_ context.Context, id string) error { return r.tx.remove(kindQueue, id) }

type agentRepo struct{ tx *memTx }

func (r agentRepo) Get(_ context.Context, id string) (domain.Agent, error) {
	return get[domain.Agent](r.tx, kindAgent, id)
}

func (r agentRepo) List(_ context.Context, routerID string) ([]domain.Agent, error) {
	out := scan(r.tx, kindAgent, func(a domain.Agent) bool { return routerID == "" || a.RouterID == routerID })
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt.UnixNano(), out[i].ID, out[j].CreatedAt.UnixNano(), out[j].ID) })
	return out, nil
}

func (r agentRepo) ListReady(_ context.Context, queueID string) ([]domain.Agent, error) {
	out := scan(r.tx, kindAgent, func(a domain.Agent) bool {
		return a.State == domain.AgentStateReady && a.InQueue(queueID)
	})
	SortReady(out)
	return out, nil
}

func (r agentRepo) Save(_ context.Context, v *domain.Agent) error {
	next, err := r.tx.stage(kindAgent, v.ID, v.Version)
	if err != nil {
		return err
	}
	v.Version = next
	r.tx.staged[kindAgent][v.ID].val = v.Clone()
	return nil
}

func (r agentRepo) Delete(_ context.Context, id string) error { return r.tx.remove(kindAgent, id) }

type taskRepo struct{ tx *memTx }

func (r taskRepo) Get(_ context.Context, id string) (domain.Task, error) {
	return get[domain.Task](r.tx, kindTask, id)
}

func (r taskRepo) List(_ context.Context, routerID string) ([]domain.Task, error) {
	out := scan(r.tx, kindTask, func(t domain.Task) bool { return routerID == "" || t.RouterID == routerID })
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r taskRepo) ListWaiting(_ context.Context, queueID string) ([]domain.Task, error) {
	out := scan(r.tx, kindTask, func(t domain.Task) bool {
		return t.State == domain.TaskStateWaiting && (queueID == "" || t.QueueID == queueID)
	})
	SortWaiting(out)
	return out, nil
}

func (r taskRepo) CountWaiting(ctx context.Context, queueID string) (int, error) {
	out, err := r.ListWaiting(ctx, queueID)
	return len(out), err
}

func (r taskRepo) CountActive(_ context.Context, queueID string) (int, error) {
	out := scan(r.tx, kindTask, func(t domain.Task) bool {
		return t.QueueID == queueID && t.State != domain.TaskStateCompleted
	})
	return len(out), nil
}

func (r taskRepo) Save(_ context.Context, v *domain.Task) error {
	next, err := r.tx.stage(kindTask, v.ID, v.Version)
	if err != nil {
		return err
	}
	if v.Seq == 0 {
		v.Seq = r.tx.m.nextSeq()
	}
	v.Version = next
	r.tx.staged[kindTask][v.ID].val = v.Clone()
	return nil
}

func (r taskRepo) Delete(_ context.Context, id string) error { return r.tx.remove(kindTask, id) }

type planRepo struct{ tx *memTx }

func (r planRepo) Get(_ context.Context, id string) (domain.Plan, error) {
	return get[domain.Plan](r.tx, kindPlan, id)
}

func (r planRepo) List(_ context.Context, routerID string) ([]domain.Plan, error) {
	out := scan(r.tx, kindPlan, func(p domain.Plan) bool { return routerID == "" || p.RouterID == routerID })
	sort.Slice(out, func(i, j int) bool { return byCreation(out[i].CreatedAt.UnixNano(), out[i].ID, out[j].CreatedAt.UnixNano(), out[j].ID) })
	return out, nil
}

func (r planRepo) Save(_ context.Context, v *domain.Plan) error {
	next, err := r.tx.stage(kindPlan, v.ID, v.Version)
	if err != nil {
		return err
	}
	v.Version = next
	r.tx.staged[kindPlan][v.ID].val = v.Clone()
	return nil
}

func (r planRepo) Delete(_ context.Context, id string) error { return r.tx.remove(kindPlan, id) }

func byCreation(ti int64, idi string, tj int64, idj string) bool {
	if ti != tj {
		return ti < tj
	}
	return idi < idj
}

// SortWaiting orders tasks for matching: priority desc, then arrival.
func SortWaiting(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].Seq < tasks[j].Seq
	})
}

// SortReady orders agents for matching: longest idle first, then id.
func SortReady(agents []domain.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		a, b := agents[i].LastAssignedAt, agents[j].LastAssignedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return agents[i].ID < agents[j].ID
	})
}
