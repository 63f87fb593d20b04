package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"comms-router/internal/domain"
	"comms-router/pkg/utils"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is a UnitOfWork over database/sql (pgx stdlib driver).
//
// Concurrency is optimistic: every UPDATE/DELETE is guarded by the version read
// earlier in the unit. Serialization failures and deadlocks surface as
// ErrWriteConflict so ExecuteWithLockRetry can re-run the unit.
type Postgres struct {
	db        *sql.DB
	retries   int
	isolation sql.IsolationLevel
}

// NewPostgres runs every unit of work at isolation, read committed when it is
// sql.LevelDefault.
func NewPostgres(db *sql.DB, lockRetries int, isolation sql.IsolationLevel) *Postgres {
	if lockRetries <= 0 {
		lockRetries = DefaultLockRetries
	}
	if isolation == sql.LevelDefault {
		isolation = sql.LevelReadCommitted
	}
	return &Postgres{db: db, retries: lockRetries, isolation: isolation}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Execute(ctx context.Context, fn TxFunc) error {
	err := utils.WithTx(ctx, p.db, p.isolation, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
	return mapPgError(err)
}

func (p *Postgres) ExecuteWithLockRetry(ctx context.Context, fn TxFunc) error {
	return retryOnConflict(ctx, p.retries, func() error { return p.Execute(ctx, fn) })
}

// mapPgError turns retryable Postgres failures into ErrWriteConflict and
// constraint violations into the matching domain error.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrWriteConflict, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, pgErr.Message)
		case "23503":
			return fmt.Errorf("%w: %s", domain.ErrReferenced, pgErr.Message)
		}
	}
	return err
}

type pgTx struct{ tx *sql.Tx }

func (t *pgTx) Routers() RouterRepo { return pgRouters{t.tx} }
func (t *pgTx) Queues() QueueRepo   { return pgQueues{t.tx} }
func (t *pgTx) Agents() AgentRepo   { return pgAgents{t.tx} }
func (t *pgTx) Tasks() TaskRepo     { return pgTasks{t.tx} }
func (t *pgTx) Plans() PlanRepo     { return pgPlans{t.tx} }

type scanner interface {
	Scan(dest ...any) error
}

// checkUpdated converts a zero-row guarded write into ErrNotFound or ErrWriteConflict.
func checkUpdated(ctx context.Context, tx *sql.Tx, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := tx.QueryRowContext(ctx, q, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, table, id)
	}
	return fmt.Errorf("%w: %s %s", ErrWriteConflict, table, id)
}

func notFound(err error, table, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, table, id)
	}
	return err
}

func deleteByID(ctx context.Context, tx *sql.Tx, table, id string) error {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, table, id)
	}
	return nil
}

// jsonArg encodes v for a JSONB parameter.
func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode: %w", err)
	}
	return string(b), nil
}

func attrsArg(a domain.Attributes) (string, error) {
	if a == nil {
		a = domain.Attributes{}
	}
	return jsonArg(a)
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}

// routers

type pgRouters struct{ tx *sql.Tx }

const routerCols = `id, name, description, version, created_at, updated_at`

func scanRouter(s scanner) (domain.Router, error) {
	var r domain.Router
	err := s.Scan(&r.ID, &r.Name, &r.Description, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (r pgRouters) Get(ctx context.Context, id string) (domain.Router, error) {
	out, err := scanRouter(r.tx.QueryRowContext(ctx, `SELECT `+routerCols+` FROM routers WHERE id = $1`, id))
	if err != nil {
		return domain.Router{}, notFound(err, "routers", id)
	}
	return out, nil
}

func (r pgRouters) List(ctx context.Context) ([]domain.Router, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+routerCols+` FROM routers ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Router
	for rows.Next() {
		v, err := scanRouter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r pgRouters) Save(ctx context.Context, v *domain.Router) error {
	if v.Version == 0 {
		const q = `
INSERT INTO routers (id, name, description, version, created_at, updated_at)
VALUES ($1,$2,$3,1,$4,$5)
`
		if _, err := r.tx.ExecContext(ctx, q, v.ID, v.Name, v.Description, v.CreatedAt, v.UpdatedAt); err != nil {
			return mapPgError(err)
		}
		v.Version = 1
		return nil
	}
	const q = `
UPDATE routers SET name = $3, description = $4, updated_at = $5, version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := r.tx.ExecContext(ctx, q, v.ID, v.Version, v.Name, v.Description, v.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if err := checkUpdated(ctx, r.tx, res, "routers", v.ID); err != nil {
		return err
	}
	v.Version++
	return nil
}

func (r pgRouters) Delete(ctx context.Context, id string) error {
	return deleteByID(ctx, r.tx, "routers", id)
}

// queues

type pgQueues struct{ tx *sql.Tx }

const queueCols = `id, router_id, description, predicate, version, created_at, updated_at`

func scanQueue(s scanner) (domain.Queue, error) {
	var q domain.Queue
	err := s.Scan(&q.ID, &q.RouterID, &q.Description, &q.Predicate, &q.Version, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}

func (r pgQueues) Get(ctx context.Context, id string) (domain.Queue, error) {
	out, err := scanQueue(r.tx.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queues WHERE id = $1`, id))
	if err != nil {
		return domain.Queue{}, notFound(err, "queues", id)
	}
	return out, nil
}

func (r pgQueues) List(ctx context.Context, routerID string) ([]domain.Queue, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+queueCols+` FROM queues WHERE ($1 = '' OR router_id = $1) ORDER BY created_at, id`, routerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Queue
	for rows.Next() {
		v, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r pgQueues) Save(ctx context.Context, v *domain.Queue) error {
	if v.Version == 0 {
		const q = `
INSERT INTO queues (id, router_id, description, predicate, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,1,$5,$6)
`
		if _, err := r.tx.ExecContext(ctx, q, v.ID, v.RouterID, v.Description, v.Predicate, v.CreatedAt, v.UpdatedAt); err != nil {
			return mapPgError(err)
		}
		v.Version = 1
		return nil
	}
	const q = `
UPDATE queues SET description = $3, predicate = $4, updated_at = $5, version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := r.tx.ExecContext(ctx, q, v.ID, v.Version, v.Description, v.Predicate, v.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if err := checkUpdated(ctx, r.tx, res, "queues", v.ID); err != nil {
		return err
	}
	v.Version++
	return nil
}

func (r pgQueues) Delete(ctx context.Context, id string) error {
	return deleteByID(ctx, r.tx, "queues", id)
}

// agents

type pgAgents struct{ tx *sql.Tx }

const agentCols = `id, router_id, address, capabilities, state, queue_ids, last_assigned_at, version, created_at, updated_at`

func scanAgent(s scanner) (domain.Agent, error) {
	var (
		a          domain.Agent
		caps, qids []byte
		last       sql.NullTime
	)
	if err := s.Scan(&a.ID, &a.RouterID, &a.Address, &caps, &a.State, &qids, &last, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	if err := decodeJSON(caps, &a.Capabilities); err != nil {
		return a, err
	}
	if err := decodeJSON(qids, &a.QueueIDs); err != nil {
		return a, err
	}
	if last.Valid {
		a.LastAssignedAt = last.Time
	}
	return a, nil
}

func (r pgAgents) query(ctx context.Context, where string, args ...any) ([]domain.Agent, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+agentCols+` FROM agents WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		v, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r pgAgents) Get(ctx context.Context, id string) (domain.Agent, error) {
	out, err := scanAgent(r.tx.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return domain.Agent{}, notFound(err, "agents", id)
	}
	return out, nil
}

func (r pgAgents) List(ctx context.Context, routerID string) ([]domain.Agent, error) {
	return r.query(ctx, `($1 = '' OR router_id = $1) ORDER BY created_at, id`, routerID)
}

func (r pgAgents) ListReady(ctx context.Context, queueID string) ([]domain.Agent, error) {
	return r.query(ctx, `state = $1 AND queue_ids @> jsonb_build_array($2::text)
ORDER BY last_assigned_at ASC NULLS FIRST, id`, string(domain.AgentStateReady), queueID)
}

func (r pgAgents) Save(ctx context.Context, v *domain.Agent) error {
	caps, err := attrsArg(v.Capabilities)
	if err != nil {
		return err
	}
	qids := v.QueueIDs
	if qids == nil {
		qids = []string{}
	}
	qb, err := jsonArg(qids)
	if err != nil {
		return err
	}
	var last sql.NullTime
	if !v.LastAssignedAt.IsZero() {
		last = sql.NullTime{Time: v.LastAssignedAt, Valid: true}
	}

	if v.Version == 0 {
		const q = `
INSERT INTO agents (id, router_id, address, capabilities, state, queue_ids, last_assigned_at, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9)
`
		if _, err := r.tx.ExecContext(ctx, q, v.ID, v.RouterID, v.Address, caps, string(v.State), qb, last, v.CreatedAt, v.UpdatedAt); err != nil {
			return mapPgError(err)
		}
		v.Version = 1
		return nil
	}
	const q = `
UPDATE agents SET address = $3, capabilities = $4, state = $5, queue_ids = $6, last_assigned_at = $7,
  updated_at = $8, version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := r.tx.ExecContext(ctx, q, v.ID, v.Version, v.Address, caps, string(v.State), qb, last, v.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if err := checkUpdated(ctx, r.tx, res, "agents", v.ID); err != nil {
		return err
	}
	v.Version++
	return nil
}

func (r pgAgents) Delete(ctx context.Context, id string) error {
	return deleteByID(ctx, r.tx, "agents", id)
}

// tasks

type pgTasks struct{ tx *sql.Tx }

const taskCols = `id, router_id, requirements, user_context, state, queue_id, agent_id, plan_id, rule_id, route_id,
priority, queued_timeout, callback_url, tag, seq, version, created_at, updated_at`

func scanTask(s scanner) (domain.Task, error) {
	var (
		t         domain.Task
		req, uctx []byte
	)
	if err := s.Scan(&t.ID, &t.RouterID, &req, &uctx, &t.State, &t.QueueID, &t.AgentID, &t.PlanID, &t.RuleID, &t.RouteID,
		&t.Priority, &t.QueuedTimeout, &t.CallbackURL, &t.Tag, &t.Seq, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if err := decodeJSON(req, &t.Requirements); err != nil {
		return t, err
	}
	if err := decodeJSON(uctx, &t.UserContext); err != nil {
		return t, err
	}
	return t, nil
}

func (r pgTasks) query(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		v, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r pgTasks) Get(ctx context.Context, id string) (domain.Task, error) {
	out, err := scanTask(r.tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return domain.Task{}, notFound(err, "tasks", id)
	}
	return out, nil
}

func (r pgTasks) List(ctx context.Context, routerID string) ([]domain.Task, error) {
	return r.query(ctx, `($1 = '' OR router_id = $1) ORDER BY seq`, routerID)
}

func (r pgTasks) ListWaiting(ctx context.Context, queueID string) ([]domain.Task, error) {
	return r.query(ctx, `state = $1 AND ($2 = '' OR queue_id = $2) ORDER BY priority DESC, seq`,
		string(domain.TaskStateWaiting), queueID)
}

func (r pgTasks) CountWaiting(ctx context.Context, queueID string) (int, error) {
	var n int
	err := r.tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE state = $1 AND queue_id = $2`,
		string(domain.TaskStateWaiting), queueID).Scan(&n)
	return n, err
}

func (r pgTasks) CountActive(ctx context.Context, queueID string) (int, error) {
	var n int
	err := r.tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE state <> $1 AND queue_id = $2`,
		string(domain.TaskStateCompleted), queueID).Scan(&n)
	return n, err
}

func (r pgTasks) Save(ctx context.Context, v *domain.Task) error {
	req, err := attrsArg(v.Requirements)
	if err != nil {
		return err
	}
	uctx, err := attrsArg(v.UserContext)
	if err != nil {
		return err
	}

	if v.Version == 0 {
		const q = `
INSERT INTO tasks (id, router_id, requirements, user_context, state, queue_id, agent_id, plan_id, rule_id, route_id,
  priority, queued_timeout, callback_url, tag, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1,$15,$16)
RETURNING seq
`
		err := r.tx.QueryRowContext(ctx, q, v.ID, v.RouterID, req, uctx, string(v.State), v.QueueID, v.AgentID,
			v.PlanID, v.RuleID, v.RouteID, v.Priority, v.QueuedTimeout, v.CallbackURL, v.Tag, v.CreatedAt, v.UpdatedAt).Scan(&v.Seq)
		if err != nil {
			return mapPgError(err)
		}
		v.Version = 1
		return nil
	}
	const q = `
UPDATE tasks SET requirements = $3, user_context = $4, state = $5, queue_id = $6, agent_id = $7, plan_id = $8,
  rule_id = $9, route_id = $10, priority = $11, queued_timeout = $12, callback_url = $13, tag = $14,
  updated_at = $15, version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := r.tx.ExecContext(ctx, q, v.ID, v.Version, req, uctx, string(v.State), v.QueueID, v.AgentID,
		v.PlanID, v.RuleID, v.RouteID, v.Priority, v.QueuedTimeout, v.CallbackURL, v.Tag, v.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if err := checkUpdated(ctx, r.tx, res, "tasks", v.ID); err != nil {
		return err
	}
	v.Version++
	return nil
}

func (r pgTasks) Delete(ctx context.Context, id string) error {
	return deleteByID(ctx, r.tx, "tasks", id)
}

// plans

type pgPlans struct{ tx *sql.Tx }

const planCols = `id, router_id, description, rules, default_route, version, created_at, updated_at`

func scanPlan(s scanner) (domain.Plan, error) {
	var (
		p          domain.Plan
		rules, def []byte
	)
	if err := s.Scan(&p.ID, &p.RouterID, &p.Description, &rules, &def, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if err := decodeJSON(rules, &p.Rules); err != nil {
		return p, err
	}
	if err := decodeJSON(def, &p.DefaultRoute); err != nil {
		return p, err
	}
	return p, nil
}

func (r pgPlans) Get(ctx context.Context, id string) (domain.Plan, error) {
	out, err := scanPlan(r.tx.QueryRowContext(ctx, `SELECT `+planCols+` FROM plans WHERE id = $1`, id))
	if err != nil {
		return domain.Plan{}, notFound(err, "plans", id)
	}
	return out, nil
}

func (r pgPlans) List(ctx context.Context, routerID string) ([]domain.Plan, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+planCols+` FROM plans WHERE ($1 = '' OR router_id = $1) ORDER BY created_at, id`, routerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Plan
	for rows.Next() {
		v, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r pgPlans) Save(ctx context.Context, v *domain.Plan) error {
	rules := v.Rules
	if rules == nil {
		rules = []domain.Rule{}
	}
	rb, err := jsonArg(rules)
	if err != nil {
		return err
	}
	db, err := jsonArg(v.DefaultRoute)
	if err != nil {
		return err
	}

	if v.Version == 0 {
		const q = `
INSERT INTO plans (id, router_id, description, rules, default_route, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,1,$6,$7)
`
		if _, err := r.tx.ExecContext(ctx, q, v.ID, v.RouterID, v.Description, rb, db, v.CreatedAt, v.UpdatedAt); err != nil {
			return mapPgError(err)
		}
		v.Version = 1
		return nil
	}
	const q = `
UPDATE plans SET description = $3, rules = $4, default_route = $5, updated_at = $6, version = version + 1
WHERE id = $1 AND version = $2
`
	res, err := r.tx.ExecContext(ctx, q, v.ID, v.Version, v.Description, rb, db, v.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if err := checkUpdated(ctx, r.tx, res, "plans", v.ID); err != nil {
		return err
	}
	v.Version++
	return nil
}

func (r pgPlans) Delete(ctx context.Context, id string) error {
	return deleteByID(ctx, r.tx, "plans", id)
}
