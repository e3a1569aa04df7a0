// Package pgstore is the PostgreSQL-backed persistence.Store
// implementation (§4.1), grounded on the teacher's pkg/execution/engine.go
// (FOR UPDATE SKIP LOCKED claim pattern, pq.Array batch updates,
// Tx-wrapped commit) and internal/db/db.go (connection-pool tuning via
// env vars, embedded-migration bootstrap).
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/agentflow/agentflow/flow"
	"github.com/agentflow/agentflow/flow/state"
	"github.com/agentflow/agentflow/migrations"
	"github.com/agentflow/agentflow/persistence"
)

// Store is the database/sql + lib/pq implementation of persistence.Store.
type Store struct {
	db  *sql.DB
	now func() int64
}

var _ persistence.Store = (*Store)(nil)

// Open connects to dsn, tunes the pool per the teacher's DB_MAX_OPEN_CONNS
// etc. env vars, pings, and applies any pending migration.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}

	db.SetMaxOpenConns(getEnvInt("DB_MAX_OPEN_CONNS", 25))
	db.SetMaxIdleConns(getEnvInt("DB_MAX_IDLE_CONNS", 10))
	db.SetConnMaxLifetime(getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute))
	db.SetConnMaxIdleTime(getEnvDuration("DB_CONN_MAX_IDLE_TIME", 2*time.Minute))

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{db: db, now: nowMillis}
	if err := s.applyMigrations(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// applyMigrations mirrors the teacher's internal/db/db.go: a
// schema_migrations tracking table, embedded .sql files applied in
// filename order, each exactly once.
func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("pgstore: create schema_migrations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("pgstore: list applied migrations: %w", err)
	}
	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("pgstore: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if applied[name] {
			continue
		}
		sqlBytes, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("pgstore: read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("pgstore: apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("pgstore: record migration %s: %w", name, err)
		}
	}
	return nil
}

const stepColumns = `id, workflow_id, object_type, facet_name, statement_id, container_id,
	block_id, params, returns, current_state, error, request_transition, changed,
	foreach_var, created_at, updated_at`

func scanStep(row interface{ Scan(...interface{}) error }) (*persistence.Step, error) {
	var st persistence.Step
	var params, returns []byte
	var errCol, foreachVar sql.NullString

	if err := row.Scan(&st.ID, &st.WorkflowID, &st.ObjectType, &st.FacetName, &st.StatementID,
		&st.ContainerID, &st.BlockID, &params, &returns, &st.Transition.CurrentState,
		&errCol, &st.Transition.RequestTransition, &st.Transition.Changed, &foreachVar,
		&st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if errCol.Valid {
		e := errCol.String
		st.Transition.Error = &e
	}
	if foreachVar.Valid {
		v := foreachVar.String
		st.ForeachVar = &v
	}
	p, err := unmarshalAttrs(params)
	if err != nil {
		return nil, err
	}
	r, err := unmarshalAttrs(returns)
	if err != nil {
		return nil, err
	}
	st.Params, st.Returns = p, r
	return &st, nil
}

func unmarshalAttrs(b []byte) (*flow.Attributes, error) {
	a := flow.New()
	if len(b) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(b, a); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal attributes: %w", err)
	}
	return a, nil
}

func (s *Store) GetStep(ctx context.Context, id string) (*persistence.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1`, id)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetStep: %w", err)
	}
	return st, nil
}

func (s *Store) GetWorkflowRoot(ctx context.Context, workflowID string) (*persistence.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps
		WHERE workflow_id = $1 AND object_type = 'workflow' AND container_id = ''`, workflowID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetWorkflowRoot: %w", err)
	}
	return st, nil
}

func (s *Store) querySteps(ctx context.Context, where string, args ...interface{}) ([]*persistence.Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query steps: %w", err)
	}
	defer rows.Close()
	var out []*persistence.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetStepsByWorkflow(ctx context.Context, workflowID string) ([]*persistence.Step, error) {
	return s.querySteps(ctx, "workflow_id = $1", workflowID)
}

func (s *Store) GetStepsByBlock(ctx context.Context, blockID string) ([]*persistence.Step, error) {
	return s.querySteps(ctx, "block_id = $1", blockID)
}

func (s *Store) GetStepsByContainer(ctx context.Context, containerID string) ([]*persistence.Step, error) {
	return s.querySteps(ctx, "container_id = $1", containerID)
}

func (s *Store) GetStepsByState(ctx context.Context, st state.State) ([]*persistence.Step, error) {
	return s.querySteps(ctx, "current_state = $1", string(st))
}

// GetActionableStepsByWorkflow returns every non-terminal step except
// event-parked ones without a pending transition (§4.1).
func (s *Store) GetActionableStepsByWorkflow(ctx context.Context, workflowID string) ([]*persistence.Step, error) {
	return s.querySteps(ctx, `workflow_id = $1
		AND current_state != 'STATEMENT_ERROR' AND current_state NOT LIKE '%_COMPLETE'
		AND NOT (current_state = 'EVENT_TRANSMIT' AND NOT request_transition)`, workflowID)
}

func (s *Store) SaveStep(ctx context.Context, st *persistence.Step) error {
	now := s.now()
	if st.CreatedAt == 0 {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	return s.upsertStep(ctx, s.db, st)
}

func (s *Store) upsertStep(ctx context.Context, exec execer, st *persistence.Step) error {
	params, err := json.Marshal(st.Params)
	if err != nil {
		return fmt.Errorf("pgstore: marshal params: %w", err)
	}
	returns, err := json.Marshal(st.Returns)
	if err != nil {
		return fmt.Errorf("pgstore: marshal returns: %w", err)
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO steps (id, workflow_id, object_type, facet_name, statement_id, container_id,
			block_id, params, returns, current_state, error, request_transition, changed,
			foreach_var, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			object_type = EXCLUDED.object_type, facet_name = EXCLUDED.facet_name,
			statement_id = EXCLUDED.statement_id, container_id = EXCLUDED.container_id,
			block_id = EXCLUDED.block_id, params = EXCLUDED.params, returns = EXCLUDED.returns,
			current_state = EXCLUDED.current_state, error = EXCLUDED.error,
			request_transition = EXCLUDED.request_transition, changed = EXCLUDED.changed,
			foreach_var = EXCLUDED.foreach_var, updated_at = EXCLUDED.updated_at`,
		st.ID, st.WorkflowID, string(st.ObjectType), st.FacetName, st.StatementID, st.ContainerID,
		st.BlockID, params, returns, string(st.Transition.CurrentState), st.Transition.Error,
		st.Transition.RequestTransition, st.Transition.Changed, st.ForeachVar, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: upsert step %s: %w", st.ID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE uuid = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetTask: %w", err)
	}
	return t, nil
}

func (s *Store) GetTaskForStep(ctx context.Context, stepID string) (*persistence.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE step_id = $1 ORDER BY created DESC LIMIT 1`, stepID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetTaskForStep: %w", err)
	}
	return t, nil
}

func (s *Store) GetPendingTasks(ctx context.Context, taskList string) ([]*persistence.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE task_list = $1 AND state = 'pending' ORDER BY created`, taskList)
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetPendingTasks: %w", err)
	}
	defer rows.Close()
	var out []*persistence.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const taskSelect = `SELECT uuid, name, state, runner_id, workflow_id, flow_id, step_id, task_list,
	data_type, data, error, created, updated FROM tasks`

func scanTask(row interface{ Scan(...interface{}) error }) (*persistence.Task, error) {
	var t persistence.Task
	var data, errData []byte
	if err := row.Scan(&t.UUID, &t.Name, &t.State, &t.RunnerID, &t.WorkflowID, &t.FlowID, &t.StepID,
		&t.TaskList, &t.DataType, &data, &errData, &t.Created, &t.Updated); err != nil {
		return nil, err
	}
	d, err := unmarshalAttrs(data)
	if err != nil {
		return nil, err
	}
	t.Data = d
	if len(errData) > 0 {
		e, err := unmarshalAttrs(errData)
		if err != nil {
			return nil, err
		}
		t.Error = e
	}
	return &t, nil
}

func (s *Store) SaveTask(ctx context.Context, t *persistence.Task) error {
	now := s.now()
	if t.Created == 0 {
		t.Created = now
	}
	t.Updated = now
	return s.upsertTask(ctx, s.db, t)
}

func (s *Store) upsertTask(ctx context.Context, exec execer, t *persistence.Task) error {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return fmt.Errorf("pgstore: marshal task data: %w", err)
	}
	var errData []byte
	if t.Error != nil {
		if errData, err = json.Marshal(t.Error); err != nil {
			return fmt.Errorf("pgstore: marshal task error: %w", err)
		}
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO tasks (uuid, name, state, runner_id, workflow_id, flow_id, step_id, task_list,
			data_type, data, error, created, updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (uuid) DO UPDATE SET
			name = EXCLUDED.name, state = EXCLUDED.state, runner_id = EXCLUDED.runner_id,
			workflow_id = EXCLUDED.workflow_id, flow_id = EXCLUDED.flow_id, step_id = EXCLUDED.step_id,
			task_list = EXCLUDED.task_list, data_type = EXCLUDED.data_type, data = EXCLUDED.data,
			error = EXCLUDED.error, updated = EXCLUDED.updated`,
		t.UUID, t.Name, string(t.State), t.RunnerID, t.WorkflowID, t.FlowID, t.StepID, t.TaskList,
		t.DataType, data, nullIfEmpty(errData), t.Created, t.Updated)
	if err != nil {
		return fmt.Errorf("pgstore: upsert task %s: %w", t.UUID, err)
	}
	return nil
}

func nullIfEmpty(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *Store) GetAllLocks(ctx context.Context) ([]*persistence.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, owner, acquired_at, expires_at, topic, handler, step_name, step_id FROM locks`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetAllLocks: %w", err)
	}
	defer rows.Close()
	var out []*persistence.Lock
	for rows.Next() {
		var l persistence.Lock
		var owner string
		if err := rows.Scan(&l.Key, &owner, &l.AcquiredAt, &l.ExpiresAt, &l.Meta.Topic, &l.Meta.Handler, &l.Meta.StepName, &l.Meta.StepID); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) GetRunner(ctx context.Context, id string) (*persistence.Runner, error) {
	var r persistence.Runner
	var params []byte
	var errCol sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT uuid, workflow_id, flow_id, state, start_time, end_time,
		duration, parameters, error FROM runners WHERE uuid = $1`, id).
		Scan(&r.UUID, &r.WorkflowID, &r.FlowID, &r.State, &r.StartTime, &r.EndTime, &r.Duration, &params, &errCol)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetRunner: %w", err)
	}
	p, err := unmarshalAttrs(params)
	if err != nil {
		return nil, err
	}
	r.Parameters = p
	if errCol.Valid {
		e := errCol.String
		r.Error = &e
	}
	return &r, nil
}

func (s *Store) SaveRunner(ctx context.Context, r *persistence.Runner) error {
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("pgstore: marshal runner parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runners (uuid, workflow_id, flow_id, state, start_time, end_time, duration, parameters, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (uuid) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id, flow_id = EXCLUDED.flow_id, state = EXCLUDED.state,
			start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time, duration = EXCLUDED.duration,
			parameters = EXCLUDED.parameters, error = EXCLUDED.error`,
		r.UUID, r.WorkflowID, r.FlowID, string(r.State), r.StartTime, r.EndTime, r.Duration, params, r.Error)
	if err != nil {
		return fmt.Errorf("pgstore: SaveRunner: %w", err)
	}
	return nil
}

func (s *Store) GetServer(ctx context.Context, id string) (*persistence.Server, error) {
	var sv persistence.Server
	var ips, topics, handlers pq.StringArray
	var handled []byte
	err := s.db.QueryRowContext(ctx, `SELECT uuid, server_group, service_name, server_name, server_ips,
		state, start_time, ping_time, topics, handlers, handled FROM servers WHERE uuid = $1`, id).
		Scan(&sv.UUID, &sv.ServerGroup, &sv.ServiceName, &sv.ServerName, &ips, &sv.State,
			&sv.StartTime, &sv.PingTime, &topics, &handlers, &handled)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetServer: %w", err)
	}
	sv.ServerIPs, sv.Topics, sv.Handlers = []string(ips), []string(topics), []string(handlers)
	if len(handled) > 0 {
		if err := json.Unmarshal(handled, &sv.Handled); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal handled counts: %w", err)
		}
	}
	return &sv, nil
}

func (s *Store) SaveServer(ctx context.Context, sv *persistence.Server) error {
	handled, err := json.Marshal(sv.Handled)
	if err != nil {
		return fmt.Errorf("pgstore: marshal handled counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (uuid, server_group, service_name, server_name, server_ips, state,
			start_time, ping_time, topics, handlers, handled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (uuid) DO UPDATE SET
			server_group = EXCLUDED.server_group, service_name = EXCLUDED.service_name,
			server_name = EXCLUDED.server_name, server_ips = EXCLUDED.server_ips, state = EXCLUDED.state,
			start_time = EXCLUDED.start_time, ping_time = EXCLUDED.ping_time, topics = EXCLUDED.topics,
			handlers = EXCLUDED.handlers, handled = EXCLUDED.handled`,
		sv.UUID, sv.ServerGroup, sv.ServiceName, sv.ServerName, pq.Array(sv.ServerIPs), sv.State,
		sv.StartTime, sv.PingTime, pq.Array(sv.Topics), pq.Array(sv.Handlers), handled)
	if err != nil {
		return fmt.Errorf("pgstore: SaveServer: %w", err)
	}
	return nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (*persistence.Flow, error) {
	var f persistence.Flow
	err := s.db.QueryRowContext(ctx, `SELECT id, source FROM flows WHERE id = $1`, id).Scan(&f.ID, &f.Source)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetFlow: %w", err)
	}
	return &f, nil
}

func (s *Store) SaveFlow(ctx context.Context, f *persistence.Flow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (id, source) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET source = EXCLUDED.source`, f.ID, f.Source)
	if err != nil {
		return fmt.Errorf("pgstore: SaveFlow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*persistence.WorkflowRef, error) {
	var w persistence.WorkflowRef
	err := s.db.QueryRowContext(ctx, `SELECT id, flow_id, name FROM workflows WHERE id = $1`, id).Scan(&w.ID, &w.FlowID, &w.Name)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: GetWorkflow: %w", err)
	}
	return &w, nil
}

func (s *Store) SaveWorkflow(ctx context.Context, w *persistence.WorkflowRef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, flow_id, name) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET flow_id = EXCLUDED.flow_id, name = EXCLUDED.name`, w.ID, w.FlowID, w.Name)
	if err != nil {
		return fmt.Errorf("pgstore: SaveWorkflow: %w", err)
	}
	return nil
}

func (s *Store) UpdateServerPing(ctx context.Context, id string, nowMS int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET ping_time = $1 WHERE uuid = $2`, nowMS, id)
	if err != nil {
		return fmt.Errorf("pgstore: UpdateServerPing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) AppendLog(ctx context.Context, l *persistence.Log) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (id, runner_id, step_id, level, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, l.ID, l.RunnerID, l.StepID, l.Level, l.Message, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: AppendLog: %w", err)
	}
	return nil
}

// Commit applies an IterationChanges batch inside one transaction, the
// storage-level equivalent of the teacher's ClaimWork BEGIN/.../COMMIT
// idiom, giving pgstore the same atomicity memstore gets from one mutex
// acquisition (§4.1).
func (s *Store) Commit(ctx context.Context, changes persistence.IterationChanges) error {
	if changes.IsEmpty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: Commit: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, st := range changes.CreatedSteps {
		st.CreatedAt, st.UpdatedAt = now, now
		if err := s.upsertStep(ctx, tx, st); err != nil {
			return err
		}
	}
	for _, st := range changes.UpdatedSteps {
		st.UpdatedAt = now
		if err := s.upsertStep(ctx, tx, st); err != nil {
			return err
		}
	}
	for _, t := range changes.CreatedTasks {
		t.Created, t.Updated = now, now
		if err := s.upsertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, t := range changes.UpdatedTasks {
		t.Updated = now
		if err := s.upsertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgstore: Commit: %w", err)
	}
	return nil
}

// AcquireLock takes the lock when no unexpired row holds key, recording
// meta.Handler in the owner column. ExtendLock and ReleaseLock act on the
// key alone and do not compare owner, as in memstore.
func (s *Store) AcquireLock(ctx context.Context, key string, ttlMS int64, meta persistence.LockMeta) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (key, owner, acquired_at, expires_at, topic, handler, step_name, step_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (key) DO UPDATE SET
			owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at,
			topic = EXCLUDED.topic, handler = EXCLUDED.handler, step_name = EXCLUDED.step_name,
			step_id = EXCLUDED.step_id
		WHERE locks.expires_at <= $3`,
		key, meta.Handler, now, now+ttlMS, meta.Topic, meta.Handler, meta.StepName, meta.StepID)
	if err != nil {
		return false, fmt.Errorf("pgstore: AcquireLock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ExtendLock(ctx context.Context, key string, ttlMS int64) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `UPDATE locks SET expires_at = $1 WHERE key = $2 AND expires_at > $3`,
		now+ttlMS, key, now)
	if err != nil {
		return false, fmt.Errorf("pgstore: ExtendLock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("pgstore: ReleaseLock: %w", err)
	}
	return nil
}

// ClaimTask mirrors the teacher's ClaimWork: SELECT ... FOR UPDATE SKIP
// LOCKED inside a transaction, then flip the winning row to running.
func (s *Store) ClaimTask(ctx context.Context, taskNames []string, taskList string) (*persistence.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: ClaimTask: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, taskSelect+`
		WHERE task_list = $1 AND state = 'pending' AND name = ANY($2)
		ORDER BY created ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, taskList, pq.Array(taskNames))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: ClaimTask: select: %w", err)
	}

	t.State = persistence.TaskRunning
	t.Updated = s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state = 'running', updated = $1 WHERE uuid = $2`, t.Updated, t.UUID); err != nil {
		return nil, fmt.Errorf("pgstore: ClaimTask: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgstore: ClaimTask: commit: %w", err)
	}
	return t, nil
}
