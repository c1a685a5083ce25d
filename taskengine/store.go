package taskengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yodoca/yodoca"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// store wraps the two task tables. Like the event journal, every goroutine
// serializes through a single SQLite connection.
type store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

func newStore(dbPath string, now func() time.Time, logger *slog.Logger) *store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("taskengine: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return &store{db: db, now: now, logger: logger}
}

// init creates the task tables and indexes.
func (s *store) init(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("set wal mode: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS agent_task (
		task_id TEXT PRIMARY KEY,
		parent_id TEXT,
		run_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		result TEXT,
		checkpoint TEXT,
		attempt_no INTEGER NOT NULL DEFAULT 0,
		schedule_at INTEGER,
		leased_by TEXT,
		lease_exp INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create agent_task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS task_step (
		step_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		step_no INTEGER NOT NULL,
		step_type TEXT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error_code TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create task_step: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agent_task_claim ON agent_task(status, priority DESC, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agent_task_parent ON agent_task(parent_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_task_step_idem ON task_step(idempotency_key)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_task_step_task ON task_step(task_id, step_no)`)

	s.logger.Info("taskengine: store init completed", "duration", time.Since(start))
	return nil
}

func (s *store) Close() error { return s.db.Close() }

func (s *store) ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("task store unreachable: %w", err)
	}
	return nil
}

const taskColumns = `task_id, parent_id, run_id, agent_id, status, priority, payload,
	result, attempt_no, schedule_at, leased_by, lease_exp, created_at, updated_at`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (yodoca.Task, error) {
	var (
		t                        yodoca.Task
		parent, result, leasedBy sql.NullString
		scheduleAt, leaseExp     sql.NullInt64
		status, payload          string
	)
	err := row.Scan(&t.TaskID, &parent, &t.RunID, &t.AgentID, &status, &t.Priority,
		&payload, &result, &t.AttemptNo, &scheduleAt, &leasedBy, &leaseExp,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return yodoca.Task{}, err
	}
	t.ParentID = parent.String
	t.Status = yodoca.TaskStatus(status)
	t.ScheduleAt = scheduleAt.Int64
	t.LeasedBy = leasedBy.String
	t.LeaseExp = leaseExp.Int64
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return yodoca.Task{}, fmt.Errorf("decode payload of %s: %w", t.TaskID, err)
	}
	return t, nil
}

func (s *store) insertTask(ctx context.Context, t yodoca.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var scheduleAt any
	if t.ScheduleAt > 0 {
		scheduleAt = t.ScheduleAt
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_task
		(task_id, parent_id, run_id, agent_id, status, priority, payload, attempt_no, schedule_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, nullIfEmpty(t.ParentID), t.RunID, t.AgentID, string(t.Status),
		t.Priority, string(payload), t.AttemptNo, scheduleAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.TaskID, err)
	}
	return nil
}

// getTask returns one row. Not-found wraps sql.ErrNoRows so callers can test
// with errors.Is.
func (s *store) getTask(ctx context.Context, taskID string) (yodoca.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_task WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		return yodoca.Task{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	return t, nil
}

// claimNext implements the two-step compare-and-swap claim. The SELECT picks
// the best candidate; the guarded UPDATE takes it only if its status is still
// claimable. Losing the swap moves on to the next candidate.
func (s *store) claimNext(ctx context.Context, workerID string, ttl time.Duration) (yodoca.Task, error) {
	for {
		now := s.now().Unix()
		var id string
		err := s.db.QueryRowContext(ctx, `SELECT task_id FROM agent_task
			WHERE status IN ('pending','retry_scheduled')
			  AND (schedule_at IS NULL OR schedule_at <= ?)
			  AND (lease_exp IS NULL OR lease_exp < ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, now, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return yodoca.Task{}, yodoca.ErrNoTask
		}
		if err != nil {
			return yodoca.Task{}, fmt.Errorf("select claimable: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `UPDATE agent_task
			SET status = 'running', leased_by = ?, lease_exp = ?, updated_at = ?
			WHERE task_id = ? AND status IN ('pending','retry_scheduled')`,
			workerID, now+int64(ttl/time.Second), now, id)
		if err != nil {
			return yodoca.Task{}, fmt.Errorf("claim task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return yodoca.Task{}, fmt.Errorf("claim task %s: %w", id, err)
		}
		if n == 0 {
			// Another worker won the swap or the status changed; try again.
			continue
		}
		return s.getTask(ctx, id)
	}
}

// renewLease extends the lease held by workerID. Zero rows means the lease
// was lost: the task was cancelled, reviewed, reclaimed, or completed by
// someone else.
func (s *store) renewLease(ctx context.Context, taskID, workerID string, ttl time.Duration) error {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET lease_exp = ?, updated_at = ?
		WHERE task_id = ? AND leased_by = ? AND status = 'running'`,
		now+int64(ttl/time.Second), now, taskID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease on %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease on %s: %w", taskID, err)
	}
	if n == 0 {
		return &yodoca.ErrLeaseRevoked{TaskID: taskID, Worker: workerID}
	}
	return nil
}

// loadState decodes the checkpoint of t, falling back to a fresh state built
// from the payload when the column is empty, corrupt, or from a different
// schema version.
func (s *store) loadState(ctx context.Context, t yodoca.Task) yodoca.TaskState {
	fresh := yodoca.TaskState{
		Goal:          t.Payload.Goal,
		Status:        string(t.Status),
		Context:       map[string]any{},
		SchemaVersion: yodoca.TaskStateSchemaVersion,
	}
	var cp sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM agent_task WHERE task_id = ?`, t.TaskID).Scan(&cp)
	if err != nil {
		s.logger.Warn("taskengine: checkpoint read failed, starting fresh", "task_id", t.TaskID, "error", err)
		return fresh
	}
	if !cp.Valid || cp.String == "" {
		return fresh
	}
	var st yodoca.TaskState
	if err := json.Unmarshal([]byte(cp.String), &st); err != nil {
		s.logger.Warn("taskengine: checkpoint corrupt, starting fresh", "task_id", t.TaskID, "error", err)
		return fresh
	}
	if st.SchemaVersion != yodoca.TaskStateSchemaVersion {
		s.logger.Warn("taskengine: checkpoint schema mismatch, starting fresh",
			"task_id", t.TaskID, "version", st.SchemaVersion)
		return fresh
	}
	if st.Context == nil {
		st.Context = map[string]any{}
	}
	return st
}

// saveCheckpoint persists st while workerID still holds the lease.
func (s *store) saveCheckpoint(ctx context.Context, taskID, workerID string, st yodoca.TaskState) error {
	cp, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET checkpoint = ?, updated_at = ?
		WHERE task_id = ? AND leased_by = ? AND status = 'running'`,
		string(cp), s.now().Unix(), taskID, workerID)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", taskID, err)
	}
	if n == 0 {
		return &yodoca.ErrLeaseRevoked{TaskID: taskID, Worker: workerID}
	}
	return nil
}

// completeFromWorker writes a terminal status while workerID still holds the
// lease. Returns false when the lease was lost: the caller must not emit
// completion events in that case.
func (s *store) completeFromWorker(ctx context.Context, taskID, workerID string, status yodoca.TaskStatus, result []byte, st yodoca.TaskState) (bool, error) {
	cp, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET status = ?, result = ?, checkpoint = ?, leased_by = NULL, lease_exp = NULL, updated_at = ?
		WHERE task_id = ? AND leased_by = ? AND status = 'running'`,
		string(status), string(result), string(cp), s.now().Unix(), taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return n > 0, nil
}

// scheduleRetry parks the task for a later attempt, releasing the lease.
func (s *store) scheduleRetry(ctx context.Context, taskID, workerID string, attempt int, at int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET status = 'retry_scheduled', attempt_no = ?, schedule_at = ?, leased_by = NULL, lease_exp = NULL, updated_at = ?
		WHERE task_id = ? AND leased_by = ? AND status = 'running'`,
		attempt, at, s.now().Unix(), taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("schedule retry %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("schedule retry %s: %w", taskID, err)
	}
	return n > 0, nil
}

// markWaiting parks the task until its subtasks complete, releasing the lease.
func (s *store) markWaiting(ctx context.Context, taskID, workerID string, st yodoca.TaskState) (bool, error) {
	cp, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET status = 'waiting_subtasks', checkpoint = ?, leased_by = NULL, lease_exp = NULL, updated_at = ?
		WHERE task_id = ? AND leased_by = ? AND status = 'running'`,
		string(cp), s.now().Unix(), taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("mark waiting %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark waiting %s: %w", taskID, err)
	}
	return n > 0, nil
}

// unparkParent moves a settled parent back to pending with the aggregated
// checkpoint.
func (s *store) unparkParent(ctx context.Context, taskID string, st yodoca.TaskState) (bool, error) {
	cp, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET status = 'pending', checkpoint = ?, updated_at = ?
		WHERE task_id = ? AND status = 'waiting_subtasks'`,
		string(cp), s.now().Unix(), taskID)
	if err != nil {
		return false, fmt.Errorf("unpark parent %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unpark parent %s: %w", taskID, err)
	}
	return n > 0, nil
}

// cancel moves a non-terminal task to cancelled and releases any lease. A
// running worker notices at its next lease renewal and aborts silently.
func (s *store) cancel(ctx context.Context, taskID, reason string) (bool, error) {
	result, err := json.Marshal(struct {
		Cancelled bool   `json:"cancelled"`
		Reason    string `json:"reason,omitempty"`
	}{Cancelled: true, Reason: reason})
	if err != nil {
		return false, fmt.Errorf("marshal cancel result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET status = 'cancelled', result = ?, leased_by = NULL, lease_exp = NULL, updated_at = ?
		WHERE task_id = ? AND status NOT IN ('done','failed','cancelled')`,
		string(result), s.now().Unix(), taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	return n > 0, nil
}

// markHumanReview parks a non-terminal task for human input, recording the
// question in the checkpoint context. Returns the updated task.
func (s *store) markHumanReview(ctx context.Context, taskID, question string) (yodoca.Task, error) {
	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return yodoca.Task{}, err
	}
	if t.Status.IsTerminal() {
		return t, fmt.Errorf("task %s is already %s", taskID, t.Status)
	}
	st := s.loadState(ctx, t)
	st.Context["review_question"] = question
	st.Status = string(yodoca.TaskHumanReview)
	cp, err := json.Marshal(st)
	if err != nil {
		return t, fmt.Errorf("marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET status = 'human_review', checkpoint = ?, leased_by = NULL, lease_exp = NULL, updated_at = ?
		WHERE task_id = ? AND status NOT IN ('done','failed','cancelled')`,
		string(cp), s.now().Unix(), taskID)
	if err != nil {
		return t, fmt.Errorf("mark human review %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t, fmt.Errorf("mark human review %s: %w", taskID, err)
	}
	if n == 0 {
		return t, fmt.Errorf("task %s changed state during review request", taskID)
	}
	t.Status = yodoca.TaskHumanReview
	return t, nil
}

// respondReview records the reviewer's response and moves the task back to
// pending. Returns accepted=false when the task is not waiting for review.
func (s *store) respondReview(ctx context.Context, taskID, response string) (yodoca.Task, bool, error) {
	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return yodoca.Task{}, false, err
	}
	if t.Status != yodoca.TaskHumanReview {
		return t, false, nil
	}
	st := s.loadState(ctx, t)
	st.Context["review_response"] = response
	st.Status = string(yodoca.TaskPending)
	cp, err := json.Marshal(st)
	if err != nil {
		return t, false, fmt.Errorf("marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET status = 'pending', checkpoint = ?, schedule_at = NULL, updated_at = ?
		WHERE task_id = ? AND status = 'human_review'`,
		string(cp), s.now().Unix(), taskID)
	if err != nil {
		return t, false, fmt.Errorf("respond review %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t, false, fmt.Errorf("respond review %s: %w", taskID, err)
	}
	if n == 0 {
		return t, false, nil
	}
	t.Status = yodoca.TaskPending
	return t, true, nil
}

// listActive returns all non-terminal tasks, highest priority first.
func (s *store) listActive(ctx context.Context) ([]yodoca.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM agent_task
		WHERE status NOT IN ('done','failed','cancelled')
		ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// children returns all direct subtasks of parentID, oldest first.
func (s *store) children(ctx context.Context, parentID string) ([]yodoca.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM agent_task
		WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", parentID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]yodoca.Task, error) {
	var out []yodoca.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// activeChildren returns the ids of non-terminal subtasks of parentID.
func (s *store) activeChildren(ctx context.Context, parentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM agent_task
		WHERE parent_id = ? AND status NOT IN ('done','failed','cancelled')
		ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("active children of %s: %w", parentID, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// depth counts the tasks on the chain from taskID up to its root, inclusive.
func (s *store) depth(ctx context.Context, taskID string) (int, error) {
	depth := 0
	id := taskID
	for id != "" {
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT parent_id FROM agent_task WHERE task_id = ?`, id).Scan(&parent)
		if err != nil {
			return 0, fmt.Errorf("resolve depth of %s: %w", taskID, err)
		}
		depth++
		id = parent.String
	}
	return depth, nil
}

// insertStep records one executed step. The unique index on idempotency_key
// plus INSERT OR IGNORE deduplicates re-runs of the same step; inserted
// reports whether the row is new.
func (s *store) insertStep(ctx context.Context, step yodoca.TaskStep) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO task_step
		(step_id, task_id, step_no, step_type, status, idempotency_key, tokens_used, duration_ms, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.StepID, step.TaskID, step.StepNo, step.StepType, step.Status,
		step.IdempotencyKey, step.TokensUsed, step.DurationMS, nullIfEmpty(step.ErrorCode))
	if err != nil {
		return false, fmt.Errorf("insert step %d of %s: %w", step.StepNo, step.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert step %d of %s: %w", step.StepNo, step.TaskID, err)
	}
	return n > 0, nil
}

// stepsForTask returns the recorded steps of one task in step order.
func (s *store) stepsForTask(ctx context.Context, taskID string) ([]yodoca.TaskStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step_id, task_id, step_no, step_type,
		status, idempotency_key, tokens_used, duration_ms, error_code
		FROM task_step WHERE task_id = ? ORDER BY step_no ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("steps of %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []yodoca.TaskStep
	for rows.Next() {
		var st yodoca.TaskStep
		var errCode sql.NullString
		if err := rows.Scan(&st.StepID, &st.TaskID, &st.StepNo, &st.StepType,
			&st.Status, &st.IdempotencyKey, &st.TokensUsed, &st.DurationMS, &errCode); err != nil {
			return nil, err
		}
		st.ErrorCode = errCode.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// recover resets running rows whose lease has expired: back to pending on a
// first attempt, to retry_scheduled after earlier failures. Called once at
// startup and periodically as a safety net while the loop runs.
func (s *store) recover(ctx context.Context) (int64, error) {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `UPDATE agent_task
		SET status = CASE WHEN attempt_no > 0 THEN 'retry_scheduled' ELSE 'pending' END,
		    leased_by = NULL, lease_exp = NULL, updated_at = ?
		WHERE status = 'running' AND (lease_exp IS NULL OR lease_exp < ?)`, now, now)
	if err != nil {
		return 0, fmt.Errorf("recover tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover tasks: %w", err)
	}
	return n, nil
}

// countByStatus returns the number of tasks in the given status.
func (s *store) countByStatus(ctx context.Context, status yodoca.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_task WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", status, err)
	}
	return n, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
