package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PGStore persists the queue in Postgres (silver.task_queue plus
// silver.task_execution_log). Transitions run in transactions with row
// locks so several executors can share one queue.
type PGStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db, timeout: 10 * time.Second}
}

type pgTask struct {
	Task
	PayloadJSON []byte `db:"payload"`
}

func (t *pgTask) toTask() (*Task, error) {
	out := t.Task
	if len(t.PayloadJSON) > 0 {
		if err := json.Unmarshal(t.PayloadJSON, &out.Payload); err != nil {
			return nil, fmt.Errorf("decode task %s payload: %w", t.ID, err)
		}
	}
	return &out, nil
}

const taskColumns = `
	id, name, task_type, payload, priority, status, scheduled_for, parent_id,
	max_retries, retry_count, created_at, updated_at, started_at, completed_at,
	result, last_error, human_request, human_request_type, human_response,
	human_decision, human_notes`

func (s *PGStore) AddTask(ctx context.Context, p AddTaskParams) (*Task, error) {
	if p.Name == "" || p.Type == "" {
		return nil, fmt.Errorf("task name and type are required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now().UTC()
	task := Task{
		ID:           uuid.NewString(),
		Name:         p.Name,
		Type:         p.Type,
		Payload:      p.Payload,
		Priority:     p.Priority,
		Status:       StatusPending,
		ScheduledFor: p.ScheduledFor,
		ParentID:     p.ParentID,
		MaxRetries:   p.MaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if task.Priority == 0 {
		task.Priority = 10
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO silver.task_queue
			(id, name, task_type, payload, priority, status, scheduled_for,
			 parent_id, max_retries, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$10)`,
		task.ID, task.Name, task.Type, payload, task.Priority, task.Status,
		task.ScheduledFor, task.ParentID, task.MaxRetries, now)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return &task, nil
}

func (s *PGStore) GetTask(ctx context.Context, id string) (*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row pgTask
	err := s.db.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM silver.task_queue WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toTask()
}

// GetNextPending picks the highest-priority due task whose parent (if
// any) is COMPLETED. FOR UPDATE SKIP LOCKED lets concurrent executors
// pull disjoint tasks.
func (s *PGStore) GetNextPending(ctx context.Context) (*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row pgTask
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+`
		FROM silver.task_queue t
		WHERE t.status = 'PENDING'
		  AND (t.scheduled_for IS NULL OR t.scheduled_for <= now())
		  AND (t.parent_id IS NULL OR EXISTS (
		      SELECT 1 FROM silver.task_queue p
		      WHERE p.id = t.parent_id AND p.status = 'COMPLETED'))
		ORDER BY t.priority ASC, t.created_at ASC
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending task: %w", err)
	}
	return row.toTask()
}

func (s *PGStore) StartTask(ctx context.Context, id string) error {
	return s.exec(ctx, `
		UPDATE silver.task_queue
		SET status = 'IN_PROGRESS', started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, id)
}

func (s *PGStore) CompleteTask(ctx context.Context, id, result string) error {
	return s.exec(ctx, `
		UPDATE silver.task_queue
		SET status = 'COMPLETED', completed_at = now(), updated_at = now(),
		    result = NULLIF($2, '')
		WHERE id = $1`, id, result)
}

func (s *PGStore) FailTask(ctx context.Context, id, errMsg string, retry bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback()

	var counts struct {
		RetryCount int `db:"retry_count"`
		MaxRetries int `db:"max_retries"`
	}
	err = tx.GetContext(ctx, &counts, `
		UPDATE silver.task_queue
		SET retry_count = retry_count + 1, last_error = $2, updated_at = now()
		WHERE id = $1
		RETURNING retry_count, max_retries`, id, errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	if retry && counts.RetryCount < counts.MaxRetries {
		_, err = tx.ExecContext(ctx, `
			UPDATE silver.task_queue
			SET status = 'PENDING', started_at = NULL WHERE id = $1`, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE silver.task_queue
			SET status = 'FAILED', completed_at = now() WHERE id = $1`, id)
	}
	if err != nil {
		return fmt.Errorf("fail transition: %w", err)
	}
	return tx.Commit()
}

func (s *PGStore) CancelTask(ctx context.Context, id string) error {
	return s.exec(ctx, `
		UPDATE silver.task_queue
		SET status = 'CANCELLED', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, id)
}

func (s *PGStore) RequestHumanInput(ctx context.Context, id, request, requestType string) error {
	return s.exec(ctx, `
		UPDATE silver.task_queue
		SET status = 'WAITING_FOR_HUMAN', human_request = $2,
		    human_request_type = $3, updated_at = now()
		WHERE id = $1`, id, request, requestType)
}

func (s *PGStore) ProvideHumanInput(ctx context.Context, id, response string, decision, notes *string) error {
	return s.exec(ctx, `
		UPDATE silver.task_queue
		SET status = 'PENDING', human_response = $2, human_decision = $3,
		    human_notes = $4, updated_at = now()
		WHERE id = $1 AND status = 'WAITING_FOR_HUMAN'`, id, response, decision, notes)
}

func (s *PGStore) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var rows []pgTask
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM silver.task_queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at ASC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, nil
}

func (s *PGStore) AppendLog(ctx context.Context, entry ExecutionLog) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO silver.task_execution_log
			(task_id, started, completed, success, error, duration_seconds, log_output)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.TaskID, entry.Started, entry.Completed, entry.Success,
		entry.Error, entry.DurationSeconds, entry.LogOutput)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

func (s *PGStore) Logs(ctx context.Context, taskID string) ([]ExecutionLog, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []ExecutionLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT task_id, started, completed, success, error, duration_seconds, log_output
		FROM silver.task_execution_log
		WHERE task_id = $1
		ORDER BY started ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("read execution log: %w", err)
	}
	return out, nil
}

func (s *PGStore) exec(ctx context.Context, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("task transition: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no task matched transition")
	}
	return nil
}
