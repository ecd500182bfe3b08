// Package taskqueue is a priority work queue with retry bookkeeping,
// parent dependencies, and a human-in-the-loop state. The executor
// pulls one task at a time, screens it, and dispatches by task type.
package taskqueue

import (
	"context"
	"time"
)

// Task states.
const (
	StatusPending         = "PENDING"
	StatusInProgress      = "IN_PROGRESS"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusWaitingForHuman = "WAITING_FOR_HUMAN"
	StatusCancelled       = "CANCELLED"
)

// Builtin task types.
const (
	TypeScript         = "SCRIPT"
	TypeAIReasoning    = "AI_REASONING"
	TypeCodeGeneration = "CODE_GENERATION"
	TypeEmail          = "EMAIL"
	TypeHumanInput     = "HUMAN_INPUT"
)

// Task is one queued unit of work.
type Task struct {
	ID           string         `db:"id" json:"id"`
	Name         string         `db:"name" json:"name"`
	Type         string         `db:"task_type" json:"task_type"`
	Payload      map[string]any `db:"-" json:"payload"`
	Priority     int            `db:"priority" json:"priority"` // lower runs first
	Status       string         `db:"status" json:"status"`
	ScheduledFor *time.Time     `db:"scheduled_for" json:"scheduled_for,omitempty"`
	ParentID     *string        `db:"parent_id" json:"parent_id,omitempty"`
	MaxRetries   int            `db:"max_retries" json:"max_retries"`
	RetryCount   int            `db:"retry_count" json:"retry_count"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
	StartedAt    *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	Result       *string        `db:"result" json:"result,omitempty"`
	LastError    *string        `db:"last_error" json:"last_error,omitempty"`

	HumanRequest     *string `db:"human_request" json:"human_request,omitempty"`
	HumanRequestType *string `db:"human_request_type" json:"human_request_type,omitempty"`
	HumanResponse    *string `db:"human_response" json:"human_response,omitempty"`
	HumanDecision    *string `db:"human_decision" json:"human_decision,omitempty"`
	HumanNotes       *string `db:"human_notes" json:"human_notes,omitempty"`
}

// AddTaskParams carries the optional knobs of add_task.
type AddTaskParams struct {
	Name         string
	Type         string
	Payload      map[string]any
	Priority     int // 0 means the default of 10
	ScheduledFor *time.Time
	ParentID     *string
	MaxRetries   int // 0 means the default of 3
}

// ExecutionLog is one executor attempt.
type ExecutionLog struct {
	TaskID          string     `db:"task_id" json:"task_id"`
	Started         time.Time  `db:"started" json:"started"`
	Completed       *time.Time `db:"completed" json:"completed,omitempty"`
	Success         bool       `db:"success" json:"success"`
	Error           *string    `db:"error" json:"error,omitempty"`
	DurationSeconds float64    `db:"duration_seconds" json:"duration_seconds"`
	LogOutput       string     `db:"log_output" json:"log_output"`
}

// Stats summarizes queue health.
type Stats struct {
	Counts         map[string]int `json:"counts"` // by status
	TotalExecuted  int            `json:"total_executed"`
	TotalSucceeded int            `json:"total_succeeded"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
}

// Store is the transactional queue backend.
type Store interface {
	AddTask(ctx context.Context, p AddTaskParams) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	// GetNextPending returns the next runnable task: PENDING, due
	// (scheduled_for null or <= now), parent COMPLETED when set,
	// ordered by (priority asc, created_at asc). Nil when idle.
	GetNextPending(ctx context.Context) (*Task, error)
	StartTask(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, result string) error
	// FailTask returns the task to PENDING while retry_count <
	// max_retries when retry is set; otherwise it lands in FAILED.
	FailTask(ctx context.Context, id string, errMsg string, retry bool) error
	CancelTask(ctx context.Context, id string) error
	RequestHumanInput(ctx context.Context, id, request, requestType string) error
	ProvideHumanInput(ctx context.Context, id, response string, decision, notes *string) error
	ListTasks(ctx context.Context, status string, limit int) ([]Task, error)
	AppendLog(ctx context.Context, entry ExecutionLog) error
	Logs(ctx context.Context, taskID string) ([]ExecutionLog, error)
}
