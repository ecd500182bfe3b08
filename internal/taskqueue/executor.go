package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/audit"
	"github.com/agroflow/agroflow/internal/guard"
)

// Handler runs one task and returns its result string. ErrParked
// signals the task was moved to WAITING_FOR_HUMAN by the handler and
// needs no further transition.
type Handler func(ctx context.Context, task *Task) (string, error)

// ErrParked marks a handler outcome that leaves the task waiting for a
// human rather than completed or failed.
var ErrParked = errors.New("task parked for human input")

// retryableError wraps handler failures that should go back to PENDING.
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks an error as eligible for the retry cycle.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// ScriptFunc is a callable registered under a symbolic name for SCRIPT
// tasks. Dynamic lookup is a compile-time registry, not runtime
// loading.
type ScriptFunc func(ctx context.Context, args []any, kwargs map[string]any) (string, error)

// ModelGateway answers AI_REASONING and CODE_GENERATION prompts.
type ModelGateway interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// EmailSender delivers EMAIL tasks.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Executor pulls tasks one at a time, screens them, and dispatches.
type Executor struct {
	store Store
	guard *guard.Guard

	mu       sync.Mutex
	handlers map[string]Handler
	scripts  map[string]ScriptFunc

	pollInterval time.Duration
	startedAt    time.Time
	executed     int
	succeeded    int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewExecutor(store Store, g *guard.Guard) *Executor {
	e := &Executor{
		store:        store,
		guard:        g,
		handlers:     make(map[string]Handler),
		scripts:      make(map[string]ScriptFunc),
		pollInterval: 5 * time.Second,
		startedAt:    time.Now().UTC(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	e.handlers[TypeScript] = e.runScript
	e.handlers[TypeHumanInput] = e.runHumanInput
	return e
}

// RegisterHandler routes a task type. Builtin routes can be replaced.
func (e *Executor) RegisterHandler(taskType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
}

// RegisterScript exposes a function to SCRIPT tasks by name.
func (e *Executor) RegisterScript(name string, fn ScriptFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[name] = fn
}

// UseModelGateway wires the AI_REASONING and CODE_GENERATION routes.
func (e *Executor) UseModelGateway(gw ModelGateway) {
	e.RegisterHandler(TypeAIReasoning, func(ctx context.Context, task *Task) (string, error) {
		prompt, _ := task.Payload["prompt"].(string)
		if prompt == "" {
			return "", fmt.Errorf("AI_REASONING task has no prompt")
		}
		return gw.Complete(ctx, prompt)
	})
	e.RegisterHandler(TypeCodeGeneration, func(ctx context.Context, task *Task) (string, error) {
		prompt, _ := task.Payload["prompt"].(string)
		if prompt == "" {
			return "", fmt.Errorf("CODE_GENERATION task has no prompt")
		}
		code, err := gw.Complete(ctx, prompt)
		if err != nil {
			return "", err
		}
		// Generated code is never executed unseen.
		if err := e.store.RequestHumanInput(ctx, task.ID, code, "code_review"); err != nil {
			return "", err
		}
		return "", ErrParked
	})
}

// UseEmailSender wires the EMAIL route.
func (e *Executor) UseEmailSender(sender EmailSender) {
	e.RegisterHandler(TypeEmail, func(ctx context.Context, task *Task) (string, error) {
		to, _ := task.Payload["to"].(string)
		subject, _ := task.Payload["subject"].(string)
		body, _ := task.Payload["body"].(string)
		if to == "" {
			return "", fmt.Errorf("EMAIL task has no recipient")
		}
		if err := sender.Send(ctx, to, subject, body); err != nil {
			return "", Retryable(err)
		}
		return fmt.Sprintf("sent to %s", to), nil
	})
}

func (e *Executor) runScript(ctx context.Context, task *Task) (string, error) {
	name, _ := task.Payload["function"].(string)
	e.mu.Lock()
	fn, ok := e.scripts[name]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("script %q not registered", name)
	}
	args, _ := task.Payload["args"].([]any)
	kwargs, _ := task.Payload["kwargs"].(map[string]any)
	out, err := fn(ctx, args, kwargs)
	if err != nil {
		return "", Retryable(err)
	}
	return out, nil
}

func (e *Executor) runHumanInput(ctx context.Context, task *Task) (string, error) {
	request, _ := task.Payload["request"].(string)
	requestType, _ := task.Payload["request_type"].(string)
	if requestType == "" {
		requestType = "decision"
	}
	if err := e.store.RequestHumanInput(ctx, task.ID, request, requestType); err != nil {
		return "", err
	}
	return "", ErrParked
}

// Run polls until Stop or context cancellation.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	log.Info().Dur("poll_interval", e.pollInterval).Msg("task executor started")
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				worked, err := e.Step(ctx)
				if err != nil {
					log.Error().Err(err).Msg("executor step failed")
					break
				}
				if !worked {
					break
				}
			}
		}
	}
}

// Stop shuts the loop down; the in-flight task finishes first.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// Step pulls and executes at most one task. It reports whether any
// work was found.
func (e *Executor) Step(ctx context.Context) (bool, error) {
	task, err := e.store.GetNextPending(ctx)
	if err != nil || task == nil {
		return false, err
	}

	if decision := e.guard.Screen(strings.ToLower(task.Type), task.Payload); !decision.Allowed {
		reason := audit.SanitizeString("security rejection: " + decision.Reason)
		log.Error().Str("task", task.ID).Str("reason", reason).Msg("task rejected by guard")
		if err := e.store.FailTask(ctx, task.ID, reason, false); err != nil {
			return true, err
		}
		e.record(ctx, task.ID, time.Now().UTC(), false, reason, "")
		return true, nil
	}

	if err := e.store.StartTask(ctx, task.ID); err != nil {
		return true, err
	}

	e.mu.Lock()
	handler, ok := e.handlers[task.Type]
	e.mu.Unlock()

	started := time.Now().UTC()
	var result string
	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler for task type %s", task.Type)
	} else {
		result, runErr = handler(ctx, task)
	}

	switch {
	case runErr == nil:
		if err := e.store.CompleteTask(ctx, task.ID, result); err != nil {
			return true, err
		}
		e.record(ctx, task.ID, started, true, "", result)
	case errors.Is(runErr, ErrParked):
		e.record(ctx, task.ID, started, true, "", "waiting for human input")
	default:
		var re retryableError
		retry := errors.As(runErr, &re)
		msg := audit.SanitizeString(runErr.Error())
		if err := e.store.FailTask(ctx, task.ID, msg, retry); err != nil {
			return true, err
		}
		e.record(ctx, task.ID, started, false, msg, "")
	}
	return true, nil
}

func (e *Executor) record(ctx context.Context, taskID string, started time.Time, success bool, errMsg, output string) {
	completed := time.Now().UTC()
	entry := ExecutionLog{
		TaskID:          taskID,
		Started:         started,
		Completed:       &completed,
		Success:         success,
		DurationSeconds: completed.Sub(started).Seconds(),
		LogOutput:       output,
	}
	if errMsg != "" {
		entry.Error = &errMsg
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("task", taskID).Msg("execution log write failed")
	}

	e.mu.Lock()
	e.executed++
	if success {
		e.succeeded++
	}
	e.mu.Unlock()
}

// Stats reports queue counts and executor uptime.
func (e *Executor) Stats(ctx context.Context) (Stats, error) {
	tasks, err := e.store.ListTasks(ctx, "", 0)
	if err != nil {
		return Stats{}, err
	}
	counts := make(map[string]int)
	for _, task := range tasks {
		counts[task.Status]++
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Counts:         counts,
		TotalExecuted:  e.executed,
		TotalSucceeded: e.succeeded,
		UptimeSeconds:  time.Since(e.startedAt).Seconds(),
	}, nil
}
