package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process queue backend. Single-writer
// deployments and tests use it directly; the Postgres store mirrors
// its semantics.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	logs  map[string][]ExecutionLog
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		logs:  make(map[string][]ExecutionLog),
		now:   time.Now,
	}
}

func (s *MemoryStore) AddTask(ctx context.Context, p AddTaskParams) (*Task, error) {
	if p.Name == "" || p.Type == "" {
		return nil, fmt.Errorf("task name and type are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ParentID != nil {
		if _, ok := s.tasks[*p.ParentID]; !ok {
			return nil, fmt.Errorf("parent task %s not found", *p.ParentID)
		}
	}

	now := s.now().UTC()
	task := &Task{
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
	s.tasks[task.ID] = task
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) GetNextPending(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var candidates []*Task
	for _, task := range s.tasks {
		if task.Status != StatusPending {
			continue
		}
		if task.ScheduledFor != nil && task.ScheduledFor.After(now) {
			continue
		}
		if task.ParentID != nil {
			parent, ok := s.tasks[*task.ParentID]
			if !ok || parent.Status != StatusCompleted {
				continue
			}
		}
		candidates = append(candidates, task)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	cp := *candidates[0]
	return &cp, nil
}

func (s *MemoryStore) StartTask(ctx context.Context, id string) error {
	return s.transition(id, func(task *Task) error {
		if task.Status != StatusPending {
			return fmt.Errorf("task %s is %s, not PENDING", id, task.Status)
		}
		now := s.now().UTC()
		task.Status = StatusInProgress
		task.StartedAt = &now
		return nil
	})
}

func (s *MemoryStore) CompleteTask(ctx context.Context, id string, result string) error {
	return s.transition(id, func(task *Task) error {
		now := s.now().UTC()
		task.Status = StatusCompleted
		task.CompletedAt = &now
		if result != "" {
			task.Result = &result
		}
		return nil
	})
}

func (s *MemoryStore) FailTask(ctx context.Context, id, errMsg string, retry bool) error {
	return s.transition(id, func(task *Task) error {
		task.LastError = &errMsg
		task.RetryCount++
		if retry && task.RetryCount < task.MaxRetries {
			task.Status = StatusPending
			task.StartedAt = nil
			return nil
		}
		now := s.now().UTC()
		task.Status = StatusFailed
		task.CompletedAt = &now
		return nil
	})
}

func (s *MemoryStore) CancelTask(ctx context.Context, id string) error {
	return s.transition(id, func(task *Task) error {
		// Only queued work can be withdrawn; anything already picked up
		// runs to completion or failure.
		if task.Status != StatusPending {
			return fmt.Errorf("task %s is %s, only pending tasks can be cancelled", id, task.Status)
		}
		task.Status = StatusCancelled
		return nil
	})
}

func (s *MemoryStore) RequestHumanInput(ctx context.Context, id, request, requestType string) error {
	return s.transition(id, func(task *Task) error {
		task.Status = StatusWaitingForHuman
		task.HumanRequest = &request
		task.HumanRequestType = &requestType
		return nil
	})
}

func (s *MemoryStore) ProvideHumanInput(ctx context.Context, id, response string, decision, notes *string) error {
	return s.transition(id, func(task *Task) error {
		if task.Status != StatusWaitingForHuman {
			return fmt.Errorf("task %s is %s, not WAITING_FOR_HUMAN", id, task.Status)
		}
		task.Status = StatusPending
		task.HumanResponse = &response
		task.HumanDecision = decision
		task.HumanNotes = notes
		return nil
	})
}

func (s *MemoryStore) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, task := range s.tasks {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.TaskID] = append(s.logs[entry.TaskID], entry)
	return nil
}

func (s *MemoryStore) Logs(ctx context.Context, taskID string) ([]ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionLog(nil), s.logs[taskID]...), nil
}

func (s *MemoryStore) transition(id string, apply func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if err := apply(task); err != nil {
		return err
	}
	task.UpdatedAt = s.now().UTC()
	return nil
}
