// Package scheduler drives periodic collector runs off a per-source
// release calendar. Sources publish on known days with known lags; the
// scheduler derives which period a run should target and fires enabled
// tasks whose next_run has passed.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/config"
)

// TargetPeriod is the data period a scheduled run should collect.
type TargetPeriod struct {
	Year  int
	Month int // monthly flows
	Week  int // ISO week, weekly flows
}

// TargetFor derives the period from a release rule. Monthly data for
// period P is published release_lag_months later, so the target is
// today minus the lag. Weekly lineup reports target the current ISO
// week.
func TargetFor(rule config.ReleaseRule, now time.Time) TargetPeriod {
	switch rule.Frequency {
	case "weekly":
		year, week := now.ISOWeek()
		return TargetPeriod{Year: year, Week: week}
	default:
		target := now.AddDate(0, -rule.ReleaseLagMonths, 0)
		return TargetPeriod{Year: target.Year(), Month: int(target.Month())}
	}
}

// ScheduledTask is one calendar entry plus its run bookkeeping.
type ScheduledTask struct {
	TaskID              string
	Source              string
	Frequency           string
	DayOfMonth          int
	DayOfWeek           time.Weekday
	Hour                int
	Enabled             bool
	LastRun             *time.Time
	LastSuccess         *time.Time
	NextRun             time.Time
	ConsecutiveFailures int
}

// nextRunAfter computes the first firing time strictly after t.
func (s *ScheduledTask) nextRunAfter(t time.Time) time.Time {
	switch s.Frequency {
	case "weekly":
		next := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, 0, 0, 0, t.Location())
		for next.Weekday() != s.DayOfWeek || !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case "daily":
		next := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, 0, 0, 0, t.Location())
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default: // monthly
		next := time.Date(t.Year(), t.Month(), s.DayOfMonth, s.Hour, 0, 0, 0, t.Location())
		if !next.After(t) {
			next = time.Date(t.Year(), t.Month()+1, s.DayOfMonth, s.Hour, 0, 0, 0, t.Location())
		}
		return next
	}
}

// RunFunc executes one scheduled collection for a source and period.
type RunFunc func(ctx context.Context, source string, period TargetPeriod) error

// Scheduler owns the task set and the control loop.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*ScheduledTask
	rules map[string]config.ReleaseRule

	checkInterval time.Duration
	run           RunFunc
	now           func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a scheduler from the release calendar. Every rule becomes
// an enabled task with next_run computed from now.
func New(calendar config.CalendarConfig, run RunFunc) *Scheduler {
	s := &Scheduler{
		tasks:         make(map[string]*ScheduledTask),
		rules:         make(map[string]config.ReleaseRule),
		checkInterval: calendar.CheckInterval(),
		run:           run,
		now:           time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	now := s.now()
	for _, rule := range calendar.Rules {
		task := &ScheduledTask{
			TaskID:     fmt.Sprintf("sched_%s", rule.Source),
			Source:     rule.Source,
			Frequency:  rule.Frequency,
			DayOfMonth: rule.ReleaseDayOfMonth,
			DayOfWeek:  time.Weekday(rule.DayOfWeek),
			Hour:       rule.Hour,
			Enabled:    true,
		}
		task.NextRun = task.nextRunAfter(now)
		s.tasks[task.TaskID] = task
		s.rules[task.TaskID] = rule
	}
	return s
}

// Tasks returns a snapshot sorted by next run.
func (s *Scheduler) Tasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

// SetEnabled toggles one task.
func (s *Scheduler) SetEnabled(taskID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	task.Enabled = enabled
	return nil
}

// Trigger fires one task immediately regardless of its schedule.
func (s *Scheduler) Trigger(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %s", taskID)
	}
	rule := s.rules[taskID]
	s.mu.Unlock()
	return s.execute(ctx, task, rule)
}

// Start runs the control loop until Stop. Each tick collects due
// enabled tasks and runs them in next_run order; an in-flight task
// finishes before a stop takes effect.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	log.Info().Dur("check_interval", s.checkInterval).Int("tasks", len(s.tasks)).
		Msg("scheduler started")
	for {
		select {
		case <-s.stopCh:
			log.Info().Msg("scheduler stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop requests a graceful shutdown and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*ScheduledTask
	for _, task := range s.tasks {
		if task.Enabled && !task.NextRun.After(now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	rules := make([]config.ReleaseRule, len(due))
	for i, task := range due {
		rules[i] = s.rules[task.TaskID]
	}
	s.mu.Unlock()

	for i, task := range due {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err := s.execute(ctx, task, rules[i]); err != nil {
			log.Error().Err(err).Str("task", task.TaskID).Msg("scheduled run failed")
		}
	}
}

// execute runs one task and updates its bookkeeping. next_run always
// moves strictly past the finish time so a slow run cannot refire
// immediately.
func (s *Scheduler) execute(ctx context.Context, task *ScheduledTask, rule config.ReleaseRule) error {
	started := s.now()
	period := TargetFor(rule, started)

	err := s.run(ctx, task.Source, period)

	s.mu.Lock()
	defer s.mu.Unlock()
	finished := s.now()
	task.LastRun = &started
	if err != nil {
		task.ConsecutiveFailures++
	} else {
		task.ConsecutiveFailures = 0
		task.LastSuccess = &finished
	}
	task.NextRun = task.nextRunAfter(finished)

	evt := log.Info()
	if err != nil {
		evt = log.Error().Err(err)
	}
	evt.Str("task", task.TaskID).Str("source", task.Source).
		Int("target_year", period.Year).Int("target_month", period.Month).Int("target_week", period.Week).
		Time("next_run", task.NextRun).Msg("scheduled run finished")
	return err
}
