package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroflow/agroflow/internal/config"
)

func calendarWith(rules ...config.ReleaseRule) config.CalendarConfig {
	return config.CalendarConfig{CheckIntervalSeconds: 60, Rules: rules}
}

func TestTargetForMonthlyAppliesLag(t *testing.T) {
	rule := config.ReleaseRule{Source: "comexstat_export", Frequency: "monthly", ReleaseLagMonths: 2}
	now := time.Date(2024, 8, 15, 10, 0, 0, 0, time.UTC)
	period := TargetFor(rule, now)
	assert.Equal(t, 2024, period.Year)
	assert.Equal(t, 6, period.Month)

	// Lag across a year boundary.
	period = TargetFor(rule, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 2023, period.Year)
	assert.Equal(t, 11, period.Month)
}

func TestTargetForWeeklyUsesISOWeek(t *testing.T) {
	rule := config.ReleaseRule{Source: "anec_lineup", Frequency: "weekly"}
	period := TargetFor(rule, time.Date(2024, 8, 5, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 2024, period.Year)
	assert.Equal(t, 32, period.Week)
	assert.Zero(t, period.Month)
}

func TestNextRunAfterMonthlyRollsOver(t *testing.T) {
	task := &ScheduledTask{Frequency: "monthly", DayOfMonth: 10, Hour: 6}
	next := task.nextRunAfter(time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 8, 10, 6, 0, 0, 0, time.UTC), next)

	// Already past this month's release day.
	next = task.nextRunAfter(time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 9, 10, 6, 0, 0, 0, time.UTC), next)

	// December rolls into January.
	next = task.nextRunAfter(time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC), next)
}

func TestNextRunAfterWeekly(t *testing.T) {
	task := &ScheduledTask{Frequency: "weekly", DayOfWeek: time.Friday, Hour: 14}
	// Monday 2024-08-05 -> Friday 2024-08-09 14:00.
	next := task.nextRunAfter(time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 8, 9, 14, 0, 0, 0, time.UTC), next)

	// Friday after the hour -> next Friday.
	next = task.nextRunAfter(time.Date(2024, 8, 9, 15, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 8, 16, 14, 0, 0, 0, time.UTC), next)
}

func TestTickRunsDueTasksAndAdvancesNextRun(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	s := New(calendarWith(
		config.ReleaseRule{Source: "comexstat_export", Frequency: "monthly", ReleaseDayOfMonth: 10, ReleaseLagMonths: 2, Hour: 6},
		config.ReleaseRule{Source: "census_trade", Frequency: "monthly", ReleaseDayOfMonth: 5, ReleaseLagMonths: 2, Hour: 6},
	), func(ctx context.Context, source string, period TargetPeriod) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, source)
		return nil
	})

	// Freeze the clock past both release times.
	frozen := time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }
	for _, task := range s.tasks {
		task.NextRun = frozen.Add(-time.Hour)
	}

	s.tick(context.Background())
	assert.ElementsMatch(t, []string{"comexstat_export", "census_trade"}, ran)

	for _, task := range s.Tasks() {
		require.NotNil(t, task.LastRun)
		require.NotNil(t, task.LastSuccess)
		assert.True(t, task.NextRun.After(*task.LastRun), "next_run must move past last_run")
		assert.Zero(t, task.ConsecutiveFailures)
	}
}

func TestDisabledTaskIsSkipped(t *testing.T) {
	runs := 0
	s := New(calendarWith(
		config.ReleaseRule{Source: "eia_ethanol", Frequency: "weekly", DayOfWeek: 3, Hour: 10},
	), func(ctx context.Context, source string, period TargetPeriod) error {
		runs++
		return nil
	})
	frozen := time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }
	for id, task := range s.tasks {
		task.NextRun = frozen.Add(-time.Hour)
		require.NoError(t, s.SetEnabled(id, false))
	}
	s.tick(context.Background())
	assert.Zero(t, runs)
}

func TestFailureCountsConsecutively(t *testing.T) {
	s := New(calendarWith(
		config.ReleaseRule{Source: "anec_lineup", Frequency: "weekly", DayOfWeek: 5, Hour: 8},
	), func(ctx context.Context, source string, period TargetPeriod) error {
		return errors.New("upstream down")
	})
	frozen := time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	require.Error(t, s.Trigger(context.Background(), "sched_anec_lineup"))
	require.Error(t, s.Trigger(context.Background(), "sched_anec_lineup"))

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].ConsecutiveFailures)
	assert.Nil(t, tasks[0].LastSuccess)
}

func TestStopIsGraceful(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	finished := false

	s := New(calendarWith(
		config.ReleaseRule{Source: "census_trade", Frequency: "monthly", ReleaseDayOfMonth: 1, Hour: 0},
	), func(ctx context.Context, source string, period TargetPeriod) error {
		close(started)
		<-release
		finished = true
		return nil
	})
	s.checkInterval = 10 * time.Millisecond
	frozen := time.Date(2024, 8, 20, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }
	for _, task := range s.tasks {
		task.NextRun = frozen.Add(-time.Hour)
	}

	go s.Start(context.Background())
	<-started

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()
	close(release)
	<-stopDone
	assert.True(t, finished, "in-flight task must complete before stop returns")
}
