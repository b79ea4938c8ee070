package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jonasrmichel/jms-doodle-poll/pkg/config"
)

func setupTestScheduler(t *testing.T) *Scheduler {
	logger := zaptest.NewLogger(t)
	cfg := &config.RetryConfig{
		Schedule:      "@every 1s",
		MaxConcurrent: 4,
	}

	scheduler := NewScheduler(cfg, logger)
	require.NoError(t, scheduler.Start())
	t.Cleanup(func() { scheduler.Stop() })

	return scheduler
}

func TestScheduleTask(t *testing.T) {
	scheduler := setupTestScheduler(t)

	t.Run("ValidTask", func(t *testing.T) {
		task := &Task{
			ID:       "retry-alice",
			Name:     "Redeliver alice's polls",
			Schedule: "@every 1h",
			ExecutionFn: func(ctx context.Context) error {
				return nil
			},
		}

		err := scheduler.ScheduleTask(task)
		require.NoError(t, err)

		scheduled, err := scheduler.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, scheduled.ID)
		assert.Equal(t, TaskStatusPending, scheduled.Status)
		assert.False(t, scheduled.NextRun.IsZero())
	})

	t.Run("DefaultSchedule", func(t *testing.T) {
		task := &Task{
			ID:          "retry-default",
			ExecutionFn: func(ctx context.Context) error { return nil },
		}

		require.NoError(t, scheduler.ScheduleTask(task))
		assert.Equal(t, "@every 1s", task.Schedule)
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		task := &Task{
			ID:          "retry-bad",
			Schedule:    "invalid",
			ExecutionFn: func(ctx context.Context) error { return nil },
		}

		assert.Error(t, scheduler.ScheduleTask(task))
	})

	t.Run("MissingExecutionFn", func(t *testing.T) {
		task := &Task{
			ID:       "retry-nofn",
			Schedule: "@every 1h",
		}

		assert.Error(t, scheduler.ScheduleTask(task))
	})

	t.Run("DuplicateTask", func(t *testing.T) {
		task := &Task{
			ID:          "retry-dup",
			Schedule:    "@every 1h",
			ExecutionFn: func(ctx context.Context) error { return nil },
		}

		require.NoError(t, scheduler.ScheduleTask(task))
		assert.Error(t, scheduler.ScheduleTask(&Task{
			ID:          "retry-dup",
			Schedule:    "@every 1h",
			ExecutionFn: func(ctx context.Context) error { return nil },
		}))
	})
}

func TestUnscheduleTask(t *testing.T) {
	scheduler := setupTestScheduler(t)

	task := &Task{
		ID:          "retry-gone",
		Schedule:    "@every 1h",
		ExecutionFn: func(ctx context.Context) error { return nil },
	}
	require.NoError(t, scheduler.ScheduleTask(task))

	require.NoError(t, scheduler.UnscheduleTask(task.ID))
	_, err := scheduler.GetTask(task.ID)
	assert.Error(t, err)

	assert.Error(t, scheduler.UnscheduleTask(task.ID))
}

func TestTaskExecution(t *testing.T) {
	scheduler := setupTestScheduler(t)

	var runs atomic.Int64
	task := &Task{
		ID:       "retry-runs",
		Schedule: "@every 1s",
		ExecutionFn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	require.NoError(t, scheduler.ScheduleTask(task))

	require.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond, "task never ran")

	require.Eventually(t, func() bool {
		got, err := scheduler.GetTask(task.ID)
		return err == nil && got.Status == TaskStatusComplete
	}, 5*time.Second, 50*time.Millisecond)

	metrics := scheduler.GetMetrics()
	assert.GreaterOrEqual(t, metrics.TasksCompleted, int64(1))
}

func TestFailingTask(t *testing.T) {
	scheduler := setupTestScheduler(t)

	wantErr := errors.New("redelivery failed")
	task := &Task{
		ID:       "retry-fails",
		Schedule: "@every 1s",
		ExecutionFn: func(ctx context.Context) error {
			return wantErr
		},
	}
	require.NoError(t, scheduler.ScheduleTask(task))

	require.Eventually(t, func() bool {
		got, err := scheduler.GetTask(task.ID)
		return err == nil && got.Status == TaskStatusFailed
	}, 5*time.Second, 50*time.Millisecond)

	got, err := scheduler.GetTask(task.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, got.Error, wantErr)

	metrics := scheduler.GetMetrics()
	assert.GreaterOrEqual(t, metrics.TasksFailed, int64(1))
}

// TestCronLogsThroughZap verifies cron's internal logging lands in the
// structured log rather than on stderr.
func TestCronLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := &config.RetryConfig{
		Schedule:      "@every 1s",
		MaxConcurrent: 1,
	}

	scheduler := NewScheduler(cfg, zap.New(core))
	require.NoError(t, scheduler.Start())
	t.Cleanup(func() { scheduler.Stop() })

	require.NoError(t, scheduler.ScheduleTask(&Task{
		ID:          "retry-logged",
		ExecutionFn: func(ctx context.Context) error { return nil },
	}))

	// Cron's verbose logger reports "wake"/"run" lines on each fire.
	require.Eventually(t, func() bool {
		for _, entry := range logs.FilterLevelExact(zapcore.DebugLevel).All() {
			if strings.HasPrefix(entry.Message, "wake") || strings.HasPrefix(entry.Message, "run") {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "cron never logged through zap")
}

func TestListTasks(t *testing.T) {
	scheduler := setupTestScheduler(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, scheduler.ScheduleTask(&Task{
			ID:          id,
			Schedule:    "@every 1h",
			ExecutionFn: func(ctx context.Context) error { return nil },
		}))
	}

	assert.Len(t, scheduler.ListTasks(), 3)
}
