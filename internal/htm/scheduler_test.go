package htm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
)

func testScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := NewScheduler(cfg, nil, clock.NewReal(), zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitTerminal(t *testing.T, s *Scheduler, taskID string, within time.Duration) *Task {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if task, ok := s.Get(taskID); ok && task.State.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := s.Get(taskID)
	t.Fatalf("task %s did not reach a terminal state, last seen %+v", taskID, task)
	return nil
}

func TestSubmitRunsToSuccess(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 2})

	var ran atomic.Bool
	id, err := s.Submit(Spec{
		Kind: "healing.playbook",
		Run: func(ctx context.Context, task *Task) error {
			ran.Store(true)
			return nil
		},
	})
	require.NoError(t, err)

	task := waitTerminal(t, s, id, 2*time.Second)
	assert.Equal(t, StateSucceeded, task.State)
	assert.True(t, ran.Load())
	assert.Equal(t, 1, task.AttemptCount)

	// all six timestamps populated
	assert.False(t, task.CreatedAt.IsZero())
	require.NotNil(t, task.QueuedAt)
	require.NotNil(t, task.DispatchedAt)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.EndedAt)
	assert.False(t, task.LastUpdate.IsZero())
}

func TestSubmitValidation(t *testing.T) {
	s := testScheduler(t, Config{})
	_, err := s.Submit(Spec{Run: func(context.Context, *Task) error { return nil }})
	assert.Error(t, err)
	_, err = s.Submit(Spec{Kind: "x"})
	assert.Error(t, err)
}

func TestPriorityThenFIFO(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 1})

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})

	record := func(name string) WorkFunc {
		return func(ctx context.Context, task *Task) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// occupy the single worker so the rest queue up
	blockID, err := s.Submit(Spec{Kind: "block", Run: func(ctx context.Context, task *Task) error {
		<-gate
		return nil
	}})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	_, err = s.Submit(Spec{Kind: "low-a", Priority: 1, Run: record("low-a")})
	require.NoError(t, err)
	_, err = s.Submit(Spec{Kind: "low-b", Priority: 1, Run: record("low-b")})
	require.NoError(t, err)
	highID, err := s.Submit(Spec{Kind: "high", Priority: 5, Run: record("high")})
	require.NoError(t, err)

	close(gate)
	waitTerminal(t, s, blockID, 2*time.Second)
	waitTerminal(t, s, highID, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(order) == 3
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, []string{"high", "low-a", "low-b"}, order)
}

func TestRetryThenSucceed(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 2, BackoffBase: 100 * time.Millisecond})

	var attempts atomic.Int32
	start := time.Now()
	id, err := s.Submit(Spec{
		Kind:        "flaky",
		MaxAttempts: 3,
		Run: func(ctx context.Context, task *Task) error {
			if attempts.Add(1) < 3 {
				return cperrors.Transient("run_step", "test", fmt.Errorf("ephemeral failure"))
			}
			return nil
		},
	})
	require.NoError(t, err)

	task := waitTerminal(t, s, id, 5*time.Second)
	elapsed := time.Since(start)
	assert.Equal(t, StateSucceeded, task.State)
	assert.Equal(t, 3, task.AttemptCount)
	// two backoffs: ~100ms + ~200ms, with jitter
	assert.GreaterOrEqual(t, elapsed, 240*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 1500*time.Millisecond)
}

func TestFatalErrorDoesNotRetry(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 1})

	var attempts atomic.Int32
	id, err := s.Submit(Spec{
		Kind:        "broken",
		MaxAttempts: 3,
		Run: func(ctx context.Context, task *Task) error {
			attempts.Add(1)
			return cperrors.Fatal("run_step", "test", fmt.Errorf("precondition violated"))
		},
	})
	require.NoError(t, err)

	task := waitTerminal(t, s, id, 2*time.Second)
	assert.Equal(t, StateFailed, task.State)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Contains(t, task.LastError, "precondition violated")
}

func TestSLATimeout(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 1, CancelGrace: 200 * time.Millisecond})

	id, err := s.Submit(Spec{
		Kind:        "slow",
		SLAMillis:   50,
		MaxAttempts: 1,
		Run: func(ctx context.Context, task *Task) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	task := waitTerminal(t, s, id, 2*time.Second)
	assert.Equal(t, StateTimedOut, task.State)
	assert.Equal(t, "sla_exceeded", task.LastError)
}

func TestTimeoutRetriesUntilAttemptsExhausted(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 1, BackoffBase: 20 * time.Millisecond, CancelGrace: 100 * time.Millisecond})

	var attempts atomic.Int32
	id, err := s.Submit(Spec{
		Kind:        "always-slow",
		SLAMillis:   30,
		MaxAttempts: 2,
		Run: func(ctx context.Context, task *Task) error {
			attempts.Add(1)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	task := waitTerminal(t, s, id, 5*time.Second)
	assert.Equal(t, StateTimedOut, task.State)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestNoRetrySuppressesRetry(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 1})

	var attempts atomic.Int32
	id, err := s.Submit(Spec{
		Kind:        "no-retry",
		MaxAttempts: 3,
		NoRetry:     true,
		Run: func(ctx context.Context, task *Task) error {
			attempts.Add(1)
			return cperrors.Transient("run_step", "test", fmt.Errorf("transient"))
		},
	})
	require.NoError(t, err)

	task := waitTerminal(t, s, id, 2*time.Second)
	assert.Equal(t, StateFailed, task.State)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCancelRunningTask(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 1, CancelGrace: 5 * time.Second})

	started := make(chan struct{})
	id, err := s.Submit(Spec{
		Kind:      "long",
		SLAMillis: 10_000,
		Run: func(ctx context.Context, task *Task) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	<-started
	cancelAt := time.Now()
	require.NoError(t, s.Cancel(id))

	task := waitTerminal(t, s, id, 5*time.Second)
	assert.Equal(t, StateCancelled, task.State)
	assert.LessOrEqual(t, time.Since(cancelAt), 5*time.Second)
	assert.Equal(t, 1, task.AttemptCount) // cancellation never retries
}

func TestCancelQueuedTask(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 1})

	gate := make(chan struct{})
	defer close(gate)
	_, err := s.Submit(Spec{Kind: "block", Run: func(ctx context.Context, task *Task) error {
		<-gate
		return nil
	}})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	var ran atomic.Bool
	id, err := s.Submit(Spec{Kind: "queued", Run: func(ctx context.Context, task *Task) error {
		ran.Store(true)
		return nil
	}})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(id))
	task, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, task.State)
	assert.False(t, ran.Load())
}

func TestCancelUnknownTask(t *testing.T) {
	s := testScheduler(t, Config{})
	err := s.Cancel("no-such-task")
	assert.ErrorIs(t, err, cperrors.ErrNotFound)
}

func TestHandleCancelEvent(t *testing.T) {
	s := testScheduler(t, Config{MaxWorkers: 1, CancelGrace: time.Second})

	started := make(chan struct{})
	id, err := s.Submit(Spec{
		Kind:      "long",
		SLAMillis: 10_000,
		Run: func(ctx context.Context, task *Task) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	<-started

	s.HandleCancelEvent(events.Event{
		Type:    events.TypeTaskCancel,
		Payload: map[string]any{"task_id": id},
	})
	task := waitTerminal(t, s, id, 5*time.Second)
	assert.Equal(t, StateCancelled, task.State)
}

func TestJournalMarksOrphansFailed(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "htm_tasks.jsonl")

	// journal left behind by a crashed run: one finished task, one mid-flight
	now := time.Now().UTC().Format(time.RFC3339Nano)
	lines := fmt.Sprintf(
		`{"task_id":"done-1","kind":"check","state":"succeeded","created_at":%q,"last_update":%q,"attempt_count":1,"max_attempts":3,"sla_ms":1000}
{"task_id":"orphan-1","kind":"heal","state":"running","created_at":%q,"last_update":%q,"attempt_count":1,"max_attempts":3,"sla_ms":1000}
`, now, now, now, now)
	require.NoError(t, os.WriteFile(journal, []byte(lines), 0o600))

	s, err := NewScheduler(Config{JournalPath: journal}, nil, clock.NewReal(), zerolog.Nop())
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	done, ok := s.Get("done-1")
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, done.State)

	orphan, ok := s.Get("orphan-1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, orphan.State)
	assert.Equal(t, "orphaned_at_restart", orphan.LastError)

	// the failure snapshot is journaled so the next replay folds cleanly
	replayed, err := ReadJournal(journal)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, replayed["orphan-1"].State)
}

func TestJournalCorruptionIsInconsistency(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "htm_tasks.jsonl")
	require.NoError(t, os.WriteFile(journal, []byte("{broken\n"), 0o600))

	_, err := NewScheduler(Config{JournalPath: journal}, nil, clock.NewReal(), zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, cperrors.ErrInconsistency)
}

func TestRetryBackoffHonorsInjectedClock(t *testing.T) {
	clk := clock.NewDeterministic(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Millisecond)
	s, err := NewScheduler(Config{MaxWorkers: 1, BackoffBase: time.Minute, BackoffCap: time.Minute}, nil, clk, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	var attempts atomic.Int32
	id, err := s.Submit(Spec{
		Kind:        "flaky",
		MaxAttempts: 2,
		Run: func(ctx context.Context, task *Task) error {
			if attempts.Add(1) < 2 {
				return cperrors.Transient("run_step", "test", fmt.Errorf("ephemeral failure"))
			}
			return nil
		},
	})
	require.NoError(t, err)

	// first attempt fails, then the worker parks on the backoff timer
	require.Eventually(t, func() bool { return attempts.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// real time passing must not release a minute-long backoff
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())

	// moving the clock past the backoff does
	require.Eventually(t, func() bool {
		clk.Advance(2 * time.Minute)
		task, ok := s.Get(id)
		return ok && task.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	task, _ := s.Get(id)
	assert.Equal(t, StateSucceeded, task.State)
	assert.Equal(t, 2, task.AttemptCount)
}

func TestCancelGraceHonorsInjectedClock(t *testing.T) {
	clk := clock.NewDeterministic(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Millisecond)
	s, err := NewScheduler(Config{MaxWorkers: 1, CancelGrace: time.Minute}, nil, clk, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	id, err := s.Submit(Spec{
		Kind: "stubborn",
		Run: func(ctx context.Context, task *Task) error {
			close(started)
			<-release // ignores cancellation
			return nil
		},
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Cancel(id))

	// the attempt is abandoned only once the grace period passes
	require.Eventually(t, func() bool {
		clk.Advance(2 * time.Minute)
		task, ok := s.Get(id)
		return ok && task.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	task, _ := s.Get(id)
	assert.Equal(t, StateCancelled, task.State)
}
