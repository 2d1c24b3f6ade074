package htm

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/metrics"
)

// WorkFunc executes one attempt of a task. A returned error marked
// retryable (see the errors package) requeues the task with backoff.
type WorkFunc func(ctx context.Context, task *Task) error

// Spec describes a task submission.
type Spec struct {
	Kind           string
	Payload        map[string]any
	OwnerKernel    string
	Priority       int
	SLAMillis      int64
	MaxAttempts    int
	ParentIncident string
	NoRetry        bool // suppress retry even for transient errors and timeouts
	Run            WorkFunc
}

// Config tunes the scheduler.
type Config struct {
	MaxWorkers      int
	DefaultSLA      time.Duration
	MaxAttempts     int
	CancelGrace     time.Duration
	JournalPath     string
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  4,
		DefaultSLA:  30 * time.Second,
		MaxAttempts: 3,
		CancelGrace: 5 * time.Second,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  30 * time.Second,
	}
}

// Scheduler owns the task table. Exactly one worker runs a task at a
// time; dispatch order is priority then FIFO.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	pub    events.Publisher
	clk    clock.Clock
	logger zerolog.Logger

	tasks   map[string]*Task
	work    map[string]WorkFunc
	noRetry map[string]bool
	pending taskHeap
	cancels map[string]context.CancelFunc

	journal *os.File
	writer  *bufio.Writer

	notifyCh   chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	started    bool
	wg         sync.WaitGroup
}

// NewScheduler builds a scheduler. If a journal path is configured, prior
// state is replayed: tasks left non-terminal by a previous run are marked
// failed rather than silently resumed.
func NewScheduler(cfg Config, pub events.Publisher, clk clock.Clock, logger zerolog.Logger) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.DefaultSLA <= 0 {
		cfg.DefaultSLA = def.DefaultSLA
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}

	s := &Scheduler{
		cfg:        cfg,
		pub:        pub,
		clk:        clk,
		logger:     logger,
		tasks:      make(map[string]*Task),
		work:       make(map[string]WorkFunc),
		noRetry:    make(map[string]bool),
		cancels:    make(map[string]context.CancelFunc),
		notifyCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}

	if cfg.JournalPath != "" {
		if err := s.openJournal(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) openJournal() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.JournalPath), 0o700); err != nil {
		return fmt.Errorf("create task directory: %w", err)
	}

	prior, err := ReadJournal(s.cfg.JournalPath)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(s.cfg.JournalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open task journal: %w", err)
	}
	s.journal = file
	s.writer = bufio.NewWriter(file)

	// A previous run's in-flight tasks cannot resume; their work funcs
	// are gone. Record them failed so readers see a terminal state.
	now := s.clk.Now()
	for id, task := range prior {
		if task.State.Terminal() {
			s.tasks[id] = task
			continue
		}
		task.State = StateFailed
		task.LastError = "orphaned_at_restart"
		task.EndedAt = &now
		task.LastUpdate = now
		s.tasks[id] = task
		s.appendJournalLocked(task)
		s.logger.Warn().Str("task_id", id).Msg("Marked orphaned task failed on restart")
	}
	return nil
}

// Start launches the dispatcher and worker pool.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info().Int("workers", s.cfg.MaxWorkers).Msg("HTM scheduler started")
}

// Stop cancels running tasks and waits for workers to drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Flush()
		return s.journal.Close()
	}
	return nil
}

// Submit enqueues a task and returns its id.
func (s *Scheduler) Submit(spec Spec) (string, error) {
	if spec.Kind == "" {
		return "", cperrors.Fatal("submit_task", "htm", fmt.Errorf("task kind is required"))
	}
	if spec.Run == nil {
		return "", cperrors.Fatal("submit_task", "htm", fmt.Errorf("task %s has no work function", spec.Kind))
	}

	now := s.clk.Now()
	task := &Task{
		TaskID:         uuid.NewString(),
		Kind:           spec.Kind,
		Payload:        spec.Payload,
		OwnerKernel:    spec.OwnerKernel,
		Priority:       spec.Priority,
		State:          StateQueued,
		CreatedAt:      now,
		QueuedAt:       &now,
		LastUpdate:     now,
		MaxAttempts:    spec.MaxAttempts,
		SLAMillis:      spec.SLAMillis,
		ParentIncident: spec.ParentIncident,
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.cfg.MaxAttempts
	}
	if task.SLAMillis <= 0 {
		task.SLAMillis = s.cfg.DefaultSLA.Milliseconds()
	}

	s.mu.Lock()
	s.tasks[task.TaskID] = task
	s.work[task.TaskID] = spec.Run
	s.noRetry[task.TaskID] = spec.NoRetry
	heap.Push(&s.pending, task)
	s.appendJournalLocked(task)
	s.mu.Unlock()

	metrics.TaskQueueDepth.Inc()
	s.publishUpdate(task)
	s.kick()
	return task.TaskID, nil
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.clone(), true
}

// Cancel moves a non-terminal task to cancelled. Running workers get the
// cooperative grace period before the task is abandoned.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return cperrors.Fatal("cancel_task", "htm", fmt.Errorf("%w: task %s", cperrors.ErrNotFound, taskID))
	}
	if task.State.Terminal() {
		s.mu.Unlock()
		return nil
	}

	cancel, running := s.cancels[taskID]
	if !running {
		// still queued or between attempts: terminal immediately
		neverDispatched := task.DispatchedAt == nil
		s.transitionLocked(task, StateCancelled, "cancelled")
		s.mu.Unlock()
		if neverDispatched {
			metrics.TaskQueueDepth.Dec()
		}
		s.publishUpdate(task)
		return nil
	}
	s.mu.Unlock()

	cancel()
	return nil
}

// HandleCancelEvent adapts bus task.cancel events onto Cancel.
func (s *Scheduler) HandleCancelEvent(ev events.Event) {
	taskID, _ := ev.Payload["task_id"].(string)
	if taskID == "" {
		return
	}
	if err := s.Cancel(taskID); err != nil && !errors.Is(err, cperrors.ErrNotFound) {
		s.logger.Warn().Str("task_id", taskID).Err(err).Msg("Cancel request failed")
	}
}

// Snapshot returns copies of all tasks.
func (s *Scheduler) Snapshot() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.clone())
	}
	return out
}

func (s *Scheduler) kick() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// worker pulls the highest-priority queued task and drives it to a
// terminal state. Tasks stay on the heap until a worker is actually
// free, so a late high-priority submission still jumps the line.
func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var next *Task
		for s.pending.Len() > 0 {
			candidate := heap.Pop(&s.pending).(*Task)
			if candidate.State == StateQueued {
				next = candidate
				break
			}
		}
		if next != nil {
			now := s.clk.Now()
			next.State = StateDispatched
			next.DispatchedAt = &now
			next.LastUpdate = now
			s.appendJournalLocked(next)
			if s.pending.Len() > 0 {
				s.kick()
			}
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.stopCh:
				return
			case <-s.notifyCh:
			}
			continue
		}

		metrics.TaskQueueDepth.Dec()
		s.publishUpdate(next)
		s.runAttempts(next)
	}
}

// runAttempts drives one task to a terminal state, sleeping between
// retries. The same worker owns the task for its whole life so a task id
// is never executed by two workers at once.
func (s *Scheduler) runAttempts(task *Task) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.BackoffBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxInterval = s.cfg.BackoffCap
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		outcome, retryable := s.runOnce(task)
		if outcome.Terminal() {
			return
		}

		s.mu.Lock()
		canRetry := retryable && !s.noRetry[task.TaskID] && task.AttemptCount < task.MaxAttempts
		if !canRetry {
			reason := task.LastError
			if reason == "" {
				reason = string(outcome)
			}
			s.transitionLocked(task, StateFailed, reason)
			s.mu.Unlock()
			s.publishUpdate(task)
			return
		}
		s.mu.Unlock()

		metrics.TaskRetriesTotal.Inc()
		delay := policy.NextBackOff()
		select {
		case <-s.clk.After(delay):
		case <-s.stopCh:
			s.mu.Lock()
			s.transitionLocked(task, StateCancelled, "scheduler_stopped")
			s.mu.Unlock()
			s.publishUpdate(task)
			return
		}

		// cancelled while waiting out the backoff
		s.mu.Lock()
		if task.State.Terminal() {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// runOnce executes a single attempt. It returns the state the task landed
// in (terminal, or a sentinel non-terminal for retry) and whether a
// failure is retry-eligible.
func (s *Scheduler) runOnce(task *Task) (State, bool) {
	s.mu.Lock()
	if task.State.Terminal() {
		state := task.State
		s.mu.Unlock()
		return state, false
	}
	run := s.work[task.TaskID]
	now := s.clk.Now()
	task.State = StateRunning
	task.AttemptCount++
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.LastUpdate = now
	s.appendJournalLocked(task)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(task.SLAMillis)*time.Millisecond)
	cancelled := make(chan struct{})
	s.cancels[task.TaskID] = func() {
		select {
		case <-cancelled:
		default:
			close(cancelled)
		}
		cancel()
	}
	s.mu.Unlock()
	s.publishUpdate(task)

	err := s.invoke(ctx, run, task)
	cancel()

	s.mu.Lock()
	delete(s.cancels, task.TaskID)
	wasCancelled := false
	select {
	case <-cancelled:
		wasCancelled = true
	default:
	}

	switch {
	case err == nil:
		s.transitionLocked(task, StateSucceeded, "")
	case wasCancelled:
		s.transitionLocked(task, StateCancelled, "cancelled")
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, cperrors.ErrTimeout):
		task.LastError = "sla_exceeded"
		if task.AttemptCount >= task.MaxAttempts || s.noRetry[task.TaskID] {
			s.transitionLocked(task, StateTimedOut, "sla_exceeded")
		} else {
			s.requeueLocked(task)
			s.mu.Unlock()
			return StateRunning, true
		}
	case cperrors.IsRetryable(err):
		task.LastError = err.Error()
		if task.AttemptCount < task.MaxAttempts && !s.noRetry[task.TaskID] {
			s.requeueLocked(task)
			s.mu.Unlock()
			return StateRunning, true
		}
		s.transitionLocked(task, StateFailed, err.Error())
	default:
		s.transitionLocked(task, StateFailed, err.Error())
	}
	state := task.State
	s.mu.Unlock()
	s.publishUpdate(task)
	return state, false
}

// invoke runs the work function, enforcing the cooperative cancellation
// grace: if the worker ignores its context past the grace period the
// attempt is abandoned and treated as cancelled or timed out.
func (s *Scheduler) invoke(ctx context.Context, run WorkFunc, task *Task) error {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- cperrors.Fatal("run_task", "htm", fmt.Errorf("worker panic: %v", r))
			}
		}()
		result <- run(ctx, task.clone())
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
	}

	// context fired; give the worker the grace period to return
	select {
	case err := <-result:
		if err == nil {
			return ctx.Err()
		}
		return err
	case <-s.clk.After(s.cfg.CancelGrace):
		s.logger.Error().
			Str("task_id", task.TaskID).
			Str("kind", task.Kind).
			Msg("Worker ignored cancellation, abandoning attempt")
		return ctx.Err()
	}
}

// requeueLocked marks a task awaiting its next attempt. It stays off the
// pending heap: the worker holding it drives the retry, so the task id is
// never handed to a second worker.
func (s *Scheduler) requeueLocked(task *Task) {
	task.State = StateQueued
	task.LastUpdate = s.clk.Now()
	s.appendJournalLocked(task)
}

func (s *Scheduler) transitionLocked(task *Task, to State, reason string) {
	now := s.clk.Now()
	task.State = to
	task.LastUpdate = now
	if to.Terminal() {
		task.EndedAt = &now
		delete(s.work, task.TaskID)
		delete(s.noRetry, task.TaskID)
		metrics.RecordTaskTerminal(task.Kind, string(to))
	}
	if reason != "" && to != StateSucceeded {
		task.LastError = reason
	}
	s.appendJournalLocked(task)
}

func (s *Scheduler) appendJournalLocked(task *Task) {
	if s.writer == nil {
		return
	}
	line, err := json.Marshal(task)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to marshal task snapshot")
		return
	}
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append task journal")
		return
	}
	s.writer.Flush()
}

func (s *Scheduler) publishUpdate(task *Task) {
	if s.pub == nil {
		return
	}
	s.mu.Lock()
	payload := map[string]any{
		"task_id": task.TaskID,
		"state":   string(task.State),
		"kind":    task.Kind,
		"attempt": task.AttemptCount,
	}
	if task.LastError != "" {
		payload["error"] = task.LastError
	}
	if task.ParentIncident != "" {
		payload["parent_incident"] = task.ParentIncident
	}
	s.mu.Unlock()
	s.pub.Publish(events.TypeTaskUpdate, payload)
}
