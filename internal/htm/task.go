// Package htm is the task scheduler: it owns the task table, dispatches
// work to a bounded pool, enforces SLAs, and retries transient failures
// with exponential backoff.
package htm

import (
	"bufio"
	"bytes"
	"container/heap"
	"encoding/json"
	"fmt"
	"os"
	"time"

	cperrors "github.com/aaron031291/grace/internal/errors"
)

// State is the task lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether a task in this state is done.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Task is a scheduled unit of work. The scheduler has exclusive write
// access; workers report back through update events only.
type Task struct {
	TaskID         string         `json:"task_id"`
	Kind           string         `json:"kind"`
	Payload        map[string]any `json:"payload,omitempty"`
	OwnerKernel    string         `json:"owner_kernel,omitempty"`
	Priority       int            `json:"priority"`
	State          State          `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	QueuedAt       *time.Time     `json:"queued_at,omitempty"`
	DispatchedAt   *time.Time     `json:"dispatched_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	LastUpdate     time.Time      `json:"last_update"`
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	SLAMillis      int64          `json:"sla_ms"`
	LastError      string         `json:"last_error,omitempty"`
	ParentIncident string         `json:"parent_incident,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

// taskHeap orders pending tasks by priority (higher first), FIFO within
// a priority level.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*taskHeap)(nil)

// ReadJournal parses the task journal and folds by task_id, returning the
// last snapshot per task. A malformed line is an HTM inconsistency.
func ReadJournal(path string) (map[string]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Task{}, nil
		}
		return nil, err
	}

	tasks := make(map[string]*Task)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var task Task
		if err := json.Unmarshal(text, &task); err != nil {
			return nil, cperrors.Integrity("read_journal", "htm",
				fmt.Errorf("line %d: %w: %v", line, cperrors.ErrInconsistency, err))
		}
		if task.TaskID == "" || task.State == "" {
			return nil, cperrors.Integrity("read_journal", "htm",
				fmt.Errorf("line %d missing task_id or state: %w", line, cperrors.ErrInconsistency))
		}
		tasks[task.TaskID] = &task
	}
	return tasks, scanner.Err()
}
