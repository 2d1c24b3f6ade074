// Package incidents keeps the durable record of detected and resolved
// incidents. The log is append-only JSONL: a resolution is a new record
// sharing the incident_id, and readers fold by id to obtain current state.
package incidents

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/metrics"
)

// Status is the incident lifecycle state.
type Status string

const (
	StatusDetected   Status = "detected"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusFailed     Status = "failed"
	StatusEscalated  Status = "escalated"
)

// Terminal reports whether the status never mutates again.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusFailed, StatusEscalated:
		return true
	}
	return false
}

// FailureMode classifies what went wrong.
type FailureMode string

const (
	ModePortConflict        FailureMode = "port_in_use"
	ModeZombieProcess       FailureMode = "zombie_process"
	ModeDNSFailure          FailureMode = "dns_failure"
	ModeTimeWaitBuildup     FailureMode = "time_wait_buildup"
	ModeCloseWaitLeak       FailureMode = "close_wait_leak"
	ModeFDPressure          FailureMode = "fd_pressure"
	ModeInterfaceFlap       FailureMode = "interface_flap"
	ModeEphemeralExhaustion FailureMode = "ephemeral_exhaustion"
)

// Record is one JSONL line. Timestamps serialize as ISO-8601 UTC.
type Record struct {
	IncidentID   string      `json:"incident_id"`
	Status       Status      `json:"status"`
	FailureMode  FailureMode `json:"failure_mode,omitempty"`
	Severity     string      `json:"severity,omitempty"`
	DetectedAt   time.Time   `json:"detected_at"`
	ResolvedAt   *time.Time  `json:"resolved_at,omitempty"`
	ActionsTaken []string    `json:"actions_taken,omitempty"`
	MTTRSeconds  *float64    `json:"mttr_seconds,omitempty"`
	PlaybookID   string      `json:"playbook_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// Log is the single writer for the incident file. Other components read
// folded snapshots; only the healing orchestrator appends.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	logger zerolog.Logger

	// folded state, maintained incrementally as records append
	current  map[string]Record
	detected map[string]time.Time // earliest detected_at per id
	active   int
}

// Open creates or resumes the incident log, replaying the file to rebuild
// folded state.
func Open(path string, logger zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create incident directory: %w", err)
	}

	l := &Log{
		path:     path,
		logger:   logger,
		current:  make(map[string]Record),
		detected: make(map[string]time.Time),
	}

	records, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		l.fold(record)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open incident log: %w", err)
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	return l, nil
}

// Append validates the lifecycle transition and writes the record.
func (l *Log) Append(record Record) error {
	if record.IncidentID == "" {
		return cperrors.Fatal("append_incident", "incidents", fmt.Errorf("incident_id is required"))
	}
	if record.DetectedAt.IsZero() {
		return cperrors.Fatal("append_incident", "incidents", fmt.Errorf("detected_at is required"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.current[record.IncidentID]; ok {
		if existing.Status.Terminal() {
			return cperrors.Fatal("append_incident", "incidents",
				fmt.Errorf("incident %s already terminal (%s)", record.IncidentID, existing.Status))
		}
	}
	if record.Status == StatusResolved {
		if record.ResolvedAt == nil {
			return cperrors.Fatal("append_incident", "incidents", fmt.Errorf("resolved record missing resolved_at"))
		}
		earliest := record.DetectedAt
		if first, ok := l.detected[record.IncidentID]; ok {
			earliest = first
		}
		if record.ResolvedAt.Before(earliest) {
			return cperrors.Fatal("append_incident", "incidents",
				fmt.Errorf("resolved_at precedes detected_at for %s", record.IncidentID))
		}
		mttr := record.ResolvedAt.Sub(earliest).Seconds()
		record.MTTRSeconds = &mttr
		metrics.RecordIncidentResolved(string(record.FailureMode), mttr)
	}

	record.DetectedAt = record.DetectedAt.UTC()
	if record.ResolvedAt != nil {
		utc := record.ResolvedAt.UTC()
		record.ResolvedAt = &utc
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal incident record: %w", err)
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append incident record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}

	l.fold(record)
	switch record.Status {
	case StatusFailed, StatusEscalated:
		metrics.IncidentsTotal.WithLabelValues(string(record.Status), string(record.FailureMode)).Inc()
	}
	return nil
}

// Current returns the folded state for one incident.
func (l *Log) Current(incidentID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.current[incidentID]
	return record, ok
}

// Fold snapshots the current state of every incident, sorted by detection.
func (l *Log) Fold() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.current))
	for _, record := range l.current {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// ActiveCount returns incidents not yet in a terminal state.
func (l *Log) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// MTTRWindow averages MTTR over resolved incidents newer than the cutoff,
// optionally filtered by failure mode ("" = all).
func (l *Log) MTTRWindow(cutoff time.Time, mode FailureMode) (avgSeconds float64, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total float64
	for _, record := range l.current {
		if record.Status != StatusResolved || record.MTTRSeconds == nil {
			continue
		}
		if mode != "" && record.FailureMode != mode {
			continue
		}
		if record.ResolvedAt != nil && record.ResolvedAt.Before(cutoff) {
			continue
		}
		total += *record.MTTRSeconds
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return total / float64(count), count
}

// Compact rewrites the file to one folded record per incident, keeping a
// backup of the raw log.
func (l *Log) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}

	folded := make([]Record, 0, len(l.current))
	for _, record := range l.current {
		folded = append(folded, record)
	}
	sort.Slice(folded, func(i, j int) bool { return folded[i].DetectedAt.Before(folded[j].DetectedAt) })

	backup := l.path + ".backup"
	if err := os.Rename(l.path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	writer := bufio.NewWriter(file)
	for _, record := range folded {
		line, err := json.Marshal(record)
		if err != nil {
			file.Close()
			return err
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			file.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return err
	}

	old := l.file
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.logger.Info().Int("incidents", len(folded)).Str("backup", backup).Msg("Compacted incident log")
	return old.Close()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

func (l *Log) fold(record Record) {
	if first, ok := l.detected[record.IncidentID]; !ok || record.DetectedAt.Before(first) {
		l.detected[record.IncidentID] = record.DetectedAt
	}

	previous, existed := l.current[record.IncidentID]
	l.current[record.IncidentID] = record

	wasActive := existed && !previous.Status.Terminal()
	isActive := !record.Status.Terminal()
	switch {
	case !existed && isActive:
		l.active++
		metrics.IncidentsActive.Inc()
	case wasActive && !isActive:
		l.active--
		metrics.IncidentsActive.Dec()
	}
}

// ReadFile parses every record in the JSONL incident file. A schema
// mismatch is an integrity error.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return nil, cperrors.Integrity("read_incidents", "incidents",
				fmt.Errorf("line %d: %w: %v", line, cperrors.ErrSchemaBroken, err))
		}
		if record.IncidentID == "" || record.Status == "" {
			return nil, cperrors.Integrity("read_incidents", "incidents",
				fmt.Errorf("line %d missing incident_id or status: %w", line, cperrors.ErrSchemaBroken))
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}
