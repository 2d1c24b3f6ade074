// Package audit maintains the append-only, hash-chained event record. Each
// line of the JSONL file binds to its predecessor through
// this_hash = sha256(canonical({prev_hash, event})), which makes any on-disk
// tamper detectable by re-hashing the chain.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/events"
)

const (
	auditDirPerm  = 0o700
	auditFilePerm = 0o600

	// fsync is batched: at most one sync per flushInterval or per
	// flushBatch appends, whichever comes first.
	flushBatch    = 32
	flushInterval = 250 * time.Millisecond
)

// Record is one audit log line.
type Record struct {
	TS       time.Time    `json:"ts"`
	Event    events.Event `json:"event"`
	Signer   string       `json:"signer"`
	PrevHash string       `json:"prev_hash"`
	ThisHash string       `json:"this_hash"`
}

// Log is the single writer for the immutable audit file. Readers snapshot
// through ReadAll or stream the file directly.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	lastHash string
	pending  int
	logger   zerolog.Logger

	degraded atomic.Bool
	onBroken func() // invoked once when a runtime verification finds a tamper

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open creates or resumes the audit log at path, recovering the chain tip
// from the last line.
func Open(path string, logger zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), auditDirPerm); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	lastHash, err := chainTip(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, auditFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Log{
		path:     path,
		file:     file,
		writer:   bufio.NewWriter(file),
		lastHash: lastHash,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop()
	return l, nil
}

// SetBrokenCallback registers the hook fired when a runtime verification
// detects a broken chain.
func (l *Log) SetBrokenCallback(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBroken = fn
}

// Append writes one event to the chain. It implements events.Appender.
func (l *Log) Append(ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, err := chainRecord(l.lastHash, ev)
	if err != nil {
		return fmt.Errorf("chain audit record: %w", err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	l.lastHash = record.ThisHash
	l.pending++
	if l.pending >= flushBatch {
		return l.flushLocked()
	}
	return nil
}

// Verify re-hashes the entire chain on disk. It marks the log degraded on
// mismatch; writes continue but the flag stays raised.
func (l *Log) Verify() error {
	err := VerifyFile(l.path)
	if err != nil {
		l.degraded.Store(true)
		l.mu.Lock()
		broken := l.onBroken
		l.mu.Unlock()
		if broken != nil {
			broken()
		}
	}
	return err
}

// Degraded reports whether a chain tamper has been observed.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// ReadAll snapshots every record currently on disk.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	if err := l.flushLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()
	return ReadFile(l.path)
}

// Close flushes, syncs, and stops the background flusher.
func (l *Log) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopChan) })

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.file.Close()
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if err := l.flushLocked(); err != nil {
				l.logger.Error().Err(err).Msg("Audit flush failed")
			}
			l.mu.Unlock()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Log) flushLocked() error {
	if l.pending == 0 {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.pending = 0
	return nil
}

// chainRecord computes the next record in the chain for ev.
func chainRecord(prevHash string, ev events.Event) (Record, error) {
	thisHash, err := hashEvent(prevHash, ev)
	if err != nil {
		return Record{}, err
	}
	return Record{
		TS:       ev.Timestamp,
		Event:    ev,
		Signer:   ev.Source,
		PrevHash: prevHash,
		ThisHash: thisHash,
	}, nil
}

// hashEvent computes sha256 over the canonical JSON of {prev_hash, event}.
func hashEvent(prevHash string, ev events.Event) (string, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	var eventMap map[string]any
	if err := json.Unmarshal(eventJSON, &eventMap); err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(map[string]any{
		"prev_hash": prevHash,
		"event":     eventMap,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyFile re-hashes the chain in the given file. A missing file verifies
// trivially (empty chain).
func VerifyFile(path string) error {
	records, err := ReadFile(path)
	if err != nil {
		return err
	}
	prev := ""
	for i, record := range records {
		if record.PrevHash != prev {
			return fmt.Errorf("audit chain broken at line %d: prev_hash mismatch", i+1)
		}
		want, err := hashEvent(record.PrevHash, record.Event)
		if err != nil {
			return err
		}
		if record.ThisHash != want {
			return fmt.Errorf("audit chain broken at line %d: this_hash mismatch", i+1)
		}
		prev = record.ThisHash
	}
	return nil
}

// ReadFile parses every record in the JSONL audit file.
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
	scanner.Buffer(make([]byte, 0, 1024*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return nil, fmt.Errorf("audit line %d unparsable: %w", line, err)
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

// chainTip recovers the last this_hash from an existing file.
func chainTip(path string) (string, error) {
	records, err := ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[len(records)-1].ThisHash, nil
}
