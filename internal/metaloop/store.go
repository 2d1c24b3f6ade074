// Package metaloop closes the learning loop: it periodically folds incident
// and playbook outcomes into durable statistics and proposes governed
// configuration revisions when the numbers drift.
package metaloop

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	cperrors "github.com/aaron031291/grace/internal/errors"
)

// PlaybookStat is one playbook's aggregate for a single loop run.
type PlaybookStat struct {
	PlaybookID  string
	FailureMode string
	Attempts    int
	Successes   int
	SuccessRate float64
	Resolved    int     // resolved incidents inside the stats window
	MTTRSeconds float64 // mean over the window, 0 when Resolved == 0
}

// StatsStore persists loop-run statistics in SQLite so MTTR trends survive
// restarts.
type StatsStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenStore opens (or creates) the stats database.
func OpenStore(path string, logger zerolog.Logger) (*StatsStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, cperrors.Configuration("open_stats", fmt.Errorf("create stats directory: %w", err))
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, cperrors.Configuration("open_stats", fmt.Errorf("open stats database: %w", err))
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &StatsStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("Meta-loop stats store initialized")
	return s, nil
}

func (s *StatsStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS loop_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ran_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS playbook_stats (
			run_id INTEGER NOT NULL REFERENCES loop_runs(id),
			playbook_id TEXT NOT NULL,
			failure_mode TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			successes INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			resolved INTEGER NOT NULL,
			mttr_seconds REAL NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_stats_mode
		ON playbook_stats(failure_mode, run_id);

		CREATE INDEX IF NOT EXISTS idx_stats_playbook
		ON playbook_stats(playbook_id, run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return cperrors.Configuration("init_stats", fmt.Errorf("create stats schema: %w", err))
	}
	return nil
}

// RecordRun stores one loop run and its per-playbook rows.
func (s *StatsStore) RecordRun(ranAt time.Time, stats []PlaybookStat) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin stats transaction: %w", err)
	}

	res, err := tx.Exec(`INSERT INTO loop_runs (ran_at) VALUES (?)`, ranAt.UnixMilli())
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("insert loop run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("loop run id: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO playbook_stats
			(run_id, playbook_id, failure_mode, attempts, successes, success_rate, resolved, mttr_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prepare stats insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range stats {
		if _, err := stmt.Exec(runID, st.PlaybookID, st.FailureMode,
			st.Attempts, st.Successes, st.SuccessRate, st.Resolved, st.MTTRSeconds); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert playbook stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit stats: %w", err)
	}
	return runID, nil
}

// MTTRHistory returns the mean MTTR per loop run for a failure mode, oldest
// first, over the most recent lastN runs that actually observed resolutions.
func (s *StatsStore) MTTRHistory(failureMode string, lastN int) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT mttr FROM (
			SELECT run_id, AVG(mttr_seconds) AS mttr FROM playbook_stats
			WHERE failure_mode = ? AND resolved > 0
			GROUP BY run_id
			ORDER BY run_id DESC LIMIT ?
		) ORDER BY run_id ASC`, failureMode, lastN)
	if err != nil {
		return nil, fmt.Errorf("query mttr history: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var mttr float64
		if err := rows.Scan(&mttr); err != nil {
			return nil, fmt.Errorf("scan mttr history: %w", err)
		}
		out = append(out, mttr)
	}
	return out, rows.Err()
}

// RunCount returns the number of recorded loop runs.
func (s *StatsStore) RunCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM loop_runs`).Scan(&n)
	return n, err
}

// Close releases the database handle.
func (s *StatsStore) Close() error {
	return s.db.Close()
}
