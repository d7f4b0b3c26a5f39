package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName  = "sqlite"
	maxAttempts = 5
)

// Store is the sqlite build log.
type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

func Open(path string) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("history path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("history path %q is a directory, expected file", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory %q: %w", dir, err)
		}
	}

	// busy_timeout + WAL reduce lock conflicts during watch-mode churn.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(2000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cleanPath)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite history %q: %w", cleanPath, err)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema %q: %w", cleanPath, err)
	}

	return &Store{path: cleanPath, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) RecordBatch(e BatchEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.withRetry("record batch", func() error {
		_, err := s.db.Exec(`
INSERT INTO batches (id, ts_utc, tier, changed_count, dirty_count, duration_ms, outcome, detail)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  outcome=excluded.outcome,
  detail=excluded.detail,
  duration_ms=excluded.duration_ms
`,
			e.ID,
			e.At.UTC().Format(time.RFC3339Nano),
			e.Tier,
			e.Changed,
			e.Dirty,
			e.Duration.Milliseconds(),
			e.Outcome,
			e.Detail,
		)
		return err
	})
}

func (s *Store) RecordRestart(e RestartEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.withRetry("record restart", func() error {
		_, err := s.db.Exec(`INSERT INTO restarts (ts_utc, reason, exit_code) VALUES (?, ?, ?)`,
			e.At.UTC().Format(time.RFC3339Nano), e.Reason, e.ExitCode)
		return err
	})
}

func (s *Store) RecordWorkerCrash(e CrashEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.withRetry("record worker crash", func() error {
		_, err := s.db.Exec(`INSERT INTO worker_crashes (ts_utc, kind, session_id, reason) VALUES (?, ?, ?, ?)`,
			e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.SessionID, e.Reason)
		return err
	})
}

// RecentBatches returns up to limit batches, newest first.
func (s *Store) RecentBatches(limit int) ([]BatchEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	err := s.withRetry("load batches", func() error {
		var qErr error
		rows, qErr = s.db.Query(`
SELECT id, ts_utc, tier, changed_count, dirty_count, duration_ms, outcome, detail
FROM batches
ORDER BY ts_utc DESC, id ASC
LIMIT ?
`, limit)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BatchEntry, 0, limit)
	for rows.Next() {
		var (
			e     BatchEntry
			tsRaw string
			ms    int64
		)
		if err := rows.Scan(&e.ID, &tsRaw, &e.Tier, &e.Changed, &e.Dirty, &ms, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err != nil {
			return nil, fmt.Errorf("parse batch timestamp %q: %w", tsRaw, err)
		}
		e.At = ts.UTC()
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}
	return out, nil
}

// Summarize counts everything recorded so far.
func (s *Store) Summarize() (Summary, error) {
	var sum Summary
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.withRetry("summarize", func() error {
			row := s.db.QueryRow(`
SELECT
  (SELECT COUNT(*) FROM batches),
  (SELECT COUNT(*) FROM batches WHERE tier = 'hot'),
  (SELECT COUNT(*) FROM batches WHERE tier = 'full-restart'),
  (SELECT COUNT(*) FROM batches WHERE outcome != 'ok'),
  (SELECT COUNT(*) FROM restarts),
  (SELECT COUNT(*) FROM worker_crashes)
`)
			return row.Scan(&sum.Batches, &sum.HotBatches, &sum.RestartBatches, &sum.FailedBatches, &sum.Restarts, &sum.WorkerCrashes)
		})
	}()
	if err != nil {
		return Summary{}, err
	}

	recent, err := s.RecentBatches(1)
	if err != nil {
		return Summary{}, err
	}
	if len(recent) > 0 {
		sum.LastBatch = &recent[0]
	}
	return sum, nil
}

func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*25) * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
