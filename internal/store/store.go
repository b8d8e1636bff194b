// Package store persists probe results and deduplicated findings in an
// embedded SQLite database. All writes are idempotent upserts keyed by
// (target, rule_name), which is what makes the protocol's at-least-once
// delivery safe.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
)

// ErrStoreUnavailable wraps persistent write failures. Losing findings
// silently is worse than aborting, so callers treat this as fatal.
var ErrStoreUnavailable = errors.New("result store unavailable")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS findings (
	target       TEXT NOT NULL,
	rule_name    TEXT NOT NULL,
	severity     TEXT NOT NULL,
	matched_path TEXT NOT NULL,
	evidence     TEXT,
	first_seen   INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL,
	UNIQUE(target, rule_name)
);
CREATE INDEX IF NOT EXISTS idx_findings_target ON findings (target);
CREATE INDEX IF NOT EXISTS idx_findings_rule ON findings (rule_name);

CREATE TABLE IF NOT EXISTS probes (
	target      TEXT NOT NULL,
	rule_name   TEXT NOT NULL,
	matched     INTEGER NOT NULL,
	http_status INTEGER,
	error       TEXT,
	elapsed_ms  INTEGER NOT NULL,
	scanned_at  INTEGER NOT NULL,
	UNIQUE(target, rule_name)
);`

// Finding upsert with first-seen-wins semantics: a later result for an
// existing key only advances last_seen.
const upsertFindingSQL = `
INSERT INTO findings (target, rule_name, severity, matched_path, evidence, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(target, rule_name) DO UPDATE SET
	last_seen = excluded.last_seen;`

// Rescan variant: overwrite semantics, but first_seen is never rewritten.
const upsertFindingRescanSQL = `
INSERT INTO findings (target, rule_name, severity, matched_path, evidence, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(target, rule_name) DO UPDATE SET
	severity     = excluded.severity,
	matched_path = excluded.matched_path,
	evidence     = excluded.evidence,
	last_seen    = excluded.last_seen;`

const upsertProbeSQL = `
INSERT INTO probes (target, rule_name, matched, http_status, error, elapsed_ms, scanned_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(target, rule_name) DO UPDATE SET
	matched     = excluded.matched,
	http_status = excluded.http_status,
	error       = excluded.error,
	elapsed_ms  = excluded.elapsed_ms,
	scanned_at  = excluded.scanned_at;`

// Store wraps the SQLite handle. SQLite serializes same-key conflicting
// upserts itself; unrelated keys proceed concurrently through the pool.
type Store struct {
	db     *sql.DB
	log    *zap.Logger
	rescan bool

	// write retry policy for transient failures (locked database, fsync
	// hiccups). Exhausting it surfaces ErrStoreUnavailable.
	retries      int
	retryBackoff time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithRescan switches finding upserts to overwrite semantics (--rescan).
func WithRescan(rescan bool) Option {
	return func(s *Store) { s.rescan = rescan }
}

// Open opens (and if needed creates) the result database.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:           db,
		log:          logger.Named("store"),
		retries:      3,
		retryBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// UpsertFinding records a positive match. Idempotent by (target, rule_name):
// absent rescan mode, first_seen and evidence never change after the first
// write.
func (s *Store) UpsertFinding(ctx context.Context, f schemas.Finding) error {
	query := upsertFindingSQL
	if s.rescan {
		query = upsertFindingRescanSQL
	}
	return s.execWithRetry(ctx, query,
		f.Target, f.RuleName, string(f.Severity), f.MatchedPath, f.Evidence,
		f.FirstSeen.UTC().Unix(), f.LastSeen.UTC().Unix())
}

// RecordProbe records the terminal state of one WorkItem. Re-delivered
// results collapse onto the same row.
func (s *Store) RecordProbe(ctx context.Context, r schemas.ProbeResult) error {
	matched := 0
	if r.Matched {
		matched = 1
	}
	return s.execWithRetry(ctx, upsertProbeSQL,
		r.Target, r.RuleName, matched, r.HTTPStatus, string(r.Error),
		r.Elapsed.Milliseconds(), time.Now().UTC().Unix())
}

// RecordResult persists one ProbeResult: the probe row always, plus a
// finding when the signature matched. Safe to call repeatedly for the same
// WorkItem under at-least-once delivery.
func (s *Store) RecordResult(ctx context.Context, r schemas.ProbeResult) error {
	if err := s.RecordProbe(ctx, r); err != nil {
		return err
	}
	if !r.Matched {
		return nil
	}
	now := time.Now().UTC()
	return s.UpsertFinding(ctx, schemas.Finding{
		Target:      r.Target,
		RuleName:    r.RuleName,
		Severity:    r.Severity,
		MatchedPath: r.MatchedPath,
		Evidence:    r.Evidence,
		FirstSeen:   now,
		LastSeen:    now,
	})
}

// execWithRetry runs a write statement, retrying transient failures with
// exponential backoff. Persistent failure is wrapped in ErrStoreUnavailable.
func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	var lastErr error
	backoff := s.retryBackoff
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if _, lastErr = s.db.ExecContext(ctx, query, args...); lastErr == nil {
			return nil
		}
		s.log.Warn("Store write failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

// Filter narrows QueryFindings. Zero values mean "no constraint".
type Filter struct {
	TargetLike  string
	RuleLike    string
	MinSeverity schemas.Severity
	Limit       int
}

// QueryFindings returns a fresh, consistent snapshot of stored findings
// ordered by last_seen descending.
func (s *Store) QueryFindings(ctx context.Context, f Filter) ([]schemas.Finding, error) {
	query := `SELECT target, rule_name, severity, matched_path, evidence, first_seen, last_seen
	FROM findings WHERE 1=1`
	var args []any
	if f.TargetLike != "" {
		query += ` AND target LIKE ?`
		args = append(args, "%"+f.TargetLike+"%")
	}
	if f.RuleLike != "" {
		query += ` AND rule_name LIKE ?`
		args = append(args, "%"+f.RuleLike+"%")
	}
	query += ` ORDER BY last_seen DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var (
			fd                  schemas.Finding
			severity            string
			firstSeen, lastSeen int64
			evidence            sql.NullString
		)
		if err := rows.Scan(&fd.Target, &fd.RuleName, &severity, &fd.MatchedPath,
			&evidence, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		fd.Severity = schemas.Severity(severity)
		fd.Evidence = evidence.String
		fd.FirstSeen = time.Unix(firstSeen, 0).UTC()
		fd.LastSeen = time.Unix(lastSeen, 0).UTC()
		// MinSeverity filters in Go; severity ranks are not a SQL collation.
		if f.MinSeverity != "" && fd.Severity.Rank() < f.MinSeverity.Rank() {
			continue
		}
		findings = append(findings, fd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

// FindingCounts returns the number of stored findings per severity.
func (s *Store) FindingCounts(ctx context.Context) (map[schemas.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM findings GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to count findings: %w", err)
	}
	defer rows.Close()

	counts := make(map[schemas.Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		counts[schemas.Severity(sev)] = n
	}
	return counts, rows.Err()
}

// ProbeCounts returns totals for the completion summary: overall probes,
// successful ones, and failures grouped by error kind.
func (s *Store) ProbeCounts(ctx context.Context) (total, ok int, failed map[schemas.ProbeErrorKind]int, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT error, COUNT(*) FROM probes GROUP BY error`)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to count probes: %w", err)
	}
	defer rows.Close()

	failed = make(map[schemas.ProbeErrorKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return 0, 0, nil, fmt.Errorf("failed to scan probe count: %w", err)
		}
		total += n
		if kind == "" {
			ok += n
		} else {
			failed[schemas.ProbeErrorKind(kind)] += n
		}
	}
	return total, ok, failed, rows.Err()
}
