package dnscache

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS dns_cache (
	hostname    TEXT PRIMARY KEY,
	addresses   TEXT,
	outcome     TEXT NOT NULL,
	resolved_at INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL
);`

const upsertCacheEntry = `
INSERT INTO dns_cache (hostname, addresses, outcome, resolved_at, ttl_seconds)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(hostname) DO UPDATE SET
	addresses   = excluded.addresses,
	outcome     = excluded.outcome,
	resolved_at = excluded.resolved_at,
	ttl_seconds = excluded.ttl_seconds;`

// persister is the asynchronous write-behind for the cache. A crash loses at
// most the queued entries; committed rows are never corrupted because each
// entry lands as one atomic upsert.
type persister struct {
	db     *sql.DB
	queue  chan schemas.DNSRecord
	flushc chan chan error
	done   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	dropOnce sync.Once
}

func openPersister(cfg config.DNSConfig, logger *zap.Logger) (*persister, error) {
	if err := ensureDir(filepath.Dir(cfg.CachePath)); err != nil {
		return nil, fmt.Errorf("failed to create DNS cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.CachePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open DNS cache database: %w", err)
	}
	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create DNS cache table: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}

	p := &persister{
		db:     db,
		queue:  make(chan schemas.DNSRecord, queueSize),
		flushc: make(chan chan error),
		done:   make(chan struct{}),
		logger: logger,
	}
	p.wg.Add(1)
	go p.run()
	return p, nil
}

// enqueue hands a record to the background writer. Best-effort: when the
// queue is full the write is dropped, never blocking resolution.
func (p *persister) enqueue(rec schemas.DNSRecord) {
	select {
	case p.queue <- rec:
	default:
		p.dropOnce.Do(func() {
			p.logger.Warn("DNS cache persistence queue full, dropping writes")
		})
	}
}

func (p *persister) run() {
	defer p.wg.Done()
	for {
		select {
		case rec := <-p.queue:
			p.write(rec)
		case reply := <-p.flushc:
			reply <- p.clear()
		case <-p.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case rec := <-p.queue:
					p.write(rec)
				default:
					return
				}
			}
		}
	}
}

// clear runs on the writer goroutine so it serializes with in-flight writes.
// Records queued before the flush are discarded, not written; otherwise they
// would land after the DELETE and resurrect on the next open.
func (p *persister) clear() error {
	for {
		select {
		case <-p.queue:
		default:
			if _, err := p.db.Exec(`DELETE FROM dns_cache`); err != nil {
				return fmt.Errorf("failed to flush DNS cache: %w", err)
			}
			return nil
		}
	}
}

func (p *persister) write(rec schemas.DNSRecord) {
	_, err := p.db.Exec(upsertCacheEntry,
		rec.Hostname,
		strings.Join(rec.Addresses, ","),
		string(rec.Outcome),
		rec.ResolvedAt.Unix(),
		int64(rec.TTL/time.Second),
	)
	if err != nil {
		p.logger.Warn("Failed to persist DNS cache entry",
			zap.String("hostname", rec.Hostname), zap.Error(err))
	}
}

func (p *persister) loadAll() ([]schemas.DNSRecord, error) {
	rows, err := p.db.Query(
		`SELECT hostname, addresses, outcome, resolved_at, ttl_seconds FROM dns_cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to load DNS cache: %w", err)
	}
	defer rows.Close()

	var records []schemas.DNSRecord
	for rows.Next() {
		var (
			rec        schemas.DNSRecord
			addrs      string
			outcome    string
			resolvedAt int64
			ttlSeconds int64
		)
		if err := rows.Scan(&rec.Hostname, &addrs, &outcome, &resolvedAt, &ttlSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan DNS cache row: %w", err)
		}
		if addrs != "" {
			rec.Addresses = strings.Split(addrs, ",")
		}
		rec.Outcome = schemas.DNSOutcome(outcome)
		rec.ResolvedAt = time.Unix(resolvedAt, 0)
		rec.TTL = time.Duration(ttlSeconds) * time.Second
		records = append(records, rec)
	}
	return records, rows.Err()
}

// flush hands the reset to the writer goroutine and waits for it, so every
// record enqueued before the flush is gone when it returns.
func (p *persister) flush() error {
	reply := make(chan error, 1)
	select {
	case p.flushc <- reply:
		return <-reply
	case <-p.done:
		return errors.New("DNS cache already closed")
	}
}

func (p *persister) close() error {
	close(p.done)
	p.wg.Wait()
	return p.db.Close()
}
