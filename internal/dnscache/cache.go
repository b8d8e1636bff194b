// Package dnscache implements the TTL-aware DNS resolution cache that sits in
// front of every HTTP probe. Concurrent lookups for the same hostname collapse
// into a single upstream resolution, and outcomes (including negative ones)
// are persisted so a cold-started worker reuses prior-run resolutions.
package dnscache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
)

// LookupFunc performs one upstream resolution. Implementations must honor the
// context deadline and classify the outcome themselves.
type LookupFunc func(ctx context.Context, hostname string) ([]string, schemas.DNSOutcome)

// Cache is the hostname -> resolution map shared by all WorkItems in a
// process. Reads for unrelated hostnames proceed fully in parallel; writes
// for the same hostname serialize through the singleflight group.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]schemas.DNSRecord
	// updates accumulates records resolved or merged since the last
	// TakeUpdates call, so workers can stream them back to the master.
	updates []schemas.DNSRecord

	flight singleflight.Group
	lookup LookupFunc

	ttl         time.Duration
	negativeTTL time.Duration
	timeout     time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	persist *persister
	logger  *zap.Logger

	// now is swappable in tests to step through TTL windows.
	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLookup replaces the upstream resolver, used by tests and by the
// dns-only mode's instrumented lookups.
func WithLookup(fn LookupFunc) Option {
	return func(c *Cache) { c.lookup = fn }
}

// WithClock replaces the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an in-memory cache without persistence. Most callers want Open.
func New(cfg config.DNSConfig, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		entries:     make(map[string]schemas.DNSRecord),
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		timeout:     cfg.Timeout,
		logger:      logger.Named("dnscache"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lookup == nil {
		c.lookup = systemLookup(cfg)
	}
	return c
}

// Open creates a cache backed by the on-disk store at cfg.CachePath. Prior
// entries are loaded up front; new entries are written back asynchronously
// and best-effort, each as a single atomic upsert.
func Open(cfg config.DNSConfig, logger *zap.Logger, opts ...Option) (*Cache, error) {
	c := New(cfg, logger, opts...)

	p, err := openPersister(cfg, c.logger)
	if err != nil {
		return nil, err
	}
	c.persist = p

	records, err := p.loadAll()
	if err != nil {
		p.close()
		return nil, err
	}
	for _, rec := range records {
		c.entries[rec.Hostname] = rec
	}
	c.logger.Info("DNS cache opened",
		zap.String("path", cfg.CachePath), zap.Int("entries", len(records)))
	return c, nil
}

// Resolve returns the cached record for hostname, resolving upstream on a
// miss or expiry. N concurrent callers during a miss trigger exactly one
// upstream resolution.
func (c *Cache) Resolve(ctx context.Context, hostname string) (schemas.DNSRecord, error) {
	if rec, ok := c.get(hostname); ok {
		c.hits.Add(1)
		return rec, nil
	}
	c.misses.Add(1)

	v, err, _ := c.flight.Do(hostname, func() (any, error) {
		// A caller that lost the race to an identical in-flight resolution
		// lands here after it finished; serve its result instead of
		// resolving again.
		if rec, ok := c.get(hostname); ok {
			return rec, nil
		}

		lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		addrs, outcome := c.lookup(lookupCtx, hostname)
		rec := schemas.DNSRecord{
			Hostname:   hostname,
			Addresses:  addrs,
			Outcome:    outcome,
			ResolvedAt: c.now(),
			TTL:        c.ttl,
		}
		if outcome != schemas.DNSOk {
			rec.TTL = c.negativeTTL
			c.logger.Debug("Caching negative resolution",
				zap.String("hostname", hostname), zap.String("outcome", string(outcome)))
		}
		c.put(rec, true)
		return rec, nil
	})
	if err != nil {
		return schemas.DNSRecord{}, err
	}
	return v.(schemas.DNSRecord), nil
}

// Put merges an externally learned record (e.g. shipped back by a worker).
// Older records never shadow newer ones.
func (c *Cache) Put(rec schemas.DNSRecord) {
	c.mu.Lock()
	existing, ok := c.entries[rec.Hostname]
	if ok && existing.ResolvedAt.After(rec.ResolvedAt) {
		c.mu.Unlock()
		return
	}
	c.entries[rec.Hostname] = rec
	c.mu.Unlock()

	if c.persist != nil {
		c.persist.enqueue(rec)
	}
}

// TakeUpdates drains the records resolved since the previous call.
func (c *Cache) TakeUpdates() []schemas.DNSRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.updates
	c.updates = nil
	return out
}

// Flush drops every entry, in memory and on disk.
func (c *Cache) Flush() error {
	c.mu.Lock()
	c.entries = make(map[string]schemas.DNSRecord)
	c.updates = nil
	c.mu.Unlock()

	if c.persist != nil {
		return c.persist.flush()
	}
	return nil
}

// Status describes the cache for the operator.
type Status struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// Stats returns a point-in-time view of the cache counters.
func (c *Cache) Stats() Status {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Status{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close stops the background writer and closes the on-disk store.
func (c *Cache) Close() error {
	if c.persist == nil {
		return nil
	}
	return c.persist.close()
}

// get returns a usable (unexpired) record. Expired entries are treated as
// absent; they stay in the map until the next resolution shadows them.
func (c *Cache) get(hostname string) (schemas.DNSRecord, bool) {
	c.mu.RLock()
	rec, ok := c.entries[hostname]
	c.mu.RUnlock()
	if !ok || !rec.Usable(c.now()) {
		return schemas.DNSRecord{}, false
	}
	return rec, true
}

func (c *Cache) put(rec schemas.DNSRecord, track bool) {
	c.mu.Lock()
	c.entries[rec.Hostname] = rec
	if track {
		c.updates = append(c.updates, rec)
	}
	c.mu.Unlock()

	if c.persist != nil {
		c.persist.enqueue(rec)
	}
}
