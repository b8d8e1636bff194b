// Package probe runs WorkItems: resolve the target through the DNS cache,
// issue the HTTP request under a bounded concurrency ceiling, and evaluate
// the response against the compiled rule set.
package probe

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
	"github.com/xkilldash9x/dredge/internal/domain"
	"github.com/xkilldash9x/dredge/internal/rules"
)

// maxBodyBytes caps how much of a response body is read for matching and
// evidence. Exposure fingerprints sit near the top of a response.
const maxBodyBytes = 1 << 20

// retryBaseBackoff is doubled per attempt, with jitter.
const retryBaseBackoff = 500 * time.Millisecond

// Resolver is the slice of the DNS cache the executor needs.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (schemas.DNSRecord, error)
}

// Executor is the bounded-concurrency HTTP probe pipeline. It is safe for
// reuse across chunks; all per-chunk state lives in Execute.
type Executor struct {
	cfg      config.ProbeConfig
	client   *http.Client
	resolver Resolver
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewExecutor builds an executor on top of the given resolver. The HTTP
// transport dials cached addresses directly, so a WorkItem never pays for a
// second system-level DNS lookup.
func NewExecutor(cfg config.ProbeConfig, resolver Resolver, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	transport := &http.Transport{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			// Serve the dial from the cache when possible. SNI and the Host
			// header still carry the hostname; only the dial address changes.
			if rec, err := resolver.Resolve(ctx, host); err == nil && rec.Resolved() {
				return dialer.DialContext(ctx, network, net.JoinHostPort(rec.Addresses[0], port))
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Executor{
		cfg:      cfg,
		resolver: resolver,
		limiter:  limiter,
		logger:   logger.Named("probe"),
		client: &http.Client{
			Transport: transport,
			// Per-request deadlines come from the context; the client-level
			// timeout is only a safety net.
			Timeout: 2 * cfg.Timeout,
		},
	}
}

// Execute runs every WorkItem of the chunk and streams one ProbeResult per
// completed item. The channel closes when the chunk is done or the context
// is cancelled; a cancelled chunk is restartable only by re-issuing it.
func (e *Executor) Execute(ctx context.Context, chunk schemas.Chunk, ruleset *rules.CompiledSet) <-chan schemas.ProbeResult {
	out := make(chan schemas.ProbeResult, len(chunk.Items))

	go func() {
		defer close(out)

		// Group by target: a DNS failure short-circuits every WorkItem for
		// that target without touching the HTTP budget.
		byTarget := make(map[string][]schemas.WorkItem)
		for _, item := range chunk.Items {
			byTarget[item.Target] = append(byTarget[item.Target], item)
		}

		// The DNS gate bounds how many targets sit in resolution at once,
		// decoupled from the HTTP ceiling so DNS-bound targets do not starve
		// HTTP-bound ones.
		dnsGate := make(chan struct{}, e.cfg.BatchSize)
		httpSem := semaphore.NewWeighted(int64(e.cfg.Concurrency))

		var wg sync.WaitGroup
		for target, items := range byTarget {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(target string, items []schemas.WorkItem) {
				defer wg.Done()
				e.runTarget(ctx, target, items, ruleset, dnsGate, httpSem, out)
			}(target, items)
		}
		wg.Wait()
	}()

	return out
}

func (e *Executor) runTarget(
	ctx context.Context,
	target string,
	items []schemas.WorkItem,
	ruleset *rules.CompiledSet,
	dnsGate chan struct{},
	httpSem *semaphore.Weighted,
	out chan<- schemas.ProbeResult,
) {
	select {
	case dnsGate <- struct{}{}:
	case <-ctx.Done():
		return
	}
	start := time.Now()
	rec, err := e.resolver.Resolve(ctx, target)
	<-dnsGate

	if err != nil || !rec.Resolved() {
		elapsed := time.Since(start)
		for _, item := range items {
			res := schemas.ProbeResult{
				Target:   item.Target,
				RuleName: item.RuleName,
				Error:    schemas.ProbeErrDNS,
				Elapsed:  elapsed,
			}
			if rule, ok := ruleset.Get(item.RuleName); ok {
				res.Severity = rule.Severity
				res.MatchedPath = rule.Path
			}
			out <- res
		}
		return
	}

	var wg sync.WaitGroup
	for _, item := range items {
		if err := httpSem.Acquire(ctx, 1); err != nil {
			// Cancellation: stop issuing new WorkItems, let in-flight ones
			// finish naturally.
			break
		}
		wg.Add(1)
		go func(item schemas.WorkItem) {
			defer wg.Done()
			defer httpSem.Release(1)
			if res, ok := e.probeOne(ctx, item, ruleset); ok {
				out <- res
			}
		}(item)
	}
	wg.Wait()
}

// probeOne issues the HTTP request for a single WorkItem, retrying transport
// failures up to the configured budget. ok is false only when the context was
// cancelled before the item completed.
func (e *Executor) probeOne(ctx context.Context, item schemas.WorkItem, ruleset *rules.CompiledSet) (schemas.ProbeResult, bool) {
	rule, found := ruleset.Get(item.RuleName)
	if !found {
		// A lease can outlive a rule-set edit; record the item as failed
		// rather than dropping it.
		return schemas.ProbeResult{
			Target:   item.Target,
			RuleName: item.RuleName,
			Error:    schemas.ProbeErrFailed,
		}, true
	}

	url := domain.BuildURL(e.cfg.Scheme, item.Target, rule.Path)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return schemas.ProbeResult{}, false
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return schemas.ProbeResult{}, false
			}
		}

		resp, body, err := e.fetch(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return schemas.ProbeResult{}, false
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			// Rate limited by the target; count the attempt and back off
			// harder than the normal schedule.
			lastErr = errors.New("target rate limited (429)")
			if !sleepCtx(ctx, backoffDelay(attempt+1)) {
				return schemas.ProbeResult{}, false
			}
			continue
		}

		// Any completed response gets evaluated, whatever the status code:
		// exposure shows up on 403 and 500 pages too.
		flat := rules.FromHTTP(resp, body)
		matched := ruleset.Evaluate(item.RuleName, flat)

		result := schemas.ProbeResult{
			Target:      item.Target,
			RuleName:    item.RuleName,
			Matched:     matched,
			HTTPStatus:  resp.StatusCode,
			Elapsed:     time.Since(start),
			Severity:    rule.Severity,
			MatchedPath: rule.Path,
		}
		if matched {
			result.Evidence = flat.Excerpt(rule.Signature, 60)
			e.logger.Info("Signature matched",
				zap.String("target", item.Target),
				zap.String("rule", item.RuleName),
				zap.Int("status", resp.StatusCode))
		}
		return result, true
	}

	e.logger.Debug("Probe failed after retry budget",
		zap.String("target", item.Target),
		zap.String("rule", item.RuleName),
		zap.Error(lastErr))
	return schemas.ProbeResult{
		Target:      item.Target,
		RuleName:    item.RuleName,
		Elapsed:     time.Since(start),
		Error:       schemas.ProbeErrFailed,
		Severity:    rule.Severity,
		MatchedPath: rule.Path,
	}, true
}

// fetch issues a single GET with the per-request timeout and returns the
// response together with its body, capped at maxBodyBytes. The body is fully
// consumed before the request context is released.
func (e *Executor) fetch(ctx context.Context, url string) (*http.Response, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// backoffDelay is exponential with +-25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := retryBaseBackoff << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d*3/4 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
