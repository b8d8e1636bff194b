// Package scanner drives a complete single-process scan run: load targets
// and rules, expand the work, execute it, and persist the outcome. The
// distributed master reuses the same loading and chunking path.
package scanner

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
	"github.com/xkilldash9x/dredge/internal/dnscache"
	"github.com/xkilldash9x/dredge/internal/domain"
	"github.com/xkilldash9x/dredge/internal/master"
	"github.com/xkilldash9x/dredge/internal/probe"
	"github.com/xkilldash9x/dredge/internal/rules"
	"github.com/xkilldash9x/dredge/internal/store"
)

// Inputs is the validated scan material shared by the local and distributed
// paths.
type Inputs struct {
	Targets  []string
	Rules    []rules.Rule
	Compiled *rules.CompiledSet
	Rejected int
}

// LoadInputs reads and validates the target list and rule file.
func LoadInputs(cfg *config.Config, logger *zap.Logger) (*Inputs, error) {
	f, err := os.Open(cfg.Scan.InputFile)
	if err != nil {
		return nil, fmt.Errorf("opening target list: %w", err)
	}
	defer f.Close()

	targets, rejected, err := domain.ReadList(f)
	if err != nil {
		return nil, fmt.Errorf("reading target list: %w", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no usable targets in %s (%d rejected)", cfg.Scan.InputFile, rejected)
	}
	if rejected > 0 {
		logger.Warn("Skipped invalid targets",
			zap.Int("rejected", rejected), zap.Int("accepted", len(targets)))
	}

	loaded, err := rules.Load(cfg.Scan.RulesFile, logger)
	if err != nil {
		return nil, err
	}
	compiled, err := rules.Compile(loaded, logger)
	if err != nil {
		return nil, err
	}

	return &Inputs{
		Targets:  targets,
		Rules:    compiled.Rules(),
		Compiled: compiled,
		Rejected: rejected,
	}, nil
}

// Chunks expands the inputs into leasable work chunks.
func (in *Inputs) Chunks(size int) []schemas.Chunk {
	names := make([]string, 0, len(in.Rules))
	for _, r := range in.Rules {
		names = append(names, r.Name)
	}
	return master.BuildChunks(in.Targets, names, size)
}

// Run executes a full scan in-process and returns the summary.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.ScanSummary, error) {
	start := time.Now()

	in, err := LoadInputs(cfg, logger)
	if err != nil {
		return schemas.ScanSummary{}, err
	}

	cache, err := dnscache.Open(cfg.DNS, logger)
	if err != nil {
		return schemas.ScanSummary{}, fmt.Errorf("opening dns cache: %w", err)
	}
	defer cache.Close()

	if cfg.Scan.DNSOnly {
		return resolveOnly(ctx, cfg, in, cache, logger, start)
	}

	st, err := store.Open(ctx, cfg.Database, logger, store.WithRescan(cfg.Scan.Rescan))
	if err != nil {
		return schemas.ScanSummary{}, err
	}
	defer st.Close()

	exec := probe.NewExecutor(cfg.Probe, cache, logger)
	chunks := in.Chunks(cfg.Distributed.ChunkSize)
	logger.Info("Scan starting",
		zap.Int("targets", len(in.Targets)),
		zap.Int("rules", len(in.Rules)),
		zap.Int("chunks", len(chunks)))

	for _, chunk := range chunks {
		for res := range exec.Execute(ctx, chunk, in.Compiled) {
			if err := st.RecordResult(ctx, res); err != nil {
				return schemas.ScanSummary{}, err
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	summary, err := summarize(context.WithoutCancel(ctx), st, len(in.Targets), start)
	if err != nil {
		return schemas.ScanSummary{}, err
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// resolveOnly warms the DNS cache for every target without any HTTP spend.
func resolveOnly(ctx context.Context, cfg *config.Config, in *Inputs,
	cache *dnscache.Cache, logger *zap.Logger, start time.Time) (schemas.ScanSummary, error) {

	sem := semaphore.NewWeighted(int64(cfg.Probe.BatchSize))
	resolved := 0
	for _, target := range in.Targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			return schemas.ScanSummary{}, err
		}
		go func(target string) {
			defer sem.Release(1)
			if rec, err := cache.Resolve(ctx, target); err == nil && rec.Resolved() {
				logger.Debug("Resolved", zap.String("target", target),
					zap.Strings("addresses", rec.Addresses))
			}
		}(target)
	}
	// Draining the semaphore waits out the stragglers.
	if err := sem.Acquire(ctx, int64(cfg.Probe.BatchSize)); err != nil {
		return schemas.ScanSummary{}, err
	}

	status := cache.Stats()
	resolved = status.Entries
	logger.Info("DNS warm-up complete",
		zap.Int("targets", len(in.Targets)),
		zap.Int("cache_entries", resolved))
	return schemas.ScanSummary{
		Targets: len(in.Targets),
		Elapsed: time.Since(start),
	}, nil
}

func summarize(ctx context.Context, st *store.Store, targets int, start time.Time) (schemas.ScanSummary, error) {
	total, ok, failed, err := st.ProbeCounts(ctx)
	if err != nil {
		return schemas.ScanSummary{}, err
	}
	findings, err := st.FindingCounts(ctx)
	if err != nil {
		return schemas.ScanSummary{}, err
	}
	return schemas.ScanSummary{
		Targets:      targets,
		Probes:       total,
		ProbesOK:     ok,
		ProbesFailed: failed,
		Findings:     findings,
		Elapsed:      time.Since(start),
	}, nil
}
