package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	cfg := config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "dredge.db")}
	st, err := Open(context.Background(), cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleFinding(target, rule string, sev schemas.Severity, at time.Time) schemas.Finding {
	return schemas.Finding{
		Target:      target,
		RuleName:    rule,
		Severity:    sev,
		MatchedPath: "/.git/config",
		Evidence:    "[core]",
		FirstSeen:   at,
		LastSeen:    at,
	}
}

func TestUpsertFindingFirstSeenWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	first := sampleFinding("a.example.com", "git-config", schemas.SeverityHigh, t0)
	require.NoError(t, st.UpsertFinding(ctx, first))

	// A later redelivery with different content only advances last_seen.
	second := sampleFinding("a.example.com", "git-config", schemas.SeverityCritical, t0.Add(time.Hour))
	second.Evidence = "changed"
	second.MatchedPath = "/other"
	require.NoError(t, st.UpsertFinding(ctx, second))

	findings, err := st.QueryFindings(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, findings, 1)

	got := findings[0]
	assert.Equal(t, schemas.SeverityHigh, got.Severity)
	assert.Equal(t, "/.git/config", got.MatchedPath)
	assert.Equal(t, "[core]", got.Evidence)
	assert.Equal(t, t0, got.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour), got.LastSeen)
}

func TestUpsertFindingRescanOverwrites(t *testing.T) {
	st := openTestStore(t, WithRescan(true))
	ctx := context.Background()

	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertFinding(ctx, sampleFinding("a.example.com", "git-config", schemas.SeverityHigh, t0)))

	second := sampleFinding("a.example.com", "git-config", schemas.SeverityCritical, t0.Add(time.Hour))
	second.Evidence = "fresh evidence"
	require.NoError(t, st.UpsertFinding(ctx, second))

	findings, err := st.QueryFindings(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, findings, 1)

	got := findings[0]
	assert.Equal(t, schemas.SeverityCritical, got.Severity)
	assert.Equal(t, "fresh evidence", got.Evidence)
	// first_seen survives even a rescan overwrite.
	assert.Equal(t, t0, got.FirstSeen)
}

func TestRecordProbeIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	result := schemas.ProbeResult{
		Target:     "a.example.com",
		RuleName:   "git-config",
		HTTPStatus: 404,
		Elapsed:    120 * time.Millisecond,
	}
	require.NoError(t, st.RecordProbe(ctx, result))
	require.NoError(t, st.RecordProbe(ctx, result))

	total, ok, failed, err := st.ProbeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, ok)
	assert.Empty(t, failed)
}

func TestRecordResultWritesFindingOnlyOnMatch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	miss := schemas.ProbeResult{
		Target: "a.example.com", RuleName: "git-config", HTTPStatus: 404,
	}
	require.NoError(t, st.RecordResult(ctx, miss))

	hit := schemas.ProbeResult{
		Target: "b.example.com", RuleName: "git-config",
		Matched: true, HTTPStatus: 200,
		Severity: schemas.SeverityHigh, MatchedPath: "/.git/config",
		Evidence: "ref: refs/",
	}
	require.NoError(t, st.RecordResult(ctx, hit))
	// Re-delivery of the same chunk result is harmless.
	require.NoError(t, st.RecordResult(ctx, hit))

	findings, err := st.QueryFindings(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "b.example.com", findings[0].Target)

	total, _, _, err := st.ProbeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestProbeCountsGroupsFailures(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordProbe(ctx, schemas.ProbeResult{
		Target: "a.example.com", RuleName: "r1", HTTPStatus: 200,
	}))
	require.NoError(t, st.RecordProbe(ctx, schemas.ProbeResult{
		Target: "gone.example.com", RuleName: "r1", Error: schemas.ProbeErrDNS,
	}))
	require.NoError(t, st.RecordProbe(ctx, schemas.ProbeResult{
		Target: "slow.example.com", RuleName: "r1", Error: schemas.ProbeErrFailed,
	}))

	total, ok, failed, err := st.ProbeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed[schemas.ProbeErrDNS])
	assert.Equal(t, 1, failed[schemas.ProbeErrFailed])
}

func TestQueryFindingsFilters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.UpsertFinding(ctx, sampleFinding("a.example.com", "git-config", schemas.SeverityHigh, t0)))
	require.NoError(t, st.UpsertFinding(ctx, sampleFinding("b.example.com", "env-file", schemas.SeverityCritical, t0.Add(time.Minute))))
	require.NoError(t, st.UpsertFinding(ctx, sampleFinding("c.other.net", "git-config", schemas.SeverityInfo, t0.Add(2*time.Minute))))

	byTarget, err := st.QueryFindings(ctx, Filter{TargetLike: "example.com"})
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	byRule, err := st.QueryFindings(ctx, Filter{RuleLike: "env"})
	require.NoError(t, err)
	require.Len(t, byRule, 1)
	assert.Equal(t, "b.example.com", byRule[0].Target)

	bySeverity, err := st.QueryFindings(ctx, Filter{MinSeverity: schemas.SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, bySeverity, 2)

	limited, err := st.QueryFindings(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	// Ordered by last_seen descending.
	assert.Equal(t, "c.other.net", limited[0].Target)
}

func TestFindingCounts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.UpsertFinding(ctx, sampleFinding("a.example.com", "r1", schemas.SeverityHigh, t0)))
	require.NoError(t, st.UpsertFinding(ctx, sampleFinding("b.example.com", "r2", schemas.SeverityHigh, t0)))
	require.NoError(t, st.UpsertFinding(ctx, sampleFinding("c.example.com", "r3", schemas.SeverityLow, t0)))

	counts, err := st.FindingCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[schemas.SeverityHigh])
	assert.Equal(t, 1, counts[schemas.SeverityLow])
}
