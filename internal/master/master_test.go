package master

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
	"github.com/xkilldash9x/dredge/internal/dnscache"
	"github.com/xkilldash9x/dredge/internal/protocol"
	"github.com/xkilldash9x/dredge/internal/rules"
	"github.com/xkilldash9x/dredge/internal/store"
	"github.com/xkilldash9x/dredge/internal/worker"
)

// loopbackLookup resolves every hostname to 127.0.0.1 so probes land on the
// local test server.
func loopbackLookup(ctx context.Context, hostname string) ([]string, schemas.DNSOutcome) {
	return []string{"127.0.0.1"}, schemas.DNSOk
}

func testDistributedConfig(masterAddr string) config.DistributedConfig {
	return config.DistributedConfig{
		Listen:            "127.0.0.1:0",
		HeartbeatInterval: 100 * time.Millisecond,
		SuspectAfter:      3,
		DeadGrace:         time.Second,
		LeaseDuration:     time.Minute,
		ChunkSize:         2,
		PollInterval:      20 * time.Millisecond,
		MasterAddr:        masterAddr,
	}
}

// TestMasterWorkerEndToEnd drives a full distributed run over loopback: the
// master leases chunks, one worker probes a local server, results come back
// over the wire, and the master drains the worker once the board completes.
func TestMasterWorkerEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.git/HEAD" {
			w.Write([]byte("ref: refs/heads/main\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	target := strings.TrimPrefix(srv.URL, "http://")

	ruleset := []rules.Rule{
		{Name: "git-head", Path: "/.git/HEAD", Signature: "ref: refs/", Severity: schemas.SeverityHigh},
		{Name: "env-file", Path: "/.env", Signature: "APP_KEY=", Severity: schemas.SeverityCritical},
	}

	dnsCfg := config.DNSConfig{TTL: time.Hour, NegativeTTL: time.Minute, Timeout: time.Second}
	masterCache := dnscache.New(dnsCfg, nil, dnscache.WithLookup(loopbackLookup))

	st, err := store.Open(context.Background(),
		config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "dredge.db")}, nil)
	require.NoError(t, err)
	defer st.Close()

	chunks := BuildChunks([]string{target}, []string{"git-head", "env-file"}, 2)
	require.Len(t, chunks, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := New(testDistributedConfig(""), st, masterCache, ruleset, chunks, 1, nil)

	type runResult struct {
		summary schemas.ScanSummary
		err     error
	}
	masterDone := make(chan runResult, 1)
	go func() {
		summary, err := m.Run(ctx)
		masterDone <- runResult{summary, err}
	}()

	workerCfg := &config.Config{
		Probe: config.ProbeConfig{
			Concurrency: 4,
			BatchSize:   4,
			Timeout:     2 * time.Second,
			Retries:     1,
			Scheme:      "http",
			UserAgent:   "dredge-test",
		},
		DNS:         dnsCfg,
		Distributed: testDistributedConfig(m.Addr()),
	}
	workerCache := dnscache.New(dnsCfg, nil, dnscache.WithLookup(loopbackLookup))

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.New(workerCfg, workerCache, nil).Run(ctx)
	}()

	select {
	case res := <-masterDone:
		require.NoError(t, res.err)
		assert.Equal(t, 1, res.summary.Targets)
		assert.Equal(t, 2, res.summary.Probes)
		assert.Equal(t, 2, res.summary.ProbesOK)
		assert.Equal(t, 1, res.summary.Findings[schemas.SeverityHigh])
		assert.Zero(t, res.summary.Findings[schemas.SeverityCritical])
	case <-ctx.Done():
		t.Fatal("master did not finish in time")
	}

	select {
	case err := <-workerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain in time")
	}

	// The worker's resolutions were shipped back with the chunk result.
	rec, err := masterCache.Resolve(context.Background(), target)
	require.NoError(t, err)
	assert.True(t, rec.Resolved())

	findings, err := st.QueryFindings(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, target, findings[0].Target)
	assert.Equal(t, "git-head", findings[0].RuleName)
	assert.Contains(t, findings[0].Evidence, "ref: refs/")
}

// TestMasterReassignsWorkFromDeadWorker covers the recovery path end to end:
// a worker takes the only lease and goes silent, the liveness sweeper declares
// it dead and reverts its chunks, and a healthy worker finishes the run.
func TestMasterReassignsWorkFromDeadWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.git/HEAD" {
			w.Write([]byte("ref: refs/heads/main\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	target := strings.TrimPrefix(srv.URL, "http://")

	ruleset := []rules.Rule{
		{Name: "git-head", Path: "/.git/HEAD", Signature: "ref: refs/", Severity: schemas.SeverityHigh},
		{Name: "env-file", Path: "/.env", Signature: "APP_KEY=", Severity: schemas.SeverityCritical},
	}

	cfg := testDistributedConfig("")
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SuspectAfter = 2
	cfg.DeadGrace = 50 * time.Millisecond

	dnsCfg := config.DNSConfig{TTL: time.Hour, NegativeTTL: time.Minute, Timeout: time.Second}
	masterCache := dnscache.New(dnsCfg, nil, dnscache.WithLookup(loopbackLookup))

	st, err := store.Open(context.Background(),
		config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "dredge.db")}, nil)
	require.NoError(t, err)
	defer st.Close()

	chunks := BuildChunks([]string{target}, []string{"git-head", "env-file"}, 2)
	require.Len(t, chunks, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := New(cfg, st, masterCache, ruleset, chunks, 1, nil)

	type runResult struct {
		summary schemas.ScanSummary
		err     error
	}
	masterDone := make(chan runResult, 1)
	go func() {
		summary, err := m.Run(ctx)
		masterDone <- runResult{summary, err}
	}()

	// Take the only lease over a raw connection, then disappear without
	// heartbeating or delivering a result.
	nc, err := net.Dial("tcp", m.Addr())
	require.NoError(t, err)
	stalled := protocol.NewConn(nc)
	require.NoError(t, stalled.Send(&protocol.Message{
		Kind:     protocol.KindRegister,
		Register: &protocol.Register{Address: "stalled", Concurrency: 1},
	}))
	msg, err := stalled.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.KindRegisterAck, msg.Kind)
	stalledID := msg.RegisterAck.WorkerID

	require.NoError(t, stalled.Send(&protocol.Message{
		Kind:         protocol.KindLeaseRequest,
		LeaseRequest: &protocol.LeaseRequest{WorkerID: stalledID},
	}))
	msg, err = stalled.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.KindLeaseGrant, msg.Kind)
	require.Len(t, msg.LeaseGrant.Chunk.Items, 2)
	require.NoError(t, stalled.Close())

	workerCfg := &config.Config{
		Probe: config.ProbeConfig{
			Concurrency: 4,
			BatchSize:   4,
			Timeout:     2 * time.Second,
			Retries:     1,
			Scheme:      "http",
			UserAgent:   "dredge-test",
		},
		DNS:         dnsCfg,
		Distributed: cfg,
	}
	workerCfg.Distributed.MasterAddr = m.Addr()
	workerCache := dnscache.New(dnsCfg, nil, dnscache.WithLookup(loopbackLookup))

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.New(workerCfg, workerCache, nil).Run(ctx)
	}()

	select {
	case res := <-masterDone:
		require.NoError(t, res.err)
		// Every WorkItem of the reverted chunk completed exactly once.
		assert.Equal(t, 2, res.summary.Probes)
		assert.Equal(t, 2, res.summary.ProbesOK)
		assert.Equal(t, 1, res.summary.Findings[schemas.SeverityHigh])
		assert.Equal(t, 1, res.summary.DeadWorkers)
	case <-ctx.Done():
		t.Fatal("master did not finish after reclaiming the dead worker's lease")
	}

	select {
	case err := <-workerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("healthy worker did not drain in time")
	}
}

// TestMasterAbortsWhenStoreUnavailable: persistent store failure during result
// ingestion must end the run with an error, not hang it.
func TestMasterAbortsWhenStoreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ref: refs/heads/main\n"))
	}))
	defer srv.Close()
	target := strings.TrimPrefix(srv.URL, "http://")

	ruleset := []rules.Rule{
		{Name: "git-head", Path: "/.git/HEAD", Signature: "ref: refs/", Severity: schemas.SeverityHigh},
	}

	dnsCfg := config.DNSConfig{TTL: time.Hour, NegativeTTL: time.Minute, Timeout: time.Second}
	st, err := store.Open(context.Background(),
		config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "dredge.db")}, nil)
	require.NoError(t, err)
	// Every write from here on fails the full retry budget.
	require.NoError(t, st.Close())

	chunks := BuildChunks([]string{target}, []string{"git-head"}, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := New(testDistributedConfig(""), st,
		dnscache.New(dnsCfg, nil, dnscache.WithLookup(loopbackLookup)),
		ruleset, chunks, 1, nil)

	masterDone := make(chan error, 1)
	go func() {
		_, err := m.Run(ctx)
		masterDone <- err
	}()

	workerCfg := &config.Config{
		Probe: config.ProbeConfig{
			Concurrency: 2,
			BatchSize:   2,
			Timeout:     2 * time.Second,
			Retries:     0,
			Scheme:      "http",
			UserAgent:   "dredge-test",
		},
		DNS:         dnsCfg,
		Distributed: testDistributedConfig(m.Addr()),
	}
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.New(workerCfg,
			dnscache.New(dnsCfg, nil, dnscache.WithLookup(loopbackLookup)), nil).Run(ctx)
	}()

	select {
	case err := <-masterDone:
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	case <-ctx.Done():
		t.Fatal("master did not abort on store failure")
	}
	// The worker's delivery fails once the master tears down; it must still
	// exit rather than re-send forever.
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit after the master aborted")
	}
}

// TestMasterDrainsLateWorker covers a worker that registers after the run is
// already complete: its first lease request is answered with a drain.
func TestMasterServesDrainWhenBoardEmpty(t *testing.T) {
	dnsCfg := config.DNSConfig{TTL: time.Hour, NegativeTTL: time.Minute, Timeout: time.Second}
	st, err := store.Open(context.Background(),
		config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "dredge.db")}, nil)
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := New(testDistributedConfig(""), st,
		dnscache.New(dnsCfg, nil, dnscache.WithLookup(loopbackLookup)),
		nil, nil, 0, nil)

	masterDone := make(chan error, 1)
	go func() {
		_, err := m.Run(ctx)
		masterDone <- err
	}()

	select {
	case err := <-masterDone:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("master with an empty board should finish immediately")
	}
}
