// Package master coordinates a distributed scan: it owns the chunk board,
// tracks worker liveness, ingests results, and decides when the run is done.
package master

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
	"github.com/xkilldash9x/dredge/internal/dnscache"
	"github.com/xkilldash9x/dredge/internal/protocol"
	"github.com/xkilldash9x/dredge/internal/rules"
	"github.com/xkilldash9x/dredge/internal/store"
)

// Master serves the scan protocol on a TCP listener. A run ends when every
// chunk completes, or when the context is cancelled.
type Master struct {
	cfg     config.DistributedConfig
	st      *store.Store
	cache   *dnscache.Cache
	ruleset []rules.Rule
	log     *zap.Logger

	board   *board
	workers *workerTable
	targets int

	mu       sync.Mutex
	conns    map[string]*protocol.Conn
	draining bool

	// fatal carries the first unrecoverable error (store loss); Run aborts on it.
	fatal chan error

	ready     chan struct{}
	boundAddr string
}

// New builds a master over a prepared chunk board. targets is carried only
// for the final summary.
func New(cfg config.DistributedConfig, st *store.Store, cache *dnscache.Cache,
	ruleset []rules.Rule, chunks []schemas.Chunk, targets int, logger *zap.Logger) *Master {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Master{
		cfg:     cfg,
		st:      st,
		cache:   cache,
		ruleset: ruleset,
		log:     logger.Named("master"),
		board:   newBoard(chunks),
		workers: newWorkerTable(),
		targets: targets,
		conns:   make(map[string]*protocol.Conn),
		fatal:   make(chan error, 1),
		ready:   make(chan struct{}),
	}
}

// Addr returns the listener address once Run has bound it, which matters
// when the configured listen address carries port 0.
func (m *Master) Addr() string {
	<-m.ready
	return m.boundAddr
}

// Run serves until the board is complete or the context is cancelled, then
// drains connected workers and reports the summary.
func (m *Master) Run(ctx context.Context) (schemas.ScanSummary, error) {
	start := time.Now()

	ln, err := net.Listen("tcp", m.cfg.Listen)
	if err != nil {
		return schemas.ScanSummary{}, err
	}
	m.boundAddr = ln.Addr().String()
	close(m.ready)
	m.log.Info("Master listening",
		zap.String("addr", m.boundAddr),
		zap.Int("chunks", len(m.board.chunks)))

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.acceptLoop(serveCtx, ln)
	}()
	go func() {
		defer wg.Done()
		m.sweepLoop(serveCtx)
	}()

	var runErr error
	select {
	case <-m.board.Done():
		m.log.Info("All chunks completed")
	case err := <-m.fatal:
		runErr = err
		m.log.Error("Aborting run", zap.Error(err))
	case <-ctx.Done():
		runErr = ctx.Err()
		m.log.Warn("Run cancelled before completion")
	}

	m.drain()
	stop()
	ln.Close()
	wg.Wait()

	summary, err := m.summary(context.WithoutCancel(ctx), start)
	if runErr == nil {
		runErr = err
	}
	return summary, runErr
}

func (m *Master) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("Accept failed", zap.Error(err))
			continue
		}
		go m.handleConn(ctx, protocol.NewConn(nc))
	}
}

// sweepLoop drives the two timers of the run: lease expiry and worker
// liveness. Both only move state; redelivery follows from the board.
func (m *Master) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.board.Sweep(time.Now()); n > 0 {
				m.log.Info("Expired leases reverted to pending", zap.Int("chunks", n))
			}
			for _, id := range m.workers.Sweep(m.cfg.HeartbeatInterval, m.cfg.SuspectAfter, m.cfg.DeadGrace) {
				released := m.board.ReleaseWorker(id)
				m.log.Warn("Worker declared dead",
					zap.String("worker_id", id),
					zap.Int("released_chunks", released))
				m.dropConn(id)
			}
		}
	}
}

func (m *Master) handleConn(ctx context.Context, conn *protocol.Conn) {
	defer conn.Close()

	var workerID string
	defer func() {
		if workerID != "" {
			m.dropConn(workerID)
		}
	}()

	for {
		// Idle bound well past the heartbeat interval; a silent peer gets
		// reaped by the liveness sweeper anyway.
		deadline := time.Duration(m.cfg.SuspectAfter+1)*m.cfg.HeartbeatInterval + m.cfg.DeadGrace
		conn.SetReadDeadline(time.Now().Add(deadline))

		msg, err := conn.Recv()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				m.log.Debug("Connection closed",
					zap.String("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		switch msg.Kind {
		case protocol.KindRegister:
			workerID = m.workers.Register(msg.Register.Address, msg.Register.Concurrency)
			m.trackConn(workerID, conn)
			m.log.Info("Worker registered",
				zap.String("worker_id", workerID),
				zap.String("remote", conn.RemoteAddr()),
				zap.Int("concurrency", msg.Register.Concurrency))
			if err := conn.Send(&protocol.Message{
				Kind:        protocol.KindRegisterAck,
				RegisterAck: &protocol.RegisterAck{WorkerID: workerID},
			}); err != nil {
				return
			}

		case protocol.KindHeartbeat:
			state, known := m.workers.Heartbeat(msg.Heartbeat.WorkerID, msg.Heartbeat.Completed)
			if !known || state == schemas.WorkerDead {
				// The worker lost its standing; make it re-register.
				conn.Send(&protocol.Message{Kind: protocol.KindDrain})
				return
			}

		case protocol.KindLeaseRequest:
			if err := m.handleLeaseRequest(conn, msg.LeaseRequest.WorkerID); err != nil {
				return
			}

		case protocol.KindChunkResult:
			if err := m.handleChunkResult(ctx, conn, msg.ChunkResult); err != nil {
				return
			}

		default:
			m.log.Warn("Unexpected frame", zap.String("kind", string(msg.Kind)))
		}
	}
}

func (m *Master) handleLeaseRequest(conn *protocol.Conn, workerID string) error {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()

	if draining || !m.workers.Known(workerID) {
		return conn.Send(&protocol.Message{Kind: protocol.KindDrain})
	}

	chunk, ok := m.board.Lease(workerID, m.cfg.LeaseDuration)
	if !ok {
		return conn.Send(&protocol.Message{Kind: protocol.KindNoWork})
	}
	m.log.Debug("Chunk leased",
		zap.String("chunk_id", chunk.ID),
		zap.String("worker_id", workerID),
		zap.Int("items", len(chunk.Items)))
	return conn.Send(&protocol.Message{
		Kind: protocol.KindLeaseGrant,
		LeaseGrant: &protocol.LeaseGrant{
			Chunk:       chunk,
			Rules:       m.ruleset,
			LeaseExpiry: chunk.LeaseExpiry,
		},
	})
}

// handleChunkResult ingests a completed chunk. Results are written before the
// ack, so a worker that never sees the ack can safely re-send; every write is
// idempotent by (target, rule_name).
func (m *Master) handleChunkResult(ctx context.Context, conn *protocol.Conn, res *protocol.ChunkResult) error {
	if token, live := m.board.CurrentToken(res.ChunkID); !live || token != res.LeaseToken {
		// Stale lease: the chunk expired or was reassigned while this worker
		// ran it. Still ingested; every write below is idempotent.
		m.log.Info("Result from stale lease",
			zap.String("chunk_id", res.ChunkID),
			zap.String("worker_id", res.WorkerID))
	}

	for _, rec := range res.DNSUpdates {
		m.cache.Put(rec)
	}
	for _, r := range res.Results {
		if err := m.st.RecordResult(ctx, r); err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) {
				// Losing findings silently is worse than losing the run.
				select {
				case m.fatal <- err:
				default:
				}
				return err
			}
			m.log.Error("Result ingestion failed",
				zap.String("chunk_id", res.ChunkID), zap.Error(err))
			// No ack: the worker keeps the chunk and re-sends.
			return nil
		}
	}

	if m.board.Complete(res.ChunkID) {
		completed, total := m.board.Progress()
		m.log.Info("Chunk completed",
			zap.String("chunk_id", res.ChunkID),
			zap.String("worker_id", res.WorkerID),
			zap.Int("completed", completed),
			zap.Int("total", total))
	} else {
		m.log.Debug("Duplicate chunk result ignored",
			zap.String("chunk_id", res.ChunkID))
	}
	return conn.Send(&protocol.Message{
		Kind:      protocol.KindResultAck,
		ResultAck: &protocol.ResultAck{ChunkID: res.ChunkID},
	})
}

func (m *Master) trackConn(workerID string, conn *protocol.Conn) {
	m.mu.Lock()
	m.conns[workerID] = conn
	m.mu.Unlock()
}

func (m *Master) dropConn(workerID string) {
	m.mu.Lock()
	delete(m.conns, workerID)
	m.mu.Unlock()
}

// drain tells every connected worker to finish up and exit. Best effort; a
// worker that misses it will fail its next lease request instead.
func (m *Master) drain() {
	m.mu.Lock()
	m.draining = true
	conns := make([]*protocol.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(&protocol.Message{Kind: protocol.KindDrain}); err != nil {
			m.log.Debug("Drain notification failed", zap.Error(err))
		}
	}
}

func (m *Master) summary(ctx context.Context, start time.Time) (schemas.ScanSummary, error) {
	total, ok, failed, err := m.st.ProbeCounts(ctx)
	if err != nil {
		return schemas.ScanSummary{}, err
	}
	findings, err := m.st.FindingCounts(ctx)
	if err != nil {
		return schemas.ScanSummary{}, err
	}
	return schemas.ScanSummary{
		Targets:      m.targets,
		Probes:       total,
		ProbesOK:     ok,
		ProbesFailed: failed,
		Findings:     findings,
		DeadWorkers:  m.workers.Counts()[schemas.WorkerDead],
		Elapsed:      time.Since(start),
	}, nil
}
