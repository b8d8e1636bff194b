// Package worker implements the remote scan agent: it dials the master,
// leases chunks, runs them through the probe executor against a local DNS
// cache, and ships the results back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/config"
	"github.com/xkilldash9x/dredge/internal/dnscache"
	"github.com/xkilldash9x/dredge/internal/probe"
	"github.com/xkilldash9x/dredge/internal/protocol"
	"github.com/xkilldash9x/dredge/internal/rules"
)

// errDrained signals an orderly shutdown requested by the master.
var errDrained = errors.New("master requested drain")

// resultResendAttempts bounds how often a chunk result is re-sent while
// waiting for an ack before the connection is considered broken.
const resultResendAttempts = 3

// Worker is one scan agent process. It holds a single connection to the
// master; heartbeats share the stream with the lease loop.
type Worker struct {
	cfg   *config.Config
	cache *dnscache.Cache
	exec  *probe.Executor
	log   *zap.Logger

	conn      *protocol.Conn
	id        string
	active    atomic.Int64
	completed atomic.Int64
}

// New wires a worker over its local DNS cache.
func New(cfg *config.Config, cache *dnscache.Cache, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:   cfg,
		cache: cache,
		exec:  probe.NewExecutor(cfg.Probe, cache, logger),
		log:   logger.Named("worker"),
	}
}

// Run connects, registers and processes leases until the master drains the
// worker or the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", w.cfg.Distributed.MasterAddr)
	if err != nil {
		return fmt.Errorf("dialing master at %s: %w", w.cfg.Distributed.MasterAddr, err)
	}
	w.conn = protocol.NewConn(nc)
	defer w.conn.Close()

	if err := w.register(); err != nil {
		return err
	}
	w.log.Info("Registered with master",
		zap.String("worker_id", w.id),
		zap.String("master", w.cfg.Distributed.MasterAddr))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	// Close the connection on cancellation so a blocked Recv unwinds.
	go func() {
		<-ctx.Done()
		w.conn.Close()
	}()

	err = w.leaseLoop(ctx)
	if errors.Is(err, errDrained) {
		w.log.Info("Drained by master",
			zap.Int64("chunks_completed", w.completed.Load()))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (w *Worker) register() error {
	err := w.conn.Send(&protocol.Message{
		Kind: protocol.KindRegister,
		Register: &protocol.Register{
			Address:     w.conn.RemoteAddr(),
			Concurrency: w.cfg.Probe.Concurrency,
		},
	})
	if err != nil {
		return err
	}
	msg, err := w.conn.Recv()
	if err != nil {
		return fmt.Errorf("awaiting registration ack: %w", err)
	}
	if msg.Kind != protocol.KindRegisterAck || msg.RegisterAck == nil {
		return fmt.Errorf("expected registration ack, got %q", msg.Kind)
	}
	w.id = msg.RegisterAck.WorkerID
	return nil
}

// heartbeatLoop sends periodic liveness one-way; the master never replies
// unless it wants the worker gone, and that lands in the lease loop's reads.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Distributed.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.conn.Send(&protocol.Message{
				Kind: protocol.KindHeartbeat,
				Heartbeat: &protocol.Heartbeat{
					WorkerID:  w.id,
					Active:    int(w.active.Load()),
					Completed: int(w.completed.Load()),
				},
			})
			if err != nil {
				w.log.Warn("Heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (w *Worker) leaseLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := w.conn.Send(&protocol.Message{
			Kind:         protocol.KindLeaseRequest,
			LeaseRequest: &protocol.LeaseRequest{WorkerID: w.id},
		})
		if err != nil {
			return err
		}

		msg, err := w.recvReply()
		if err != nil {
			return err
		}
		switch msg.Kind {
		case protocol.KindLeaseGrant:
			if err := w.runChunk(ctx, msg.LeaseGrant); err != nil {
				return err
			}
		case protocol.KindNoWork:
			select {
			case <-time.After(w.cfg.Distributed.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return fmt.Errorf("expected lease reply, got %q", msg.Kind)
		}
	}
}

// recvReply reads the next frame, folding an unsolicited drain into the
// sentinel error wherever it lands in the stream.
func (w *Worker) recvReply() (*protocol.Message, error) {
	msg, err := w.conn.Recv()
	if err != nil {
		return nil, err
	}
	if msg.Kind == protocol.KindDrain {
		return nil, errDrained
	}
	return msg, nil
}

func (w *Worker) runChunk(ctx context.Context, grant *protocol.LeaseGrant) error {
	compiled, err := rules.Compile(grant.Rules, w.log)
	if err != nil {
		return fmt.Errorf("compiling leased rules: %w", err)
	}
	w.log.Info("Chunk leased",
		zap.String("chunk_id", grant.Chunk.ID),
		zap.Int("items", len(grant.Chunk.Items)),
		zap.Time("lease_expiry", grant.LeaseExpiry))

	w.active.Store(int64(len(grant.Chunk.Items)))
	defer w.active.Store(0)

	results := make([]schemas.ProbeResult, 0, len(grant.Chunk.Items))
	for res := range w.exec.Execute(ctx, grant.Chunk, compiled) {
		results = append(results, res)
	}
	if ctx.Err() != nil {
		// The lease expires on its own; the master re-issues the chunk.
		return ctx.Err()
	}

	if err := w.deliver(grant.Chunk, results); err != nil {
		return err
	}
	w.completed.Add(1)
	return nil
}

// deliver ships the chunk result and re-sends until the master acks it.
// Ingestion is idempotent, so duplicated deliveries are harmless.
func (w *Worker) deliver(chunk schemas.Chunk, results []schemas.ProbeResult) error {
	msg := &protocol.Message{
		Kind: protocol.KindChunkResult,
		ChunkResult: &protocol.ChunkResult{
			WorkerID:   w.id,
			ChunkID:    chunk.ID,
			LeaseToken: chunk.LeaseToken,
			Results:    results,
			DNSUpdates: w.cache.TakeUpdates(),
		},
	}

	var lastErr error
	for attempt := 0; attempt < resultResendAttempts; attempt++ {
		if err := w.conn.Send(msg); err != nil {
			return err
		}
		reply, err := w.recvReply()
		if err != nil {
			if errors.Is(err, errDrained) {
				return err
			}
			lastErr = err
			continue
		}
		if reply.Kind == protocol.KindResultAck && reply.ResultAck != nil && reply.ResultAck.ChunkID == chunk.ID {
			return nil
		}
		lastErr = fmt.Errorf("expected result ack, got %q", reply.Kind)
	}
	return fmt.Errorf("chunk %s unacknowledged after %d attempts: %w",
		chunk.ID, resultResendAttempts, lastErr)
}
