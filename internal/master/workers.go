package master

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/dredge/api/schemas"
)

type workerInfo struct {
	ID          string
	Address     string
	Concurrency int
	State       schemas.WorkerState
	LastSeen    time.Time
	Completed   int
}

// workerTable is the master's liveness view. Workers move registered ->
// active on their first heartbeat, active <-> suspected on missed and
// recovered heartbeats, and suspected -> dead after the grace period. Dead
// is terminal; a dead worker has to register again.
type workerTable struct {
	mu      sync.Mutex
	workers map[string]*workerInfo
	now     func() time.Time
}

func newWorkerTable() *workerTable {
	return &workerTable{
		workers: make(map[string]*workerInfo),
		now:     time.Now,
	}
}

// Register admits a new worker and returns its assigned identity.
func (t *workerTable) Register(address string, concurrency int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	t.workers[id] = &workerInfo{
		ID:          id,
		Address:     address,
		Concurrency: concurrency,
		State:       schemas.WorkerRegistered,
		LastSeen:    t.now(),
	}
	return id
}

// Heartbeat records liveness. A suspected worker recovers to active; a dead
// one stays dead and the caller should tell it to re-register.
func (t *workerTable) Heartbeat(workerID string, completed int) (schemas.WorkerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.workers[workerID]
	if !ok {
		return "", false
	}
	if w.State == schemas.WorkerDead {
		return schemas.WorkerDead, true
	}
	w.State = schemas.WorkerActive
	w.LastSeen = t.now()
	w.Completed = completed
	return schemas.WorkerActive, true
}

// Known reports whether the worker is registered and not dead.
func (t *workerTable) Known(workerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workers[workerID]
	return ok && w.State != schemas.WorkerDead
}

// Sweep advances liveness states based on heartbeat silence and returns the
// IDs of workers that just transitioned to dead.
func (t *workerTable) Sweep(interval time.Duration, suspectAfter int, deadGrace time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	suspectAt := time.Duration(suspectAfter) * interval
	var died []string
	for _, w := range t.workers {
		silence := now.Sub(w.LastSeen)
		switch w.State {
		case schemas.WorkerRegistered, schemas.WorkerActive:
			if silence > suspectAt {
				w.State = schemas.WorkerSuspected
			}
		case schemas.WorkerSuspected:
			if silence > suspectAt+deadGrace {
				w.State = schemas.WorkerDead
				died = append(died, w.ID)
			}
		}
	}
	return died
}

// Counts tallies workers by state.
func (t *workerTable) Counts() map[schemas.WorkerState]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[schemas.WorkerState]int)
	for _, w := range t.workers {
		counts[w.State]++
	}
	return counts
}
