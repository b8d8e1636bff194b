package master

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/dredge/api/schemas"
)

// chunkPhase is the board's private lease state for one chunk.
type chunkPhase int

const (
	chunkPending chunkPhase = iota
	chunkLeased
	chunkCompleted
)

type chunkEntry struct {
	chunk  schemas.Chunk
	phase  chunkPhase
	worker string
	token  string
	expiry time.Time
}

// board tracks every chunk of the run through pending, leased and completed.
// Expired leases revert to pending; completion is idempotent, so a chunk
// finished twice by different workers counts once.
type board struct {
	mu        sync.Mutex
	chunks    map[string]*chunkEntry
	queue     []string
	completed int
	doneCh    chan struct{}

	now func() time.Time
}

func newBoard(chunks []schemas.Chunk) *board {
	b := &board{
		chunks: make(map[string]*chunkEntry, len(chunks)),
		queue:  make([]string, 0, len(chunks)),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
	for _, c := range chunks {
		b.chunks[c.ID] = &chunkEntry{chunk: c}
		b.queue = append(b.queue, c.ID)
	}
	if len(chunks) == 0 {
		close(b.doneCh)
	}
	return b
}

// Lease hands the next pending chunk to the worker with a fresh token. The
// second return is false when nothing is pending right now.
func (b *board) Lease(workerID string, duration time.Duration) (schemas.Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) > 0 {
		id := b.queue[0]
		b.queue = b.queue[1:]
		entry := b.chunks[id]
		if entry.phase != chunkPending {
			// Completed or re-leased while queued; skip the stale entry.
			continue
		}
		entry.phase = chunkLeased
		entry.worker = workerID
		entry.token = uuid.NewString()
		entry.expiry = b.now().Add(duration)

		leased := entry.chunk
		leased.LeaseToken = entry.token
		leased.LeaseExpiry = entry.expiry
		return leased, true
	}
	return schemas.Chunk{}, false
}

// Complete marks a chunk finished. Late results from a stale lease still
// complete the chunk; the ingested rows are idempotent. Returns false for a
// duplicate of an already completed chunk.
func (b *board) Complete(chunkID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.chunks[chunkID]
	if !ok || entry.phase == chunkCompleted {
		return false
	}
	entry.phase = chunkCompleted
	entry.worker = ""
	b.completed++
	if b.completed == len(b.chunks) {
		close(b.doneCh)
	}
	return true
}

// CurrentToken returns the token of the chunk's live lease. The second
// return is false when the chunk is pending, completed or unknown.
func (b *board) CurrentToken(chunkID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.chunks[chunkID]
	if !ok || entry.phase != chunkLeased {
		return "", false
	}
	return entry.token, true
}

// Sweep reverts every lease that expired before now back to pending and
// returns how many reverted.
func (b *board) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	reverted := 0
	for id, entry := range b.chunks {
		if entry.phase == chunkLeased && now.After(entry.expiry) {
			entry.phase = chunkPending
			entry.worker = ""
			entry.token = ""
			b.queue = append(b.queue, id)
			reverted++
		}
	}
	return reverted
}

// ReleaseWorker reverts every chunk leased to the given worker, called when
// the worker is declared dead.
func (b *board) ReleaseWorker(workerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	reverted := 0
	for id, entry := range b.chunks {
		if entry.phase == chunkLeased && entry.worker == workerID {
			entry.phase = chunkPending
			entry.worker = ""
			entry.token = ""
			b.queue = append(b.queue, id)
			reverted++
		}
	}
	return reverted
}

// Done is closed once every chunk has completed.
func (b *board) Done() <-chan struct{} { return b.doneCh }

// Progress reports completed and total chunk counts.
func (b *board) Progress() (completed, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed, len(b.chunks)
}

// BuildChunks expands the targets x rules cross product into work chunks of
// at most size items, target-major so one chunk concentrates few targets and
// the DNS cache stays hot within it.
func BuildChunks(targets []string, ruleNames []string, size int) []schemas.Chunk {
	if size <= 0 || len(targets) == 0 || len(ruleNames) == 0 {
		return nil
	}

	var chunks []schemas.Chunk
	items := make([]schemas.WorkItem, 0, size)
	flush := func() {
		if len(items) == 0 {
			return
		}
		chunks = append(chunks, schemas.Chunk{
			ID:    uuid.NewString(),
			Items: items,
		})
		items = make([]schemas.WorkItem, 0, size)
	}

	for _, target := range targets {
		for _, rule := range ruleNames {
			items = append(items, schemas.WorkItem{Target: target, RuleName: rule})
			if len(items) == size {
				flush()
			}
		}
	}
	flush()
	return chunks
}
