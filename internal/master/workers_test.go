package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/dredge/api/schemas"
)

const (
	testHeartbeat    = 10 * time.Second
	testSuspectAfter = 3
	testDeadGrace    = 30 * time.Second
)

func TestWorkerLivenessTransitions(t *testing.T) {
	table := newWorkerTable()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	table.now = func() time.Time { return now }

	id := table.Register("10.0.0.5:0", 50)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, table.Counts()[schemas.WorkerRegistered])

	state, known := table.Heartbeat(id, 0)
	require.True(t, known)
	assert.Equal(t, schemas.WorkerActive, state)

	// Within the miss budget the worker stays active.
	now = base.Add(2 * testHeartbeat)
	assert.Empty(t, table.Sweep(testHeartbeat, testSuspectAfter, testDeadGrace))
	assert.Equal(t, 1, table.Counts()[schemas.WorkerActive])

	// Past suspect_after missed heartbeats it becomes suspected.
	now = base.Add(4 * testHeartbeat)
	assert.Empty(t, table.Sweep(testHeartbeat, testSuspectAfter, testDeadGrace))
	assert.Equal(t, 1, table.Counts()[schemas.WorkerSuspected])

	// A heartbeat recovers a suspected worker.
	state, known = table.Heartbeat(id, 3)
	require.True(t, known)
	assert.Equal(t, schemas.WorkerActive, state)

	// Silence through suspicion plus the grace period kills it. The first
	// sweep suspects; the next one, past the grace window, declares death.
	base = now
	now = base.Add(4*testHeartbeat + testDeadGrace + time.Second)
	assert.Empty(t, table.Sweep(testHeartbeat, testSuspectAfter, testDeadGrace))
	died := table.Sweep(testHeartbeat, testSuspectAfter, testDeadGrace)
	require.Equal(t, []string{id}, died)
	assert.Equal(t, 1, table.Counts()[schemas.WorkerDead])
	assert.False(t, table.Known(id))

	// Dead is terminal: heartbeats do not revive it.
	state, known = table.Heartbeat(id, 3)
	require.True(t, known)
	assert.Equal(t, schemas.WorkerDead, state)
}

func TestHeartbeatFromUnknownWorker(t *testing.T) {
	table := newWorkerTable()
	_, known := table.Heartbeat("never-registered", 0)
	assert.False(t, known)
	assert.False(t, table.Known("never-registered"))
}

func TestRegisteredWorkerCanBeSuspectedBeforeFirstHeartbeat(t *testing.T) {
	table := newWorkerTable()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	table.now = func() time.Time { return now }

	table.Register("10.0.0.9:0", 10)
	now = base.Add(5 * testHeartbeat)
	assert.Empty(t, table.Sweep(testHeartbeat, testSuspectAfter, testDeadGrace))
	assert.Equal(t, 1, table.Counts()[schemas.WorkerSuspected])
}
