// Package protocol defines the master/worker wire format: length-prefixed
// JSON frames over a plain TCP stream. Every frame is one Message; the Kind
// field says which payload pointer is populated.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/dredge/api/schemas"
	"github.com/xkilldash9x/dredge/internal/rules"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxFrameSize rejects frames larger than any legitimate chunk payload. A
// frame beyond this is a corrupt stream or a stray client, not real traffic.
const maxFrameSize = 32 << 20

// Kind discriminates the payload of a Message.
type Kind string

const (
	KindRegister     Kind = "register"
	KindRegisterAck  Kind = "register_ack"
	KindHeartbeat    Kind = "heartbeat"
	KindLeaseRequest Kind = "lease_request"
	KindLeaseGrant   Kind = "lease_grant"
	KindNoWork       Kind = "no_work"
	KindChunkResult  Kind = "chunk_result"
	KindResultAck    Kind = "result_ack"
	KindDrain        Kind = "drain"
)

// Register announces a worker to the master.
type Register struct {
	Address     string `json:"address"`
	Concurrency int    `json:"concurrency"`
}

// RegisterAck carries the identity the master assigned.
type RegisterAck struct {
	WorkerID string `json:"worker_id"`
}

// Heartbeat is the worker's periodic liveness report.
type Heartbeat struct {
	WorkerID  string `json:"worker_id"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
}

// LeaseRequest asks the master for a chunk of work.
type LeaseRequest struct {
	WorkerID string `json:"worker_id"`
}

// LeaseGrant hands a chunk to a worker together with the rules it needs to
// evaluate it, so workers never read rule files themselves.
type LeaseGrant struct {
	Chunk       schemas.Chunk `json:"chunk"`
	Rules       []rules.Rule  `json:"rules"`
	LeaseExpiry time.Time     `json:"lease_expiry"`
}

// ChunkResult returns a completed chunk. DNSUpdates piggybacks the worker's
// fresh cache entries so the master's view converges.
type ChunkResult struct {
	WorkerID   string                `json:"worker_id"`
	ChunkID    string                `json:"chunk_id"`
	LeaseToken string                `json:"lease_token"`
	Results    []schemas.ProbeResult `json:"results"`
	DNSUpdates []schemas.DNSRecord   `json:"dns_updates,omitempty"`
}

// ResultAck confirms a ChunkResult was durably ingested. A worker re-sends
// until it sees the ack; ingestion is idempotent.
type ResultAck struct {
	ChunkID string `json:"chunk_id"`
}

// Message is one wire frame.
type Message struct {
	Kind         Kind          `json:"kind"`
	Register     *Register     `json:"register,omitempty"`
	RegisterAck  *RegisterAck  `json:"register_ack,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
	LeaseRequest *LeaseRequest `json:"lease_request,omitempty"`
	LeaseGrant   *LeaseGrant   `json:"lease_grant,omitempty"`
	ChunkResult  *ChunkResult  `json:"chunk_result,omitempty"`
	ResultAck    *ResultAck    `json:"result_ack,omitempty"`
}

// WriteMessage frames and writes a single message: 4-byte big-endian length,
// then the JSON body.
func WriteMessage(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", msg.Kind, err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("%s frame of %d bytes exceeds limit", msg.Kind, len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadMessage reads and decodes a single frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &msg, nil
}

// Conn wraps a net.Conn with serialized writes so heartbeat and lease
// traffic can share one stream.
type Conn struct {
	nc net.Conn
	mu sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Send writes one message under the write lock, with a deadline so a stalled
// peer cannot wedge the sender forever.
func (c *Conn) Send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	return WriteMessage(c.nc, msg)
}

// Recv reads one message. Only one goroutine may call Recv at a time.
func (c *Conn) Recv() (*Message, error) {
	return ReadMessage(c.nc)
}

// SetReadDeadline bounds the next Recv.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Close tears the stream down.
func (c *Conn) Close() error {
	return c.nc.Close()
}
