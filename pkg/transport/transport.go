// Package transport describes the queue operations the load tester consumes
// from a message broker: opening sessions, putting and getting messages, and
// inquiring about queue depth.
package transport

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
)

// MessageIDLength is the fixed size of a message identifier.
const MessageIDLength = 24

var (
	ErrQueueFull          = errors.New("queue full")
	ErrNoMessageAvailable = errors.New("no message available")
	// ErrConnectionBroken is returned when the session handle is no longer
	// usable, either because it was closed or because the broker went away.
	ErrConnectionBroken = errors.New("connection broken")
	ErrQueueNotFound    = errors.New("queue not found")
)

// ConnectionError wraps a failure to establish a session.
type ConnectionError struct {
	Params ConnectionParams
	Queue  string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to open queue %q on %s: %v", e.Queue, e.Params, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// OpenMode determines which operations a session is opened for.
type OpenMode int

const (
	Output OpenMode = iota
	Input
	Inquire
)

func (m OpenMode) String() string {
	switch m {
	case Output:
		return "output"
	case Input:
		return "input"
	case Inquire:
		return "inquire"
	}
	return fmt.Sprintf("OpenMode(%d)", int(m))
}

// MessageID is the identifier the broker assigns to a message on PUT. Replies
// carry the request's MessageID as their correlation identifier.
type MessageID [MessageIDLength]byte

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

// ParseMessageID decodes the hexadecimal form produced by MessageID.String.
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != MessageIDLength {
		return id, fmt.Errorf("message ID must be %d bytes, got %d", MessageIDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDGenerator produces unique message IDs: a per-generator UUID followed by a
// big-endian sequence number.
type IDGenerator struct {
	prefix uuid.UUID
	seq    uint64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{prefix: uuid.NewV4()}
}

func (g *IDGenerator) Next() MessageID {
	var id MessageID
	copy(id[:16], g.prefix.Bytes())
	binary.BigEndian.PutUint64(id[16:], atomic.AddUint64(&g.seq, 1))
	return id
}

// Message is a single queue message.
type Message struct {
	ID            MessageID
	CorrelationID MessageID
	Payload       []byte
	// PutTime is the time the broker reports the message was placed on the
	// queue.
	PutTime time.Time
}

// GetOptions controls a GET.
type GetOptions struct {
	// CorrelationID, when set, restricts the GET to the message carrying this
	// correlation identifier.
	CorrelationID *MessageID
	// Wait makes the GET block up to Timeout for a matching message.
	Wait    bool
	Timeout time.Duration
}

// Depth is the result of an INQUIRE.
type Depth struct {
	Current int
	// Max is the maximum depth of the queue, or 0 if unlimited.
	Max int
}

// Session is a handle on a single queue. Callers should give each goroutine
// its own session; implementations must nonetheless tolerate concurrent use.
type Session interface {
	Queue() string
	// Put places msg on the queue, filling in msg.ID (if zero) and
	// msg.PutTime.
	Put(ctx context.Context, msg *Message) error
	Get(ctx context.Context, opts GetOptions) (*Message, error)
	Inquire(ctx context.Context) (Depth, error)
	Close() error
}

// Broker opens sessions against a queue manager.
type Broker interface {
	Open(ctx context.Context, params ConnectionParams, queue string, mode OpenMode) (Session, error)
}

// IsBroken reports whether err means the session can no longer be used.
func IsBroken(err error) bool {
	return errors.Is(err, ErrConnectionBroken)
}
