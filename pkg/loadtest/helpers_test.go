package loadtest_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/loadtest"
	"github.com/informalsystems/mq-load-test/pkg/transport"
	"github.com/informalsystems/mq-load-test/pkg/transport/memory"
)

const (
	testRequestQueue = "LOADTEST.REQUEST"
	testReplyQueue   = "LOADTEST.REPLY"
)

var testParams = []transport.ConnectionParams{
	{Host: "127.0.0.1", Port: 1414, Channel: "LOADTEST", Manager: "QM1"},
	{Host: "127.0.0.2", Port: 1414, Channel: "LOADTEST", Manager: "QM1"},
}

// faultyBroker wraps an in-memory broker, failing selected opens and puts and
// keeping track of every session it hands out.
type faultyBroker struct {
	*memory.Broker

	// failOpenAt is the 1-based open attempt that fails (0 never fails).
	failOpenAt int64
	// putFullFrom is the 1-based put attempt from which every put reports a
	// full queue (0 never does).
	putFullFrom int64

	opens atomic.Int64
	puts  atomic.Int64

	mtx      sync.Mutex
	sessions []*trackedSession
}

func newFaultyBroker() *faultyBroker {
	return &faultyBroker{Broker: memory.NewBroker()}
}

func (b *faultyBroker) Open(ctx context.Context, params transport.ConnectionParams, queue string, mode transport.OpenMode) (transport.Session, error) {
	n := b.opens.Add(1)
	if b.failOpenAt > 0 && n == b.failOpenAt {
		return nil, &transport.ConnectionError{Params: params, Queue: queue, Err: errors.New("connection refused")}
	}
	s, err := b.Broker.Open(ctx, params, queue, mode)
	if err != nil {
		return nil, err
	}
	ts := &trackedSession{Session: s, broker: b}
	b.mtx.Lock()
	b.sessions = append(b.sessions, ts)
	b.mtx.Unlock()
	return ts, nil
}

func (b *faultyBroker) openSessions() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	open := 0
	for _, s := range b.sessions {
		if !s.closed.Load() {
			open++
		}
	}
	return open
}

type trackedSession struct {
	transport.Session
	broker *faultyBroker
	closed atomic.Bool
}

func (s *trackedSession) Put(ctx context.Context, msg *transport.Message) error {
	n := s.broker.puts.Add(1)
	if s.broker.putFullFrom > 0 && n >= s.broker.putFullFrom {
		return transport.ErrQueueFull
	}
	return s.Session.Put(ctx, msg)
}

func (s *trackedSession) Close() error {
	s.closed.Store(true)
	return s.Session.Close()
}

// stubOpener always hands out the same session.
type stubOpener struct {
	session transport.Session
}

func (o stubOpener) OpenSession(ctx context.Context, queue string, mode transport.OpenMode) (transport.Session, error) {
	return o.session, nil
}

// brokenSession reports a fixed depth for its first healthy inquiries and a
// broken connection for everything after that.
type brokenSession struct {
	healthy   int
	depth     int
	inquiries int
}

func (s *brokenSession) Queue() string { return testRequestQueue }

func (s *brokenSession) Put(ctx context.Context, msg *transport.Message) error {
	return transport.ErrConnectionBroken
}

func (s *brokenSession) Get(ctx context.Context, opts transport.GetOptions) (*transport.Message, error) {
	return nil, transport.ErrConnectionBroken
}

func (s *brokenSession) Inquire(ctx context.Context) (transport.Depth, error) {
	s.inquiries++
	if s.inquiries > s.healthy {
		return transport.Depth{}, transport.ErrConnectionBroken
	}
	return transport.Depth{Current: s.depth}, nil
}

func (s *brokenSession) Close() error { return nil }

func newTestPool(t *testing.T, broker transport.Broker, size int) *loadtest.ConnectionPool {
	t.Helper()
	pool := loadtest.NewConnectionPool(broker, testRequestQueue, size, logging.NewNoopLogger())
	if err := pool.Initialize(context.Background(), testParams); err != nil {
		t.Fatalf("Expected pool to initialize, but got: %v", err)
	}
	t.Cleanup(func() {
		if pool.Initialized() {
			pool.CloseAll()
		}
	})
	return pool
}

func newTestPayloads(t *testing.T) *loadtest.PayloadPool {
	t.Helper()
	payloads, err := loadtest.NewTemplatePayloadPool(loadtest.DefaultMessageTemplate, 10)
	if err != nil {
		t.Fatalf("Failed to create payload pool: %v", err)
	}
	return payloads
}

// putMessages puts count messages onto queue and returns them.
func putMessages(t *testing.T, broker transport.Broker, queue string, count int) []*transport.Message {
	t.Helper()
	s, err := broker.Open(context.Background(), testParams[0], queue, transport.Output)
	if err != nil {
		t.Fatalf("Failed to open output session on %s: %v", queue, err)
	}
	defer s.Close()
	msgs := make([]*transport.Message, 0, count)
	for i := 0; i < count; i++ {
		msg := &transport.Message{Payload: []byte("test")}
		if err := s.Put(context.Background(), msg); err != nil {
			t.Fatalf("Failed to put message %d on %s: %v", i, queue, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
