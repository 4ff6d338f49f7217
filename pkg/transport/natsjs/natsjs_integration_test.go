//go:build integration
// +build integration

package natsjs

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

// These tests need a JetStream-enabled server, e.g. `nats-server -js`, whose
// host:port is given in NATS_TEST_ADDR.
func integrationParams(t *testing.T) transport.ConnectionParams {
	t.Helper()
	addr := os.Getenv("NATS_TEST_ADDR")
	if addr == "" {
		t.Skip("NATS_TEST_ADDR not set")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("Invalid NATS_TEST_ADDR %q: %v", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("Invalid port in NATS_TEST_ADDR %q: %v", addr, err)
	}
	params := transport.ConnectionParams{
		Host:    host,
		Port:    p,
		Channel: "mqlt-integration",
		Manager: "IT" + strconv.FormatInt(time.Now().UnixNano(), 36),
	}
	t.Cleanup(func() { deleteStreams(params, "REQUEST", "REPLY") })
	return params
}

func deleteStreams(params transport.ConnectionParams, queues ...string) {
	nc, err := nats.Connect("nats://" + params.Address())
	if err != nil {
		return
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, q := range queues {
		_ = js.DeleteStream(ctx, StreamName(params.Manager, q))
	}
}

func openSession(t *testing.T, b *Broker, params transport.ConnectionParams, queue string, mode transport.OpenMode) transport.Session {
	t.Helper()
	s, err := b.Open(context.Background(), params, queue, mode)
	if err != nil {
		t.Fatalf("Failed to open %s for %s: %v", queue, mode, err)
	}
	return s
}

func TestIntegrationQueueLifecycle(t *testing.T) {
	params := integrationParams(t)
	ctx := context.Background()
	b := NewBroker(Config{CreateStreams: true, MaxDepth: 5, MemoryStorage: true, RequestTimeout: 5 * time.Second}, logging.NewNoopLogger())

	out := openSession(t, b, params, "REQUEST", transport.Output)
	defer out.Close()
	sent := make(map[transport.MessageID]bool)
	for i := 0; i < 5; i++ {
		msg := &transport.Message{Payload: []byte("LOADTEST")}
		if err := out.Put(ctx, msg); err != nil {
			t.Fatalf("Failed to put message %d: %v", i, err)
		}
		sent[msg.ID] = true
	}
	depth, err := out.Inquire(ctx)
	if err != nil {
		t.Fatalf("Failed to inquire depth: %v", err)
	}
	if depth.Current != 5 || depth.Max != 5 {
		t.Errorf("Expected depth 5 of 5, but got %d of %d", depth.Current, depth.Max)
	}
	if err := out.Put(ctx, &transport.Message{Payload: []byte("LOADTEST")}); !errors.Is(err, transport.ErrQueueFull) {
		t.Errorf("Expected a put onto a full queue to fail with ErrQueueFull, but got: %v", err)
	}

	in := openSession(t, b, params, "REQUEST", transport.Input)
	defer in.Close()
	msg, err := in.Get(ctx, transport.GetOptions{Wait: true, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Expected a message from the request queue, but got: %v", err)
	}
	if !sent[msg.ID] {
		t.Errorf("Expected a message that was put, but got ID %s", msg.ID)
	}
	if string(msg.Payload) != "LOADTEST" {
		t.Errorf("Expected payload LOADTEST, but got %q", msg.Payload)
	}

	if err := out.Close(); err != nil {
		t.Errorf("Expected close to succeed, but got: %v", err)
	}
	if err := out.Put(ctx, &transport.Message{}); !errors.Is(err, transport.ErrConnectionBroken) {
		t.Errorf("Expected a put on a closed session to report a broken connection, but got: %v", err)
	}
}

func TestIntegrationCorrelatedGet(t *testing.T) {
	params := integrationParams(t)
	ctx := context.Background()
	b := NewBroker(Config{CreateStreams: true, MemoryStorage: true, RequestTimeout: 5 * time.Second}, logging.NewNoopLogger())
	gen := transport.NewIDGenerator()
	first, second, unknown := gen.Next(), gen.Next(), gen.Next()

	out := openSession(t, b, params, "REPLY", transport.Output)
	defer out.Close()
	for _, id := range []transport.MessageID{first, second} {
		if err := out.Put(ctx, &transport.Message{CorrelationID: id, Payload: []byte("eco test")}); err != nil {
			t.Fatalf("Failed to put reply: %v", err)
		}
	}

	in := openSession(t, b, params, "REPLY", transport.Input)
	defer in.Close()
	msg, err := in.Get(ctx, transport.GetOptions{CorrelationID: &second, Wait: true, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Expected the correlated reply, but got: %v", err)
	}
	if msg.CorrelationID != second {
		t.Errorf("Expected correlation ID %s, but got %s", second, msg.CorrelationID)
	}
	if msg.PutTime.IsZero() {
		t.Error("Expected the reply to carry its put time")
	}

	start := time.Now()
	if _, err := in.Get(ctx, transport.GetOptions{CorrelationID: &unknown, Wait: true, Timeout: 100 * time.Millisecond}); !errors.Is(err, transport.ErrNoMessageAvailable) {
		t.Errorf("Expected ErrNoMessageAvailable for an unknown correlation ID, but got: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Expected GET to wait for the full timeout, but returned after %s", elapsed)
	}

	depth, err := in.Inquire(ctx)
	if err != nil {
		t.Fatalf("Failed to inquire depth: %v", err)
	}
	if depth.Current != 1 {
		t.Errorf("Expected only the uncorrelated reply to remain, but depth was %d", depth.Current)
	}
}
