package responder_test

import (
	"context"
	"testing"
	"time"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/internal/responder"
	"github.com/informalsystems/mq-load-test/pkg/transport"
	"github.com/informalsystems/mq-load-test/pkg/transport/memory"
)

var testParams = []transport.ConnectionParams{{Host: "127.0.0.1", Port: 1414, Channel: "CH", Manager: "QM"}}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		cfg   responder.Config
		valid bool
	}{
		{responder.Config{Params: testParams, RequestQueue: "REQ", ReplyQueue: "REP", Threads: 1}, true},
		{responder.Config{Params: testParams, RequestQueue: "REQ", ReplyQueue: "REQ", Threads: 1}, false},
		{responder.Config{Params: testParams, RequestQueue: "REQ", ReplyQueue: "REP", Threads: 0}, false},
		{responder.Config{RequestQueue: "REQ", ReplyQueue: "REP", Threads: 1}, false},
		{responder.Config{Params: testParams, RequestQueue: "REQ", ReplyQueue: "REP", Threads: 1, Delay: -time.Second}, false},
	}
	for i, tc := range testCases {
		err := tc.cfg.Validate()
		if tc.valid && err != nil {
			t.Errorf("Test case %d: Expected no error, but got %v", i, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("Test case %d: Expected an error, but got none", i)
		}
	}
}

func TestEchoesWithCorrelationID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := memory.NewBroker()
	r, err := responder.New(broker, responder.Config{
		Params:       testParams,
		RequestQueue: "REQ",
		ReplyQueue:   "REP",
		Threads:      2,
		GetWait:      20 * time.Millisecond,
	}, logging.NewNoopLogger())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	out, err := broker.Open(ctx, testParams[0], "REQ", transport.Output)
	if err != nil {
		t.Fatal(err)
	}
	in, err := broker.Open(ctx, testParams[0], "REP", transport.Input)
	if err != nil {
		t.Fatal(err)
	}
	req := &transport.Message{Payload: []byte("hello")}
	if err := out.Put(ctx, req); err != nil {
		t.Fatal(err)
	}
	reply, err := in.Get(ctx, transport.GetOptions{CorrelationID: &req.ID, Wait: true, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Expected a reply, but got %v", err)
	}
	if string(reply.Payload) != "eco hello" {
		t.Errorf("Expected payload %q, but got %q", "eco hello", reply.Payload)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, but got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Responder did not stop after cancellation")
	}
	if r.Handled() != 1 {
		t.Errorf("Expected 1 handled request, but got %d", r.Handled())
	}
}

func TestPausedResponderLetsQueueGrow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := memory.NewBroker()
	r, err := responder.New(broker, responder.Config{
		Params:       testParams,
		RequestQueue: "REQ",
		ReplyQueue:   "REP",
		Threads:      1,
		GetWait:      10 * time.Millisecond,
	}, logging.NewNoopLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.Pause()
	go func() { _ = r.Run(ctx) }()

	out, err := broker.Open(ctx, testParams[0], "REQ", transport.Output)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := out.Put(ctx, &transport.Message{}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if d := broker.Depth("REQ"); d != 5 {
		t.Fatalf("Expected paused responder to leave 5 requests, but depth is %d", d)
	}

	r.Resume()
	deadline := time.Now().Add(2 * time.Second)
	for broker.Depth("REQ") > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d := broker.Depth("REQ"); d != 0 {
		t.Errorf("Expected resumed responder to drain the queue, but depth is %d", d)
	}
}
