package transport_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/informalsystems/mq-load-test/pkg/transport"
)

func TestParseConnectionParams(t *testing.T) {
	testCases := []struct {
		s        string
		expected transport.ConnectionParams
		err      bool
	}{
		{"10.0.0.1:1414:DEV.APP.SVRCONN:QM1", transport.ConnectionParams{Host: "10.0.0.1", Port: 1414, Channel: "DEV.APP.SVRCONN", Manager: "QM1"}, false},
		{"localhost:4222:loadtest:QM2", transport.ConnectionParams{Host: "localhost", Port: 4222, Channel: "loadtest", Manager: "QM2"}, false},
		{"10.0.0.1:1414:DEV.APP.SVRCONN", transport.ConnectionParams{}, true},
		{"10.0.0.1:abc:CH:QM1", transport.ConnectionParams{}, true},
		{"10.0.0.1:0:CH:QM1", transport.ConnectionParams{}, true},
		{"10.0.0.1:70000:CH:QM1", transport.ConnectionParams{}, true},
		{":1414:CH:QM1", transport.ConnectionParams{}, true},
		{"10.0.0.1:1414::QM1", transport.ConnectionParams{}, true},
		{"10.0.0.1:1414:CH:", transport.ConnectionParams{}, true},
	}
	for i, tc := range testCases {
		actual, err := transport.ParseConnectionParams(tc.s)
		if tc.err {
			if err == nil {
				t.Errorf("Test case %d: Expected an error for %q, but got none", i, tc.s)
			}
			continue
		}
		if err != nil {
			t.Errorf("Test case %d: Expected no error, but got %v", i, err)
			continue
		}
		if actual != tc.expected {
			t.Errorf("Test case %d: Expected %v, but got %v", i, tc.expected, actual)
		}
		if actual.String() != tc.s {
			t.Errorf("Test case %d: Expected string form %q, but got %q", i, tc.s, actual.String())
		}
	}
}

func TestIDGeneratorProducesUniqueIDs(t *testing.T) {
	gen := transport.NewIDGenerator()
	seen := make(map[transport.MessageID]bool)
	for i := 0; i < 1000; i++ {
		id := gen.Next()
		if id.IsZero() {
			t.Fatal("Expected a non-zero message ID")
		}
		if seen[id] {
			t.Fatalf("Expected unique message IDs, but %s was generated twice", id)
		}
		seen[id] = true
	}
}

func TestMessageIDHexRoundTrip(t *testing.T) {
	id := transport.NewIDGenerator().Next()
	parsed, err := transport.ParseMessageID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Errorf("Expected %s, but got %s", id, parsed)
	}
	if _, err := transport.ParseMessageID("abcd"); err == nil {
		t.Error("Expected an error for a short message ID")
	}
}

func TestConnectionErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("pool slot 2: %w", &transport.ConnectionError{Queue: "Q", Err: transport.ErrQueueNotFound})
	if !errors.Is(err, transport.ErrQueueNotFound) {
		t.Error("Expected wrapped connection error to match ErrQueueNotFound")
	}
	var connErr *transport.ConnectionError
	if !errors.As(err, &connErr) {
		t.Error("Expected errors.As to find the ConnectionError")
	}
}
