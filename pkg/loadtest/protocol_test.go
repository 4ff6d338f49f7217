package loadtest

import (
	"errors"
	"testing"
)

func TestNormalizeCommand(t *testing.T) {
	testCases := []struct {
		raw      string
		expected string
	}{
		{"ping", cmdPing},
		{"PING\n", cmdPing},
		{"INIT_CON", cmdInitConnections},
		{"  warmup ", cmdWarmup},
		{"START", cmdStart},
		{"get_result", cmdGetResult},
		{"CLOSE\r\n", cmdClose},
		{"", ""},
		{"STOP", ""},
		{"START NOW", ""},
	}
	for _, tc := range testCases {
		if got := normalizeCommand([]byte(tc.raw)); got != tc.expected {
			t.Errorf("Expected %q to normalize to %q, but got %q", tc.raw, tc.expected, got)
		}
	}
}

func TestParseResult(t *testing.T) {
	testCases := []struct {
		reply    string
		expected int64
		err      error
	}{
		{formatResult(0), 0, nil},
		{formatResult(123456), 123456, nil},
		{"RESULT:42\n", 42, nil},
		{"ERROR", 0, ErrProtocolError},
		{"ACK", 0, ErrUnexpectedReply},
		{"RESULT:", 0, ErrUnexpectedReply},
		{"RESULT:many", 0, ErrUnexpectedReply},
	}
	for _, tc := range testCases {
		got, err := parseResult(tc.reply)
		if tc.err == nil {
			if err != nil {
				t.Errorf("Expected no error parsing %q, but got: %v", tc.reply, err)
			} else if got != tc.expected {
				t.Errorf("Expected %q to parse to %d, but got %d", tc.reply, tc.expected, got)
			}
			continue
		}
		if !errors.Is(err, tc.err) {
			t.Errorf("Expected error %v parsing %q, but got: %v", tc.err, tc.reply, err)
		}
	}
}

func TestCheckAck(t *testing.T) {
	if err := checkAck("ACK"); err != nil {
		t.Errorf("Expected ACK to be accepted, but got: %v", err)
	}
	if err := checkAck("ACK\n"); err != nil {
		t.Errorf("Expected ACK with trailing newline to be accepted, but got: %v", err)
	}
	if err := checkAck("ERROR"); !errors.Is(err, ErrProtocolError) {
		t.Errorf("Expected ERROR to be a protocol error, but got: %v", err)
	}
	if err := checkAck("RESULT:1"); !errors.Is(err, ErrUnexpectedReply) {
		t.Errorf("Expected RESULT to be an unexpected reply, but got: %v", err)
	}
}

func TestSlaveAddr(t *testing.T) {
	testCases := []struct {
		addr     string
		port     int
		expected string
	}{
		{"slave1", 9999, "slave1:9999"},
		{"slave1:7777", 9999, "slave1:7777"},
		{"10.0.0.1", 0, "10.0.0.1:8888"},
		{"::1", 9999, "[::1]:9999"},
	}
	for _, tc := range testCases {
		if got := slaveAddr(tc.addr, tc.port); got != tc.expected {
			t.Errorf("Expected %q with port %d to resolve to %q, but got %q", tc.addr, tc.port, tc.expected, got)
		}
	}
}

func TestSlaveIDValidation(t *testing.T) {
	testCases := []struct {
		id    string
		valid bool
	}{
		{"slave1", true},
		{"abc123", true},
		{"Slave1", false},
		{"slave-1", false},
		{"slave 1", false},
	}
	for _, tc := range testCases {
		if got := isValidSlaveID(tc.id); got != tc.valid {
			t.Errorf("Expected slave ID %q validity to be %v, but got %v", tc.id, tc.valid, got)
		}
	}
	if id := makeSlaveID(); !isValidSlaveID(id) || len(id) != 32 {
		t.Errorf("Expected a generated slave ID to be 32 valid characters, but got %q", id)
	}
}
