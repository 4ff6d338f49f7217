package loadtest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Remote control commands. Each is sent as a single UDP datagram.
const (
	cmdPing            = "ping"
	cmdInitConnections = "INIT_CON"
	cmdWarmup          = "WARMUP"
	cmdStart           = "START"
	cmdGetResult       = "GET_RESULT"
	cmdClose           = "CLOSE"
)

// Remote control replies.
const (
	replyAck     = "ACK"
	replyError   = "ERROR"
	resultPrefix = "RESULT:"
)

const maxDatagramSize = 1024

var (
	// ErrProtocolTimeout means no reply arrived within the call's timeout.
	ErrProtocolTimeout = errors.New("remote control timeout")
	// ErrProtocolError means the slave explicitly replied with ERROR.
	ErrProtocolError = errors.New("remote control error reply")
	// ErrUnexpectedReply means the reply could not be interpreted.
	ErrUnexpectedReply = errors.New("unexpected remote control reply")
)

// normalizeCommand maps a received datagram onto one of the known commands,
// or returns the empty string.
func normalizeCommand(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	for _, cmd := range []string{cmdPing, cmdInitConnections, cmdWarmup, cmdStart, cmdGetResult, cmdClose} {
		if strings.EqualFold(s, cmd) {
			return cmd
		}
	}
	return ""
}

func formatResult(count int64) string {
	return resultPrefix + strconv.FormatInt(count, 10)
}

func parseResult(reply string) (int64, error) {
	reply = strings.TrimSpace(reply)
	if reply == replyError {
		return 0, ErrProtocolError
	}
	if !strings.HasPrefix(reply, resultPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(reply, resultPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
	}
	return n, nil
}

func checkAck(reply string) error {
	switch strings.TrimSpace(reply) {
	case replyAck:
		return nil
	case replyError:
		return ErrProtocolError
	}
	return fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}
