package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/informalsystems/mq-load-test/internal/logging"
)

// RemoteSlave is the master's handle on a slave process. Every call is a
// single request/reply exchange over its own UDP socket, bounded by the
// slave timeout.
type RemoteSlave struct {
	addr    string
	timeout time.Duration
	logger  logging.Logger
}

func NewRemoteSlave(addr string, timeout time.Duration) *RemoteSlave {
	rs := &RemoteSlave{
		addr:    addr,
		timeout: timeout,
		logger:  logging.NewLogrusLogger(fmt.Sprintf("remoteSlave[%s]", addr)),
	}
	rs.setState(remoteUnknown)
	return rs
}

func (rs *RemoteSlave) Addr() string {
	return rs.addr
}

// Ping checks that the slave is alive and returns the round-trip time.
func (rs *RemoteSlave) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	reply, err := rs.call(ctx, cmdPing, rs.timeout)
	if err != nil {
		return 0, err
	}
	if err := checkAck(reply); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (rs *RemoteSlave) InitConnections(ctx context.Context) error {
	return rs.callExpectAck(ctx, cmdInitConnections)
}

func (rs *RemoteSlave) Warmup(ctx context.Context) error {
	return rs.callExpectAck(ctx, cmdWarmup)
}

// Start asks the slave to begin generating load. The slave acknowledges
// before its run completes.
func (rs *RemoteSlave) Start(ctx context.Context) error {
	return rs.callExpectAck(ctx, cmdStart)
}

// GetResult asks the slave for the number of messages it sent. A slave whose
// run has not completed replies with ERROR, surfaced as ErrProtocolError.
func (rs *RemoteSlave) GetResult(ctx context.Context) (int64, error) {
	reply, err := rs.call(ctx, cmdGetResult, rs.timeout)
	if err != nil {
		return 0, err
	}
	return parseResult(reply)
}

func (rs *RemoteSlave) Close(ctx context.Context) error {
	return rs.callExpectAck(ctx, cmdClose)
}

func (rs *RemoteSlave) callExpectAck(ctx context.Context, cmd string) error {
	reply, err := rs.call(ctx, cmd, rs.timeout)
	if err != nil {
		return err
	}
	return checkAck(reply)
}

// call sends cmd and waits for a single reply datagram.
func (rs *RemoteSlave) call(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", rs.addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	// Unblock the read if the context is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("failed to send %s to %s: %w", cmd, rs.addr, err)
	}
	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", fmt.Errorf("%w: no reply to %s from %s within %s", ErrProtocolTimeout, cmd, rs.addr, timeout)
		}
		return "", fmt.Errorf("failed to read reply to %s from %s: %w", cmd, rs.addr, err)
	}
	reply := strings.TrimSpace(string(buf[:n]))
	rs.logger.Debug("Received reply", "cmd", cmd, "reply", reply)
	return reply, nil
}

func (rs *RemoteSlave) setState(state slaveState) {
	setSlaveStateMetric(rs.addr, state)
}
