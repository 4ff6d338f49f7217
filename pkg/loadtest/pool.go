package loadtest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

// Elapsed times below this are treated as this, so that rates computed over
// an instantaneous drain remain finite.
const minRateInterval = time.Microsecond

// ConnectionPool owns a fixed number of independent sessions to the same
// output queue. Worker i always uses slot i mod size, so no two workers share
// a session as long as there are no more workers than slots.
type ConnectionPool struct {
	broker   transport.Broker
	queue    string
	size     int
	params   []transport.ConnectionParams
	sessions []transport.Session
	logger   logging.Logger
}

func NewConnectionPool(broker transport.Broker, queue string, size int, logger logging.Logger) *ConnectionPool {
	return &ConnectionPool{
		broker: broker,
		queue:  queue,
		size:   size,
		logger: logger,
	}
}

// Initialize opens one output session per slot, slot i using
// params[i mod len(params)]. If any session fails to open, all sessions opened
// so far are closed and the error is returned.
func (p *ConnectionPool) Initialize(ctx context.Context, params []transport.ConnectionParams) error {
	if len(params) == 0 {
		return fmt.Errorf("at least one set of connection parameters is required")
	}
	if p.size < 1 {
		return fmt.Errorf("expected pool size to be >= 1, but was %d", p.size)
	}
	if p.sessions != nil {
		return fmt.Errorf("connection pool already initialized")
	}
	sessions := make([]transport.Session, 0, p.size)
	for i := 0; i < p.size; i++ {
		sp := params[i%len(params)]
		s, err := p.broker.Open(ctx, sp, p.queue, transport.Output)
		if err != nil {
			p.logger.Error("Failed to open pool session", "slot", i, "params", sp.String(), "err", err)
			for _, opened := range sessions {
				_ = opened.Close()
			}
			return fmt.Errorf("pool slot %d: %w", i, err)
		}
		p.logger.Debug("Opened pool session", "slot", i, "params", sp.String())
		sessions = append(sessions, s)
	}
	p.params = params
	p.sessions = sessions
	poolSessionsMetric.Add(float64(len(sessions)))
	p.logger.Info("Connection pool initialized", "queue", p.queue, "size", p.size)
	return nil
}

func (p *ConnectionPool) Initialized() bool {
	return p.sessions != nil
}

func (p *ConnectionPool) Size() int {
	return p.size
}

// Acquire returns the session for slot index mod size. It must only be called
// after a successful Initialize.
func (p *ConnectionPool) Acquire(index int) transport.Session {
	return p.sessions[index%p.size]
}

// CloseAll closes every session, logging but otherwise ignoring failures, and
// returns the number of sessions that closed cleanly.
func (p *ConnectionPool) CloseAll() int {
	closed := 0
	for i, s := range p.sessions {
		if err := s.Close(); err != nil {
			p.logger.Error("Failed to close pool session", "slot", i, "err", err)
			continue
		}
		closed++
	}
	poolSessionsMetric.Sub(float64(len(p.sessions)))
	p.sessions = nil
	p.logger.Debug("Closed connection pool", "closed", closed)
	return closed
}

// OpenSession opens an additional session outside the pool, using the first
// set of connection parameters.
func (p *ConnectionPool) OpenSession(ctx context.Context, queue string, mode transport.OpenMode) (transport.Session, error) {
	if len(p.params) == 0 {
		return nil, fmt.Errorf("connection pool not initialized")
	}
	return p.broker.Open(ctx, p.params[0], queue, mode)
}

// Warmup puts one throwaway message through every slot.
func (p *ConnectionPool) Warmup(ctx context.Context, payload []byte) error {
	for i, s := range p.sessions {
		if err := s.Put(ctx, &transport.Message{Payload: payload}); err != nil {
			return fmt.Errorf("warmup on slot %d: %w", i, err)
		}
	}
	p.logger.Debug("Warmed up connection pool", "slots", len(p.sessions))
	return nil
}

// DrainQueue empties the given queue as fast as possible, with one input
// session per pool slot issuing non-blocking GETs in parallel until the queue
// reports no message available. It returns the achieved rate in messages per
// second.
func (p *ConnectionPool) DrainQueue(ctx context.Context, queue string) (float64, error) {
	if len(p.params) == 0 {
		return 0, fmt.Errorf("connection pool not initialized")
	}
	var drained int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < p.size; slot++ {
		slot := slot
		g.Go(func() error {
			s, err := p.broker.Open(gctx, p.params[slot%len(p.params)], queue, transport.Input)
			if err != nil {
				return fmt.Errorf("drain slot %d: %w", slot, err)
			}
			defer s.Close()
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				_, err := s.Get(gctx, transport.GetOptions{})
				if errors.Is(err, transport.ErrNoMessageAvailable) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("drain slot %d: %w", slot, err)
				}
				atomic.AddInt64(&drained, 1)
			}
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	if elapsed < minRateInterval {
		elapsed = minRateInterval
	}
	rate := float64(drained) / elapsed.Seconds()
	p.logger.Info("Drained queue", "queue", queue, "messages", drained, "rate", fmt.Sprintf("%.2f msgs/sec", rate))
	return rate, err
}
