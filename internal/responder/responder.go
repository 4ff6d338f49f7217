// Package responder simulates the downstream system a load test targets: it
// consumes requests from one queue and answers each with an echo reply on
// another, correlated to the request's message ID.
package responder

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

const (
	// ReplyPrefix is prepended to every request payload to form the reply.
	ReplyPrefix = "eco "

	DefaultGetWait = time.Second
	pausePoll      = 50 * time.Millisecond
)

// Config configures a Responder.
type Config struct {
	Params       []transport.ConnectionParams
	RequestQueue string
	ReplyQueue   string
	Threads      int
	// Delay is an artificial processing time added before each reply.
	Delay time.Duration
	// GetWait bounds each blocking GET on the request queue.
	GetWait time.Duration
}

func (c Config) Validate() error {
	if len(c.Params) == 0 {
		return fmt.Errorf("at least one set of connection parameters is required")
	}
	if len(c.RequestQueue) == 0 || len(c.ReplyQueue) == 0 {
		return fmt.Errorf("both request and reply queues must be specified")
	}
	if c.RequestQueue == c.ReplyQueue {
		return fmt.Errorf("request and reply queues must differ, both are %q", c.RequestQueue)
	}
	if c.Threads < 1 {
		return fmt.Errorf("expected at least one responder thread, but got %d", c.Threads)
	}
	if c.Delay < 0 {
		return fmt.Errorf("expected a non-negative delay, but got %s", c.Delay)
	}
	return nil
}

// Responder answers requests until its context is cancelled. It can be paused
// to simulate a downstream outage, letting the request queue build up.
type Responder struct {
	broker transport.Broker
	cfg    Config
	logger logging.Logger

	paused  atomic.Bool
	handled atomic.Int64
	dropped atomic.Int64
}

func New(broker transport.Broker, cfg Config, logger logging.Logger) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GetWait <= 0 {
		cfg.GetWait = DefaultGetWait
	}
	return &Responder{
		broker: broker,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handled returns the number of requests answered so far.
func (r *Responder) Handled() int64 {
	return r.handled.Load()
}

func (r *Responder) Paused() bool {
	return r.paused.Load()
}

// Pause stops consuming requests. It reports whether the state changed.
func (r *Responder) Pause() bool {
	changed := r.paused.CompareAndSwap(false, true)
	if changed {
		r.logger.Info("Responder paused")
	}
	return changed
}

// Resume restarts consumption after a Pause. It reports whether the state
// changed.
func (r *Responder) Resume() bool {
	changed := r.paused.CompareAndSwap(true, false)
	if changed {
		r.logger.Info("Responder resumed")
	}
	return changed
}

// Run starts the configured number of responder threads and blocks until ctx
// is cancelled or one of them fails. A cancelled context is not an error.
func (r *Responder) Run(ctx context.Context) error {
	r.logger.Info("Starting responder", "requests", r.cfg.RequestQueue, "replies", r.cfg.ReplyQueue, "threads", r.cfg.Threads)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Threads; i++ {
		i := i
		g.Go(func() error {
			return r.serve(gctx, i)
		})
	}
	err := g.Wait()
	r.logger.Info("Responder stopped", "handled", r.handled.Load(), "dropped", r.dropped.Load())
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (r *Responder) serve(ctx context.Context, thread int) error {
	params := r.cfg.Params[thread%len(r.cfg.Params)]
	in, err := r.broker.Open(ctx, params, r.cfg.RequestQueue, transport.Input)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := r.broker.Open(ctx, params, r.cfg.ReplyQueue, transport.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	logger := r.logger.With("thread", thread)
	for ctx.Err() == nil {
		if r.paused.Load() {
			if !sleep(ctx, pausePoll) {
				break
			}
			continue
		}
		req, err := in.Get(ctx, transport.GetOptions{Wait: true, Timeout: r.cfg.GetWait})
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrNoMessageAvailable):
			continue
		case ctx.Err() != nil:
			return nil
		case transport.IsBroken(err):
			logger.Error("Request session broken", "err", err)
			return err
		default:
			logger.Error("Failed to get request", "err", err)
			continue
		}

		if r.cfg.Delay > 0 && !sleep(ctx, r.cfg.Delay) {
			break
		}
		reply := &transport.Message{
			CorrelationID: req.ID,
			Payload:       append([]byte(ReplyPrefix), req.Payload...),
		}
		if err := out.Put(ctx, reply); err != nil {
			if transport.IsBroken(err) {
				logger.Error("Reply session broken", "err", err)
				return err
			}
			r.dropped.Add(1)
			logger.Debug("Failed to put reply", "correlationID", req.ID.String(), "err", err)
			continue
		}
		r.handled.Add(1)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
