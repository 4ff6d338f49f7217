package loadtest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/timeutils"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

const (
	defaultProgressInterval = 5 * time.Second
	// Per-worker send failures are logged at ERROR level once every this many
	// failures, and at DEBUG level otherwise.
	sendFailureLogEvery = 1000
)

// errQueueSaturated is returned by a worker to cancel every other worker.
var errQueueSaturated = errors.New("output queue saturated")

// GeneratorResult summarizes a single load generation run.
type GeneratorResult struct {
	MessagesSent   int64
	QueueSaturated bool
	// Sent holds one list per worker, each in that worker's send order.
	Sent    SentMessages
	Elapsed time.Duration
}

// LoadGenerator drives a fixed number of concurrent producers against a
// connection pool. Its counters belong to the instance, so independent
// generators never interfere with each other.
type LoadGenerator struct {
	pool             *ConnectionPool
	payloads         *PayloadPool
	logger           logging.Logger
	progressInterval time.Duration

	running atomic.Bool
	seq     atomic.Int64
	sent    atomic.Int64
}

func NewLoadGenerator(pool *ConnectionPool, payloads *PayloadPool, logger logging.Logger) *LoadGenerator {
	return &LoadGenerator{
		pool:             pool,
		payloads:         payloads,
		logger:           logger,
		progressInterval: defaultProgressInterval,
	}
}

// Sent returns the number of messages sent so far in the current or last run.
func (g *LoadGenerator) Sent() int64 {
	return g.sent.Load()
}

// Run produces messages with workers concurrent producers until duration has
// elapsed, ctx is cancelled or the output queue reports it is full. A
// positive rateLimitMicros makes each producer spin for that many
// microseconds before every send.
func (g *LoadGenerator) Run(ctx context.Context, duration time.Duration, workers int, rateLimitMicros int) (*GeneratorResult, error) {
	if workers < 1 {
		return nil, fmt.Errorf("expected at least one worker, but got %d", workers)
	}
	if !g.pool.Initialized() {
		return nil, fmt.Errorf("connection pool not initialized")
	}
	if !g.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("load generator already running")
	}
	defer g.running.Store(false)
	g.seq.Store(0)
	g.sent.Store(0)

	if workers > g.pool.Size() {
		g.logger.Info("More workers than pool slots, some sessions will be shared", "workers", workers, "slots", g.pool.Size())
	}
	rateLimit := time.Duration(rateLimitMicros) * time.Microsecond
	sent := make(SentMessages, workers)
	var saturated atomic.Bool

	start := time.Now()
	deadline := start.Add(duration)
	eg, egctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			return g.work(ctx, egctx, w, deadline, rateLimit, &sent[w], &saturated)
		})
	}

	progressDone := make(chan struct{})
	go g.logProgress(start, progressDone)
	err := eg.Wait()
	close(progressDone)

	res := &GeneratorResult{
		MessagesSent:   g.sent.Load(),
		QueueSaturated: saturated.Load(),
		Sent:           sent,
		Elapsed:        time.Since(start),
	}
	if res.QueueSaturated {
		queueSaturatedMetric.Set(1)
	} else {
		queueSaturatedMetric.Set(0)
	}
	if err != nil && !errors.Is(err, errQueueSaturated) {
		return res, err
	}
	g.logger.Info("Load generation complete", "sent", res.MessagesSent, "saturated", res.QueueSaturated, "elapsed", res.Elapsed)
	return res, nil
}

// work is a single producer loop. runCtx governs in-flight sends while stopCtx
// is the shared signal that stops new iterations.
func (g *LoadGenerator) work(runCtx, stopCtx context.Context, w int, deadline time.Time, rateLimit time.Duration, out *[]SentMessage, saturated *atomic.Bool) error {
	session := g.pool.Acquire(w)
	logger := g.logger.With("worker", w)
	start := time.Now()
	failures := 0
	defer func() {
		logger.Debug("Worker finished", "sent", len(*out), "failures", failures, "elapsed", time.Since(start))
	}()

	for {
		if stopCtx.Err() != nil || !time.Now().Before(deadline) {
			return nil
		}
		timeutils.SpinWait(rateLimit)

		msg := &transport.Message{Payload: g.payloads.Next()}
		err := session.Put(runCtx, msg)
		if err == nil {
			*out = append(*out, newSentMessage(msg.ID, msg.PutTime, g.seq.Add(1)))
			g.sent.Add(1)
			messagesSentMetric.Inc()
			continue
		}
		if errors.Is(err, transport.ErrQueueFull) {
			if saturated.CompareAndSwap(false, true) {
				logger.Info("Output queue is full, stopping all workers", "queue", session.Queue())
			}
			return errQueueSaturated
		}
		if runCtx.Err() != nil {
			return nil
		}
		failures++
		sendErrorsMetric.Inc()
		if failures%sendFailureLogEvery == 1 {
			logger.Error("Failed to send message", "err", err, "failures", failures)
		} else {
			logger.Debug("Failed to send message", "err", err)
		}
	}
}

func (g *LoadGenerator) logProgress(start time.Time, done chan struct{}) {
	ticker := time.NewTicker(g.progressInterval)
	defer ticker.Stop()

	lastSent := int64(0)
	lastUpdate := start
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			sent := g.sent.Load()
			overallRate := float64(sent) / now.Sub(start).Seconds()
			rate := float64(sent-lastSent) / now.Sub(lastUpdate).Seconds()
			g.logger.Info(
				"Progress",
				"sent", sent,
				"overallAvgRate", fmt.Sprintf("%.2f msgs/sec", overallRate),
				"avgRate", fmt.Sprintf("%.2f msgs/sec", rate),
			)
			lastSent = sent
			lastUpdate = now
		}
	}
}
