package loadtest

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/timeutils"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

const monitorRetryPause = 10 * time.Millisecond

// DepthSample is a single queue depth observation.
type DepthSample struct {
	ElapsedMs int64 `json:"elapsed_ms"`
	Depth     int   `json:"depth"`
}

// SessionOpener opens sessions outside of the producer pool.
type SessionOpener interface {
	OpenSession(ctx context.Context, queue string, mode transport.OpenMode) (transport.Session, error)
}

// BrokerOpener opens sessions straight from a broker with a single set of
// connection parameters.
type BrokerOpener struct {
	broker transport.Broker
	params transport.ConnectionParams
}

func NewBrokerOpener(broker transport.Broker, params transport.ConnectionParams) *BrokerOpener {
	return &BrokerOpener{broker: broker, params: params}
}

func (o *BrokerOpener) OpenSession(ctx context.Context, queue string, mode transport.OpenMode) (transport.Session, error) {
	return o.broker.Open(ctx, o.params, queue, mode)
}

// DepthMonitor samples queue depth through its own dedicated session.
type DepthMonitor struct {
	opener   SessionOpener
	interval time.Duration
	logger   logging.Logger
}

func NewDepthMonitor(opener SessionOpener, interval time.Duration, logger logging.Logger) *DepthMonitor {
	return &DepthMonitor{
		opener:   opener,
		interval: interval,
		logger:   logger,
	}
}

// Monitor samples the depth of queue once per interval until ctx is
// cancelled, and returns the samples collected. A session that becomes
// unusable ends monitoring without an error.
func (m *DepthMonitor) Monitor(ctx context.Context, queue string) ([]DepthSample, error) {
	var samples []DepthSample
	err := m.Watch(ctx, queue, func(sample DepthSample) {
		samples = append(samples, sample)
	})
	return samples, err
}

// Watch hands every depth sample of queue to fn as it is taken, once per
// interval, until ctx is cancelled or the session becomes unusable.
func (m *DepthMonitor) Watch(ctx context.Context, queue string, fn func(DepthSample)) error {
	s, err := m.opener.OpenSession(ctx, queue, transport.Inquire)
	if err != nil {
		return err
	}
	defer s.Close()

	taken := 0
	sw := timeutils.StartStopwatch()
	for ctx.Err() == nil {
		iterStart := time.Now()
		elapsed := sw.ElapsedMs()
		depth, err := s.Inquire(ctx)
		if err != nil {
			if transport.IsBroken(err) {
				m.logger.Info("Monitoring session closed, stopping", "queue", queue, "samples", taken)
				return nil
			}
			if ctx.Err() != nil {
				break
			}
			m.logger.Debug("Failed to inquire queue depth", "queue", queue, "err", err)
			if !sleepCtx(ctx, monitorRetryPause) {
				break
			}
			continue
		}
		taken++
		queueDepthMetric.WithLabelValues(queue).Set(float64(depth.Current))
		fn(DepthSample{ElapsedMs: elapsed, Depth: depth.Current})

		if !sleepCtx(ctx, m.interval-time.Since(iterStart)) {
			break
		}
	}
	m.logger.Debug("Monitoring stopped", "queue", queue, "samples", taken)
	return nil
}

// WaitUntilEmpty polls the depth of queue every poll interval until it is
// zero or timeout has elapsed (0 waits indefinitely). It reports whether the
// queue emptied, along with every sample taken.
func (m *DepthMonitor) WaitUntilEmpty(ctx context.Context, queue string, poll, timeout time.Duration) (bool, []DepthSample, error) {
	s, err := m.opener.OpenSession(ctx, queue, transport.Inquire)
	if err != nil {
		return false, nil, err
	}
	defer s.Close()

	var samples []DepthSample
	sw := timeutils.StartStopwatch()
	for {
		elapsed := sw.Elapsed()
		depth, err := s.Inquire(ctx)
		switch {
		case err == nil:
			samples = append(samples, DepthSample{ElapsedMs: elapsed.Milliseconds(), Depth: depth.Current})
			queueDepthMetric.WithLabelValues(queue).Set(float64(depth.Current))
			if depth.Current == 0 {
				m.logger.Info("Queue emptied", "queue", queue, "after", elapsed)
				return true, samples, nil
			}
		case transport.IsBroken(err):
			m.logger.Info("Drain session closed, stopping", "queue", queue, "samples", len(samples))
			return false, samples, nil
		case ctx.Err() != nil:
			return false, samples, ctx.Err()
		default:
			m.logger.Debug("Failed to inquire queue depth", "queue", queue, "err", err)
		}
		if timeout > 0 && sw.Elapsed() >= timeout {
			m.logger.Info("Timed out waiting for queue to empty", "queue", queue, "timeout", timeout)
			return false, samples, nil
		}
		if !sleepCtx(ctx, poll) {
			return false, samples, ctx.Err()
		}
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// WatchQueues logs the depth of every queue once per interval until ctx is
// cancelled. Each queue is watched through its own session.
func WatchQueues(ctx context.Context, opener SessionOpener, queues []string, interval time.Duration, logger logging.Logger) error {
	m := NewDepthMonitor(opener, interval, logger)
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		q := q
		g.Go(func() error {
			return m.Watch(gctx, q, func(sample DepthSample) {
				logger.Info("Queue depth", "queue", q, "depth", sample.Depth, "elapsedMs", sample.ElapsedMs)
			})
		})
	}
	return g.Wait()
}
