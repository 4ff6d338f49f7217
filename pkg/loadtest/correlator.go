package loadtest

import (
	"context"
	"errors"
	"time"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

// CorrelationResult summarizes a correlation pass.
type CorrelationResult struct {
	Matched int
	Missing int
	// StoppedEarly is set when the reply queue became unusable before every
	// message had been looked up.
	StoppedEarly bool
	Elapsed      time.Duration
}

// Correlator matches replies on the input queue to sent messages by
// correlation identifier.
type Correlator struct {
	opener SessionOpener
	wait   time.Duration
	logger logging.Logger
}

// NewCorrelator creates a correlator that waits up to replyWait for each
// reply. A non-positive replyWait falls back to DefaultReplyWait.
func NewCorrelator(opener SessionOpener, replyWait time.Duration, logger logging.Logger) *Correlator {
	if replyWait <= 0 {
		replyWait = DefaultReplyWait
	}
	return &Correlator{
		opener: opener,
		wait:   replyWait,
		logger: logger,
	}
}

func (c *Correlator) ReplyWait() time.Duration {
	return c.wait
}

// Correlate looks up the reply to every message in sent, oldest first, and
// sets ReceivedAt on those that have one. Records are updated in place. A
// missing reply is left as a gap; only a broken or saturated reply queue
// stops the pass early.
func (c *Correlator) Correlate(ctx context.Context, sent SentMessages, queue string) (CorrelationResult, error) {
	start := time.Now()
	s, err := c.opener.OpenSession(ctx, queue, transport.Input)
	if err != nil {
		return CorrelationResult{}, err
	}
	defer s.Close()

	ordered := sent.Ordered()
	res := CorrelationResult{}
	for i, m := range ordered {
		if ctx.Err() != nil {
			res.StoppedEarly = true
			res.Missing += len(ordered) - i
			break
		}
		id := m.ID
		reply, err := s.Get(ctx, transport.GetOptions{CorrelationID: &id, Wait: true, Timeout: c.wait})
		if err == nil {
			m.ReceivedAt = reply.PutTime
			if m.ReceivedAt.IsZero() {
				m.ReceivedAt = time.Now()
			}
			res.Matched++
			repliesMatchedMetric.Inc()
			continue
		}
		res.Missing++
		repliesMissingMetric.Inc()
		if transport.IsBroken(err) || errors.Is(err, transport.ErrQueueFull) {
			c.logger.Error("Reply queue unusable, stopping correlation", "queue", queue, "err", err, "remaining", len(ordered)-i-1)
			res.StoppedEarly = true
			res.Missing += len(ordered) - i - 1
			break
		}
		if errors.Is(err, transport.ErrNoMessageAvailable) {
			c.logger.Debug("No reply for message", "id", m.ID.String(), "seq", m.SequenceOrder)
		} else {
			c.logger.Error("Failed to get reply", "id", m.ID.String(), "err", err)
		}
	}
	res.Elapsed = time.Since(start)
	c.logger.Info("Correlation complete", "matched", res.Matched, "missing", res.Missing, "elapsed", res.Elapsed)
	return res, nil
}
