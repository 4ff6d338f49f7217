package loadtest

import (
	"time"

	"github.com/informalsystems/mq-load-test/internal/logging"
)

// TestRunResult aggregates the outcome of a load test across the local
// process and every slave.
type TestRunResult struct {
	LocalSent int64
	// SlaveSent holds each slave's reported count, keyed by address. A slave
	// that never reported is present with a count of 0 and listed in
	// MissingSlaves.
	SlaveSent      map[string]int64
	MissingSlaves  []string
	QueueSaturated bool
	// Sent holds the local process's messages only; slaves report counts.
	Sent    SentMessages
	Elapsed time.Duration
	Depth   []DepthSample
	Drain   []DepthSample
	Emptied bool
}

func (r *TestRunResult) TotalSent() int64 {
	total := r.LocalSent
	for _, n := range r.SlaveSent {
		total += n
	}
	return total
}

// Log will output the given test summary using the specified logger.
func (r *TestRunResult) Log(logger logging.Logger) {
	logger.Info(
		"Load test summary",
		"totalSent", r.TotalSent(),
		"localSent", r.LocalSent,
		"slaves", len(r.SlaveSent),
		"missingSlaveResults", len(r.MissingSlaves),
		"queueSaturated", r.QueueSaturated,
		"totalTestTime", r.Elapsed,
		"depthSamples", len(r.Depth),
		"queueEmptied", r.Emptied,
	)
	for addr, n := range r.SlaveSent {
		logger.Debug("Slave result", "slave", addr, "sent", n)
	}
	if r.QueueSaturated {
		logger.Info("The load test was stopped early because the output queue was full")
	}
}
