package loadtest

import (
	"sort"
	"time"

	"github.com/informalsystems/mq-load-test/pkg/transport"
)

// SentMessage records a single message injected during the load phase.
type SentMessage struct {
	ID transport.MessageID
	// SequenceOrder is the message's position in the process-wide send order.
	SequenceOrder int64
	SentAt        time.Time
	// ReceivedAt is zero until a reply has been correlated.
	ReceivedAt time.Time
}

// newSentMessage builds the record for a message the transport has just
// accepted. The sequence number is assigned explicitly by the caller once the
// send time is known.
func newSentMessage(id transport.MessageID, sentAt time.Time, sequenceOrder int64) SentMessage {
	return SentMessage{
		ID:            id,
		SequenceOrder: sequenceOrder,
		SentAt:        sentAt,
	}
}

func (m *SentMessage) Replied() bool {
	return !m.ReceivedAt.IsZero()
}

// Latency returns the time between send and reply. It is only meaningful for
// replied messages.
func (m *SentMessage) Latency() time.Duration {
	return m.ReceivedAt.Sub(m.SentAt)
}

// SentMessages holds one ordered list per producer worker.
type SentMessages [][]SentMessage

func (s SentMessages) Count() int {
	n := 0
	for _, w := range s {
		n += len(w)
	}
	return n
}

// Ordered returns pointers to every record, sorted by send time with the
// sequence number as tie-breaker. The pointers alias the underlying lists, so
// mutations through them are visible to the caller.
func (s SentMessages) Ordered() []*SentMessage {
	res := make([]*SentMessage, 0, s.Count())
	for w := range s {
		for i := range s[w] {
			res = append(res, &s[w][i])
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].SentAt.Equal(res[j].SentAt) {
			return res[i].SequenceOrder < res[j].SequenceOrder
		}
		return res[i].SentAt.Before(res[j].SentAt)
	})
	return res
}
