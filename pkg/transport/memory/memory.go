// Package memory implements an in-process queue manager. It backs the load
// tester's own tests and allows running a complete load test, responder
// included, inside a single process without an external broker.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/informalsystems/mq-load-test/pkg/transport"
)

// DefaultGetWait bounds a waiting GET that does not specify a timeout.
const DefaultGetWait = 10 * time.Second

// Option configures a Broker.
type Option func(*Broker)

// WithQueue declares a queue with the given maximum depth (0 means unlimited).
func WithQueue(name string, maxDepth int) Option {
	return func(b *Broker) {
		b.queues[name] = newQueue(maxDepth)
	}
}

// WithStrictQueues makes opening an undeclared queue fail with
// transport.ErrQueueNotFound instead of creating it.
func WithStrictQueues() Option {
	return func(b *Broker) {
		b.strict = true
	}
}

// WithDefaultMaxDepth sets the maximum depth of queues created on demand.
func WithDefaultMaxDepth(maxDepth int) Option {
	return func(b *Broker) {
		b.defaultMaxDepth = maxDepth
	}
}

// WithDefaultGetWait sets how long a waiting GET without a timeout blocks.
func WithDefaultGetWait(d time.Duration) Option {
	return func(b *Broker) {
		b.defaultGetWait = d
	}
}

// Broker is a single in-process queue manager. Connection parameters are
// validated but otherwise ignored: every session shares the same queues.
type Broker struct {
	mtx             sync.Mutex
	queues          map[string]*queue
	strict          bool
	defaultMaxDepth int
	defaultGetWait  time.Duration
	ids             *transport.IDGenerator
}

var _ transport.Broker = (*Broker)(nil)

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues:         make(map[string]*queue),
		defaultGetWait: DefaultGetWait,
		ids:            transport.NewIDGenerator(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Open(ctx context.Context, params transport.ConnectionParams, name string, mode transport.OpenMode) (transport.Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &transport.ConnectionError{Params: params, Queue: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &transport.ConnectionError{Params: params, Queue: name, Err: err}
	}
	q, err := b.queue(name)
	if err != nil {
		return nil, &transport.ConnectionError{Params: params, Queue: name, Err: err}
	}
	return &session{broker: b, q: q, name: name, mode: mode}, nil
}

// Depth returns the current depth of the named queue, or 0 if it does not
// exist.
func (b *Broker) Depth(name string) int {
	b.mtx.Lock()
	q, ok := b.queues[name]
	b.mtx.Unlock()
	if !ok {
		return 0
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.msgs.Len()
}

func (b *Broker) queue(name string) (*queue, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	q, ok := b.queues[name]
	if !ok {
		if b.strict {
			return nil, transport.ErrQueueNotFound
		}
		q = newQueue(b.defaultMaxDepth)
		b.queues[name] = q
	}
	return q, nil
}

type queue struct {
	mtx      sync.Mutex
	msgs     *list.List
	byCorrel map[transport.MessageID][]*list.Element
	maxDepth int
	// arrived is closed and replaced whenever a message is put.
	arrived chan struct{}
}

func newQueue(maxDepth int) *queue {
	return &queue{
		msgs:     list.New(),
		byCorrel: make(map[transport.MessageID][]*list.Element),
		maxDepth: maxDepth,
		arrived:  make(chan struct{}),
	}
}

func (q *queue) put(msg *transport.Message) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.maxDepth > 0 && q.msgs.Len() >= q.maxDepth {
		return transport.ErrQueueFull
	}
	el := q.msgs.PushBack(msg)
	if !msg.CorrelationID.IsZero() {
		q.byCorrel[msg.CorrelationID] = append(q.byCorrel[msg.CorrelationID], el)
	}
	close(q.arrived)
	q.arrived = make(chan struct{})
	return nil
}

// take removes the first matching message. If none matches it returns a
// channel that is closed on the next put.
func (q *queue) take(correlID *transport.MessageID) (*transport.Message, <-chan struct{}) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	var el *list.Element
	if correlID == nil {
		el = q.msgs.Front()
	} else if els := q.byCorrel[*correlID]; len(els) > 0 {
		el = els[0]
	}
	if el == nil {
		return nil, q.arrived
	}
	msg := q.msgs.Remove(el).(*transport.Message)
	if !msg.CorrelationID.IsZero() {
		els := q.byCorrel[msg.CorrelationID]
		for i := range els {
			if els[i] == el {
				els = append(els[:i], els[i+1:]...)
				break
			}
		}
		if len(els) == 0 {
			delete(q.byCorrel, msg.CorrelationID)
		} else {
			q.byCorrel[msg.CorrelationID] = els
		}
	}
	return msg, nil
}

type session struct {
	broker *Broker
	q      *queue
	name   string
	mode   transport.OpenMode
	closed atomic.Bool
}

func (s *session) Queue() string {
	return s.name
}

func (s *session) Put(ctx context.Context, msg *transport.Message) error {
	if s.closed.Load() {
		return transport.ErrConnectionBroken
	}
	if s.mode != transport.Output {
		return fmt.Errorf("queue %q not opened for output", s.name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID.IsZero() {
		msg.ID = s.broker.ids.Next()
	}
	stored := *msg
	stored.PutTime = time.Now()
	stored.Payload = append([]byte(nil), msg.Payload...)
	if err := s.q.put(&stored); err != nil {
		return err
	}
	msg.PutTime = stored.PutTime
	return nil
}

func (s *session) Get(ctx context.Context, opts transport.GetOptions) (*transport.Message, error) {
	if s.mode != transport.Input {
		return nil, fmt.Errorf("queue %q not opened for input", s.name)
	}
	var timeout <-chan time.Time
	if opts.Wait {
		wait := opts.Timeout
		if wait <= 0 {
			wait = s.broker.defaultGetWait
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		if s.closed.Load() {
			return nil, transport.ErrConnectionBroken
		}
		msg, arrived := s.q.take(opts.CorrelationID)
		if msg != nil {
			return msg, nil
		}
		if !opts.Wait {
			return nil, transport.ErrNoMessageAvailable
		}
		select {
		case <-arrived:
		case <-timeout:
			return nil, transport.ErrNoMessageAvailable
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *session) Inquire(ctx context.Context) (transport.Depth, error) {
	if s.closed.Load() {
		return transport.Depth{}, transport.ErrConnectionBroken
	}
	s.q.mtx.Lock()
	defer s.q.mtx.Unlock()
	return transport.Depth{Current: s.q.msgs.Len(), Max: s.q.maxDepth}, nil
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return transport.ErrConnectionBroken
	}
	return nil
}
