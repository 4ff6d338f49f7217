// Package natsjs implements the queue transport on top of NATS JetStream. Each
// queue maps onto a work-queue stream; replies are addressed by publishing on
// a subject derived from their correlation identifier so that they can be
// fetched individually.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

const (
	HeaderMessageID     = "Mq-Msg-Id"
	HeaderCorrelationID = "Mq-Correl-Id"

	// JetStream's error code for a failed store, which is what a publish to a
	// stream at its MaxMsgs limit with DiscardNew yields.
	errCodeStreamStoreFailed jetstream.ErrorCode = 10077

	defaultRequestTimeout = 10 * time.Second
	correlatedPollMin     = 2 * time.Millisecond
	correlatedPollMax     = 50 * time.Millisecond
)

// Config controls how the broker connects and provisions streams.
type Config struct {
	// CreateStreams provisions a stream for every queue that is opened. When
	// false, opening a queue without a stream fails with ErrQueueNotFound.
	CreateStreams bool `json:"create_streams"`
	// MaxDepth is the MaxMsgs limit applied to provisioned streams (0 means
	// unlimited).
	MaxDepth int `json:"max_depth"`
	// MemoryStorage selects in-memory rather than file-backed streams.
	MemoryStorage  bool          `json:"memory_storage"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// Broker opens one NATS connection per session.
type Broker struct {
	cfg    Config
	ids    *transport.IDGenerator
	logger logging.Logger
}

var _ transport.Broker = (*Broker)(nil)

func NewBroker(cfg Config, logger logging.Logger) *Broker {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Broker{
		cfg:    cfg,
		ids:    transport.NewIDGenerator(),
		logger: logger,
	}
}

// StreamName returns the name of the stream backing the given queue.
func StreamName(manager, queue string) string {
	return sanitize(manager) + "_" + sanitize(queue)
}

// SubjectPrefix returns the subject prefix under which messages for the given
// queue are published.
func SubjectPrefix(manager, queue string) string {
	return sanitize(manager) + "." + sanitize(queue)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, s)
}

func (b *Broker) Open(ctx context.Context, params transport.ConnectionParams, queue string, mode transport.OpenMode) (transport.Session, error) {
	if err := params.Validate(); err != nil {
		return nil, &transport.ConnectionError{Params: params, Queue: queue, Err: err}
	}
	logger := b.logger.With("queue", queue, "mode", mode.String())
	nc, err := nats.Connect(
		"nats://"+params.Address(),
		nats.Name(params.Channel),
		nats.Timeout(b.cfg.RequestTimeout),
		nats.MaxReconnects(0),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return nil, &transport.ConnectionError{Params: params, Queue: queue, Err: err}
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, &transport.ConnectionError{Params: params, Queue: queue, Err: err}
	}
	s := &session{
		broker:  b,
		nc:      nc,
		js:      js,
		queue:   queue,
		prefix:  SubjectPrefix(params.Manager, queue),
		mode:    mode,
		logger:  logger,
		timeout: b.cfg.RequestTimeout,
	}
	if err := s.bind(ctx, StreamName(params.Manager, queue)); err != nil {
		nc.Close()
		return nil, &transport.ConnectionError{Params: params, Queue: queue, Err: err}
	}
	return s, nil
}

type session struct {
	broker   *Broker
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	queue    string
	prefix   string
	mode     transport.OpenMode
	logger   logging.Logger
	timeout  time.Duration
}

func (s *session) bind(ctx context.Context, streamName string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	if s.broker.cfg.CreateStreams {
		maxMsgs := int64(-1)
		if s.broker.cfg.MaxDepth > 0 {
			maxMsgs = int64(s.broker.cfg.MaxDepth)
		}
		storage := jetstream.FileStorage
		if s.broker.cfg.MemoryStorage {
			storage = jetstream.MemoryStorage
		}
		s.stream, err = s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{s.prefix + ".>"},
			Retention: jetstream.WorkQueuePolicy,
			Discard:   jetstream.DiscardNew,
			MaxMsgs:   maxMsgs,
			Storage:   storage,
		})
	} else {
		s.stream, err = s.js.Stream(ctx, streamName)
	}
	if err != nil {
		return mapError(err)
	}
	if s.mode == transport.Input {
		s.consumer, err = s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       "mqlt_" + streamName,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			ReplayPolicy:  jetstream.ReplayInstantPolicy,
			FilterSubject: s.prefix + ".>",
		})
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (s *session) Queue() string {
	return s.queue
}

func (s *session) Put(ctx context.Context, msg *transport.Message) error {
	if s.nc.IsClosed() {
		return transport.ErrConnectionBroken
	}
	if msg.ID.IsZero() {
		msg.ID = s.broker.ids.Next()
	}
	key := msg.ID
	if !msg.CorrelationID.IsZero() {
		key = msg.CorrelationID
	}
	nm := nats.NewMsg(s.prefix + "." + key.String())
	nm.Data = msg.Payload
	nm.Header.Set(HeaderMessageID, msg.ID.String())
	if !msg.CorrelationID.IsZero() {
		nm.Header.Set(HeaderCorrelationID, msg.CorrelationID.String())
	}
	if _, err := s.js.PublishMsg(ctx, nm, jetstream.WithMsgID(msg.ID.String())); err != nil {
		return mapError(err)
	}
	msg.PutTime = time.Now()
	return nil
}

func (s *session) Get(ctx context.Context, opts transport.GetOptions) (*transport.Message, error) {
	if s.nc.IsClosed() {
		return nil, transport.ErrConnectionBroken
	}
	if opts.CorrelationID != nil {
		return s.getCorrelated(ctx, *opts.CorrelationID, opts)
	}
	if s.consumer == nil {
		return nil, fmt.Errorf("queue %q not opened for input", s.queue)
	}
	var (
		m   jetstream.Msg
		err error
	)
	if opts.Wait {
		wait := opts.Timeout
		if wait <= 0 {
			wait = s.timeout
		}
		m, err = s.consumer.Next(jetstream.FetchMaxWait(wait))
	} else {
		var batch jetstream.MessageBatch
		batch, err = s.consumer.FetchNoWait(1)
		if err == nil {
			for bm := range batch.Messages() {
				m = bm
			}
			if m == nil {
				err = batch.Error()
				if err == nil {
					err = transport.ErrNoMessageAvailable
				}
			}
		}
	}
	if err != nil {
		return nil, mapError(err)
	}
	if err := m.Ack(); err != nil {
		return nil, mapError(err)
	}
	res := &transport.Message{Payload: m.Data()}
	decodeHeaders(m.Headers(), res)
	if md, err := m.Metadata(); err == nil {
		res.PutTime = md.Timestamp
	}
	return res, nil
}

func (s *session) getCorrelated(ctx context.Context, correlID transport.MessageID, opts transport.GetOptions) (*transport.Message, error) {
	subject := s.prefix + "." + correlID.String()
	var deadline time.Time
	if opts.Wait {
		wait := opts.Timeout
		if wait <= 0 {
			wait = s.timeout
		}
		deadline = time.Now().Add(wait)
	}
	poll := correlatedPollMin
	for {
		raw, err := s.stream.GetLastMsgForSubject(ctx, subject)
		if err == nil {
			// Another session may have taken the message in between.
			if delErr := s.stream.DeleteMsg(ctx, raw.Sequence); delErr == nil {
				res := &transport.Message{Payload: raw.Data, PutTime: raw.Time}
				decodeHeaders(raw.Header, res)
				return res, nil
			} else if !errors.Is(delErr, jetstream.ErrMsgNotFound) {
				return nil, mapError(delErr)
			}
		} else if !errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, mapError(err)
		}
		if !opts.Wait || time.Now().After(deadline) {
			return nil, transport.ErrNoMessageAvailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
		if poll *= 2; poll > correlatedPollMax {
			poll = correlatedPollMax
		}
	}
}

func (s *session) Inquire(ctx context.Context) (transport.Depth, error) {
	if s.nc.IsClosed() {
		return transport.Depth{}, transport.ErrConnectionBroken
	}
	info, err := s.stream.Info(ctx)
	if err != nil {
		return transport.Depth{}, mapError(err)
	}
	depth := transport.Depth{Current: int(info.State.Msgs)}
	if info.Config.MaxMsgs > 0 {
		depth.Max = int(info.Config.MaxMsgs)
	}
	return depth, nil
}

func (s *session) Close() error {
	if s.nc.IsClosed() {
		return transport.ErrConnectionBroken
	}
	s.nc.Close()
	return nil
}

func decodeHeaders(h nats.Header, msg *transport.Message) {
	if h == nil {
		return
	}
	if id, err := transport.ParseMessageID(h.Get(HeaderMessageID)); err == nil {
		msg.ID = id
	}
	if id, err := transport.ParseMessageID(h.Get(HeaderCorrelationID)); err == nil {
		msg.CorrelationID = id
	}
}

// mapError translates NATS and JetStream errors into the transport's error
// taxonomy, keeping the original error in the chain.
func mapError(err error) error {
	var apiErr *jetstream.APIError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrNoMessageAvailable):
		return err
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, jetstream.ErrNoMessages), errors.Is(err, jetstream.ErrMsgNotFound):
		return transport.ErrNoMessageAvailable
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining), errors.Is(err, nats.ErrDisconnected):
		return fmt.Errorf("%w: %v", transport.ErrConnectionBroken, err)
	case errors.Is(err, jetstream.ErrStreamNotFound):
		return fmt.Errorf("%w: %v", transport.ErrQueueNotFound, err)
	case errors.As(err, &apiErr) && isMaxMsgsError(apiErr):
		return fmt.Errorf("%w: %v", transport.ErrQueueFull, err)
	}
	return err
}

func isMaxMsgsError(apiErr *jetstream.APIError) bool {
	if strings.Contains(strings.ToLower(apiErr.Description), "maximum messages") {
		return true
	}
	return apiErr.ErrorCode == errCodeStreamStoreFailed && strings.Contains(strings.ToLower(apiErr.Description), "maximum")
}
