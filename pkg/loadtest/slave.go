package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	uuid "github.com/satori/go.uuid"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

// The slave's receive loop wakes up at least this often to check for
// cancellation.
const slaveReadTimeout = time.Second

// Slave listens for remote control commands from a master and runs load tests
// on its behalf. Commands are handled one at a time, in the order received.
type Slave struct {
	id       string
	cfg      *Config
	slaveCfg *SlaveConfig
	broker   transport.Broker
	logger   logging.Logger
	conn     *net.UDPConn

	mtx       sync.Mutex
	state     slaveState
	pool      *ConnectionPool
	payloads  *PayloadPool
	result    *GeneratorResult
	runCancel context.CancelFunc
	runDone   chan struct{}
}

func NewSlave(cfg *Config, slaveCfg *SlaveConfig, broker transport.Broker) (*Slave, error) {
	id := slaveCfg.ID
	if len(id) == 0 {
		id = makeSlaveID()
	}
	if !isValidSlaveID(id) {
		return nil, fmt.Errorf("invalid slave ID \"%s\": slave IDs can only contain lowercase alphanumeric characters", id)
	}
	payloads, err := NewPayloadPool(cfg)
	if err != nil {
		return nil, err
	}
	s := &Slave{
		id:       id,
		cfg:      cfg,
		slaveCfg: slaveCfg,
		broker:   broker,
		logger:   logging.NewLogrusLogger("slave", "id", id),
		payloads: payloads,
	}
	s.setState(slaveListening)
	return s, nil
}

func (s *Slave) ID() string {
	return s.id
}

// Listen binds the slave's UDP socket.
func (s *Slave) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.slaveCfg.BindHost, strconv.Itoa(s.slaveCfg.Port)))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.logger.Info("Listening for master commands", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the address the slave is listening on. Only valid after
// Listen.
func (s *Slave) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run listens and serves until ctx is cancelled or a CLOSE command arrives.
func (s *Slave) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the receive loop on an already bound socket.
func (s *Slave) Serve(ctx context.Context) error {
	defer s.conn.Close()
	defer s.shutdown()

	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			s.logger.Info("Slave cancelled")
			return nil
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(slaveReadTimeout)); err != nil {
			return err
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Failed to read command", "err", err)
			continue
		}
		cmd := normalizeCommand(buf[:n])
		s.logger.Debug("Received command", "cmd", cmd, "raw", strings.TrimSpace(string(buf[:n])), "from", from.String())
		reply := s.handle(ctx, cmd)
		if _, err := s.conn.WriteToUDP([]byte(reply), from); err != nil {
			s.logger.Error("Failed to send reply", "cmd", cmd, "to", from.String(), "err", err)
		}
		if cmd == cmdClose {
			return nil
		}
	}
}

func (s *Slave) handle(ctx context.Context, cmd string) string {
	switch cmd {
	case cmdPing:
		return replyAck
	case cmdInitConnections:
		return s.initConnections(ctx)
	case cmdWarmup:
		return s.warmup(ctx)
	case cmdStart:
		return s.start(ctx)
	case cmdGetResult:
		return s.getResult()
	case cmdClose:
		s.shutdown()
		return replyAck
	}
	s.logger.Error("Unrecognised command")
	return replyError
}

func (s *Slave) initConnections(ctx context.Context) string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.pool != nil {
		return replyAck
	}
	pool := NewConnectionPool(s.broker, s.cfg.OutputQueue, s.cfg.PoolSize, s.logger)
	if err := pool.Initialize(ctx, s.cfg.ConnectionParams()); err != nil {
		s.logger.Error("Failed to initialize connections", "err", err)
		return replyError
	}
	s.pool = pool
	s.setStateLocked(slaveReady)
	return replyAck
}

func (s *Slave) warmup(ctx context.Context) string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.pool == nil {
		s.logger.Error("Cannot warm up before connections are initialized")
		return replyError
	}
	if err := s.pool.Warmup(ctx, s.payloads.Next()); err != nil {
		s.logger.Error("Warmup failed", "err", err)
		return replyError
	}
	s.setStateLocked(slaveWarmedUp)
	return replyAck
}

// start launches the load generator in the background and returns at once.
func (s *Slave) start(ctx context.Context) string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.pool == nil {
		s.logger.Error("Cannot start before connections are initialized")
		return replyError
	}
	if s.state == slaveRunning {
		s.logger.Error("Load test already running")
		return replyError
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runCancel = cancel
	s.runDone = done
	s.result = nil
	s.setStateLocked(slaveRunning)

	gen := NewLoadGenerator(s.pool, s.payloads, s.logger)
	go func() {
		defer close(done)
		defer cancel()
		res, err := gen.Run(runCtx, s.cfg.Time.Duration(), s.cfg.Threads, s.cfg.RateLimitMicros)
		if err != nil {
			s.logger.Error("Load test failed", "err", err)
		}
		if res == nil {
			res = &GeneratorResult{}
		}
		s.mtx.Lock()
		s.result = res
		if s.state == slaveRunning {
			s.setStateLocked(slaveResultAvailable)
		}
		s.mtx.Unlock()
	}()
	return replyAck
}

func (s *Slave) getResult() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.result == nil {
		return replyError
	}
	return formatResult(s.result.MessagesSent)
}

// shutdown stops any running load test and closes the connection pool. It is
// safe to call more than once.
func (s *Slave) shutdown() {
	s.mtx.Lock()
	cancel, done := s.runCancel, s.runDone
	s.mtx.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.pool != nil {
		closed := s.pool.CloseAll()
		s.logger.Info("Closed connections", "closed", closed)
		s.pool = nil
	}
	s.setStateLocked(slaveStopped)
}

func (s *Slave) State() slaveState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

func (s *Slave) setState(state slaveState) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.setStateLocked(state)
}

func (s *Slave) setStateLocked(state slaveState) {
	if s.state != state {
		s.logger.Debug("Slave state changed", "from", s.state, "to", state)
	}
	s.state = state
	setSlaveStateMetric(s.id, state)
}

func isValidSlaveID(id string) bool {
	for _, r := range id {
		if !unicode.IsLower(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func makeSlaveID() string {
	return strings.ReplaceAll(uuid.NewV4().String(), "-", "")
}
