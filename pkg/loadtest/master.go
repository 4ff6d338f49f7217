package loadtest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

const (
	defaultResultGrace = 30 * time.Second
	resultPollInterval = 500 * time.Millisecond
)

// Master runs a load test locally while driving any number of remote slaves
// through the same lifecycle. Without slaves it is a standalone load tester.
type Master struct {
	cfg       *Config
	masterCfg *MasterConfig
	broker    transport.Broker
	logger    logging.Logger
	slaves    []*RemoteSlave

	// starts tracks the in-flight START commands until results are collected.
	starts *errgroup.Group
}

func NewMaster(cfg *Config, masterCfg *MasterConfig, broker transport.Broker) *Master {
	m := &Master{
		cfg:       cfg,
		masterCfg: masterCfg,
		broker:    broker,
		logger:    logging.NewLogrusLogger("master"),
	}
	for _, addr := range masterCfg.Slaves {
		m.slaves = append(m.slaves, NewRemoteSlave(slaveAddr(addr, masterCfg.SlavePort), masterCfg.SlaveTimeout.Duration()))
	}
	return m
}

// slaveAddr appends the default port to an address without one.
func slaveAddr(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	if port == 0 {
		port = DefaultSlavePort
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

func (m *Master) Slaves() []*RemoteSlave {
	return m.slaves
}

// WaitForSlavesPing pings each slave in turn, stopping at the first one that
// does not acknowledge.
func (m *Master) WaitForSlavesPing(ctx context.Context) error {
	for _, rs := range m.slaves {
		rtt, err := rs.Ping(ctx)
		if err != nil {
			rs.setState(remoteFailed)
			m.logger.Error("Slave did not respond to ping", "slave", rs.Addr(), "err", err)
			return NewError(ErrSlaveNotReady, err, rs.Addr())
		}
		rs.setState(remoteAlive)
		m.logger.Info("Slave is alive", "slave", rs.Addr(), "rtt", rtt)
	}
	return nil
}

// InitializeSlavesConnections asks each slave in turn to open its connection
// pool, stopping at the first failure.
func (m *Master) InitializeSlavesConnections(ctx context.Context) error {
	for _, rs := range m.slaves {
		if err := rs.InitConnections(ctx); err != nil {
			rs.setState(remoteFailed)
			m.logger.Error("Slave failed to initialize connections", "slave", rs.Addr(), "err", err)
			return NewError(ErrSlaveInitFailed, err, rs.Addr())
		}
		m.logger.Info("Slave connections initialized", "slave", rs.Addr())
	}
	return nil
}

// WarmupSlaves asks each slave in turn to warm up, stopping at the first
// failure.
func (m *Master) WarmupSlaves(ctx context.Context) error {
	for _, rs := range m.slaves {
		if err := rs.Warmup(ctx); err != nil {
			rs.setState(remoteFailed)
			m.logger.Error("Slave failed to warm up", "slave", rs.Addr(), "err", err)
			return NewError(ErrSlaveWarmupFailed, err, rs.Addr())
		}
		m.logger.Debug("Slave warmed up", "slave", rs.Addr())
	}
	return nil
}

// StartSlaves sends START to every slave concurrently and returns without
// waiting for the acknowledgements. A slave that fails to start simply
// reports no result later.
func (m *Master) StartSlaves(ctx context.Context) {
	m.starts = &errgroup.Group{}
	for _, rs := range m.slaves {
		rs := rs
		m.starts.Go(func() error {
			if err := rs.Start(ctx); err != nil {
				m.logger.Error("Slave failed to start", "slave", rs.Addr(), "err", err)
				return err
			}
			m.logger.Debug("Slave started", "slave", rs.Addr())
			return nil
		})
	}
}

// CollectSlaveResults asks every slave for its result concurrently. Each slave
// is polled until it reports or the result timeout elapses; a slave that
// never reports contributes 0 and is listed as missing.
func (m *Master) CollectSlaveResults(ctx context.Context) (map[string]int64, []string) {
	if m.starts != nil {
		_ = m.starts.Wait()
	}
	var (
		mtx     sync.Mutex
		results = make(map[string]int64, len(m.slaves))
		missing []string
	)
	timeout := m.resultTimeout()
	var g errgroup.Group
	for _, rs := range m.slaves {
		rs := rs
		g.Go(func() error {
			count, err := m.pollResult(ctx, rs, timeout)
			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				rs.setState(remoteMissing)
				m.logger.Error("No result from slave", "slave", rs.Addr(), "err", err)
				results[rs.Addr()] = 0
				missing = append(missing, rs.Addr())
				return nil
			}
			rs.setState(remoteCompleted)
			slaveMessagesMetric.WithLabelValues(rs.Addr()).Set(float64(count))
			m.logger.Info("Slave result", "slave", rs.Addr(), "sent", count)
			results[rs.Addr()] = count
			return nil
		})
	}
	_ = g.Wait()
	return results, missing
}

func (m *Master) resultTimeout() time.Duration {
	if t := m.masterCfg.ResultTimeout.Duration(); t > 0 {
		return t
	}
	return m.cfg.Time.Duration() + defaultResultGrace
}

func (m *Master) pollResult(ctx context.Context, rs *RemoteSlave, timeout time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		count, err := rs.GetResult(ctx)
		if err == nil {
			return count, nil
		}
		m.logger.Debug("Slave result not available yet", "slave", rs.Addr(), "err", err)
		if !sleepCtx(ctx, resultPollInterval) {
			return 0, fmt.Errorf("%w: last error: %v", ErrProtocolTimeout, err)
		}
	}
}

// CloseSlaves sends CLOSE to every slave, logging failures.
func (m *Master) CloseSlaves(ctx context.Context) {
	for _, rs := range m.slaves {
		if err := rs.Close(ctx); err != nil {
			m.logger.Error("Failed to close slave", "slave", rs.Addr(), "err", err)
			continue
		}
		m.logger.Debug("Closed slave", "slave", rs.Addr())
	}
}

// Run executes a complete load test: setup of the local pool and every slave,
// load generation with concurrent depth monitoring, result collection,
// waiting for the output queue to drain, reply correlation and statistics.
func (m *Master) Run(ctx context.Context) (*TestRunResult, error) {
	startTime := time.Now()
	payloads, err := NewPayloadPool(m.cfg)
	if err != nil {
		return nil, NewError(ErrInvalidConfig, err)
	}

	pool := NewConnectionPool(m.broker, m.cfg.OutputQueue, m.cfg.PoolSize, m.logger)
	if err := pool.Initialize(ctx, m.cfg.ConnectionParams()); err != nil {
		return nil, NewError(ErrPoolInitFailed, err)
	}
	defer func() {
		m.logger.Info("Closed connection pool", "closed", pool.CloseAll(), "size", pool.Size())
	}()

	if len(m.slaves) > 0 {
		if err := m.WaitForSlavesPing(ctx); err != nil {
			return nil, err
		}
		defer m.CloseSlaves(context.Background())
		if err := m.InitializeSlavesConnections(ctx); err != nil {
			return nil, err
		}
		if err := m.WarmupSlaves(ctx); err != nil {
			return nil, err
		}
	}

	if err := pool.Warmup(ctx, payloads.Next()); err != nil {
		return nil, NewError(ErrLoadTestFailed, err, "warmup")
	}
	if m.cfg.DrainBefore {
		for _, q := range []string{m.cfg.OutputQueue, m.cfg.InputQueue} {
			if _, err := pool.DrainQueue(ctx, q); err != nil {
				return nil, NewError(ErrLoadTestFailed, err, "pre-run drain of "+q)
			}
		}
	}

	monitor := NewDepthMonitor(pool, m.cfg.MonitorInterval.Duration(), m.logger)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	monCtx, cancelMonitor := context.WithCancel(runCtx)
	depthc := make(chan []DepthSample, 1)
	go func() {
		samples, err := monitor.Monitor(monCtx, m.cfg.OutputQueue)
		if err != nil {
			m.logger.Error("Queue depth monitoring failed", "err", err)
		}
		depthc <- samples
	}()

	m.logger.Info("Starting load test", "duration", m.cfg.Time, "threads", m.cfg.Threads, "slaves", len(m.slaves))
	m.StartSlaves(runCtx)
	gen := NewLoadGenerator(pool, payloads, m.logger)
	genRes, err := gen.Run(runCtx, m.cfg.Time.Duration(), m.cfg.Threads, m.cfg.RateLimitMicros)
	cancelMonitor()
	depth := <-depthc
	if err != nil {
		return nil, NewError(ErrLoadTestFailed, err)
	}

	res := &TestRunResult{
		LocalSent:      genRes.MessagesSent,
		QueueSaturated: genRes.QueueSaturated,
		Sent:           genRes.Sent,
		Depth:          depth,
	}
	if len(m.slaves) > 0 {
		res.SlaveSent, res.MissingSlaves = m.CollectSlaveResults(ctx)
	}
	if ctx.Err() != nil {
		res.Elapsed = time.Since(startTime)
		return res, NewError(ErrKilled, ctx.Err())
	}

	emptied, drain, err := monitor.WaitUntilEmpty(ctx, m.cfg.OutputQueue, m.cfg.DrainPoll.Duration(), m.cfg.DrainTimeout.Duration())
	if err != nil {
		m.logger.Error("Failed while waiting for the output queue to empty", "err", err)
	}
	res.Drain, res.Emptied = drain, emptied

	correlator := NewCorrelator(pool, m.cfg.ReplyWait.Duration(), m.logger)
	if _, err := correlator.Correlate(ctx, res.Sent, m.cfg.InputQueue); err != nil {
		m.logger.Error("Failed to correlate replies", "err", err)
	}
	res.Elapsed = time.Since(startTime)

	if err := m.report(res); err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return res, NewError(ErrKilled, ctx.Err())
	}
	return res, nil
}

func (m *Master) report(res *TestRunResult) error {
	ordered := res.Sent.Ordered()
	latency := ComputeLatencyReport(ordered)
	drain := ComputeDrainReport(res.Drain)

	res.Log(m.logger)
	latency.Log(m.logger)
	drain.Log(m.cfg.OutputQueue, m.logger)

	if len(m.cfg.StatsOutputFile) > 0 {
		if err := writeAggregateStats(m.cfg.StatsOutputFile, res, latency, drain); err != nil {
			m.logger.Error("Failed to write aggregate statistics", "err", err)
			return NewError(ErrStatsWriteFailed, err, m.cfg.StatsOutputFile)
		}
	}
	if len(m.cfg.MessagesOutput) > 0 {
		if err := writeMessages(m.cfg.MessagesOutput, ordered); err != nil {
			m.logger.Error("Failed to write per-message statistics", "err", err)
			return NewError(ErrStatsWriteFailed, err, m.cfg.MessagesOutput)
		}
	}
	return nil
}
