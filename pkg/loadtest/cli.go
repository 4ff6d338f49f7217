package loadtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/internal/responder"
	"github.com/informalsystems/mq-load-test/pkg/timeutils"
)

// CLIConfig allows developers to customize their own load testing tool.
type CLIConfig struct {
	AppName      string
	AppShortDesc string
	AppLongDesc  string
}

var (
	flagVerbose   bool
	flagLogFormat string
)

func buildCLI(cli *CLIConfig, logger logging.Logger) *cobra.Command {
	cobra.OnInitialize(func() { initLogging(logger) })
	cfg := DefaultConfig()
	rootCmd := &cobra.Command{
		Use:   cli.AppName,
		Short: cli.AppShortDesc,
		Long:  cli.AppLongDesc,
		Run: func(cmd *cobra.Command, args []string) {
			logger.Debug(fmt.Sprintf("Configuration: %s", cfg.ToJSON()))
			if err := cfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			if err := executeLoadTest(&cfg, &MasterConfig{}, logger); err != nil {
				logger.Error("Load test failed", "err", err)
				os.Exit(ExitCode(err))
			}
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Broker, "broker", cfg.Broker, "The broker to load test: \"memory\" (in-process) or \"nats\" (NATS JetStream)")
	flags.StringSliceVarP(&cfg.Connections, "connections", "c", cfg.Connections, "Comma-separated connection strings in the form host:port:channel:manager, assigned round-robin to pool slots")
	flags.StringVarP(&cfg.OutputQueue, "output-queue", "o", cfg.OutputQueue, "The queue onto which request messages are put")
	flags.StringVarP(&cfg.InputQueue, "input-queue", "i", cfg.InputQueue, "The queue from which reply messages are correlated")
	flags.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "The number of independent sessions to the output queue")
	flags.IntVarP(&cfg.Threads, "threads", "t", cfg.Threads, "The number of concurrent producer workers")
	flags.VarP(&cfg.Time, "time", "T", "How long to generate load for (e.g. 10s, 2m)")
	flags.IntVarP(&cfg.RateLimitMicros, "rate-limit", "r", cfg.RateLimitMicros, "Microseconds each worker busy-waits before every send (0 for maximum rate)")
	flags.StringVarP(&cfg.Message, "message", "m", cfg.Message, "The message template; "+PayloadPlaceholder+" is replaced by a rotating segment")
	flags.IntVar(&cfg.PayloadSegments, "payload-segments", cfg.PayloadSegments, "The number of distinct segments substituted into the message template")
	flags.StringVar(&cfg.PayloadFile, "payload-file", "", "A file containing one message payload per line, used instead of the message template")
	flags.Var(&cfg.MonitorInterval, "monitor-interval", "The queue depth sampling interval during the load test")
	flags.Var(&cfg.ReplyWait, "reply-wait", "How long to wait for each reply while correlating")
	flags.Var(&cfg.DrainPoll, "drain-poll", "The queue depth polling interval while waiting for the output queue to empty")
	flags.Var(&cfg.DrainTimeout, "drain-timeout", "The maximum time to wait for the output queue to empty (0 waits indefinitely)")
	flags.BoolVar(&cfg.DrainBefore, "drain-before", false, "Empty the output and input queues before generating load")
	flags.StringVar(&cfg.StatsOutputFile, "stats-output", "", "Where to store aggregate statistics (in CSV format)")
	flags.StringVar(&cfg.MessagesOutput, "messages-output", "", "Where to store per-message timing (in CSV format)")
	flags.StringVar(&cfg.MetricsBind, "metrics-bind", "", "A host:port on which to expose Prometheus metrics at /metrics")
	flags.IntVar(&cfg.NATSMaxDepth, "nats-max-depth", 0, "The maximum depth of streams provisioned on NATS (0 for unlimited)")
	flags.BoolVar(&cfg.NATSCreateStreams, "nats-create-streams", false, "Provision NATS streams for the queues if they do not exist")
	flags.IntVar(&cfg.EchoResponders, "echo-responders", cfg.EchoResponders, "The number of in-process echo responders to run (memory broker only)")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "Increase output logging verbosity to DEBUG level")
	flags.StringVar(&flagLogFormat, "log-format", "text", "The log output format: \"text\" or \"json\"")

	masterCfg := MasterConfig{
		SlavePort:    DefaultSlavePort,
		SlaveTimeout: timeutils.ParseableDuration(5 * time.Second),
	}
	masterCmd := &cobra.Command{
		Use:   "master",
		Short: "Start load test application in MASTER mode",
		Run: func(cmd *cobra.Command, args []string) {
			logger.Debug(fmt.Sprintf("Configuration: %s", cfg.ToJSON()))
			logger.Debug(fmt.Sprintf("Master configuration: %s", masterCfg.ToJSON()))
			if err := cfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			if err := masterCfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			if err := executeLoadTest(&cfg, &masterCfg, logger); err != nil {
				logger.Error("Load test failed", "err", err)
				os.Exit(ExitCode(err))
			}
		},
	}
	masterCmd.PersistentFlags().StringSliceVar(&masterCfg.Slaves, "slaves", []string{}, "Comma-separated slave addresses (host or host:port)")
	masterCmd.PersistentFlags().IntVar(&masterCfg.SlavePort, "slave-port", masterCfg.SlavePort, "The UDP port of slaves given without one")
	masterCmd.PersistentFlags().Var(&masterCfg.SlaveTimeout, "slave-timeout", "The timeout for each remote control command")
	masterCmd.PersistentFlags().Var(&masterCfg.ResultTimeout, "result-timeout", "How long to keep asking each slave for its result (default: load test time + 30s)")

	slaveCfg := SlaveConfig{Port: DefaultSlavePort}
	slaveCmd := &cobra.Command{
		Use:   "slave",
		Short: "Start load test application in SLAVE mode",
		Run: func(cmd *cobra.Command, args []string) {
			logger.Debug(fmt.Sprintf("Configuration: %s", cfg.ToJSON()))
			logger.Debug(fmt.Sprintf("Slave configuration: %s", slaveCfg.ToJSON()))
			if err := cfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			if err := slaveCfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			if err := executeSlave(&cfg, &slaveCfg, logger); err != nil {
				logger.Error("Slave failed", "err", err)
				os.Exit(ExitCode(err))
			}
		},
	}
	slaveCmd.PersistentFlags().StringVar(&slaveCfg.ID, "id", "", "An optional unique ID for this slave. Will show up in metrics and logs. If not specified, a UUID will be generated.")
	slaveCmd.PersistentFlags().StringVar(&slaveCfg.BindHost, "bind-host", "", "The interface on which to listen for master commands (all interfaces if empty)")
	slaveCmd.PersistentFlags().IntVar(&slaveCfg.Port, "port", slaveCfg.Port, "The UDP port on which to listen for master commands")

	respCfg := ResponderConfig{Threads: DefaultPoolSize}
	responderCmd := &cobra.Command{
		Use:   "responder",
		Short: "Echo every request on the output queue back onto the input queue",
		Run: func(cmd *cobra.Command, args []string) {
			logger.Debug(fmt.Sprintf("Configuration: %s", cfg.ToJSON()))
			if err := cfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			respCfg.OutagePasswordHash = strings.ReplaceAll(respCfg.OutagePasswordHash, "#", "$")
			if err := respCfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			if err := executeResponder(&cfg, &respCfg, logger); err != nil {
				logger.Error("Responder failed", "err", err)
				os.Exit(ExitCode(err))
			}
		},
	}
	responderCmd.PersistentFlags().IntVar(&respCfg.Threads, "responder-threads", respCfg.Threads, "The number of concurrent responders")
	responderCmd.PersistentFlags().Var(&respCfg.Delay, "delay", "Artificial processing delay before each reply")
	responderCmd.PersistentFlags().StringVar(&respCfg.OutageBind, "outage-bind", "", "A host:port for the outage simulation endpoint (disabled if empty)")
	responderCmd.PersistentFlags().StringVar(&respCfg.OutageUser, "outage-user", "mq-load-test", "The username for the outage simulation endpoint")
	responderCmd.PersistentFlags().StringVar(&respCfg.OutagePasswordHash, "outage-password-hash", "", "A bcrypt password hash for the outage simulation endpoint ($ may be written as #)")

	monCfg := MonitorConfig{Interval: timeutils.ParseableDuration(time.Second)}
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print the depth of one or more queues at a fixed interval",
		Run: func(cmd *cobra.Command, args []string) {
			if len(monCfg.Queues) == 0 {
				monCfg.Queues = []string{cfg.OutputQueue}
			}
			logger.Debug(fmt.Sprintf("Monitor configuration: %s", monCfg.ToJSON()))
			if err := cfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			if err := monCfg.Validate(); err != nil {
				logger.Error(err.Error())
				os.Exit(int(ErrInvalidConfig))
			}
			if err := executeMonitor(&cfg, &monCfg, logger); err != nil {
				logger.Error("Queue monitor failed", "err", err)
				os.Exit(ExitCode(err))
			}
		},
	}
	monitorCmd.PersistentFlags().StringSliceVar(&monCfg.Queues, "queues", []string{}, "Comma-separated queues to monitor (default: the output queue)")
	monitorCmd.PersistentFlags().Var(&monCfg.Interval, "interval", "How often to sample each queue's depth")
	monitorCmd.PersistentFlags().Var(&monCfg.Duration, "duration", "How long to monitor for (0 monitors until interrupted)")

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(slaveCmd)
	rootCmd.AddCommand(responderCmd)
	rootCmd.AddCommand(monitorCmd)
	return rootCmd
}

func initLogging(logger logging.Logger) {
	if err := logging.Configure(flagVerbose, flagLogFormat, nil); err != nil {
		logger.Error("Invalid logging configuration", "err", err)
		os.Exit(int(ErrInvalidConfig))
	}
	logger.Debug("Set logging level to DEBUG")
}

// Run must be executed from your `main` function in your Go code.
func Run(cli *CLIConfig) {
	logger := logging.NewLogrusLogger("main")
	if err := buildCLI(cli, logger).Execute(); err != nil {
		logger.Error("Error", "err", err)
		os.Exit(1)
	}
}

// executeLoadTest runs a standalone or master load test, with optional
// in-process echo responders when testing the memory broker.
func executeLoadTest(cfg *Config, masterCfg *MasterConfig, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelTrap := trapInterrupts(cancel, logger)
	defer close(cancelTrap)

	ms := startMetricsServer(cfg.MetricsBind, logger)
	defer ms.shutdown()

	broker, err := NewBroker(cfg, logger)
	if err != nil {
		return NewError(ErrInvalidConfig, err)
	}

	var wg sync.WaitGroup
	respCtx, cancelResponders := context.WithCancel(ctx)
	defer func() {
		cancelResponders()
		wg.Wait()
	}()
	if cfg.Broker == BrokerMemory && cfg.EchoResponders > 0 {
		r, err := responder.New(broker, responder.Config{
			Params:       cfg.ConnectionParams(),
			RequestQueue: cfg.OutputQueue,
			ReplyQueue:   cfg.InputQueue,
			Threads:      cfg.EchoResponders,
		}, logging.NewLogrusLogger("responder"))
		if err != nil {
			return NewError(ErrInvalidConfig, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(respCtx); err != nil {
				logger.Error("Echo responder failed", "err", err)
			}
		}()
	} else if cfg.Broker == BrokerMemory {
		logger.Info("No echo responders configured; no replies will arrive on the input queue", "drainTimeout", cfg.DrainTimeout)
	}

	master := NewMaster(cfg, masterCfg, broker)
	_, err = master.Run(ctx)
	return err
}

func executeSlave(cfg *Config, slaveCfg *SlaveConfig, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelTrap := trapInterrupts(cancel, logger)
	defer close(cancelTrap)

	ms := startMetricsServer(cfg.MetricsBind, logger)
	defer ms.shutdown()

	broker, err := NewBroker(cfg, logger)
	if err != nil {
		return NewError(ErrInvalidConfig, err)
	}
	slave, err := NewSlave(cfg, slaveCfg, broker)
	if err != nil {
		return NewError(ErrInvalidConfig, err)
	}
	return slave.Run(ctx)
}

func executeResponder(cfg *Config, respCfg *ResponderConfig, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelTrap := trapInterrupts(cancel, logger)
	defer close(cancelTrap)

	ms := startMetricsServer(cfg.MetricsBind, logger)
	defer ms.shutdown()

	broker, err := NewBroker(cfg, logger)
	if err != nil {
		return NewError(ErrInvalidConfig, err)
	}
	respLogger := logging.NewLogrusLogger("responder")
	r, err := responder.New(broker, responder.Config{
		Params:       cfg.ConnectionParams(),
		RequestQueue: cfg.OutputQueue,
		ReplyQueue:   cfg.InputQueue,
		Threads:      respCfg.Threads,
		Delay:        respCfg.Delay.Duration(),
	}, respLogger)
	if err != nil {
		return NewError(ErrInvalidConfig, err)
	}

	if len(respCfg.OutageBind) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/", responder.MakeOutageEndpointHandler(respCfg.OutageUser, respCfg.OutagePasswordHash, r, respLogger))
		svr := &http.Server{Addr: respCfg.OutageBind, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			respLogger.Info("Starting outage simulation endpoint", "addr", respCfg.OutageBind)
			if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				respLogger.Error("Outage simulation endpoint shut down", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancelShutdown()
			_ = svr.Shutdown(shutdownCtx)
		}()
	}

	if err := r.Run(ctx); err != nil {
		return NewError(ErrResponderFailed, err)
	}
	return nil
}

func executeMonitor(cfg *Config, monCfg *MonitorConfig, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if d := monCfg.Duration.Duration(); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	cancelTrap := trapInterrupts(cancel, logger)
	defer close(cancelTrap)

	ms := startMetricsServer(cfg.MetricsBind, logger)
	defer ms.shutdown()

	broker, err := NewBroker(cfg, logger)
	if err != nil {
		return NewError(ErrInvalidConfig, err)
	}
	opener := NewBrokerOpener(broker, cfg.ConnectionParams()[0])
	if err := WatchQueues(ctx, opener, monCfg.Queues, monCfg.Interval.Duration(), logging.NewLogrusLogger("monitor")); err != nil {
		return NewError(ErrMonitorFailed, err)
	}
	return nil
}

func trapInterrupts(onKill func(), logger logging.Logger) chan struct{} {
	sigc := make(chan os.Signal, 1)
	cancelTrap := make(chan struct{})
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigc)
		select {
		case <-sigc:
			logger.Info("Caught kill signal")
			onKill()
		case <-cancelTrap:
			return
		}
	}()
	return cancelTrap
}
