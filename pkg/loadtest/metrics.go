package loadtest

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/informalsystems/mq-load-test/internal/logging"
)

const metricsShutdownTimeout = 5 * time.Second

var (
	messagesSentMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqloadtest_messages_sent_total",
		Help: "The total number of messages successfully put on the output queue",
	})
	sendErrorsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqloadtest_send_errors_total",
		Help: "The total number of failed puts, excluding queue-full rejections",
	})
	queueSaturatedMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqloadtest_queue_saturated",
		Help: "1 if the last load test was stopped because the output queue was full",
	})
	queueDepthMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mqloadtest_queue_depth",
		Help: "The most recently sampled depth of a queue",
	}, []string{"queue"})
	poolSessionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqloadtest_pool_sessions_open",
		Help: "The number of open sessions in the connection pool",
	})
	repliesMatchedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqloadtest_replies_matched_total",
		Help: "The total number of replies correlated to a sent message",
	})
	repliesMissingMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqloadtest_replies_missing_total",
		Help: "The total number of sent messages for which no reply was found",
	})
	drainRateMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mqloadtest_drain_rate",
		Help: "The most recently measured drain rate of a queue, in messages/sec",
	}, []string{"queue"})
	slaveStateMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mqloadtest_slave_state",
		Help: "1 for the current state of each slave, as seen by the slave itself or by the master",
	}, []string{"slave", "state"})
	slaveMessagesMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mqloadtest_slave_messages_sent",
		Help: "The number of messages reported as sent by each slave",
	}, []string{"slave"})
)

func setSlaveStateMetric(slave string, state slaveState) {
	for _, s := range allSlaveStates {
		v := 0.0
		if s == state {
			v = 1
		}
		slaveStateMetric.WithLabelValues(slave, string(s)).Set(v)
	}
}

// metricsServer exposes the Prometheus registry over HTTP.
type metricsServer struct {
	svr     *http.Server
	stopped chan struct{}
	logger  logging.Logger
}

// startMetricsServer starts serving /metrics on bindAddr in the background. It
// returns nil if bindAddr is empty.
func startMetricsServer(bindAddr string, logger logging.Logger) *metricsServer {
	if len(bindAddr) == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	ms := &metricsServer{
		svr: &http.Server{
			Addr:              bindAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go ms.run()
	return ms
}

func (ms *metricsServer) run() {
	defer close(ms.stopped)
	ms.logger.Info("Starting metrics server", "addr", ms.svr.Addr)
	if err := ms.svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		ms.logger.Error("Metrics server shut down", "err", err)
		return
	}
	ms.logger.Info("Metrics server shut down")
}

func (ms *metricsServer) shutdown() {
	if ms == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := ms.svr.Shutdown(ctx); err != nil {
		ms.logger.Error("Failed to gracefully shut down metrics server", "err", err)
	}
	select {
	case <-ms.stopped:
	case <-time.After(metricsShutdownTimeout):
		ms.logger.Error("Failed to shut down metrics server within the required time period")
	}
}
