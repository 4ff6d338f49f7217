package loadtest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/informalsystems/mq-load-test/pkg/timeutils"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"

	DefaultPoolSize        = 4
	DefaultSlavePort       = 8888
	DefaultPayloadSegments = 164
	DefaultMessageTemplate = "LOADTEST%XXXXXX%"
	DefaultReplyWait       = 5 * time.Second
)

// Config represents the configuration for a single load-generating process
// (i.e. standalone, master or slave).
type Config struct {
	Broker            string                      `json:"broker"`              // The broker implementation to use ("memory" or "nats").
	Connections       []string                    `json:"connections"`         // Connection strings in the form host:port:channel:manager.
	OutputQueue       string                      `json:"output_queue"`        // The queue onto which requests are put.
	InputQueue        string                      `json:"input_queue"`         // The queue from which replies are correlated.
	PoolSize          int                         `json:"pool_size"`           // The number of independent sessions to the output queue.
	Threads           int                         `json:"threads"`             // The number of concurrent producer workers.
	Time              timeutils.ParseableDuration `json:"time"`                // How long to generate load for.
	RateLimitMicros   int                         `json:"rate_limit_micros"`   // Busy-wait before each send, in microseconds. 0 disables throttling.
	Message           string                      `json:"message"`             // Message template. %XXXXXX% is replaced by a rotating segment.
	PayloadSegments   int                         `json:"payload_segments"`    // The number of distinct segments substituted into the template.
	PayloadFile       string                      `json:"payload_file"`        // Optional file with one payload per line; overrides Message.
	MonitorInterval   timeutils.ParseableDuration `json:"monitor_interval"`    // Queue depth sampling cadence during the run.
	ReplyWait         timeutils.ParseableDuration `json:"reply_wait"`          // How long to wait for each reply while correlating.
	DrainPoll         timeutils.ParseableDuration `json:"drain_poll"`          // Queue depth polling interval while waiting for the queue to empty.
	DrainTimeout      timeutils.ParseableDuration `json:"drain_timeout"`       // Maximum time to wait for the queue to empty. 0 waits indefinitely.
	DrainBefore       bool                        `json:"drain_before"`        // Empty the output queue before generating load.
	StatsOutputFile   string                      `json:"stats_output_file"`   // Where to write aggregate statistics as CSV.
	MessagesOutput    string                      `json:"messages_output"`     // Where to write per-message timing as CSV.
	MetricsBind       string                      `json:"metrics_bind"`        // host:port on which to expose Prometheus metrics.
	NATSMaxDepth      int                         `json:"nats_max_depth"`      // MaxMsgs applied to streams provisioned on NATS.
	NATSCreateStreams bool                        `json:"nats_create_streams"` // Whether to provision streams on NATS.
	EchoResponders    int                         `json:"echo_responders"`     // In-process echo responders. Only used with the memory broker.
}

// MasterConfig is the configuration options specific to a master node.
type MasterConfig struct {
	Slaves        []string                    `json:"slaves"`         // Slave host names or host:port pairs.
	SlavePort     int                         `json:"slave_port"`     // The port to use for slaves specified without one.
	SlaveTimeout  timeutils.ParseableDuration `json:"slave_timeout"`  // Per-command timeout for PING, INIT_CON, WARMUP, START and CLOSE.
	ResultTimeout timeutils.ParseableDuration `json:"result_timeout"` // How long to keep asking each slave for its result.
}

// SlaveConfig is the configuration options specific to a slave node.
type SlaveConfig struct {
	ID       string `json:"id"`        // A unique ID for this slave, used in logs and metrics. Generated if empty.
	BindHost string `json:"bind_host"` // The interface on which to listen for master commands.
	Port     int    `json:"port"`      // The UDP port on which to listen for master commands.
}

// ResponderConfig configures the echo responder.
type ResponderConfig struct {
	Threads int                         `json:"threads"` // The number of concurrent responders.
	Delay   timeutils.ParseableDuration `json:"delay"`   // Artificial processing delay before each reply.

	OutageBind         string `json:"outage_bind"`          // host:port for the outage simulation endpoint. Disabled if empty.
	OutageUser         string `json:"outage_user"`          // Username for the outage simulation endpoint.
	OutagePasswordHash string `json:"outage_password_hash"` // bcrypt hash of the outage simulation endpoint's password.
}

// MonitorConfig configures the standalone queue depth monitor.
type MonitorConfig struct {
	Queues   []string                    `json:"queues"`   // The queues whose depth to print.
	Interval timeutils.ParseableDuration `json:"interval"` // How often to sample each queue.
	Duration timeutils.ParseableDuration `json:"duration"` // How long to monitor for. 0 runs until interrupted.
}

// DefaultConfig returns the configuration a standalone run uses when no flags
// are given.
func DefaultConfig() Config {
	return Config{
		Broker:          BrokerMemory,
		Connections:     []string{"127.0.0.1:4222:loadtest:QM1"},
		OutputQueue:     "LOADTEST.REQUEST",
		InputQueue:      "LOADTEST.REPLY",
		PoolSize:        DefaultPoolSize,
		Threads:         DefaultPoolSize,
		Time:            timeutils.ParseableDuration(time.Second),
		Message:         DefaultMessageTemplate,
		PayloadSegments: DefaultPayloadSegments,
		MonitorInterval: timeutils.ParseableDuration(100 * time.Millisecond),
		ReplyWait:       timeutils.ParseableDuration(DefaultReplyWait),
		DrainPoll:       timeutils.ParseableDuration(100 * time.Millisecond),
		EchoResponders:  DefaultPoolSize,
	}
}

func (c Config) Validate() error {
	if c.Broker != BrokerMemory && c.Broker != BrokerNATS {
		return fmt.Errorf("Expected broker to be one of %q or %q, but was %q", BrokerMemory, BrokerNATS, c.Broker)
	}
	if len(c.Connections) == 0 {
		return fmt.Errorf("Expected at least one connection string, but found none")
	}
	if _, err := transport.ParseConnectionParamsList(c.Connections); err != nil {
		return err
	}
	if len(c.OutputQueue) == 0 {
		return fmt.Errorf("Output queue name must be specified")
	}
	if len(c.InputQueue) == 0 {
		return fmt.Errorf("Input queue name must be specified")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("Expected pool size to be >= 1, but was %d", c.PoolSize)
	}
	if c.Threads < 1 {
		return fmt.Errorf("Expected threads to be >= 1, but was %d", c.Threads)
	}
	if c.Time.Duration() <= 0 {
		return fmt.Errorf("Expected load test time to be positive, but was %s", c.Time)
	}
	if c.RateLimitMicros < 0 {
		return fmt.Errorf("Expected rate limit to be >= 0 microseconds, but was %d", c.RateLimitMicros)
	}
	if len(c.PayloadFile) == 0 && len(c.Message) == 0 {
		return fmt.Errorf("Either a message template or a payload file must be specified")
	}
	if c.PayloadSegments < 1 {
		return fmt.Errorf("Expected payload segments to be >= 1, but was %d", c.PayloadSegments)
	}
	if c.MonitorInterval.Duration() <= 0 {
		return fmt.Errorf("Expected monitor interval to be positive, but was %s", c.MonitorInterval)
	}
	if c.DrainPoll.Duration() <= 0 {
		return fmt.Errorf("Expected drain poll interval to be positive, but was %s", c.DrainPoll)
	}
	if c.DrainTimeout.Duration() < 0 {
		return fmt.Errorf("Expected drain timeout to be >= 0, but was %s", c.DrainTimeout)
	}
	if c.ReplyWait.Duration() <= 0 {
		return fmt.Errorf("Expected reply wait to be positive, but was %s", c.ReplyWait)
	}
	if c.EchoResponders < 0 {
		return fmt.Errorf("Expected echo responders to be >= 0, but was %d", c.EchoResponders)
	}
	// Nothing consumes an in-process output queue without echo responders.
	if c.Broker == BrokerMemory && c.EchoResponders == 0 && c.DrainTimeout.Duration() == 0 {
		return fmt.Errorf("The memory broker without echo responders requires a drain timeout, otherwise the output queue never empties")
	}
	return nil
}

// ConnectionParams returns the parsed connection strings. It assumes the
// configuration has been validated.
func (c Config) ConnectionParams() []transport.ConnectionParams {
	params, _ := transport.ParseConnectionParamsList(c.Connections)
	return params
}

func (c Config) ToJSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(b)
}

func (c MasterConfig) Validate() error {
	if len(c.Slaves) == 0 {
		return fmt.Errorf("Master requires at least one slave address")
	}
	if c.SlavePort < 1 || c.SlavePort > 65535 {
		return fmt.Errorf("Expected slave port to be between 1 and 65535, but was %d", c.SlavePort)
	}
	if c.SlaveTimeout.Duration() <= 0 {
		return fmt.Errorf("Expected slave timeout to be positive, but was %s", c.SlaveTimeout)
	}
	if c.ResultTimeout.Duration() < 0 {
		return fmt.Errorf("Expected result timeout to be >= 0, but was %s", c.ResultTimeout)
	}
	return nil
}

func (c MasterConfig) ToJSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(b)
}

func (c SlaveConfig) Validate() error {
	if len(c.ID) > 0 && !isValidSlaveID(c.ID) {
		return fmt.Errorf("Invalid slave ID %q: slave IDs can only contain lowercase alphanumeric characters", c.ID)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("Expected port to be between 0 and 65535, but was %d", c.Port)
	}
	return nil
}

func (c SlaveConfig) ToJSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(b)
}

func (c ResponderConfig) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("Expected responder threads to be >= 1, but was %d", c.Threads)
	}
	if c.Delay.Duration() < 0 {
		return fmt.Errorf("Expected responder delay to be >= 0, but was %s", c.Delay)
	}
	if len(c.OutageBind) > 0 && (len(c.OutageUser) == 0 || len(c.OutagePasswordHash) == 0) {
		return fmt.Errorf("The outage endpoint requires both a username and a bcrypt password hash")
	}
	return nil
}

func (c MonitorConfig) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("At least one queue to monitor must be specified")
	}
	for _, q := range c.Queues {
		if len(q) == 0 {
			return fmt.Errorf("Queue names to monitor must not be empty")
		}
	}
	if c.Interval.Duration() <= 0 {
		return fmt.Errorf("Expected monitor interval to be positive, but was %s", c.Interval)
	}
	if c.Duration.Duration() < 0 {
		return fmt.Errorf("Expected monitor duration to be >= 0, but was %s", c.Duration)
	}
	return nil
}

func (c MonitorConfig) ToJSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(b)
}
