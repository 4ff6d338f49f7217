package loadtest

import (
	"fmt"

	"github.com/informalsystems/mq-load-test/internal/logging"
	"github.com/informalsystems/mq-load-test/pkg/transport"
	"github.com/informalsystems/mq-load-test/pkg/transport/memory"
	"github.com/informalsystems/mq-load-test/pkg/transport/natsjs"
)

// NewBroker builds the broker selected by the configuration.
func NewBroker(cfg *Config, logger logging.Logger) (transport.Broker, error) {
	switch cfg.Broker {
	case BrokerMemory:
		return memory.NewBroker(), nil
	case BrokerNATS:
		return natsjs.NewBroker(natsjs.Config{
			CreateStreams: cfg.NATSCreateStreams,
			MaxDepth:      cfg.NATSMaxDepth,
		}, logger), nil
	}
	return nil, fmt.Errorf("unsupported broker: %q", cfg.Broker)
}
