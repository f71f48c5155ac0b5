package bus

import (
	"fmt"

	"github.com/mailroom-labs/kite/internal/domain"
)

// New creates a new event bus based on configuration.
// For the standalone profile: returns ChannelBus.
// For the cluster profile: returns NATSBus, or RabbitBus when configured.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "rabbitmq":
		return NewRabbitBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
