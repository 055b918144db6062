package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// MetaReplyTo is the metadata key carrying the reply topic of a request.
const MetaReplyTo = "reply_to"

// New creates an event bus from configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

// Reply answers a request message. It is a no-op for plain publishes.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	to := msg.Metadata[MetaReplyTo]
	if to == "" {
		return nil
	}
	return b.Publish(ctx, to, payload)
}
