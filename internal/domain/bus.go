package domain

import (
	"context"
)

// EventBus carries period run requests and results.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup, when set, load-balances each topic across subscribers in the group.
	NATSQueueGroup string
}

// Topic names for the billing pipeline.
const (
	TopicPeriodRun       = "wastebill.period.run"
	TopicPeriodSummary   = "wastebill.period.summary"
	TopicPeriodFailed    = "wastebill.period.failed"
	TopicSLAEscalation   = "wastebill.sla.escalation"
	TopicContractAmended = "wastebill.contract.amended"
)

// PeriodRunRequest asks a worker to run one (contract, period) job.
type PeriodRunRequest struct {
	ContractID  string `json:"contractId"`
	PeriodKey   string `json:"periodKey"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// PeriodRunFailure is published when a period job fails.
type PeriodRunFailure struct {
	ContractID string   `json:"contractId"`
	PeriodKey  string   `json:"periodKey"`
	Error      string   `json:"error"`
	Retryable  bool     `json:"retryable"`
	RuleIDs    []string `json:"ruleIds,omitempty"`
}
