package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Respond answers a message received through Request. It is a no-op
	// when msg carries no reply address.
	Respond(ctx context.Context, msg *Message, payload []byte) error

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
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`

	// ReplyTo is set on messages sent with Request.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Message metadata keys.
const (
	MetaTraceID = "trace_id"
)

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
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds
}

// SystemTenantID is the tenant used for engine-wide events.
const SystemTenantID = "_system"

// Outbound event topics. Publishing is fire-and-forget; no listener is
// required for correctness.
const (
	TopicEngineInitialized   = "kestrel.engine.initialized"
	TopicDecisionMade        = "kestrel.decision.made"
	TopicDecisionEscalated   = "kestrel.decision.escalated"
	TopicDecisionFailed      = "kestrel.decision.failed"
	TopicFeedbackRecorded    = "kestrel.feedback.recorded"
	TopicComplianceDetected  = "kestrel.compliance.errors_detected"
	TopicComplianceAutoFixed = "kestrel.compliance.errors_fixed"
)

// Inbound topics consumed by the worker.
const (
	TopicDecisionRequested = "kestrel.decision.requested"
	TopicEntitySynced      = "kestrel.entity.synced"
)
