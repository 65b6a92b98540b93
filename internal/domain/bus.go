package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single process) or NATS (distributed).
// All methods require userID for strict per-user isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, userID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, userID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, userID string, topic string, payload []byte) ([]byte, error)

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
	UserID    string            `json:"userId"`
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

// ScopeAll subscribes across every user. ChannelBus fans user-scoped
// publishes into ScopeAll subscribers; NATSBus maps ScopeAll to a
// subject wildcard.
const ScopeAll = "_global"

// Standard topic names for the reconciliation pipeline.
const (
	TopicRunRequested      = "kestrel.run.requested"
	TopicRunCompleted      = "kestrel.run.completed"
	TopicMatchCreated      = "kestrel.match.created"
	TopicMatchAutoAccepted = "kestrel.match.auto_accepted"
	TopicMatchAccepted     = "kestrel.match.accepted"
	TopicMatchRejected     = "kestrel.match.rejected"
	TopicTransferPaired    = "kestrel.transfer.paired"
)
