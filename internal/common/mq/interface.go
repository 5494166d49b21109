package mq

import (
	"context"
	"time"
)

// Stream defines the unified interface for the durable job stream.
// The implementation must provide consumer groups with explicit
// acknowledgement and at-least-once delivery; anything stronger is not
// assumed by the workers.
type Stream interface {
	Producer
	Consumer

	// Ping verifies the stream connection is alive
	Ping(ctx context.Context) error

	// Close closes the stream connection
	Close() error
}

// Producer defines the interface for publishing messages
type Producer interface {
	// Publish appends a message to the named stream
	Publish(ctx context.Context, stream string, message *Message) error
}

// Consumer defines the interface for consuming messages
type Consumer interface {
	// Subscribe registers a handler for the named stream within a consumer
	// group. A nil return from the handler acknowledges the message; any
	// error leaves it pending so the stream redelivers it after the
	// visibility window.
	Subscribe(ctx context.Context, stream string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages
	Start() error

	// Stop gracefully stops consuming messages. In-flight handlers run to
	// completion; no new deliveries are picked up.
	Stop() error
}

// Message represents one stream entry.
type Message struct {
	// ID is the broker-assigned entry id, set on delivery.
	ID string

	// Body is the message payload
	Body []byte

	// Timestamp is when the message was created
	Timestamp time.Time

	// Delivery counts redeliveries of this entry, when the broker reports it.
	Delivery int64
}

// HandlerFunc is the function signature for message handlers
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a stream
type SubscribeOptions struct {
	// Group is the consumer group name
	Group string

	// Consumer is this process's consumer name within the group
	Consumer string

	// Concurrency sets the number of concurrent workers
	// Default: 1
	Concurrency int

	// BlockTimeout bounds each blocking read
	// Default: 2 seconds
	BlockTimeout time.Duration

	// ReadCount is the max entries fetched per read
	// Default: 8
	ReadCount int64

	// MinIdle is how long an unacknowledged entry may sit in another
	// consumer's pending list before it is claimed here
	// Default: 60 seconds
	MinIdle time.Duration

	// ReclaimInterval is how often the pending-entries list is scanned
	// Default: 15 seconds
	ReclaimInterval time.Duration
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 2 * time.Second
	}
	if o.ReadCount <= 0 {
		o.ReadCount = 8
	}
	if o.MinIdle <= 0 {
		o.MinIdle = 60 * time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = 15 * time.Second
	}
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Timestamp: time.Now(),
	}
}
