package bus

// InboundMessage represents a chat message received from a platform adapter
// (Telegram bot, Discord gateway, WebSocket client, task scheduler, ...).
// Adapters derive a stable ContextID from their routing information before
// handing the message to the runtime; the core never parses platform routing.
type InboundMessage struct {
	ContextID string `json:"context_id"`
	Text      string `json:"text"`
	Channel   string `json:"channel"`
	TargetID  string `json:"target_id"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`
	// MessageID is the platform-level message id, when the adapter has one.
	// Supplying it makes ingest idempotent: re-delivery of the same platform
	// message produces exactly one user turn.
	MessageID string `json:"message_id,omitempty"`
	ThreadID  *int64 `json:"thread_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// OutboundMessage is the runtime's reply, handed to the delivery callback.
type OutboundMessage struct {
	ContextID string `json:"context_id"`
	Channel   string `json:"channel"`
	TargetID  string `json:"target_id"`
	Text      string `json:"text"`
	RequestID string `json:"request_id,omitempty"`
}

// DeliverFunc sends an outbound message to a platform adapter.
// Errors (including panics) are logged and swallowed by the scheduler; a
// broken adapter must never wedge a lane.
type DeliverFunc func(msg OutboundMessage)

// SendActionFunc emits a transient "typing" indicator for a chat target.
// Optional; the scheduler fires it periodically while a slice is running.
type SendActionFunc func(channel, targetID string)
