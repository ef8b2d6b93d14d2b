package events

import "time"

// ConnectionStart is emitted when a subscription transport session
// begins its handshake.
type ConnectionStart struct {
	ConnectionID string
}

// ConnectionReady is emitted once the handshake is acknowledged.
type ConnectionReady struct {
	ConnectionID string
}

// ConnectionFinish is emitted after the session is fully torn down.
type ConnectionFinish struct {
	ConnectionID string
	Code         int
	Reason       string
	Duration     time.Duration
}

// SubscriptionStart is emitted when a subscribe request is accepted.
type SubscriptionStart struct {
	ConnectionID  string
	OperationID   string
	OperationName string
	Query         string
}

// SubscriptionEvent is emitted per result delivered to the client.
type SubscriptionEvent struct {
	ConnectionID string
	OperationID  string
}

// SubscriptionFinish is emitted when an operation's handle is destroyed.
// Err is set when the stream ended with an error event.
type SubscriptionFinish struct {
	ConnectionID string
	OperationID  string
	Err          error
	Events       int
	Duration     time.Duration
}
