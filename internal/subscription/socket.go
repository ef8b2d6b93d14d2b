package subscription

import (
	"context"
	"encoding/json"

	graphql "github.com/graphgate/graphgate/internal/graphql"
)

// Client-to-server and server-to-client message types of the
// graphql-transport-ws protocol. Adapters translate their wire format
// into these names.
const (
	MessageConnectionInit = "connection_init"
	MessageConnectionAck  = "connection_ack"
	MessageSubscribe      = "subscribe"
	MessageNext           = "next"
	MessageError          = "error"
	MessageComplete       = "complete"
	MessagePing           = "ping"
	MessagePong           = "pong"
)

// Close codes the engine and adapters use when terminating a
// connection.
const (
	CloseNormal              = 1000
	CloseAbnormal            = 1006
	CloseInvalidMessage      = 4400
	CloseUnauthorized        = 4401
	CloseForbidden           = 4403
	CloseSubprotocolMismatch = 4406
	CloseInitTimeout         = 4408
	CloseTooManyInit         = 4429
)

// Message is one decoded client-to-server frame.
type Message struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// EventKind discriminates the three server-to-client operation frames.
type EventKind string

const (
	EventNext     EventKind = MessageNext
	EventError    EventKind = MessageError
	EventComplete EventKind = MessageComplete
)

// Event is one server-to-client frame addressed to an operation.
// Response is set for next events, Errors for error events.
type Event struct {
	Kind     EventKind
	ID       string
	Response *graphql.Response
	Errors   []*graphql.Error
}

func NextEvent(id string, resp *graphql.Response) Event {
	return Event{Kind: EventNext, ID: id, Response: resp}
}

func ErrorEvent(id string, errs ...*graphql.Error) Event {
	return Event{Kind: EventError, ID: id, Errors: errs}
}

func CompleteEvent(id string) Event {
	return Event{Kind: EventComplete, ID: id}
}

// CloseStatus reports how a connection ended.
type CloseStatus struct {
	Code   int
	Reason string
}

// Socket is the transport seam between the connection engine and a
// concrete adapter. Adapters own wire serialization and nothing else.
// Send must be safe for concurrent use; Inbound closes when the
// transport stops reading; Done resolves exactly once with the
// transport-observed close status.
type Socket interface {
	Ack(ctx context.Context, payload map[string]any) error
	Send(ctx context.Context, ev Event) error
	Close(code int, reason string) error
	Inbound() <-chan Message
	Done() <-chan CloseStatus
}
