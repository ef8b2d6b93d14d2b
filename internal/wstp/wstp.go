// Package wstp serves GraphQL subscriptions over WebSocket using the
// graphql-transport-ws subprotocol. It adapts gorilla/websocket
// connections to the subscription engine's Socket contract and owns
// nothing but wire concerns: JSON framing, the single-writer rule,
// protocol-level ping/pong, and close codes.
package wstp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	subscription "github.com/graphgate/graphgate/internal/subscription"
)

// Subprotocol is the only subprotocol the handler negotiates.
const Subprotocol = "graphql-transport-ws"

const defaultWriteTimeout = 10 * time.Second

type Options struct {
	WriteTimeout time.Duration
	CheckOrigin  func(r *http.Request) bool
}

type Option func(*Options)

func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) { o.WriteTimeout = d }
}

func WithCheckOrigin(f func(*http.Request) bool) Option {
	return func(o *Options) { o.CheckOrigin = f }
}

// Handler upgrades HTTP requests and hands the socket to the
// subscription server for the lifetime of the connection.
type Handler struct {
	srv      *subscription.Server
	upgrader websocket.Upgrader
	opt      Options
}

func NewHandler(srv *subscription.Server, opts ...Option) *Handler {
	o := Options{WriteTimeout: defaultWriteTimeout}
	for _, f := range opts {
		f(&o)
	}
	return &Handler{
		srv: srv,
		opt: o,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     o.CheckOrigin,
		},
	}
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	sock := newSocket(conn, h.opt.WriteTimeout)
	if conn.Subprotocol() != Subprotocol {
		_ = sock.Close(subscription.CloseSubprotocolMismatch, "subprotocol must be "+Subprotocol)
		return
	}
	go sock.readLoop()
	_ = h.srv.Serve(r.Context(), sock)
	_ = sock.Close(subscription.CloseNormal, "")
}

// wireMessage is the graphql-transport-ws frame shape, both directions.
type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type socket struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	inbound chan subscription.Message
	done    chan subscription.CloseStatus
	closed  chan struct{}
	once    sync.Once
}

var _ subscription.Socket = (*socket)(nil)

func newSocket(conn *websocket.Conn, timeout time.Duration) *socket {
	return &socket{
		conn:    conn,
		timeout: timeout,
		inbound: make(chan subscription.Message),
		done:    make(chan subscription.CloseStatus, 1),
		closed:  make(chan struct{}),
	}
}

// readLoop decodes frames and forwards them to the engine. Protocol
// pings are answered here so the engine never sees keepalive traffic.
func (s *socket) readLoop() {
	defer close(s.inbound)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(closeStatusFrom(err))
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = s.Close(subscription.CloseInvalidMessage, "malformed message")
			return
		}
		switch msg.Type {
		case subscription.MessagePing:
			_ = s.write(wireMessage{Type: subscription.MessagePong})
		case subscription.MessagePong:
			// Keepalive reply; nothing to forward.
		default:
			select {
			case s.inbound <- subscription.Message{ID: msg.ID, Type: msg.Type, Payload: msg.Payload}:
			case <-s.closed:
				return
			}
		}
	}
}

func (s *socket) Ack(ctx context.Context, payload map[string]any) error {
	msg := wireMessage{Type: subscription.MessageConnectionAck}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	return s.write(msg)
}

func (s *socket) Send(ctx context.Context, ev subscription.Event) error {
	msg := wireMessage{ID: ev.ID, Type: string(ev.Kind)}
	switch ev.Kind {
	case subscription.EventNext:
		raw, err := json.Marshal(ev.Response)
		if err != nil {
			return err
		}
		msg.Payload = raw
	case subscription.EventError:
		raw, err := json.Marshal(ev.Errors)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	return s.write(msg)
}

func (s *socket) Close(code int, reason string) error {
	// WriteControl may run concurrently with data writes.
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(s.timeout))
	err := s.conn.Close()
	s.finish(subscription.CloseStatus{Code: code, Reason: reason})
	return err
}

func (s *socket) Inbound() <-chan subscription.Message  { return s.inbound }
func (s *socket) Done() <-chan subscription.CloseStatus { return s.done }

func (s *socket) write(msg wireMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	return s.conn.WriteJSON(msg)
}

func (s *socket) finish(st subscription.CloseStatus) {
	s.once.Do(func() {
		close(s.closed)
		s.done <- st
	})
}

func closeStatusFrom(err error) subscription.CloseStatus {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return subscription.CloseStatus{Code: ce.Code, Reason: ce.Text}
	}
	return subscription.CloseStatus{Code: subscription.CloseAbnormal, Reason: err.Error()}
}
