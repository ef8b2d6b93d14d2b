// Package ssetp streams GraphQL results over Server-Sent Events. One
// HTTP request carries one operation: the handler synthesizes the
// connection_init and subscribe frames a WebSocket client would send,
// then frames every outbound event as `event: <type>\ndata: <json>`
// until the stream ends or the client disconnects.
package ssetp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	graphql "github.com/graphgate/graphgate/internal/graphql"
	subscription "github.com/graphgate/graphgate/internal/subscription"
)

// Accepts reports whether r negotiated an event stream.
func Accepts(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// Handler runs one subscription session per HTTP request.
type Handler struct {
	srv *subscription.Server
}

func NewHandler(srv *subscription.Server) *Handler {
	return &Handler{srv: srv}
}

// Serve streams the operation in req until its terminal event. The
// complete event carries an empty object; a server-side refusal ends
// the stream after a single error event.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, req *graphql.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "unprocessable request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = h.srv.Serve(r.Context(), newSocket(w, flusher, payload))
}

type socket struct {
	writeMu sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	inbound chan subscription.Message
	done    chan subscription.CloseStatus
	once    sync.Once
}

var _ subscription.Socket = (*socket)(nil)

// newSocket preloads the two frames that open the session; there is no
// further client traffic on this transport.
func newSocket(w http.ResponseWriter, flusher http.Flusher, subscribePayload []byte) *socket {
	s := &socket{
		w:       w,
		flusher: flusher,
		inbound: make(chan subscription.Message, 2),
		done:    make(chan subscription.CloseStatus, 1),
	}
	s.inbound <- subscription.Message{Type: subscription.MessageConnectionInit}
	s.inbound <- subscription.Message{
		ID:      uuid.NewString(),
		Type:    subscription.MessageSubscribe,
		Payload: subscribePayload,
	}
	return s
}

// Ack is a no-op; SSE has no acknowledgment frame.
func (s *socket) Ack(ctx context.Context, payload map[string]any) error { return nil }

func (s *socket) Send(ctx context.Context, ev subscription.Event) error {
	var data []byte
	switch ev.Kind {
	case subscription.EventNext:
		raw, err := json.Marshal(ev.Response)
		if err != nil {
			return err
		}
		data = raw
	case subscription.EventError:
		raw, err := json.Marshal(ev.Errors)
		if err != nil {
			return err
		}
		data = raw
	case subscription.EventComplete:
		data = []byte("{}")
	}
	if err := s.writeEvent(string(ev.Kind), data); err != nil {
		return err
	}
	// A terminal event ends the session; the engine sees the transport
	// close and drains.
	if ev.Kind == subscription.EventError || ev.Kind == subscription.EventComplete {
		s.finish(subscription.CloseStatus{Code: subscription.CloseNormal})
	}
	return nil
}

func (s *socket) Close(code int, reason string) error {
	s.finish(subscription.CloseStatus{Code: code, Reason: reason})
	return nil
}

func (s *socket) Inbound() <-chan subscription.Message  { return s.inbound }
func (s *socket) Done() <-chan subscription.CloseStatus { return s.done }

func (s *socket) writeEvent(name string, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *socket) finish(st subscription.CloseStatus) {
	s.once.Do(func() { s.done <- st })
}
