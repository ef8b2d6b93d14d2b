// Package subscription drives one streaming GraphQL session over any
// transport implementing Socket. It owns the graphql-transport-ws
// state machine (Connecting, Ready, Closing, Closed), the
// connection_init handshake, and the per-operation goroutines that pump
// engine streams into outbound events. Transport adapters stay dumb:
// they decode frames into Messages and encode Events back out.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
	graphql "github.com/graphgate/graphgate/internal/graphql"
	language "github.com/graphgate/graphgate/internal/language"
	pipeline "github.com/graphgate/graphgate/internal/pipeline"
	reqid "github.com/graphgate/graphgate/internal/reqid"
)

// DefaultInitTimeout bounds how long a connection may sit
// unacknowledged before it is force-closed with 4408.
const DefaultInitTimeout = 5 * time.Second

// ConnectFunc inspects the connection_init payload. It may reject the
// connection (close code 4403), contribute an ack payload, and return a
// context that becomes the parent of every operation on the connection.
// A returned context must derive from the provided one; returning nil
// keeps the connection context unchanged.
type ConnectFunc func(ctx context.Context, params map[string]any) (context.Context, map[string]any, error)

// SubscribeFunc screens one subscribe request. An error rejects that
// operation with an error event; the connection stays up.
type SubscribeFunc func(ctx context.Context, id string, req *graphql.Request) error

// CompleteFunc observes the teardown of one operation handle.
type CompleteFunc func(ctx context.Context, id string)

// CloseFunc observes the end of a connection.
type CloseFunc func(ctx context.Context, status CloseStatus)

type Options struct {
	ConnectionInitTimeout time.Duration
	Connect               ConnectFunc
	Subscribe             SubscribeFunc
	Complete              CompleteFunc
	Close                 CloseFunc
}

type Option func(*Options)

func WithInitTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectionInitTimeout = d }
}
func WithConnectFunc(f ConnectFunc) Option     { return func(o *Options) { o.Connect = f } }
func WithSubscribeFunc(f SubscribeFunc) Option { return func(o *Options) { o.Subscribe = f } }
func WithCompleteFunc(f CompleteFunc) Option   { return func(o *Options) { o.Complete = f } }
func WithCloseFunc(f CloseFunc) Option         { return func(o *Options) { o.Close = f } }

// Server runs the connection state machine for any number of sockets.
type Server struct {
	pipe *pipeline.Pipeline
	opt  Options
}

func NewServer(pipe *pipeline.Pipeline, opts ...Option) *Server {
	o := Options{ConnectionInitTimeout: DefaultInitTimeout}
	for _, f := range opts {
		f(&o)
	}
	return &Server{pipe: pipe, opt: o}
}

type connState int

const (
	stateConnecting connState = iota
	stateReady
	stateClosing
	stateClosed
)

// errConnClosed signals the intake loop that dispatch already closed
// the socket and reading must stop.
var errConnClosed = errors.New("connection closed")

type handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

type conn struct {
	server *Server
	sock   Socket
	connID string

	// opCtx is owned by the intake goroutine until operations spawn;
	// the connect hook may replace it during the handshake.
	opCtx context.Context

	ready      chan struct{}
	intakeDone chan struct{}

	mu        sync.Mutex
	state     connState
	subs      map[string]*handle
	statusSet bool
	statusVal CloseStatus
	wg        sync.WaitGroup
}

// Serve drives one connection until the transport ends or ctx is
// cancelled, then drains every operation before returning. The returned
// error is nil for every protocol-driven outcome; a context error means
// server-driven shutdown.
func (s *Server) Serve(ctx context.Context, sock Socket) error {
	connCtx, connID := reqid.NewConnectionContext(ctx)
	start := time.Now()
	eventbus.Publish(connCtx, events.ConnectionStart{ConnectionID: connID})

	opCtx, cancelOps := context.WithCancel(connCtx)
	c := &conn{
		server:     s,
		sock:       sock,
		connID:     connID,
		opCtx:      opCtx,
		ready:      make(chan struct{}),
		intakeDone: make(chan struct{}),
		subs:       make(map[string]*handle),
	}

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error { return c.watchdog(gctx) })
	g.Go(func() error {
		defer close(c.intakeDone)
		return c.intake(gctx)
	})
	err := g.Wait()

	c.teardown(cancelOps)
	status := c.status()
	eventbus.Publish(connCtx, events.ConnectionFinish{
		ConnectionID: connID,
		Code:         status.Code,
		Reason:       status.Reason,
		Duration:     time.Since(start),
	})
	if f := s.opt.Close; f != nil {
		isolate(connCtx, "close", func() error { f(connCtx, status); return nil })
	}
	if errors.Is(err, errConnClosed) {
		return nil
	}
	return err
}

// watchdog force-closes connections that never complete the handshake.
func (c *conn) watchdog(ctx context.Context) error {
	timer := time.NewTimer(c.server.opt.ConnectionInitTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return nil
	case <-c.intakeDone:
		return nil
	case <-ctx.Done():
		return nil
	case <-timer.C:
		c.close(CloseInitTimeout, "connection initialisation timeout")
		return nil
	}
}

// intake reads and dispatches messages in arrival order. Each message
// is fully dispatched before the next read, so duplicate detection and
// handle registration are race-free.
func (c *conn) intake(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-c.sock.Done():
			c.recordStatus(st)
			return nil
		case msg, ok := <-c.sock.Inbound():
			if !ok {
				return nil
			}
			if err := c.dispatch(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *conn) dispatch(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageConnectionInit:
		return c.handleInit(ctx, msg)
	case MessageSubscribe:
		return c.handleSubscribe(msg)
	case MessageComplete:
		c.handleComplete(msg.ID)
		return nil
	case MessagePing, MessagePong:
		return nil
	default:
		c.close(CloseInvalidMessage, fmt.Sprintf("invalid message type %q", msg.Type))
		return errConnClosed
	}
}

func (c *conn) handleInit(ctx context.Context, msg Message) error {
	c.mu.Lock()
	connecting := c.state == stateConnecting
	c.mu.Unlock()
	if !connecting {
		c.close(CloseTooManyInit, "too many initialisation requests")
		return errConnClosed
	}

	var params map[string]any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &params); err != nil {
			c.close(CloseInvalidMessage, "malformed connection_init payload")
			return errConnClosed
		}
	}

	var ackPayload map[string]any
	if f := c.server.opt.Connect; f != nil {
		hookCtx, payload, err := f(c.opCtx, params)
		if err != nil {
			c.close(CloseForbidden, "forbidden")
			return errConnClosed
		}
		if hookCtx != nil {
			c.opCtx = hookCtx
		}
		ackPayload = payload
	}

	if err := c.sock.Ack(ctx, ackPayload); err != nil {
		return errConnClosed
	}
	c.mu.Lock()
	c.state = stateReady
	c.mu.Unlock()
	close(c.ready)
	eventbus.Publish(c.opCtx, events.ConnectionReady{ConnectionID: c.connID})
	return nil
}

func (c *conn) handleSubscribe(msg Message) error {
	c.mu.Lock()
	ready := c.state == stateReady
	c.mu.Unlock()
	if !ready {
		c.close(CloseUnauthorized, "unauthorized")
		return errConnClosed
	}
	if msg.ID == "" {
		c.close(CloseInvalidMessage, "subscribe without id")
		return errConnClosed
	}

	var req graphql.Request
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &req) != nil {
		c.close(CloseInvalidMessage, "malformed subscribe payload")
		return errConnClosed
	}

	c.mu.Lock()
	if _, exists := c.subs[msg.ID]; exists {
		c.mu.Unlock()
		// The existing stream is not disturbed.
		c.send(c.opCtx, ErrorEvent(msg.ID, graphql.Errorf(
			graphql.CodeSubscriberAlreadyExists, "subscriber for %s already exists", msg.ID)))
		return nil
	}
	opCtx, cancel := context.WithCancel(c.opCtx)
	h := &handle{id: msg.ID, cancel: cancel, done: make(chan struct{})}
	c.subs[msg.ID] = h
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(opCtx, h, &req)
	return nil
}

// handleComplete cancels the named operation. The handle tears itself
// down without a terminal frame; unknown ids are ignored.
func (c *conn) handleComplete(id string) {
	c.mu.Lock()
	h := c.subs[id]
	c.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// run owns one operation from subscribe to teardown. Events for the
// operation are delivered in stream order; operations with distinct ids
// run concurrently.
func (c *conn) run(ctx context.Context, h *handle, req *graphql.Request) {
	start := time.Now()
	sent := 0
	var streamErr error
	defer func() {
		h.cancel()
		eventbus.Publish(ctx, events.SubscriptionFinish{
			ConnectionID: c.connID,
			OperationID:  h.id,
			Err:          streamErr,
			Events:       sent,
			Duration:     time.Since(start),
		})
		if f := c.server.opt.Complete; f != nil {
			isolate(ctx, "complete", func() error { f(ctx, h.id); return nil })
		}
		c.remove(h.id)
		close(h.done)
		c.wg.Done()
	}()

	eventbus.Publish(ctx, events.SubscriptionStart{
		ConnectionID:  c.connID,
		OperationID:   h.id,
		OperationName: req.OperationName,
		Query:         req.Query,
	})

	if f := c.server.opt.Subscribe; f != nil {
		if err := f(ctx, h.id, req); err != nil {
			c.send(ctx, ErrorEvent(h.id, &graphql.Error{Message: err.Error()}))
			return
		}
	}

	prep, refusal := c.server.pipe.Prepare(ctx, req)
	if refusal != nil {
		c.send(ctx, ErrorEvent(h.id, refusal.Errors...))
		return
	}

	if prep.Operation.Operation != language.Subscription {
		resp := c.server.pipe.Run(ctx, prep)
		if c.send(ctx, NextEvent(h.id, resp)) {
			sent++
			c.send(ctx, CompleteEvent(h.id))
		}
		return
	}

	stream, err := c.server.pipe.Subscribe(ctx, prep)
	if err != nil {
		c.send(ctx, ErrorEvent(h.id, &graphql.Error{Message: err.Error()}))
		return
	}

	for resp := range stream.Events() {
		resp = c.server.pipe.Finish(ctx, prep, resp)
		if !c.send(ctx, NextEvent(h.id, resp)) {
			return
		}
		sent++
		eventbus.Publish(ctx, events.SubscriptionEvent{ConnectionID: c.connID, OperationID: h.id})
	}
	if ctx.Err() != nil {
		// Cancelled by complete, close, or shutdown: no terminal frame.
		return
	}
	if streamErr = stream.Err(); streamErr != nil {
		c.send(ctx, ErrorEvent(h.id, &graphql.Error{Message: streamErr.Error()}))
		return
	}
	c.send(ctx, CompleteEvent(h.id))
}

func (c *conn) send(ctx context.Context, ev Event) bool {
	return c.sock.Send(ctx, ev) == nil
}

func (c *conn) remove(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// close moves the connection to Closing and tells the transport to shut
// down. Later calls keep the first status.
func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	if !c.statusSet {
		c.statusSet = true
		c.statusVal = CloseStatus{Code: code, Reason: reason}
	}
	c.mu.Unlock()
	c.sock.Close(code, reason)
}

func (c *conn) recordStatus(st CloseStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.statusSet {
		c.statusSet = true
		c.statusVal = st
	}
}

func (c *conn) status() CloseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.statusSet {
		return CloseStatus{Code: CloseNormal}
	}
	return c.statusVal
}

// teardown cancels every operation exactly once and waits for all
// handles to drain before the connection reaches Closed.
func (c *conn) teardown(cancelOps context.CancelFunc) {
	c.mu.Lock()
	if c.state != stateClosed {
		c.state = stateClosing
	}
	c.mu.Unlock()
	cancelOps()
	c.wg.Wait()
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

// isolate runs an observability hook so its panic or error cannot
// disturb the connection.
func isolate(ctx context.Context, name string, f func() error) {
	defer func() {
		if p := recover(); p != nil {
			eventbus.Publish(ctx, events.HookFailure{Hook: name, Phase: "subscription", Err: fmt.Errorf("panic: %v", p)})
		}
	}()
	if err := f(); err != nil {
		eventbus.Publish(ctx, events.HookFailure{Hook: name, Phase: "subscription", Err: err})
	}
}
