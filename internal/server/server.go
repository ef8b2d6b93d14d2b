// Package server exposes the gateway over HTTP: one endpoint serving
// POST and GET documents, batched arrays, WebSocket upgrades, SSE
// streams, and the in-browser playground.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"

	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
	graphql "github.com/graphgate/graphgate/internal/graphql"
	pipeline "github.com/graphgate/graphgate/internal/pipeline"
	reqid "github.com/graphgate/graphgate/internal/reqid"
	ssetp "github.com/graphgate/graphgate/internal/ssetp"
	subscription "github.com/graphgate/graphgate/internal/subscription"
	wstp "github.com/graphgate/graphgate/internal/wstp"
)

// Handler is an http.Handler that serves a GraphQL endpoint. It parses
// request envelopes, routes them to the right transport, and formats
// responses per the GraphQL-over-HTTP rules.
type Handler struct {
	pipe *pipeline.Pipeline
	ws   http.Handler
	sse  *ssetp.Handler
	opt  Options
}

type Options struct {
	// Timeout sets a default timeout for one-shot requests whose
	// context has none. Streaming transports are exempt. 0 disables it.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// Playground serves the in-browser IDE on browser GETs when true.
	Playground bool
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithPlayground(enable bool) Option { return func(o *Options) { o.Playground = enable } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates the GraphQL HTTP handler. A nil subscription server
// disables the WebSocket and SSE transports.
func New(pipe *pipeline.Pipeline, subs *subscription.Server, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, Playground: true}
	for _, f := range opts {
		f(&op)
	}
	h := &Handler{pipe: pipe, opt: op}
	if subs != nil {
		h.ws = wstp.NewHandler(subs)
		h.sse = ssetp.NewHandler(subs)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// WebSocket sessions outlive the request cycle and publish their
	// own connection events.
	if wstp.IsUpgrade(r) {
		if h.ws == nil {
			writeJSON(w, http.StatusBadRequest, graphql.ErrorResponse(
				graphql.Errorf(graphql.CodeBadRequest, "subscriptions are not enabled")), h.opt.Pretty)
			return
		}
		h.ws.ServeHTTP(w, r)
		return
	}

	ctx, rid := reqid.NewContext(r.Context())
	r = r.WithContext(ctx)
	w.Header().Set("X-Request-Id", rid)

	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, graphql.ErrorResponse(
			graphql.Errorf(graphql.CodeBadRequest, "method not allowed")), h.opt.Pretty)
		return
	}

	// Serve the IDE when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.Playground && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		playground.Handler("GraphGate", r.URL.Path).ServeHTTP(w, r)
		return
	}

	req, batch, perr := parseRequest(r, h.opt.MaxBodyBytes)
	if perr != nil {
		status = http.StatusBadRequest
		if perr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, graphql.ErrorResponse(perr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if req != nil && h.sse != nil && ssetp.Accepts(r) {
		h.sse.Serve(w, r, req)
		return
	}

	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	if batch != nil {
		out := make([]*graphql.Response, len(batch))
		for i := range batch {
			out[i] = h.pipe.Execute(ctx, batch[i])
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	resp := h.pipe.Execute(ctx, req)
	status = statusFor(resp)
	writeJSON(w, status, resp, h.opt.Pretty)
}

// statusFor maps refusals to 400; everything else, including resolver
// and persisted-query errors, stays 200.
func statusFor(resp *graphql.Response) int {
	if !resp.RequestFailed() {
		return http.StatusOK
	}
	for _, e := range resp.Errors {
		switch e.Code() {
		case graphql.CodeParseFailed,
			graphql.CodeValidationFailed,
			graphql.CodeComplexityLimitExceeded,
			graphql.CodeBadRequest:
			return http.StatusBadRequest
		}
	}
	return http.StatusOK
}

// ------------------ Request parsing ------------------

const errBodyTooLargeMessage = "body too large"

// parseRequest decodes the envelope from a GET query string or a JSON
// body, which may be a batch array. A request with neither query text
// nor extensions is refused; extensions alone are enough for persisted
// queries.
func parseRequest(r *http.Request, maxBody int64) (*graphql.Request, []*graphql.Request, *graphql.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req := &graphql.Request{
			Query:         q.Get("query"),
			OperationName: q.Get("operationName"),
			Variables:     map[string]any{},
		}
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
				return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "invalid 'variables' JSON")
			}
		}
		if v := q.Get("extensions"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Extensions); err != nil {
				return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "invalid 'extensions' JSON")
			}
		}
		if req.Query == "" && len(req.Extensions) == 0 {
			return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "missing 'query'")
		}
		return req, nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "unsupported Content-Type")
	}

	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "failed to read body")
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, nil, graphql.Errorf(graphql.CodeBadRequest, errBodyTooLargeMessage)
	}

	if len(body) > 0 && body[0] == '[' {
		var batch []*graphql.Request
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "invalid JSON")
		}
		if len(batch) == 0 {
			return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "empty batch")
		}
		return nil, batch, nil
	}

	var req graphql.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "invalid JSON")
	}
	if req.Query == "" && len(req.Extensions) == 0 {
		return nil, nil, graphql.Errorf(graphql.CodeBadRequest, "missing 'query'")
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	return &req, nil, nil
}

// ------------------ Response formatting ------------------

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	wildcard := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			allowed = true
			wildcard = true
		}
		if o == origin {
			allowed = true
		}
	}
	if !allowed {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "text/html") || part == "*/*" {
			return true
		}
	}
	return false
}
