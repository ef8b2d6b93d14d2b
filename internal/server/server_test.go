package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	engine "github.com/graphgate/graphgate/internal/engine"
	language "github.com/graphgate/graphgate/internal/language"
	persisted "github.com/graphgate/graphgate/internal/persisted"
	pipeline "github.com/graphgate/graphgate/internal/pipeline"
	reqid "github.com/graphgate/graphgate/internal/reqid"
	subscription "github.com/graphgate/graphgate/internal/subscription"
)

const testSDL = `
type Query {
  hello: String
  fail: String
}
type Subscription {
  ticks: Int
}
`

func newTestHandler(t *testing.T, popts []pipeline.Option, opts ...Option) *Handler {
	t.Helper()
	sch, err := language.LoadSchema("test.graphql", testSDL)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	eng := engine.NewResolverEngine(map[string]engine.Resolver{
		"Query.hello": engine.NewValueResolver("world"),
		"Query.fail":  engine.NewErrorResolver(fmt.Errorf("boom")),
	})
	eng.SetSource("ticks", func(ctx context.Context, args map[string]any) (<-chan any, error) {
		ch := make(chan any, 2)
		ch <- 1
		ch <- 2
		close(ch)
		return ch, nil
	})
	pipe := pipeline.New(sch, eng, popts...)
	subs := subscription.NewServer(pipe)
	return New(pipe, subs, opts...)
}

func postJSON(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/graphql", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestPostQuery(t *testing.T) {
	h := newTestHandler(t, nil)
	w := postJSON(h, `{"query":"{ hello }"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type %q", ct)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
	body := decodeBody(t, w)
	data, _ := body["data"].(map[string]any)
	if data["hello"] != "world" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestGetQuery(t *testing.T) {
	h := newTestHandler(t, nil)
	q := url.Values{}
	q.Set("query", "{ hello }")
	req := httptest.NewRequest("GET", "/graphql?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := decodeBody(t, w)
	data, _ := body["data"].(map[string]any)
	if data["hello"] != "world" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestBatchRequest(t *testing.T) {
	h := newTestHandler(t, nil)
	w := postJSON(h, `[{"query":"{ hello }"},{"query":"{ hello }"}]`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results got %d", len(out))
	}
	for i, item := range out {
		data, _ := item["data"].(map[string]any)
		if data["hello"] != "world" {
			t.Fatalf("result %d: %v", i, item)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, nil)
	req := httptest.NewRequest("PUT", "/graphql", bytes.NewBufferString(`{"query":"{ hello }"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", w.Code)
	}
}

func TestInvalidJSON(t *testing.T) {
	h := newTestHandler(t, nil)
	w := postJSON(h, `{"query":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
}

func TestMissingQuery(t *testing.T) {
	h := newTestHandler(t, nil)
	w := postJSON(h, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
	body := decodeBody(t, w)
	errs, _ := body["errors"].([]any)
	if len(errs) != 1 {
		t.Fatalf("expected one error: %v", body)
	}
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, nil, WithMaxBodyBytes(10))
	w := postJSON(h, `{"query":"{ hello hello hello }"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", w.Code)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, nil, WithCORS("*"))

	// simple request
	req := httptest.NewRequest("POST", "/graphql", bytes.NewBufferString(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	// preflight
	pre := httptest.NewRequest("OPTIONS", "/graphql", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "X-Test")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	if pw.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", pw.Code)
	}
	if pw.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight missing CORS header")
	}
	if pw.Header().Get("Access-Control-Allow-Headers") != "X-Test" {
		t.Fatalf("preflight missing allow headers")
	}
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	h := newTestHandler(t, nil, WithCORS("http://example.com"))
	req := httptest.NewRequest("POST", "/graphql", bytes.NewBufferString(`{"query":"{ hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Fatalf("origin not echoed: %v", w.Header())
	}
	if !strings.Contains(w.Header().Get("Vary"), "Origin") {
		t.Fatalf("missing Vary header")
	}

	other := httptest.NewRequest("POST", "/graphql", bytes.NewBufferString(`{"query":"{ hello }"}`))
	other.Header.Set("Content-Type", "application/json")
	other.Header.Set("Origin", "http://evil.example")
	ow := httptest.NewRecorder()
	h.ServeHTTP(ow, other)
	if ow.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected CORS header for disallowed origin")
	}
}

func TestStatusMapping(t *testing.T) {
	h := newTestHandler(t, nil)

	// Validation refusals map to 400.
	w := postJSON(h, `{"query":"{ nope }"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("validation error: expected 400 got %d", w.Code)
	}

	// Resolver errors keep 200 with partial data.
	w = postJSON(h, `{"query":"{ fail }"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("resolver error: expected 200 got %d", w.Code)
	}
	body := decodeBody(t, w)
	if _, ok := body["errors"]; !ok {
		t.Fatalf("expected errors in body: %v", body)
	}
}

func TestSubscriptionOverPostRefused(t *testing.T) {
	h := newTestHandler(t, nil)
	w := postJSON(h, `{"query":"subscription { ticks }"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "streaming transport") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestPlaygroundServed(t *testing.T) {
	h := newTestHandler(t, nil)
	req := httptest.NewRequest("GET", "/graphql", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content type %q", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "GraphGate") {
		t.Fatalf("playground page missing title")
	}
}

func TestPlaygroundDisabled(t *testing.T) {
	h := newTestHandler(t, nil, WithPlayground(false))
	req := httptest.NewRequest("GET", "/graphql", nil)
	req.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
}

func TestPersistedQueryOverHTTP(t *testing.T) {
	store := persisted.NewAutomaticStore(16)
	h := newTestHandler(t, []pipeline.Option{
		pipeline.WithPersisted(persisted.NewHandler(store)),
	})
	query := "{ hello }"
	hash := persisted.Hash(query)
	ext := fmt.Sprintf(`{"persistedQuery":{"version":1,"sha256Hash":"%s"}}`, hash)

	// Unknown hash is reported at 200 so clients retry with the text.
	q := url.Values{}
	q.Set("extensions", ext)
	req := httptest.NewRequest("GET", "/graphql?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("miss status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "PersistedQueryNotFound") {
		t.Fatalf("expected not-found error: %s", w.Body.String())
	}

	// Registration run carries both text and hash.
	w = postJSON(h, fmt.Sprintf(`{"query":"%s","extensions":%s}`, query, ext))
	if w.Code != http.StatusOK {
		t.Fatalf("register status %d", w.Code)
	}
	body := decodeBody(t, w)
	data, _ := body["data"].(map[string]any)
	if data["hello"] != "world" {
		t.Fatalf("register body: %v", body)
	}

	// Hash-only request now resolves.
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, httptest.NewRequest("GET", "/graphql?"+q.Encode(), nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("hit status %d", w2.Code)
	}
	body = decodeBody(t, w2)
	data, _ = body["data"].(map[string]any)
	if data["hello"] != "world" {
		t.Fatalf("hit body: %v", body)
	}
}

func TestSSESubscription(t *testing.T) {
	h := newTestHandler(t, nil)
	req := httptest.NewRequest("POST", "/graphql", bytes.NewBufferString(`{"query":"subscription { ticks }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	out := w.Body.String()
	if !strings.Contains(out, `"ticks":1`) || !strings.Contains(out, `"ticks":2`) {
		t.Fatalf("missing events: %s", out)
	}
	if !strings.Contains(out, "event: complete") {
		t.Fatalf("missing complete frame: %s", out)
	}
}

func TestWebSocketRouting(t *testing.T) {
	h := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"graphql-transport-ws"}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "connection_init"}); err != nil {
		t.Fatalf("write init: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if msg["type"] != "connection_ack" {
		t.Fatalf("expected ack got %v", msg)
	}
}

func TestRequestIDInContext(t *testing.T) {
	sch, err := language.LoadSchema("test.graphql", testSDL)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var captured string
	eng := engine.NewResolverEngine(map[string]engine.Resolver{
		"Query.hello": func(ctx context.Context, src any, args map[string]any) (any, error) {
			captured, _ = reqid.FromContext(ctx)
			return "world", nil
		},
	})
	h := New(pipeline.New(sch, eng), nil)

	w := postJSON(h, `{"query":"{ hello }"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if captured == "" {
		t.Fatalf("missing request id in resolver context")
	}
	if got := w.Header().Get("X-Request-Id"); got != captured {
		t.Fatalf("header %q does not match context id %q", got, captured)
	}
}
