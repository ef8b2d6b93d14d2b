package ssetp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	engine "github.com/graphgate/graphgate/internal/engine"
	graphql "github.com/graphgate/graphgate/internal/graphql"
	language "github.com/graphgate/graphgate/internal/language"
	pipeline "github.com/graphgate/graphgate/internal/pipeline"
	subscription "github.com/graphgate/graphgate/internal/subscription"
)

const testSDL = `
type Query {
  hello: String
}
type Subscription {
  ticks: Int
}
`

func newTestHandler(t *testing.T, eng engine.Engine) *Handler {
	t.Helper()
	schema, err := language.LoadSchema("test.graphql", testSDL)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	return NewHandler(subscription.NewServer(pipeline.New(schema, eng)))
}

func countingEngine(t *testing.T, n int) *engine.ResolverEngine {
	t.Helper()
	eng := engine.NewResolverEngine(map[string]engine.Resolver{
		"Query.hello": engine.NewValueResolver("world"),
	})
	eng.SetSource("ticks", func(ctx context.Context, args map[string]any) (<-chan any, error) {
		ch := make(chan any, n)
		for i := 1; i <= n; i++ {
			ch <- i
		}
		close(ch)
		return ch, nil
	})
	return eng
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(body string) []sseEvent {
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if rest, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = rest
			} else if rest, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = rest
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestSubscriptionFraming(t *testing.T) {
	h := newTestHandler(t, countingEngine(t, 2))
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/graphql", nil)

	h.Serve(w, r, &graphql.Request{Query: `subscription { ticks }`})

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("cache control = %q", cc)
	}

	evs := parseEvents(w.Body.String())
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3: %+v", len(evs), evs)
	}
	for i := 0; i < 2; i++ {
		if evs[i].name != "next" {
			t.Fatalf("event %d = %q, want next", i, evs[i].name)
		}
		var resp struct {
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(evs[i].data), &resp); err != nil {
			t.Fatalf("unmarshal event %d: %v", i, err)
		}
		if resp.Data["ticks"] != float64(i+1) {
			t.Fatalf("ticks = %v, want %d", resp.Data["ticks"], i+1)
		}
	}
	if evs[2].name != "complete" || evs[2].data != "{}" {
		t.Fatalf("terminal event = %+v", evs[2])
	}
}

func TestQueryOverSSE(t *testing.T) {
	h := newTestHandler(t, countingEngine(t, 0))
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/graphql", nil)

	h.Serve(w, r, &graphql.Request{Query: `{ hello }`})

	evs := parseEvents(w.Body.String())
	if len(evs) != 2 || evs[0].name != "next" || evs[1].name != "complete" {
		t.Fatalf("events = %+v", evs)
	}
	if !strings.Contains(evs[0].data, `"hello":"world"`) {
		t.Fatalf("next data = %q", evs[0].data)
	}
}

func TestRefusalEndsAfterSingleErrorEvent(t *testing.T) {
	h := newTestHandler(t, countingEngine(t, 0))
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/graphql", nil)

	h.Serve(w, r, &graphql.Request{Query: `{ nope }`})

	evs := parseEvents(w.Body.String())
	if len(evs) != 1 || evs[0].name != "error" {
		t.Fatalf("events = %+v", evs)
	}
	var errs []*graphql.Error
	if err := json.Unmarshal([]byte(evs[0].data), &errs); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if code := errs[0].Code(); code != graphql.CodeValidationFailed {
		t.Fatalf("code = %q", code)
	}
}

func TestClientDisconnectCancelsStream(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	eng := engine.NewResolverEngine(nil)
	eng.SetSource("ticks", func(ctx context.Context, args map[string]any) (<-chan any, error) {
		close(started)
		go func() {
			<-ctx.Done()
			close(cancelled)
		}()
		return make(chan any), nil
	})
	h := newTestHandler(t, eng)

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/graphql", nil).WithContext(ctx)

	served := make(chan struct{})
	go func() {
		h.Serve(w, r, &graphql.Request{Query: `subscription { ticks }`})
		close(served)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never started")
	}
	cancel()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not cancel the stream")
	}
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after disconnect")
	}
}

func TestAccepts(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	if Accepts(r) {
		t.Fatal("plain request reported as event stream")
	}
	r.Header.Set("Accept", "text/event-stream")
	if !Accepts(r) {
		t.Fatal("event-stream request not recognized")
	}
}
