package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
	reqid "github.com/graphgate/graphgate/internal/reqid"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, &buf
}

func TestHTTPFinishLogged(t *testing.T) {
	eventbus.Use(eventbus.New())
	logger, buf := newTestLogger()
	defer Subscribe(logger)()

	ctx, id := reqid.NewContext(context.Background())
	req := httptest.NewRequest("POST", "/graphql", nil)
	eventbus.Publish(ctx, events.HTTPFinish{Request: req, Status: 200, Duration: 5 * time.Millisecond})

	out := buf.String()
	if !strings.Contains(out, "http request") || !strings.Contains(out, "status=200") {
		t.Fatalf("unexpected log output: %s", out)
	}
	if !strings.Contains(out, "request_id="+id) {
		t.Fatalf("missing request id: %s", out)
	}
}

func TestFailuresLogAtWarn(t *testing.T) {
	eventbus.Use(eventbus.New())
	logger, buf := newTestLogger()
	defer Subscribe(logger)()

	ctx := context.Background()
	eventbus.Publish(ctx, events.HookFailure{Hook: "tracer", Phase: "post-parse", Err: fmt.Errorf("boom")})
	eventbus.Publish(ctx, events.ComplexityRejected{OperationName: "Big", LimitType: "maxDepth", Limit: 3, Actual: 9})
	eventbus.Publish(ctx, events.AnalysisFailure{OperationName: "Odd", Err: fmt.Errorf("bad cost key")})

	out := buf.String()
	for _, want := range []string{
		"level=WARN",
		"lifecycle hook failed",
		"complexity limit exceeded",
		"limit_type=maxDepth",
		"complexity analysis failed",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %s", want, out)
		}
	}
}

func TestConnectionLifecycleLogged(t *testing.T) {
	eventbus.Use(eventbus.New())
	logger, buf := newTestLogger()
	defer Subscribe(logger)()

	ctx := context.Background()
	eventbus.Publish(ctx, events.ConnectionReady{ConnectionID: "c1"})
	eventbus.Publish(ctx, events.SubscriptionFinish{ConnectionID: "c1", OperationID: "op1", Events: 3, Duration: time.Second})
	eventbus.Publish(ctx, events.ConnectionFinish{ConnectionID: "c1", Code: 1000, Reason: "normal", Duration: time.Minute})

	out := buf.String()
	for _, want := range []string{
		"subscription connection ready",
		"subscription finished",
		"events=3",
		"subscription connection closed",
		"code=1000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %s", want, out)
		}
	}
}

func TestUnsubscribeStopsLogging(t *testing.T) {
	eventbus.Use(eventbus.New())
	logger, buf := newTestLogger()
	unsub := Subscribe(logger)

	eventbus.Publish(context.Background(), events.ConnectionReady{ConnectionID: "c1"})
	if buf.Len() == 0 {
		t.Fatalf("expected log output before unsubscribe")
	}

	buf.Reset()
	unsub()
	eventbus.Publish(context.Background(), events.ConnectionReady{ConnectionID: "c2"})
	if buf.Len() != 0 {
		t.Fatalf("unexpected output after unsubscribe: %s", buf.String())
	}
}
