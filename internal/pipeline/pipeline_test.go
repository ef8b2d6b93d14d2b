package pipeline

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	complexity "github.com/graphgate/graphgate/internal/complexity"
	engine "github.com/graphgate/graphgate/internal/engine"
	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
	graphql "github.com/graphgate/graphgate/internal/graphql"
	language "github.com/graphgate/graphgate/internal/language"
	lifecycle "github.com/graphgate/graphgate/internal/lifecycle"
	persisted "github.com/graphgate/graphgate/internal/persisted"
)

const testSDL = `
type Query {
  hello: String
  user: User
}
type Subscription {
  ticks: Int
}
type User {
  name: String
  friend: User
}
`

func testPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	schema, err := language.LoadSchema("test.graphql", testSDL)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	eng := engine.NewResolverEngine(map[string]engine.Resolver{
		"Query.hello": engine.NewValueResolver("world"),
		"Query.user":  engine.NewValueResolver(map[string]any{"name": "ada"}),
	})
	return New(schema, eng, opts...)
}

func TestExecuteReturnsData(t *testing.T) {
	p := testPipeline(t)
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ hello }`})
	if resp.RequestFailed() {
		t.Fatalf("request refused: %v", resp.Errors)
	}
	want := map[string]any{"hello": "world"}
	if diff := cmp.Diff(want, resp.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteParseFailure(t *testing.T) {
	p := testPipeline(t)
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ hello`})
	if !resp.RequestFailed() {
		t.Fatal("expected a request error")
	}
	if code := resp.Errors[0].Code(); code != graphql.CodeParseFailed {
		t.Fatalf("code = %q, want %q", code, graphql.CodeParseFailed)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	p := testPipeline(t)
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ nope }`})
	if !resp.RequestFailed() {
		t.Fatal("expected a request error")
	}
	if code := resp.Errors[0].Code(); code != graphql.CodeValidationFailed {
		t.Fatalf("code = %q, want %q", code, graphql.CodeValidationFailed)
	}
}

func TestExecuteEmptyQuery(t *testing.T) {
	p := testPipeline(t)
	resp := p.Execute(context.Background(), &graphql.Request{Query: "  "})
	if code := resp.Errors[0].Code(); code != graphql.CodeBadRequest {
		t.Fatalf("code = %q, want %q", code, graphql.CodeBadRequest)
	}
}

func TestExecuteComplexityRejection(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)
	var rejected []events.ComplexityRejected
	defer eventbus.Subscribe(func(ctx context.Context, e events.ComplexityRejected) {
		rejected = append(rejected, e)
	})()

	p := testPipeline(t, WithGovernor(complexity.New(
		complexity.WithLimits(complexity.Limits{MaxDepth: 1}),
	)))
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ user { name } }`})
	if !resp.RequestFailed() {
		t.Fatal("expected a request error")
	}
	err := resp.Errors[0]
	if err.Code() != graphql.CodeComplexityLimitExceeded {
		t.Fatalf("code = %q", err.Code())
	}
	if err.Extensions["limitType"] != "maxDepth" {
		t.Fatalf("limitType = %v", err.Extensions["limitType"])
	}
	if len(rejected) != 1 || rejected[0].Actual != 2 {
		t.Fatalf("rejected events = %+v", rejected)
	}
}

func TestAnalysisFailureFailsOpen(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)
	var failures []events.AnalysisFailure
	defer eventbus.Subscribe(func(ctx context.Context, e events.AnalysisFailure) {
		failures = append(failures, e)
	})()

	p := testPipeline(t, WithGovernor(complexity.New(
		complexity.WithCosts(complexity.Costs{"missing-dot": 3}),
		complexity.WithLimits(complexity.Limits{MaxComplexity: 1}),
	)))
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ hello user { name } }`})
	if resp.RequestFailed() {
		t.Fatalf("request refused despite fail-open: %v", resp.Errors)
	}
	if len(failures) != 1 {
		t.Fatalf("failure events = %d, want 1", len(failures))
	}
}

func TestComplexityReporting(t *testing.T) {
	p := testPipeline(t,
		WithGovernor(complexity.New()),
		WithComplexityReporting(),
	)
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ user { name friend { name } } }`})
	report, ok := resp.Extensions["complexity"].(map[string]any)
	if !ok {
		t.Fatalf("extensions = %v, want complexity report", resp.Extensions)
	}
	want := map[string]any{"complexity": 4, "depth": 3, "fields": 4, "aliases": 0}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestHooksRunInPhaseOrderAndDecorate(t *testing.T) {
	var phases []string
	observe := func(name string, phase lifecycle.Phase) lifecycle.Hook {
		return lifecycle.Hook{Name: name, Phase: phase, Func: func(ctx context.Context, info *lifecycle.Info) error {
			phases = append(phases, string(phase))
			return nil
		}}
	}
	runner := lifecycle.NewRunner(
		observe("a", lifecycle.PostParse),
		observe("b", lifecycle.PostValidate),
		observe("c", lifecycle.PreExecute),
		lifecycle.Hook{Name: "d", Phase: lifecycle.PostExecute, Func: func(ctx context.Context, info *lifecycle.Info) error {
			phases = append(phases, string(lifecycle.PostExecute))
			if info.Response == nil {
				t.Error("post-execute hook saw no response")
			}
			info.Extensions.Set("traceId", "t-1")
			return nil
		}},
	)

	p := testPipeline(t, WithHooks(runner))
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ hello }`})

	want := []string{"post-parse", "post-validate", "pre-execute", "post-execute"}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Fatalf("phases mismatch (-want +got):\n%s", diff)
	}
	if resp.Extensions["traceId"] != "t-1" {
		t.Fatalf("extensions = %v", resp.Extensions)
	}
}

func TestRefusalCarriesHookExtensions(t *testing.T) {
	runner := lifecycle.NewRunner(lifecycle.Hook{
		Name:  "stamp",
		Phase: lifecycle.PostParse,
		Func: func(ctx context.Context, info *lifecycle.Info) error {
			info.Extensions.Set("stamp", true)
			return nil
		},
	})
	p := testPipeline(t, WithHooks(runner))
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ nope }`})
	if !resp.RequestFailed() {
		t.Fatal("expected a request error")
	}
	if resp.Extensions["stamp"] != true {
		t.Fatalf("extensions = %v, want hook stamp", resp.Extensions)
	}
}

func TestPersistedQueryFlow(t *testing.T) {
	p := testPipeline(t, WithPersisted(persisted.NewHandler(persisted.NewAutomaticStore(10))))

	query := `{ hello }`
	ext := func() map[string]any {
		return map[string]any{"persistedQuery": map[string]any{
			"version":    1,
			"sha256Hash": persisted.Hash(query),
		}}
	}

	miss := p.Execute(context.Background(), &graphql.Request{Extensions: ext()})
	if code := miss.Errors[0].Code(); code != graphql.CodePersistedQueryNotFound {
		t.Fatalf("code = %q, want %q", code, graphql.CodePersistedQueryNotFound)
	}

	register := p.Execute(context.Background(), &graphql.Request{Query: query, Extensions: ext()})
	if register.RequestFailed() {
		t.Fatalf("registration refused: %v", register.Errors)
	}

	hit := p.Execute(context.Background(), &graphql.Request{Extensions: ext()})
	if hit.RequestFailed() {
		t.Fatalf("replay refused: %v", hit.Errors)
	}
	if diff := cmp.Diff(map[string]any{"hello": "world"}, hit.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestIntrospectionRefusal(t *testing.T) {
	p := testPipeline(t, WithoutIntrospection())
	resp := p.Execute(context.Background(), &graphql.Request{Query: `{ __schema { types { name } } }`})
	if !resp.RequestFailed() {
		t.Fatal("expected a request error")
	}
	if resp.Errors[0].Message != "introspection is disabled" {
		t.Fatalf("message = %q", resp.Errors[0].Message)
	}

	open := testPipeline(t)
	if resp := open.Execute(context.Background(), &graphql.Request{Query: `{ __typename }`}); resp.RequestFailed() {
		t.Fatalf("__typename refused: %v", resp.Errors)
	}
}

func TestExecuteRefusesSubscriptions(t *testing.T) {
	p := testPipeline(t)
	resp := p.Execute(context.Background(), &graphql.Request{Query: `subscription { ticks }`})
	if !resp.RequestFailed() {
		t.Fatal("expected a request error")
	}
	if code := resp.Errors[0].Code(); code != graphql.CodeValidationFailed {
		t.Fatalf("code = %q", code)
	}
}

func TestOperationSelection(t *testing.T) {
	p := testPipeline(t)
	doc := `query A { hello } query B { user { name } }`

	resp := p.Execute(context.Background(), &graphql.Request{Query: doc})
	if !resp.RequestFailed() {
		t.Fatal("expected a request error without an operation name")
	}

	resp = p.Execute(context.Background(), &graphql.Request{Query: doc, OperationName: "B"})
	if resp.RequestFailed() {
		t.Fatalf("named operation refused: %v", resp.Errors)
	}
	want := map[string]any{"user": map[string]any{"name": "ada"}}
	if diff := cmp.Diff(want, resp.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	resp = p.Execute(context.Background(), &graphql.Request{Query: doc, OperationName: "C"})
	if !resp.RequestFailed() {
		t.Fatal("expected a request error for an unknown operation name")
	}
}

func TestRunPublishesOperationEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)
	var started []events.OperationStart
	var finished []events.OperationFinish
	defer eventbus.Subscribe(func(ctx context.Context, e events.OperationStart) { started = append(started, e) })()
	defer eventbus.Subscribe(func(ctx context.Context, e events.OperationFinish) { finished = append(finished, e) })()

	p := testPipeline(t)
	p.Execute(context.Background(), &graphql.Request{Query: `query Hello { hello }`})

	if len(started) != 1 || started[0].OperationName != "Hello" || started[0].OperationType != "query" {
		t.Fatalf("start events = %+v", started)
	}
	if len(finished) != 1 || len(finished[0].Errors) != 0 {
		t.Fatalf("finish events = %+v", finished)
	}
}
