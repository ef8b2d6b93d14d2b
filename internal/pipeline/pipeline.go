// Package pipeline drives a GraphQL request through its fixed stages:
// persisted-query resolution, parsing, validation, complexity
// governance, lifecycle hooks, execution, and response assembly.
// Transports hand it a request envelope and get back a wire-ready
// response; streaming transports use Prepare and Run separately so a
// prepared subscription can outlive the handshake.
package pipeline

import (
	"context"
	"strings"
	"time"

	complexity "github.com/graphgate/graphgate/internal/complexity"
	engine "github.com/graphgate/graphgate/internal/engine"
	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
	extensions "github.com/graphgate/graphgate/internal/extensions"
	graphql "github.com/graphgate/graphgate/internal/graphql"
	language "github.com/graphgate/graphgate/internal/language"
	lifecycle "github.com/graphgate/graphgate/internal/lifecycle"
	persisted "github.com/graphgate/graphgate/internal/persisted"
)

type Options struct {
	Hooks                *lifecycle.Runner
	Governor             *complexity.Governor
	Persisted            *persisted.Handler
	DisableIntrospection bool
	ReportComplexity     bool
}

type Option func(*Options)

func WithHooks(r *lifecycle.Runner) Option       { return func(o *Options) { o.Hooks = r } }
func WithGovernor(g *complexity.Governor) Option { return func(o *Options) { o.Governor = g } }
func WithPersisted(h *persisted.Handler) Option  { return func(o *Options) { o.Persisted = h } }
func WithoutIntrospection() Option               { return func(o *Options) { o.DisableIntrospection = true } }
func WithComplexityReporting() Option            { return func(o *Options) { o.ReportComplexity = true } }

// Pipeline is safe for concurrent use; per-request state lives in
// Prepared.
type Pipeline struct {
	schema *language.Schema
	engine engine.Engine
	opt    Options
}

func New(schema *language.Schema, eng engine.Engine, opts ...Option) *Pipeline {
	var o Options
	for _, f := range opts {
		f(&o)
	}
	return &Pipeline{schema: schema, engine: eng, opt: o}
}

// Prepared is a request that has cleared every pre-execution stage.
type Prepared struct {
	Request   *graphql.Request
	Document  *language.QueryDocument
	Operation *language.OperationDefinition
	Bag       *extensions.Bag
	Info      *lifecycle.Info
}

// Prepare runs every stage up to execution. A non-nil response means
// the request was refused; it is already assembled and carries no data
// member. Refusals at any stage still carry whatever hooks wrote into
// the extensions bag.
func (p *Pipeline) Prepare(ctx context.Context, req *graphql.Request) (*Prepared, *graphql.Response) {
	bag := extensions.NewBag()

	if p.opt.Persisted != nil {
		resolved, perr := p.opt.Persisted.Resolve(ctx, req)
		if perr != nil {
			return nil, assemble(graphql.ErrorResponse(perr), bag)
		}
		req = resolved
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, assemble(graphql.ErrorResponse(
			graphql.Errorf(graphql.CodeBadRequest, "no GraphQL query supplied")), bag)
	}

	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		return nil, assemble(graphql.ErrorResponse(language.AsErrors(err, graphql.CodeParseFailed)...), bag)
	}

	info := &lifecycle.Info{Request: req, Document: doc, Extensions: bag}
	p.opt.Hooks.Run(ctx, lifecycle.PostParse, info)

	if errs := language.ValidateQuery(p.schema, doc); len(errs) > 0 {
		return nil, assemble(graphql.ErrorResponse(errs...), bag)
	}
	if p.opt.DisableIntrospection && introspects(doc) {
		return nil, assemble(graphql.ErrorResponse(
			graphql.Errorf(graphql.CodeValidationFailed, "introspection is disabled")), bag)
	}

	p.opt.Hooks.Run(ctx, lifecycle.PostValidate, info)

	op := doc.Operations.ForName(req.OperationName)
	if op == nil {
		msg := "operation name required when the document defines multiple operations"
		if req.OperationName != "" {
			msg = "operation \"" + req.OperationName + "\" not found in document"
		}
		return nil, assemble(graphql.ErrorResponse(graphql.Errorf(graphql.CodeValidationFailed, "%s", msg)), bag)
	}

	if p.opt.Governor != nil {
		res, aerr := p.opt.Governor.Analyze(p.schema, doc, op, req.Variables)
		if aerr != nil {
			// Fail open: governance never blocks on its own defects.
			eventbus.Publish(ctx, events.AnalysisFailure{OperationName: op.Name, Err: aerr})
		} else if lerr := p.opt.Governor.Check(res); lerr != nil {
			eventbus.Publish(ctx, events.ComplexityRejected{
				OperationName: op.Name,
				LimitType:     lerr.LimitType,
				Limit:         lerr.Limit,
				Actual:        lerr.Actual,
			})
			return nil, assemble(graphql.ErrorResponse(lerr.GraphQLError()), bag)
		} else if p.opt.ReportComplexity {
			bag.Set("complexity", map[string]any{
				"complexity": res.Complexity,
				"depth":      res.Depth,
				"fields":     res.FieldCount,
				"aliases":    res.AliasCount,
			})
		}
	}

	p.opt.Hooks.Run(ctx, lifecycle.PreExecute, info)

	return &Prepared{Request: req, Document: doc, Operation: op, Bag: bag, Info: info}, nil
}

// Execute runs the full pipeline for a one-shot request. Subscription
// operations are refused; they need a streaming transport.
func (p *Pipeline) Execute(ctx context.Context, req *graphql.Request) *graphql.Response {
	prep, refusal := p.Prepare(ctx, req)
	if refusal != nil {
		return refusal
	}
	if prep.Operation.Operation == language.Subscription {
		return assemble(graphql.ErrorResponse(graphql.Errorf(graphql.CodeValidationFailed,
			"subscription operations require a streaming transport")), prep.Bag)
	}
	return p.Run(ctx, prep)
}

// Run executes a prepared query or mutation and finishes the response.
func (p *Pipeline) Run(ctx context.Context, prep *Prepared) *graphql.Response {
	start := time.Now()
	eventbus.Publish(ctx, events.OperationStart{
		Query:         prep.Request.Query,
		OperationName: prep.Operation.Name,
		OperationType: string(prep.Operation.Operation),
	})

	resp := p.engine.Execute(ctx, p.args(prep))
	resp = p.Finish(ctx, prep, resp)

	errs := make([]error, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		errs = append(errs, e)
	}
	eventbus.Publish(ctx, events.OperationFinish{
		Query:         prep.Request.Query,
		OperationName: prep.Operation.Name,
		OperationType: string(prep.Operation.Operation),
		Errors:        errs,
		Duration:      time.Since(start),
	})
	return resp
}

// Subscribe opens the engine stream for a prepared subscription.
// Callers finish each streamed response through Finish.
func (p *Pipeline) Subscribe(ctx context.Context, prep *Prepared) (engine.Stream, error) {
	return p.engine.Subscribe(ctx, p.args(prep))
}

// Finish runs post-execute hooks against resp and merges the bag into
// its extensions. For subscriptions it runs once per streamed event
// with the bag shared across the stream.
func (p *Pipeline) Finish(ctx context.Context, prep *Prepared, resp *graphql.Response) *graphql.Response {
	if resp == nil {
		resp = &graphql.Response{}
	}
	prep.Info.Response = resp
	p.opt.Hooks.Run(ctx, lifecycle.PostExecute, prep.Info)
	return assemble(resp, prep.Bag)
}

func (p *Pipeline) args(prep *Prepared) *engine.Args {
	return &engine.Args{
		Schema:        p.schema,
		Document:      prep.Document,
		OperationName: prep.Request.OperationName,
		Variables:     prep.Request.Variables,
	}
}

// assemble merges the bag into the response extensions; bag entries win
// over engine-provided ones.
func assemble(resp *graphql.Response, bag *extensions.Bag) *graphql.Response {
	if bag == nil || bag.Len() == 0 {
		return resp
	}
	merged := extensions.NewBag()
	merged.MergeAll(resp.Extensions)
	merged.MergeAll(bag.Snapshot())
	resp.Extensions = merged.Snapshot()
	return resp
}

func introspects(doc *language.QueryDocument) bool {
	for _, op := range doc.Operations {
		if selectsIntrospection(op.SelectionSet) {
			return true
		}
	}
	for _, frag := range doc.Fragments {
		if selectsIntrospection(frag.SelectionSet) {
			return true
		}
	}
	return false
}

func selectsIntrospection(set language.SelectionSet) bool {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			if sel.Name == "__schema" || sel.Name == "__type" {
				return true
			}
			if selectsIntrospection(sel.SelectionSet) {
				return true
			}
		case *language.InlineFragment:
			if selectsIntrospection(sel.SelectionSet) {
				return true
			}
		}
	}
	return false
}
