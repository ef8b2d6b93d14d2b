package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	graphql "github.com/graphgate/graphgate/internal/graphql"
	language "github.com/graphgate/graphgate/internal/language"
)

// Resolver resolves one field. Source is the parent value (nil at the
// root); args are the coerced field arguments.
type Resolver func(ctx context.Context, source any, args map[string]any) (any, error)

// SourceFunc opens the event source backing one subscription root
// field. The returned channel ends the stream when closed; sending an
// error value ends the stream with that error.
type SourceFunc func(ctx context.Context, args map[string]any) (<-chan any, error)

// NewValueResolver returns a Resolver that always yields val.
func NewValueResolver(val any) Resolver {
	return func(ctx context.Context, source any, args map[string]any) (any, error) {
		return val, nil
	}
}

// NewErrorResolver returns a Resolver that always fails with err.
func NewErrorResolver(err error) Resolver {
	return func(ctx context.Context, source any, args map[string]any) (any, error) {
		return nil, err
	}
}

// Call records a single resolver invocation.
type Call struct {
	ObjectType string
	Field      string
	Args       map[string]any
}

// ResolverEngine is an in-process Engine backed by a resolver registry
// keyed "ObjectType.Field" and, for subscriptions, a source registry
// keyed by root field name. Fields without a registered resolver fall
// back to map-key lookup on the source value. It handles aliases,
// fragments, @skip/@include, lists, and __typename; full spec execution
// (non-null propagation, abstract types) is left to external engines.
type ResolverEngine struct {
	mu        sync.Mutex
	resolvers map[string]Resolver
	sources   map[string]SourceFunc
	calls     []Call
}

var _ Engine = (*ResolverEngine)(nil)

// NewResolverEngine creates an engine with the provided resolvers,
// keyed "ObjectType.Field".
func NewResolverEngine(resolvers map[string]Resolver) *ResolverEngine {
	e := &ResolverEngine{
		resolvers: make(map[string]Resolver, len(resolvers)),
		sources:   make(map[string]SourceFunc),
	}
	for k, v := range resolvers {
		e.resolvers[k] = v
	}
	return e
}

// SetResolver registers or replaces the resolver for a field.
func (e *ResolverEngine) SetResolver(objectType, field string, r Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers[objectType+"."+field] = r
}

// SetSource registers the event source for a subscription root field.
func (e *ResolverEngine) SetSource(field string, src SourceFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[field] = src
}

// Calls returns a copy of the recorded resolver invocations in order.
func (e *ResolverEngine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// Reset clears the call log; the registries remain.
func (e *ResolverEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *ResolverEngine) resolver(key string) Resolver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolvers[key]
}

func (e *ResolverEngine) record(c Call) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
}

// Execute implements Engine.
func (e *ResolverEngine) Execute(ctx context.Context, args *Args) *graphql.Response {
	op := args.Document.Operations.ForName(args.OperationName)
	if op == nil {
		return graphql.ErrorResponse(graphql.Errorf(graphql.CodeValidationFailed, "operation %q not found", args.OperationName))
	}
	if op.Operation == language.Subscription {
		return graphql.ErrorResponse(graphql.Errorf(graphql.CodeValidationFailed, "subscriptions must be started through Subscribe"))
	}
	st := &execState{
		engine: e,
		schema: args.Schema,
		doc:    args.Document,
		vars:   args.Variables,
	}
	data := st.executeSelectionSet(ctx, op.SelectionSet, rootTypeName(args.Schema, op.Operation), nil, nil)
	return &graphql.Response{Data: data, Errors: st.errs}
}

type execState struct {
	engine *ResolverEngine
	schema *language.Schema
	doc    *language.QueryDocument
	vars   map[string]any
	errs   []*graphql.Error
}

func (st *execState) executeSelectionSet(ctx context.Context, set language.SelectionSet, typeName string, source any, path []any) map[string]any {
	data := make(map[string]any)
	for _, group := range st.collectFields(typeName, set, make(map[string]bool)) {
		field := group.fields[0]
		fieldPath := append(append([]any(nil), path...), group.name)

		if field.Name == "__typename" {
			data[group.name] = typeName
			continue
		}

		val, err := st.resolveField(ctx, typeName, field, source)
		if err != nil {
			st.errs = append(st.errs, &graphql.Error{Message: err.Error(), Path: fieldPath})
			data[group.name] = nil
			continue
		}

		sub := mergedSelections(group.fields)
		data[group.name] = st.completeValue(ctx, val, st.fieldType(typeName, field.Name), sub, fieldPath)
	}
	return data
}

func (st *execState) resolveField(ctx context.Context, typeName string, field *language.Field, source any) (any, error) {
	args := argumentValues(field, st.vars)
	st.engine.record(Call{ObjectType: typeName, Field: field.Name, Args: args})
	if r := st.engine.resolver(typeName + "." + field.Name); r != nil {
		return r(ctx, source, args)
	}
	return defaultResolve(source, field.Name), nil
}

func (st *execState) completeValue(ctx context.Context, val any, typeName string, sub language.SelectionSet, path []any) any {
	if val == nil {
		return nil
	}
	if list, ok := val.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = st.completeValue(ctx, item, typeName, sub, append(append([]any(nil), path...), i))
		}
		return out
	}
	if len(sub) == 0 {
		return val
	}
	return st.executeSelectionSet(ctx, sub, typeName, val, path)
}

// fieldType resolves the named type a field's selections execute
// against, falling back to the enclosing type when the schema cannot
// answer.
func (st *execState) fieldType(typeName, field string) string {
	if st.schema == nil {
		return typeName
	}
	def := st.schema.Types[typeName]
	if def == nil {
		return typeName
	}
	fd := def.Fields.ForName(field)
	if fd == nil {
		return typeName
	}
	return language.BaseType(fd.Type)
}

type fieldGroup struct {
	name   string
	fields []*language.Field
}

// collectFields groups selections by response name, preserving query
// order and honoring @skip/@include. Fragment spreads expand at most
// once per collection pass.
func (st *execState) collectFields(typeName string, set language.SelectionSet, visited map[string]bool) []fieldGroup {
	var groups []fieldGroup
	index := make(map[string]int)
	st.collect(typeName, set, visited, &groups, index)
	return groups
}

func (st *execState) collect(typeName string, set language.SelectionSet, visited map[string]bool, groups *[]fieldGroup, index map[string]int) {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			if !st.include(sel.Directives) {
				continue
			}
			name := sel.Alias
			if name == "" {
				name = sel.Name
			}
			if i, ok := index[name]; ok {
				(*groups)[i].fields = append((*groups)[i].fields, sel)
			} else {
				index[name] = len(*groups)
				*groups = append(*groups, fieldGroup{name: name, fields: []*language.Field{sel}})
			}

		case *language.InlineFragment:
			if !st.include(sel.Directives) {
				continue
			}
			if sel.TypeCondition != "" && sel.TypeCondition != typeName {
				continue
			}
			st.collect(typeName, sel.SelectionSet, visited, groups, index)

		case *language.FragmentSpread:
			if !st.include(sel.Directives) {
				continue
			}
			if visited[sel.Name] {
				continue
			}
			visited[sel.Name] = true
			def := st.doc.Fragments.ForName(sel.Name)
			if def == nil {
				continue
			}
			if def.TypeCondition != "" && def.TypeCondition != typeName {
				continue
			}
			st.collect(typeName, def.SelectionSet, visited, groups, index)
		}
	}
}

func (st *execState) include(list language.DirectiveList) bool {
	if d := list.ForName("skip"); d != nil {
		if v, ok := st.boolArg(d, "if"); ok && v {
			return false
		}
	}
	if d := list.ForName("include"); d != nil {
		if v, ok := st.boolArg(d, "if"); ok && !v {
			return false
		}
	}
	return true
}

func (st *execState) boolArg(d *language.Directive, name string) (bool, bool) {
	arg := d.Arguments.ForName(name)
	if arg == nil {
		return false, false
	}
	v, err := arg.Value.Value(st.vars)
	if err != nil {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func mergedSelections(fields []*language.Field) language.SelectionSet {
	if len(fields) == 1 {
		return fields[0].SelectionSet
	}
	var merged language.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}

func argumentValues(field *language.Field, vars map[string]any) map[string]any {
	args := make(map[string]any)
	for _, a := range field.Arguments {
		v, err := a.Value.Value(vars)
		if err != nil {
			continue
		}
		args[a.Name] = v
	}
	return args
}

func defaultResolve(source any, field string) any {
	if m, ok := source.(map[string]any); ok {
		return m[field]
	}
	return nil
}

func rootTypeName(schema *language.Schema, op language.Operation) string {
	if schema != nil {
		switch op {
		case language.Mutation:
			if schema.Mutation != nil {
				return schema.Mutation.Name
			}
		case language.Subscription:
			if schema.Subscription != nil {
				return schema.Subscription.Name
			}
		default:
			if schema.Query != nil {
				return schema.Query.Name
			}
		}
	}
	switch op {
	case language.Mutation:
		return "Mutation"
	case language.Subscription:
		return "Subscription"
	default:
		return "Query"
	}
}

// Subscribe implements Engine. The operation must be a subscription
// with a registered source for its single root field.
func (e *ResolverEngine) Subscribe(ctx context.Context, args *Args) (Stream, error) {
	op := args.Document.Operations.ForName(args.OperationName)
	if op == nil {
		return nil, fmt.Errorf("operation %q not found", args.OperationName)
	}
	if op.Operation != language.Subscription {
		return nil, fmt.Errorf("%s operation cannot be subscribed to", op.Operation)
	}

	st := &execState{engine: e, schema: args.Schema, doc: args.Document, vars: args.Variables}
	rootType := rootTypeName(args.Schema, language.Subscription)
	groups := st.collectFields(rootType, op.SelectionSet, make(map[string]bool))
	if len(groups) != 1 {
		return nil, fmt.Errorf("subscriptions select exactly one root field, got %d", len(groups))
	}
	group := groups[0]
	field := group.fields[0]
	if strings.HasPrefix(field.Name, "__") {
		return nil, fmt.Errorf("cannot subscribe to %s", field.Name)
	}

	e.mu.Lock()
	src := e.sources[field.Name]
	e.mu.Unlock()
	if src == nil {
		return nil, fmt.Errorf("no event source for field %q", field.Name)
	}

	fieldArgs := argumentValues(field, args.Variables)
	ch, err := src(ctx, fieldArgs)
	if err != nil {
		return nil, err
	}

	s := &sourceStream{events: make(chan *graphql.Response)}
	go func() {
		defer close(s.events)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				if err, isErr := v.(error); isErr {
					s.err = err
					return
				}
				resp := e.resolveEvent(ctx, args, rootType, group, v)
				select {
				case s.events <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return s, nil
}

// resolveEvent turns one source event into a response by running the
// subscription field's selections against it.
func (e *ResolverEngine) resolveEvent(ctx context.Context, args *Args, rootType string, group fieldGroup, event any) *graphql.Response {
	st := &execState{engine: e, schema: args.Schema, doc: args.Document, vars: args.Variables}
	field := group.fields[0]
	path := []any{group.name}

	val := event
	if r := e.resolver(rootType + "." + field.Name); r != nil {
		resolved, err := r(ctx, event, argumentValues(field, st.vars))
		if err != nil {
			return &graphql.Response{
				Data:   map[string]any{group.name: nil},
				Errors: []*graphql.Error{{Message: err.Error(), Path: path}},
			}
		}
		val = resolved
	}

	data := map[string]any{
		group.name: st.completeValue(ctx, val, st.fieldType(rootType, field.Name), mergedSelections(group.fields), path),
	}
	return &graphql.Response{Data: data, Errors: st.errs}
}

type sourceStream struct {
	events chan *graphql.Response
	err    error
}

func (s *sourceStream) Events() <-chan *graphql.Response { return s.events }

// Err is valid once Events is closed.
func (s *sourceStream) Err() error { return s.err }
