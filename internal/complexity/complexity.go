package complexity

import (
	"errors"
	"fmt"
	"strings"

	graphql "github.com/graphgate/graphgate/internal/graphql"
	language "github.com/graphgate/graphgate/internal/language"
)

const defaultFieldCost = 1

// Costs weights individual fields in the complexity sum, keyed by
// "Type.field". Unlisted fields cost one.
type Costs map[string]int

func (c Costs) validate() error {
	for key, cost := range c {
		if !strings.Contains(key, ".") {
			return fmt.Errorf("invalid cost key %q: want \"Type.field\"", key)
		}
		if cost < 0 {
			return fmt.Errorf("negative cost %d for %q", cost, key)
		}
	}
	return nil
}

// Limits are the configured ceilings; a zero value leaves that limit
// unchecked.
type Limits struct {
	MaxDepth      int
	MaxComplexity int
	MaxAliases    int
	MaxFields     int
}

// Result holds the metrics computed for one operation. Computed once,
// never mutated afterwards.
type Result struct {
	Complexity int
	Depth      int
	FieldCount int
	AliasCount int
}

// LimitError reports the first violated limit.
type LimitError struct {
	LimitType string
	Limit     int
	Actual    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit of %d exceeded, actual %d", e.LimitType, e.Limit, e.Actual)
}

// GraphQLError converts the violation into the wire error shape,
// carrying limitType/limit/actual in extensions.
func (e *LimitError) GraphQLError() *graphql.Error {
	err := graphql.Errorf(graphql.CodeComplexityLimitExceeded, "%s", e.Error())
	err.Extensions["limitType"] = e.LimitType
	err.Extensions["limit"] = e.Limit
	err.Extensions["actual"] = e.Actual
	return err
}

type Options struct {
	Costs  Costs
	Limits Limits
}

type Option func(*Options)

func WithCosts(c Costs) Option   { return func(o *Options) { o.Costs = c } }
func WithLimits(l Limits) Option { return func(o *Options) { o.Limits = l } }

// Governor computes complexity metrics for operations and compares them
// against configured limits. With no limits configured it degrades to a
// pure instrumentation source.
type Governor struct {
	opt Options
}

func New(opts ...Option) *Governor {
	var o Options
	for _, f := range opts {
		f(&o)
	}
	return &Governor{opt: o}
}

// Analyze walks the operation's selections and computes the metrics.
// Introspection fields (name prefixed "__") are free: they add no cost,
// no depth, and their subtrees are not walked. Fragment spreads are
// inlined; a fragment already on the current recursion path is skipped.
// @skip/@include are honored against variables. An error means the
// analysis itself could not run; callers treat that as fail-open.
func (g *Governor) Analyze(schema *language.Schema, doc *language.QueryDocument, op *language.OperationDefinition, variables map[string]any) (Result, error) {
	if op == nil {
		return Result{}, errors.New("no operation selected")
	}
	if err := g.opt.Costs.validate(); err != nil {
		return Result{}, err
	}
	w := &walker{
		costs:  g.opt.Costs,
		schema: schema,
		doc:    doc,
		vars:   variables,
	}
	w.selectionSet(op.SelectionSet, rootTypeName(schema, op.Operation), 1, nil)
	return w.res, nil
}

// Check compares res against each configured limit independently and
// returns the first violation.
func (g *Governor) Check(res Result) *LimitError {
	l := g.opt.Limits
	if l.MaxDepth > 0 && res.Depth > l.MaxDepth {
		return &LimitError{LimitType: "maxDepth", Limit: l.MaxDepth, Actual: res.Depth}
	}
	if l.MaxComplexity > 0 && res.Complexity > l.MaxComplexity {
		return &LimitError{LimitType: "maxComplexity", Limit: l.MaxComplexity, Actual: res.Complexity}
	}
	if l.MaxAliases > 0 && res.AliasCount > l.MaxAliases {
		return &LimitError{LimitType: "maxAliases", Limit: l.MaxAliases, Actual: res.AliasCount}
	}
	if l.MaxFields > 0 && res.FieldCount > l.MaxFields {
		return &LimitError{LimitType: "maxFields", Limit: l.MaxFields, Actual: res.FieldCount}
	}
	return nil
}

type walker struct {
	costs  Costs
	schema *language.Schema
	doc    *language.QueryDocument
	vars   map[string]any
	res    Result
}

func (w *walker) selectionSet(set language.SelectionSet, typeName string, depth int, path []string) {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			if strings.HasPrefix(sel.Name, "__") {
				continue
			}
			if !w.include(sel.Directives) {
				continue
			}
			w.res.FieldCount++
			if sel.Alias != "" && sel.Alias != sel.Name {
				w.res.AliasCount++
			}
			w.res.Complexity += w.cost(typeName, sel.Name)
			if depth > w.res.Depth {
				w.res.Depth = depth
			}
			if len(sel.SelectionSet) > 0 {
				w.selectionSet(sel.SelectionSet, w.fieldType(typeName, sel.Name), depth+1, path)
			}

		case *language.InlineFragment:
			if !w.include(sel.Directives) {
				continue
			}
			cond := sel.TypeCondition
			if cond == "" {
				cond = typeName
			}
			w.selectionSet(sel.SelectionSet, cond, depth, path)

		case *language.FragmentSpread:
			if !w.include(sel.Directives) {
				continue
			}
			if onPath(path, sel.Name) {
				continue
			}
			def := w.doc.Fragments.ForName(sel.Name)
			if def == nil {
				continue
			}
			cond := def.TypeCondition
			if cond == "" {
				cond = typeName
			}
			w.selectionSet(def.SelectionSet, cond, depth, append(path, sel.Name))
		}
	}
}

func (w *walker) cost(typeName, field string) int {
	if c, ok := w.costs[typeName+"."+field]; ok {
		return c
	}
	return defaultFieldCost
}

func (w *walker) fieldType(typeName, field string) string {
	if w.schema == nil {
		return typeName
	}
	def := w.schema.Types[typeName]
	if def == nil {
		return typeName
	}
	fd := def.Fields.ForName(field)
	if fd == nil {
		return typeName
	}
	return language.BaseType(fd.Type)
}

func (w *walker) include(list language.DirectiveList) bool {
	if d := list.ForName("skip"); d != nil {
		if v, ok := w.boolArg(d, "if"); ok && v {
			return false
		}
	}
	if d := list.ForName("include"); d != nil {
		if v, ok := w.boolArg(d, "if"); ok && !v {
			return false
		}
	}
	return true
}

func (w *walker) boolArg(d *language.Directive, name string) (bool, bool) {
	arg := d.Arguments.ForName(name)
	if arg == nil {
		return false, false
	}
	v, err := arg.Value.Value(w.vars)
	if err != nil {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func onPath(path []string, name string) bool {
	for _, p := range path {
		if p == name {
			return true
		}
	}
	return false
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
