package language

import (
	gqlparser "github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	graphql "github.com/graphgate/graphgate/internal/graphql"
)

// ParseQuery parses an executable document. The returned error converts
// through AsErrors with graphql.CodeParseFailed.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema builds a type-checked schema from SDL.
func LoadSchema(name, source string) (*Schema, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// ValidateQuery runs the standard validation rules against doc and
// returns the violations in wire shape, or nil when the document is
// valid.
func ValidateQuery(schema *Schema, doc *QueryDocument) []*graphql.Error {
	errs := validator.Validate(schema, doc)
	if len(errs) == 0 {
		return nil
	}
	return AsErrors(errs, graphql.CodeValidationFailed)
}

// AsErrors converts parser/validator errors into wire errors. Errors
// without their own code are stamped with the given one.
func AsErrors(err error, code string) []*graphql.Error {
	switch e := err.(type) {
	case gqlerror.List:
		out := make([]*graphql.Error, 0, len(e))
		for _, ge := range e {
			out = append(out, convertError(ge, code))
		}
		return out
	case *gqlerror.Error:
		return []*graphql.Error{convertError(e, code)}
	default:
		return []*graphql.Error{graphql.Errorf(code, "%s", err.Error())}
	}
}

func convertError(err *gqlerror.Error, code string) *graphql.Error {
	out := &graphql.Error{
		Message:    err.Message,
		Extensions: map[string]any{},
	}
	for k, v := range err.Extensions {
		out.Extensions[k] = v
	}
	if _, ok := out.Extensions["code"]; !ok {
		out.Extensions["code"] = code
	}
	for _, loc := range err.Locations {
		out.Locations = append(out.Locations, graphql.Location{Line: loc.Line, Column: loc.Column})
	}
	for _, elem := range err.Path {
		switch pe := elem.(type) {
		case ast.PathName:
			out.Path = append(out.Path, string(pe))
		case ast.PathIndex:
			out.Path = append(out.Path, int(pe))
		}
	}
	return out
}
