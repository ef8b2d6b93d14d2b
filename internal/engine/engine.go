package engine

import (
	"context"

	graphql "github.com/graphgate/graphgate/internal/graphql"
	language "github.com/graphgate/graphgate/internal/language"
)

// Args carries everything an engine needs to run one operation. The
// document has already passed parsing, validation, and governance.
type Args struct {
	Schema        *language.Schema
	Document      *language.QueryDocument
	OperationName string
	Variables     map[string]any
}

// Engine executes operations. The pipeline treats implementations as
// opaque: resolver semantics, scalar coercion, and error placement are
// entirely theirs.
type Engine interface {
	// Execute runs a query or mutation to completion.
	Execute(ctx context.Context, args *Args) *graphql.Response

	// Subscribe starts a subscription operation and returns its event
	// stream. Cancelling ctx must release the stream's resources
	// promptly and exactly once, even after events were produced.
	Subscribe(ctx context.Context, args *Args) (Stream, error)
}

// Stream delivers the results of one subscription operation. Events is
// closed when the stream ends; Err reports the failure that ended it
// and is valid only after Events is closed.
type Stream interface {
	Events() <-chan *graphql.Response
	Err() error
}
