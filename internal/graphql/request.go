package graphql

// Request is the wire form of a single operation request. Query may be
// empty when the request identifies its text by persisted-query hash.
// A Request is treated as immutable once received; stages that need to
// change it work on a copy.
type Request struct {
	Query         string         `json:"query,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// WithQuery returns a copy of the request carrying the given query text.
func (r *Request) WithQuery(query string) *Request {
	cp := *r
	cp.Query = query
	return &cp
}
