package graphql

import "fmt"

// Machine-readable error codes carried in errors[].extensions.code.
const (
	CodeParseFailed                       = "GRAPHQL_PARSE_FAILED"
	CodeValidationFailed                  = "GRAPHQL_VALIDATION_FAILED"
	CodeComplexityLimitExceeded           = "COMPLEXITY_LIMIT_EXCEEDED"
	CodePersistedQueryNotFound            = "PERSISTED_QUERY_NOT_FOUND"
	CodePersistedQueryVersionNotSupported = "PERSISTED_QUERY_VERSION_NOT_SUPPORTED"
	CodePersistedQueryHashMismatch        = "PERSISTED_QUERY_HASH_MISMATCH"
	CodePersistedQueryNotAllowed          = "PERSISTED_QUERY_NOT_ALLOWED"
	CodeSubscriberAlreadyExists           = "SUBSCRIBER_ALREADY_EXISTS"
	CodeBadRequest                        = "BAD_REQUEST"
)

// Location points at the offending position in the source text.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is a client-facing error in the standard GraphQL response shape.
// Internal detail never travels through it; only the message, source
// locations, result path, and machine-readable extensions do.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Code returns the machine-readable code, or "" when none is set.
func (e *Error) Code() string {
	if e == nil || e.Extensions == nil {
		return ""
	}
	c, _ := e.Extensions["code"].(string)
	return c
}

// Errorf builds an Error carrying the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{
		Message:    fmt.Sprintf(format, args...),
		Extensions: map[string]any{"code": code},
	}
}
