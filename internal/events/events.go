package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when an HTTP request is received.
// Context carries the request context.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the handler completes.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Duration time.Duration
}

// OperationStart is emitted before an operation enters execution.
type OperationStart struct {
	Query         string
	OperationName string
	OperationType string
}

// OperationFinish is emitted after an operation's response is assembled.
type OperationFinish struct {
	Query         string
	OperationName string
	OperationType string
	Errors        []error
	Duration      time.Duration
}

// HookFailure is emitted when a lifecycle hook errors or panics. The
// request is not affected; subscribers decide how loudly to report it.
type HookFailure struct {
	Hook  string
	Phase string
	Err   error
}

// AnalysisFailure is emitted when complexity analysis itself fails and
// the request proceeds ungoverned.
type AnalysisFailure struct {
	OperationName string
	Err           error
}

// ComplexityRejected is emitted when a request trips a configured limit.
type ComplexityRejected struct {
	OperationName string
	LimitType     string
	Limit         int
	Actual        int
}
