package graphql

import "encoding/json"

// Response is the standard GraphQL result shape. Responses produced
// before execution began ("request errors": parse, validation,
// governance, persisted-query protocol failures) serialize without a
// data member; execution results always carry one, even when null.
type Response struct {
	Data       any            `json:"data"`
	Errors     []*Error       `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`

	requestError bool
}

// ErrorResponse builds a response for a failure that prevented execution
// from starting. It carries no data member when serialized.
func ErrorResponse(errs ...*Error) *Response {
	return &Response{Errors: errs, requestError: true}
}

// RequestFailed reports whether the response was produced before
// execution began.
func (r *Response) RequestFailed() bool { return r.requestError }

func (r *Response) MarshalJSON() ([]byte, error) {
	if r.requestError {
		type wire struct {
			Errors     []*Error       `json:"errors"`
			Extensions map[string]any `json:"extensions,omitempty"`
		}
		return json.Marshal(wire{Errors: r.Errors, Extensions: r.Extensions})
	}
	type wire struct {
		Data       any            `json:"data"`
		Errors     []*Error       `json:"errors,omitempty"`
		Extensions map[string]any `json:"extensions,omitempty"`
	}
	return json.Marshal(wire{Data: r.Data, Errors: r.Errors, Extensions: r.Extensions})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var raw struct {
		Data       json.RawMessage `json:"data"`
		Errors     []*Error        `json:"errors"`
		Extensions map[string]any  `json:"extensions"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Errors = raw.Errors
	r.Extensions = raw.Extensions
	r.requestError = raw.Data == nil
	r.Data = nil
	if raw.Data != nil {
		return json.Unmarshal(raw.Data, &r.Data)
	}
	return nil
}
