package graphql

import (
	"encoding/json"
	"testing"
)

func TestErrorResponseOmitsData(t *testing.T) {
	resp := ErrorResponse(Errorf(CodeParseFailed, "Unexpected <EOF>"))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["data"]; ok {
		t.Fatalf("request error must not carry a data member: %s", b)
	}
	errs := m["errors"].([]any)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %s", b)
	}
}

func TestExecutionResponseKeepsNullData(t *testing.T) {
	resp := &Response{Data: nil, Errors: []*Error{{Message: "boom"}}}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["data"]; !ok {
		t.Fatalf("execution result must carry data, even null: %s", b)
	}
}

func TestResponseUnmarshalDistinguishesMissingData(t *testing.T) {
	var withNull Response
	if err := json.Unmarshal([]byte(`{"data":null,"errors":[{"message":"x"}]}`), &withNull); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if withNull.RequestFailed() {
		t.Fatalf("data:null is an execution result, not a request error")
	}

	var without Response
	if err := json.Unmarshal([]byte(`{"errors":[{"message":"x"}]}`), &without); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !without.RequestFailed() {
		t.Fatalf("missing data member marks a request error")
	}
}

func TestErrorCode(t *testing.T) {
	e := Errorf(CodePersistedQueryNotFound, "PersistedQueryNotFound")
	if e.Code() != CodePersistedQueryNotFound {
		t.Fatalf("code %q", e.Code())
	}
	if (&Error{Message: "plain"}).Code() != "" {
		t.Fatalf("expected empty code for plain error")
	}
}
