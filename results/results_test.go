package results

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/vinayprograms/resultkit/errors"
)

func TestStatus_Sets(t *testing.T) {
	tests := []struct {
		status    Status
		valid     bool
		ready     bool
		exception bool
		propagate bool
	}{
		{StatusPending, true, false, false, false},
		{StatusReceived, true, false, false, false},
		{StatusStarted, true, false, false, false},
		{StatusRetry, true, false, true, false},
		{StatusSuccess, true, true, false, false},
		{StatusFailure, true, true, true, true},
		{StatusRevoked, true, true, true, true},
		{StatusRejected, true, false, false, false},
		{StatusIgnored, true, false, false, false},
		{"bogus", false, false, false, false},
		{"", false, false, false, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.valid {
				t.Errorf("Valid() = %v, want %v", got, tc.valid)
			}
			if got := tc.status.IsReady(); got != tc.ready {
				t.Errorf("IsReady() = %v, want %v", got, tc.ready)
			}
			if got := tc.status.IsException(); got != tc.exception {
				t.Errorf("IsException() = %v, want %v", got, tc.exception)
			}
			if got := tc.status.Propagates(); got != tc.propagate {
				t.Errorf("Propagates() = %v, want %v", got, tc.propagate)
			}
		})
	}

	for _, s := range ReadyStates() {
		if !s.IsReady() {
			t.Errorf("ReadyStates() contains non-ready %s", s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" success ")
	if err != nil || s != StatusSuccess {
		t.Errorf("ParseStatus = %v, %v", s, err)
	}
	if _, err := ParseStatus("done"); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestValidateTaskID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"3f2a9c0e-1d2b-4c5d-8e9f-0a1b2c3d4e5f", false},
		{"task-1", false},
		{"a.b", false},
		{"", true},
		{"has space", true},
		{"wild*", true},
		{"tail>", true},
		{"hash#", true},
	}
	for _, tc := range tests {
		err := ValidateTaskID(tc.id)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateTaskID(%q) = %v, wantErr %v", tc.id, err, tc.wantErr)
		}
	}
}

func TestRecord_Validate(t *testing.T) {
	if err := NewRecord("t1", StatusSuccess, 1).Validate(); err != nil {
		t.Errorf("valid record: %v", err)
	}
	if err := (&Record{TaskID: "t1", Status: "DONE"}).Validate(); err == nil {
		t.Error("expected error for unknown status")
	}
	if err := (&Record{Status: StatusSuccess}).Validate(); err == nil {
		t.Error("expected error for empty task id")
	}
}

func TestRecord_Clone(t *testing.T) {
	var nilRecord *Record
	if nilRecord.Clone() != nil {
		t.Error("nil.Clone() should return nil")
	}

	original := &Record{
		TaskID:    "t1",
		Status:    StatusSuccess,
		Result:    map[string]interface{}{"values": []interface{}{1.0, 2.0}},
		Traceback: "tb",
		Children:  []string{"c1"},
	}
	clone := original.Clone()

	if !clone.Equal(original) {
		t.Fatal("clone should equal original")
	}

	clone.Children[0] = "changed"
	clone.Result.(map[string]interface{})["values"].([]interface{})[0] = 9.0
	if original.Children[0] != "c1" {
		t.Error("Children was not deep copied")
	}
	if original.Result.(map[string]interface{})["values"].([]interface{})[0] != 1.0 {
		t.Error("Result was not deep copied")
	}
}

func TestRecord_Equal(t *testing.T) {
	a := NewRecord("t1", StatusSuccess, "ok")
	b := NewRecord("t1", StatusSuccess, "ok")
	if !a.Equal(b) {
		t.Error("identical records should be equal")
	}
	b.Children = []string{"x"}
	if a.Equal(b) {
		t.Error("records with different children should differ")
	}
	var nilRecord *Record
	if !nilRecord.Equal(nil) || a.Equal(nil) {
		t.Error("nil comparisons are wrong")
	}
}

func TestEqualValues(t *testing.T) {
	tests := []struct {
		name string
		a, b interface{}
		want bool
	}{
		{"int and float", 42, 42.0, true},
		{"int and json number", 42, json.Number("42"), true},
		{"int and int8", 42, int8(42), true},
		{"int and uint64", 7, uint64(7), true},
		{"large int and json number", int64(9007199254740993), json.Number("9007199254740993"), true},
		{"large int and nearest float", int64(9007199254740993), float64(9007199254740992), false},
		{"fraction", 1.5, json.Number("1.5"), true},
		{"different numbers", 1, 2, false},
		{"number and string", 1, "1", false},
		{"string and number", "1", 1, false},
		{"NaN", math.NaN(), math.NaN(), false},
		{"nil", nil, nil, true},
		{"nil and value", nil, 0, false},
		{"strings", "a", "a", true},
		{"maps", map[string]interface{}{"n": 1}, map[string]interface{}{"n": int8(1)}, true},
		{"typed map", map[string]int{"n": 1}, map[string]interface{}{"n": json.Number("1")}, true},
		{"map missing key", map[string]interface{}{"n": 1}, map[string]interface{}{"m": 1}, false},
		{"map sizes", map[string]interface{}{"n": 1}, map[string]interface{}{}, false},
		{"lists", []int{1, 2}, []interface{}{1.0, json.Number("2")}, true},
		{"list order", []int{1, 2}, []interface{}{2, 1}, false},
		{"nested", map[string]interface{}{"rows": []interface{}{map[string]interface{}{"id": 3}}},
			map[string]interface{}{"rows": []interface{}{map[string]interface{}{"id": uint16(3)}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EqualValues(tt.a, tt.b); got != tt.want {
				t.Errorf("EqualValues(%#v, %#v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestRecord_Predicates(t *testing.T) {
	if !NewRecord("t", StatusSuccess, nil).Successful() {
		t.Error("SUCCESS should be successful")
	}
	if !NewRecord("t", StatusFailure, nil).Failed() {
		t.Error("FAILURE should be failed")
	}
	if Pending("t").Ready() {
		t.Error("PENDING should not be ready")
	}
	var nilRecord *Record
	if nilRecord.Ready() || nilRecord.Successful() || nilRecord.Failed() {
		t.Error("nil record predicates should be false")
	}
}

func TestPending(t *testing.T) {
	rec := Pending("t1")
	if rec.Status != StatusPending || rec.Result != nil || rec.TaskID != "t1" {
		t.Errorf("Pending = %+v", rec)
	}
}

type quotaError struct{}

func (quotaError) Error() string { return "quota exhausted" }

func TestExceptionEncoding(t *testing.T) {
	rec := NewRecord("t1", StatusFailure, quotaError{})

	payload, ok := rec.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Result = %T, want exception payload", rec.Result)
	}
	if payload[ExcTypeKey] != "quotaError" {
		t.Errorf("exc_type = %v", payload[ExcTypeKey])
	}
	if payload[ExcMessageKey] != "quota exhausted" {
		t.Errorf("exc_message = %v", payload[ExcMessageKey])
	}
	if payload[ExcModuleKey] != "results" {
		t.Errorf("exc_module = %v", payload[ExcModuleKey])
	}

	exc := rec.Exception()
	if exc == nil || exc.Error() != "quotaError: quota exhausted" {
		t.Errorf("Exception() = %v", exc)
	}
}

func TestExceptionEncoding_NonExceptionState(t *testing.T) {
	err := fmt.Errorf("not an exception")
	rec := NewRecord("t1", StatusSuccess, err)
	if rec.Result != err {
		t.Error("SUCCESS results should not be encoded")
	}
	if rec.Exception() != nil {
		t.Error("SUCCESS records carry no exception")
	}
}

func TestDecodeException(t *testing.T) {
	tests := []struct {
		name    string
		payload interface{}
		want    string
	}{
		{"nil", nil, ""},
		{"string", "boom", "boom"},
		{"map", map[string]interface{}{"exc_type": "ValueError", "exc_message": "bad"}, "ValueError: bad"},
		{"list message", map[string]interface{}{"exc_type": "KeyError", "exc_message": []interface{}{"k"}}, "KeyError: k"},
		{"yaml map", map[interface{}]interface{}{"exc_type": "E", "exc_message": "m"}, "E: m"},
		{"type only", map[string]interface{}{"exc_type": "Abort"}, "Abort"},
		{"number", 3, "3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := DecodeException(tc.payload)
			if tc.want == "" {
				if err != nil {
					t.Errorf("expected nil, got %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.want {
				t.Errorf("DecodeException = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestEncodeException_TaskErrorRoundTrip(t *testing.T) {
	te := &TaskError{Type: "TimeLimitExceeded", Message: "60s", Module: "billiard"}
	payload := EncodeException(te)
	back := DecodeException(payload).(*TaskError)
	if *back != *te {
		t.Errorf("round trip = %+v, want %+v", back, te)
	}
	if EncodeException(nil) != nil {
		t.Error("EncodeException(nil) should be nil")
	}
}
