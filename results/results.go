package results

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/vinayprograms/resultkit/errors"
)

// Status represents the state of a task.
type Status string

const (
	// StatusPending is assumed for any task whose result has not been observed.
	StatusPending Status = "PENDING"

	// StatusReceived indicates a worker received the task.
	StatusReceived Status = "RECEIVED"

	// StatusStarted indicates a worker started executing the task.
	StatusStarted Status = "STARTED"

	// StatusSuccess indicates the task completed successfully.
	StatusSuccess Status = "SUCCESS"

	// StatusFailure indicates the task raised an error.
	StatusFailure Status = "FAILURE"

	// StatusRevoked indicates the task was revoked before completing.
	StatusRevoked Status = "REVOKED"

	// StatusRejected indicates the task was rejected by the worker.
	StatusRejected Status = "REJECTED"

	// StatusRetry indicates the task is waiting to be retried.
	StatusRetry Status = "RETRY"

	// StatusIgnored indicates the task outcome should be ignored.
	StatusIgnored Status = "IGNORED"
)

var (
	readyStates     = statusSet(StatusSuccess, StatusFailure, StatusRevoked)
	exceptionStates = statusSet(StatusRetry, StatusFailure, StatusRevoked)
	propagateStates = statusSet(StatusFailure, StatusRevoked)
	allStates       = statusSet(StatusPending, StatusReceived, StatusStarted, StatusSuccess,
		StatusFailure, StatusRevoked, StatusRejected, StatusRetry, StatusIgnored)
)

func statusSet(statuses ...Status) map[Status]struct{} {
	set := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// Valid returns true if the status is a known state.
func (s Status) Valid() bool {
	_, ok := allStates[s]
	return ok
}

// IsReady returns true if the status is terminal.
func (s Status) IsReady() bool {
	_, ok := readyStates[s]
	return ok
}

// IsException returns true if the result payload of this status is an
// encoded exception.
func (s Status) IsException() bool {
	_, ok := exceptionStates[s]
	return ok
}

// Propagates returns true if waiting on a task in this state should surface
// the task's exception to the caller.
func (s Status) Propagates() bool {
	_, ok := propagateStates[s]
	return ok
}

// ReadyStates returns the terminal states.
func ReadyStates() []Status {
	return []Status{StatusSuccess, StatusFailure, StatusRevoked}
}

// ParseStatus converts a case-insensitive state name.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", errors.InvalidInput(fmt.Sprintf("unknown task status %q", s))
	}
	return status, nil
}

// Record is the unit of information published for a task.
type Record struct {
	// TaskID is the externally assigned task identifier.
	TaskID string `json:"task_id" yaml:"task_id" msgpack:"task_id"`

	// Status is the task state this record reports.
	Status Status `json:"status" yaml:"status" msgpack:"status"`

	// Result is the encoded payload. Its meaning depends on Status: the
	// return value for SUCCESS, an exception payload for exception states.
	Result interface{} `json:"result" yaml:"result" msgpack:"result"`

	// Traceback is a diagnostic string, present on failure-like states.
	Traceback string `json:"traceback,omitempty" yaml:"traceback,omitempty" msgpack:"traceback,omitempty"`

	// Children lists the identifiers of tasks spawned by this one.
	Children []string `json:"children" yaml:"children" msgpack:"children"`
}

// NewRecord builds a record, encoding err-valued results of exception states
// as exception payloads.
func NewRecord(taskID string, status Status, result interface{}) *Record {
	return &Record{
		TaskID:   taskID,
		Status:   status,
		Result:   EncodeResult(result, status),
		Children: []string{},
	}
}

// Pending returns the record assumed for a task nothing is known about.
func Pending(taskID string) *Record {
	return &Record{
		TaskID:   taskID,
		Status:   StatusPending,
		Children: []string{},
	}
}

// Ready returns true if the record reports a terminal state.
func (r *Record) Ready() bool {
	return r != nil && r.Status.IsReady()
}

// Successful returns true if the task succeeded.
func (r *Record) Successful() bool {
	return r != nil && r.Status == StatusSuccess
}

// Failed returns true if the task failed.
func (r *Record) Failed() bool {
	return r != nil && r.Status == StatusFailure
}

// Exception returns the task's error for exception states, or nil.
func (r *Record) Exception() error {
	if r == nil || !r.Status.IsException() {
		return nil
	}
	return DecodeException(r.Result)
}

// Equal reports whether two records carry the same state and payload.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.TaskID == other.TaskID &&
		r.Status == other.Status &&
		r.Traceback == other.Traceback &&
		EqualValues(r.Result, other.Result) &&
		equalChildren(r.Children, other.Children)
}

// EqualValues compares two result payloads. Each serializer decodes
// numbers into its own Go types (json.Number, int8, float64, ...), so
// numbers compare by value, and maps and lists compare element by element.
func EqualValues(a, b interface{}) bool {
	if x, ok := numberValue(a); ok {
		y, ok := numberValue(b)
		return ok && x.Cmp(y) == 0
	}
	if _, ok := numberValue(b); ok {
		return false
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return va.IsValid() == vb.IsValid()
	}
	switch {
	case isList(va) && isList(vb):
		if va.Len() != vb.Len() {
			return false
		}
		for i := 0; i < va.Len(); i++ {
			if !EqualValues(va.Index(i).Interface(), vb.Index(i).Interface()) {
				return false
			}
		}
		return true
	case va.Kind() == reflect.Map && vb.Kind() == reflect.Map:
		if va.Len() != vb.Len() {
			return false
		}
		byKey := make(map[string]reflect.Value, vb.Len())
		iter := vb.MapRange()
		for iter.Next() {
			byKey[fmt.Sprint(iter.Key().Interface())] = iter.Value()
		}
		iter = va.MapRange()
		for iter.Next() {
			w, ok := byKey[fmt.Sprint(iter.Key().Interface())]
			if !ok || !EqualValues(iter.Value().Interface(), w.Interface()) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isList(v reflect.Value) bool {
	return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
}

// numberValue returns v as an exact rational if it is a finite number.
func numberValue(v interface{}) (*big.Rat, bool) {
	r := new(big.Rat)
	switch n := v.(type) {
	case int:
		return r.SetInt64(int64(n)), true
	case int8:
		return r.SetInt64(int64(n)), true
	case int16:
		return r.SetInt64(int64(n)), true
	case int32:
		return r.SetInt64(int64(n)), true
	case int64:
		return r.SetInt64(n), true
	case uint:
		return r.SetUint64(uint64(n)), true
	case uint8:
		return r.SetUint64(uint64(n)), true
	case uint16:
		return r.SetUint64(uint64(n)), true
	case uint32:
		return r.SetUint64(uint64(n)), true
	case uint64:
		return r.SetUint64(n), true
	case float32:
		return ratFromFloat(float64(n))
	case float64:
		return ratFromFloat(n)
	case json.Number:
		_, ok := r.SetString(string(n))
		return r, ok
	}
	return nil, false
}

func ratFromFloat(f float64) (*big.Rat, bool) {
	r := new(big.Rat).SetFloat64(f)
	return r, r != nil
}

func equalChildren(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the record. Result is copied shallowly except for
// maps and slices produced by decoding, which are copied recursively.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := &Record{
		TaskID:    r.TaskID,
		Status:    r.Status,
		Result:    cloneValue(r.Result),
		Traceback: r.Traceback,
	}
	if r.Children != nil {
		clone.Children = make([]string, len(r.Children))
		copy(clone.Children, r.Children)
	}
	return clone
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	case []byte:
		b := make([]byte, len(val))
		copy(b, val)
		return b
	default:
		return v
	}
}

// Validate checks that the record can be published.
func (r *Record) Validate() error {
	if err := ValidateTaskID(r.TaskID); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return errors.InvalidInput(fmt.Sprintf("unknown task status %q", r.Status), errors.WithTaskID(r.TaskID))
	}
	return nil
}

// ValidateTaskID checks if a task ID can name a binding. Task IDs become
// part of queue names and routing keys, so they must be non-empty and free
// of whitespace and routing wildcards.
func ValidateTaskID(taskID string) error {
	if taskID == "" {
		return errors.InvalidInput("empty task id")
	}
	if strings.ContainsAny(taskID, " \t\r\n*>#") {
		return errors.InvalidInput(fmt.Sprintf("task id %q contains whitespace or wildcards", taskID), errors.WithTaskID(taskID))
	}
	if len(taskID) > 200 {
		return errors.InvalidInput("task id longer than 200 bytes", errors.WithTaskID(taskID))
	}
	return nil
}
