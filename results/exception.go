package results

import (
	"fmt"
	"strings"
)

// Exception payload keys.
const (
	ExcTypeKey    = "exc_type"
	ExcMessageKey = "exc_message"
	ExcModuleKey  = "exc_module"
)

// TaskError is the error reconstructed from an exception payload.
type TaskError struct {
	Type    string
	Message string
	Module  string
}

// Error implements error.
func (e *TaskError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// EncodeResult prepares a result for publishing. For exception states an
// error value becomes an exception payload; everything else is left as is.
func EncodeResult(result interface{}, status Status) interface{} {
	if !status.IsException() {
		return result
	}
	if err, ok := result.(error); ok {
		return EncodeException(err)
	}
	return result
}

// EncodeException turns an error into an exception payload.
func EncodeException(err error) map[string]interface{} {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TaskError); ok {
		payload := map[string]interface{}{
			ExcTypeKey:    te.Type,
			ExcMessageKey: te.Message,
		}
		if te.Module != "" {
			payload[ExcModuleKey] = te.Module
		}
		return payload
	}

	typ := fmt.Sprintf("%T", err)
	module := ""
	typ = strings.TrimPrefix(typ, "*")
	if i := strings.LastIndex(typ, "."); i >= 0 {
		module, typ = typ[:i], typ[i+1:]
	}

	payload := map[string]interface{}{
		ExcTypeKey:    typ,
		ExcMessageKey: err.Error(),
	}
	if module != "" {
		payload[ExcModuleKey] = module
	}
	return payload
}

// DecodeException turns an exception payload back into an error. Payloads
// that are not maps are reported through their string form.
func DecodeException(payload interface{}) error {
	switch v := payload.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return &TaskError{
			Type:    stringField(v, ExcTypeKey),
			Message: stringField(v, ExcMessageKey),
			Module:  stringField(v, ExcModuleKey),
		}
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = val
		}
		return DecodeException(m)
	case string:
		return &TaskError{Message: v}
	default:
		return &TaskError{Message: fmt.Sprint(v)}
	}
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []interface{}:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}
