// Package protocol defines the NDJSON envelope spoken between the thin
// client and the daemon over the unix socket. One request line in, one
// response line out, per connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the current protocol version.
const Version = 1

// Error codes carried in Response.Error.Code.
const (
	CodeConnectionUnavailable = "CONNECTION_UNAVAILABLE"
	CodeTimeout               = "TIMEOUT"
	CodeProtocolError         = "PROTOCOL_ERROR"
	CodeBackendError          = "BACKEND_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodePermissionDenied      = "PERMISSION_DENIED"
	CodeUnknownService        = "UNKNOWN_SERVICE"
	CodeUnknownMethod         = "UNKNOWN_METHOD"
)

// Request is one client invocation.
type Request struct {
	ID      string `json:"id"`
	V       int    `json:"v"`
	Service string `json:"service"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

// Response is the daemon's single reply. Exactly one of Result/Error is set.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
	Meta   Meta            `json:"meta"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries per-response diagnostics.
type Meta struct {
	DurationMS float64 `json:"duration_ms"`
	Service    string  `json:"service"`
}

// Params is the free-form parameter object of a request.
type Params map[string]any

// Validate checks the structural requirements of a request.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Service) == "" {
		return fmt.Errorf("missing service")
	}
	if strings.TrimSpace(r.Method) == "" {
		return fmt.Errorf("missing method")
	}
	return nil
}

// ParseRequest parses one NDJSON line into a Request.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request JSON: %w", err)
	}
	if req.Params == nil {
		req.Params = Params{}
	}
	return &req, nil
}

// EncodeLine serializes v as compact JSON terminated by a newline.
// JSON string escaping guarantees no raw newline appears inside the line.
func EncodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode line: %w", err)
	}
	return append(b, '\n'), nil
}

// Success builds an ok response with the given result payload.
func Success(id, service string, result any, durationMS float64) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{
		ID:     id,
		OK:     true,
		Result: raw,
		Meta:   Meta{DurationMS: durationMS, Service: service},
	}, nil
}

// Failure builds an error response.
func Failure(id, service, code, message string, durationMS float64) *Response {
	return &Response{
		ID:    id,
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: message},
		Meta:  Meta{DurationMS: durationMS, Service: service},
	}
}

// Int reads an integer param, clamped to [min, max], falling back to def
// when absent or malformed.
func (p Params) Int(key string, def, min, max int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return clamp(def, min, max)
	}
	var n int
	switch t := v.(type) {
	case float64:
		n = int(t)
	case int:
		n = t
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return clamp(def, min, max)
		}
		n = int(i)
	case string:
		var parsed int
		if _, err := fmt.Sscanf(t, "%d", &parsed); err != nil {
			return clamp(def, min, max)
		}
		n = parsed
	default:
		return clamp(def, min, max)
	}
	return clamp(n, min, max)
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// String reads a string param, or "" when absent.
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Bool reads a boolean param, or false when absent.
func (p Params) Bool(key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

// StringSlice reads a []string param, tolerating JSON []any decoding.
func (p Params) StringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
