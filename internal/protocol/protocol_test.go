package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParseRequest(t *testing.T) {
	line := []byte(`{"id":"abc","v":1,"service":"messages","method":"recent","params":{"limit":5}}`)
	req, err := ParseRequest(line)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.ID != "abc" || req.Service != "messages" || req.Method != "recent" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if got := req.Params.Int("limit", 10, 1, 100); got != 5 {
		t.Fatalf("limit=%d want 5", got)
	}
}

func TestParseRequestMalformed(t *testing.T) {
	if _, err := ParseRequest([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestValidate(t *testing.T) {
	cases := map[*Request]bool{
		{Service: "messages", Method: "recent"}: true,
		{Service: "", Method: "recent"}:         false,
		{Service: "messages", Method: " "}:      false,
	}
	for req, ok := range cases {
		err := req.Validate()
		if ok && err != nil {
			t.Fatalf("Validate(%+v) unexpected error: %v", req, err)
		}
		if !ok && err == nil {
			t.Fatalf("Validate(%+v) expected error", req)
		}
	}
}

func TestIntCoercion(t *testing.T) {
	p := Params{
		"f":   float64(42),
		"s":   "17",
		"bad": "zzz",
		"big": float64(9999),
	}
	cases := []struct {
		key  string
		want int
	}{
		{"f", 42},
		{"s", 17},
		{"bad", 10},
		{"big", 500},
		{"missing", 10},
	}
	for _, c := range cases {
		if got := p.Int(c.key, 10, 1, 500); got != c.want {
			t.Fatalf("Int(%q)=%d want %d", c.key, got, c.want)
		}
	}
}

// A decoded message body may contain newlines and control characters.
// The encoded line must never contain a raw newline except the terminator.
func TestEncodeLineEscapesEmbeddedNewlines(t *testing.T) {
	resp, err := Success("id1", "messages", map[string]string{
		"text": "line one\nline two\r\ttabbed\x00",
	}, 1.5)
	if err != nil {
		t.Fatalf("Success: %v", err)
	}
	line, err := EncodeLine(resp)
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatal("line not newline-terminated")
	}
	if bytes.ContainsRune(line[:len(line)-1], '\n') {
		t.Fatal("raw newline leaked inside encoded line")
	}

	var decoded Response
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result["text"] != "line one\nline two\r\ttabbed\x00" {
		t.Fatalf("text mangled: %q", result["text"])
	}
}

func TestFailureShape(t *testing.T) {
	resp := Failure("id2", "calendar", CodeBackendError, "boom", 0.2)
	if resp.OK || resp.Error == nil || resp.Result != nil {
		t.Fatalf("unexpected failure shape: %+v", resp)
	}
	if resp.Error.Code != CodeBackendError {
		t.Fatalf("code=%s", resp.Error.Code)
	}
	if resp.Meta.Service != "calendar" {
		t.Fatalf("service=%s", resp.Meta.Service)
	}
}
