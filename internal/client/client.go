// Package client is the thin one-shot caller: connect to the daemon
// socket, write one request line, read one response line, disconnect.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/commsd/commsd/internal/protocol"
)

// DefaultTimeout bounds the whole call when the caller does not set one.
const DefaultTimeout = 300 * time.Millisecond

// maxResponseLine caps how much of a single response line we buffer.
const maxResponseLine = 16 << 20

// Error is a client-side failure already shaped in the wire taxonomy so
// callers handle daemon-absent and daemon-returned failures uniformly.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client dials a daemon socket. The zero value is not usable; construct
// with New.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New creates a client for the socket path. timeout <= 0 selects the
// default.
func New(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Call performs exactly one request/response exchange. There are no
// retries: a dead or absent daemon fails fast with
// CONNECTION_UNAVAILABLE and a slow one with TIMEOUT.
func (c *Client) Call(ctx context.Context, service, method string, params map[string]any) (*protocol.Response, error) {
	// Probe before dialing so the no-daemon case returns immediately
	// instead of burning the dial timeout.
	if _, err := os.Stat(c.socketPath); err != nil {
		return nil, &Error{
			Code:    protocol.CodeConnectionUnavailable,
			Message: fmt.Sprintf("daemon socket not found at %s (is the daemon running?)", c.socketPath),
		}
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, &Error{
			Code:    protocol.CodeConnectionUnavailable,
			Message: fmt.Sprintf("failed to connect to daemon: %v", err),
		}
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &Error{Code: protocol.CodeConnectionUnavailable, Message: err.Error()}
	}

	req := protocol.Request{
		ID:      uuid.NewString(),
		V:       protocol.Version,
		Service: service,
		Method:  method,
		Params:  params,
	}
	line, err := protocol.EncodeLine(req)
	if err != nil {
		return nil, &Error{Code: protocol.CodeProtocolError, Message: fmt.Sprintf("failed to encode request: %v", err)}
	}
	if _, err := conn.Write(line); err != nil {
		return nil, wireError(err)
	}

	reader := bufio.NewReaderSize(conn, 64<<10)
	respLine, err := readLine(reader)
	if err != nil {
		return nil, wireError(err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, &Error{Code: protocol.CodeProtocolError, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if resp.ID != req.ID {
		return nil, &Error{Code: protocol.CodeProtocolError, Message: "response id does not match request id"}
	}
	return &resp, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > maxResponseLine {
				return nil, fmt.Errorf("response line exceeds %d bytes", maxResponseLine)
			}
			continue
		}
		return nil, err
	}
}

func wireError(err error) *Error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &Error{Code: protocol.CodeTimeout, Message: "daemon did not respond within the timeout"}
	}
	return &Error{Code: protocol.CodeConnectionUnavailable, Message: err.Error()}
}
