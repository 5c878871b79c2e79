package messages

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const sendTimeout = 10 * time.Second

// Sender delivers outbound messages. Implemented by AppleScriptSender
// in production and by fakes in tests.
type Sender interface {
	SendToRecipient(ctx context.Context, recipient, text string) error
	SendToGroup(ctx context.Context, chatIdentifier, text string) error
}

// runner abstracts osascript execution so tests can intercept scripts.
type runner func(ctx context.Context, script string) ([]byte, error)

func runOsascript(ctx context.Context, script string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	return cmd.CombinedOutput()
}

// AppleScriptSender sends through the Messages app via osascript.
// Automation is a shared, stateful resource: sends are serialized on mu
// so concurrent requests cannot interleave two scripted UI sessions.
type AppleScriptSender struct {
	mu  sync.Mutex
	run runner
}

func NewAppleScriptSender() *AppleScriptSender {
	return &AppleScriptSender{run: runOsascript}
}

// escapeAppleScript makes text safe inside a double-quoted AppleScript
// string literal.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// SendToRecipient sends one message to a phone number or email handle.
// Delivery is at-most-once: a failure is reported, never retried, since
// a retry after an ambiguous automation error risks a duplicate text.
func (a *AppleScriptSender) SendToRecipient(ctx context.Context, recipient, text string) error {
	script := fmt.Sprintf(`tell application "Messages"
	set targetService to 1st account whose service type = iMessage
	set targetBuddy to participant "%s" of targetService
	send "%s" to targetBuddy
end tell`, escapeAppleScript(recipient), escapeAppleScript(text))
	return a.execute(ctx, script)
}

// SendToGroup sends to an existing group chat by its chat identifier.
func (a *AppleScriptSender) SendToGroup(ctx context.Context, chatIdentifier, text string) error {
	script := fmt.Sprintf(`tell application "Messages"
	set targetChat to a reference to chat id "%s"
	send "%s" to targetChat
end tell`, escapeAppleScript(chatIdentifier), escapeAppleScript(text))
	return a.execute(ctx, script)
}

func (a *AppleScriptSender) execute(ctx context.Context, script string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	out, err := a.run(ctx, script)
	if err != nil {
		return fmt.Errorf("osascript send failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
