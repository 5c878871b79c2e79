package messages

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/commsd/commsd/internal/chatdb"
	"github.com/commsd/commsd/internal/contacts"
	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/service"
)

type fakeSender struct {
	recipients []string
	chats      []string
	texts      []string
	fail       error
}

func (f *fakeSender) SendToRecipient(_ context.Context, recipient, text string) error {
	if f.fail != nil {
		return f.fail
	}
	f.recipients = append(f.recipients, recipient)
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendToGroup(_ context.Context, chatIdentifier, text string) error {
	if f.fail != nil {
		return f.fail
	}
	f.chats = append(f.chats, chatIdentifier)
	f.texts = append(f.texts, text)
	return nil
}

func fixtureStore(t *testing.T) *chatdb.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE message (
			ROWID INTEGER PRIMARY KEY,
			guid TEXT,
			text TEXT,
			attributedBody BLOB,
			is_from_me INTEGER DEFAULT 0,
			is_read INTEGER DEFAULT 0,
			date INTEGER DEFAULT 0,
			date_read INTEGER DEFAULT 0,
			handle_id INTEGER
		)`,
		`CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT)`,
		`CREATE TABLE chat (ROWID INTEGER PRIMARY KEY, chat_identifier TEXT, display_name TEXT)`,
		`CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER)`,
		`CREATE TABLE chat_handle_join (chat_id INTEGER, handle_id INTEGER)`,
		`CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER)`,
		`INSERT INTO handle (ROWID, id) VALUES (1, '+14155551234')`,
		`INSERT INTO chat (ROWID, chat_identifier, display_name) VALUES (1, '+14155551234', '')`,
		`INSERT INTO message (ROWID, guid, text, is_from_me, is_read, date, date_read, handle_id) VALUES
			(1, 'g-1', 'hey there', 0, 0, 5000000000, 0, 1),
			(2, 'g-2', 'on my way', 1, 1, 6000000000, 0, 1)`,
		`INSERT INTO chat_message_join (chat_id, message_id) VALUES (1,1),(1,2)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}
	db.Close()

	store, err := chatdb.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func fixtureDirectory(t *testing.T) *contacts.Directory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contacts.json")
	content := `[
		{"name": "John Doe", "phone": "+1 (415) 555-1234", "aliases": ["Johnny"]},
		{"name": "Mail Only", "email": "mail@example.com"}
	]`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write contacts: %v", err)
	}
	d, err := contacts.LoadDirectory(path, "1", 0.85)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	return d
}

func testBackend(t *testing.T) (*Backend, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(fixtureStore(t), fixtureDirectory(t), sender, log), sender
}

func TestDispatchUnknownMethod(t *testing.T) {
	b, _ := testBackend(t)
	_, err := b.Dispatch(context.Background(), "bogus", protocol.Params{})
	if service.CodeFor(err) != protocol.CodeUnknownMethod {
		t.Fatalf("err=%v want UNKNOWN_METHOD", err)
	}
}

func TestUnreadCountCaches(t *testing.T) {
	b, _ := testBackend(t)

	out, err := b.Dispatch(context.Background(), "unread_count", protocol.Params{})
	if err != nil {
		t.Fatalf("unread_count: %v", err)
	}
	if n := out.(map[string]any)["count"].(int64); n != 1 {
		t.Fatalf("count=%d want 1", n)
	}
	if !b.cacheValid {
		t.Fatal("cache not populated")
	}

	b.InvalidateUnreadCache()
	if b.cacheValid {
		t.Fatal("cache not invalidated")
	}
}

func TestContactMessagesResolvesName(t *testing.T) {
	b, _ := testBackend(t)

	out, err := b.Dispatch(context.Background(), "contact_messages", protocol.Params{"contact": "Johnny"})
	if err != nil {
		t.Fatalf("contact_messages: %v", err)
	}
	result := out.(map[string]any)
	if result["handle"] != "+14155551234" {
		t.Fatalf("handle=%v", result["handle"])
	}
	msgs := result["messages"].([]annotated)
	if len(msgs) != 2 {
		t.Fatalf("len=%d want 2", len(msgs))
	}
	// Inbound message gets the directory name attached.
	if msgs[1].SenderName != "John Doe" {
		t.Fatalf("sender_name=%q", msgs[1].SenderName)
	}
}

func TestContactMessagesUnknownContact(t *testing.T) {
	b, _ := testBackend(t)
	_, err := b.Dispatch(context.Background(), "contact_messages", protocol.Params{"contact": "Zzyzx Nobody"})
	if service.CodeFor(err) != protocol.CodeNotFound {
		t.Fatalf("err=%v want NOT_FOUND", err)
	}
}

func TestSendResolvesRecipient(t *testing.T) {
	b, sender := testBackend(t)

	out, err := b.Dispatch(context.Background(), "send", protocol.Params{"to": "john doe", "text": "lunch?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent := out.(map[string]any)["sent"].(bool); !sent {
		t.Fatal("not sent")
	}
	if len(sender.recipients) != 1 || sender.recipients[0] != "+14155551234" {
		t.Fatalf("recipients=%v", sender.recipients)
	}
	if sender.texts[0] != "lunch?" {
		t.Fatalf("texts=%v", sender.texts)
	}
}

func TestSendToRawPhone(t *testing.T) {
	b, sender := testBackend(t)

	if _, err := b.Dispatch(context.Background(), "send", protocol.Params{"to": "(415) 555-9999", "text": "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.recipients) != 1 || sender.recipients[0] != "+14155559999" {
		t.Fatalf("recipients=%v", sender.recipients)
	}
}

func TestSendToGroup(t *testing.T) {
	b, sender := testBackend(t)

	if _, err := b.Dispatch(context.Background(), "send", protocol.Params{"chat_id": "chat123", "text": "who's in?"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.chats) != 1 || sender.chats[0] != "chat123" {
		t.Fatalf("chats=%v", sender.chats)
	}
}

func TestSendValidatesParams(t *testing.T) {
	b, sender := testBackend(t)

	if _, err := b.Dispatch(context.Background(), "send", protocol.Params{"to": "john doe"}); service.CodeFor(err) != protocol.CodeProtocolError {
		t.Fatalf("missing text: %v", err)
	}
	if _, err := b.Dispatch(context.Background(), "send", protocol.Params{"text": "hi"}); service.CodeFor(err) != protocol.CodeProtocolError {
		t.Fatalf("missing recipient: %v", err)
	}
	if len(sender.recipients)+len(sender.chats) != 0 {
		t.Fatal("invalid request must not send")
	}
}

func TestEscapeAppleScript(t *testing.T) {
	cases := map[string]string{
		`plain`:         `plain`,
		`say "hi"`:      `say \"hi\"`,
		`back\slash`:    `back\\slash`,
		`both "\" ends`: `both \"\\\" ends`,
	}
	for in, want := range cases {
		if got := escapeAppleScript(in); got != want {
			t.Fatalf("escapeAppleScript(%q)=%q want %q", in, got, want)
		}
	}
}

func TestAppleScriptSenderReportsFailure(t *testing.T) {
	s := &AppleScriptSender{run: func(_ context.Context, script string) ([]byte, error) {
		return []byte("execution error"), fmt.Errorf("exit status 1")
	}}
	if err := s.SendToRecipient(context.Background(), "+14155551234", "hi"); err == nil {
		t.Fatal("expected error")
	}
}

func TestAppleScriptSenderBuildsScript(t *testing.T) {
	var captured string
	s := &AppleScriptSender{run: func(_ context.Context, script string) ([]byte, error) {
		captured = script
		return nil, nil
	}}
	if err := s.SendToRecipient(context.Background(), "+14155551234", `it's "on"`); err != nil {
		t.Fatalf("SendToRecipient: %v", err)
	}
	for _, want := range []string{`participant "+14155551234"`, `send "it's \"on\""`} {
		if !strings.Contains(captured, want) {
			t.Fatalf("script missing %q:\n%s", want, captured)
		}
	}
}
