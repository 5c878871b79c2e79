package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/commsd/commsd/internal/creds"
	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/service"
)

func liveCreds(t *testing.T) *creds.Cache {
	t.Helper()
	dir := t.TempDir()
	secret := `{"installed":{"client_id":"cid","client_secret":"cs"}}`
	if err := os.WriteFile(filepath.Join(dir, "client_secret.json"), []byte(secret), 0600); err != nil {
		t.Fatalf("write client secret: %v", err)
	}
	tok := oauth2.Token{
		AccessToken: "test-token",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(24 * time.Hour),
	}
	data, _ := json.Marshal(tok)
	if err := os.WriteFile(filepath.Join(dir, "token_google_mail.json"), data, 0600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	return creds.NewCache(dir)
}

func testBackend(t *testing.T, handler http.Handler) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := New(liveCreds(t), "me@example.com", log)
	b.baseURL = srv.URL
	return b
}

func TestUnreadCount(t *testing.T) {
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/labels/UNREAD" {
			t.Errorf("path=%s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"messagesUnread": 7})
	}))

	out, err := b.Dispatch(context.Background(), "unread_count", protocol.Params{})
	if err != nil {
		t.Fatalf("unread_count: %v", err)
	}
	if n := out.(map[string]any)["count"].(int); n != 7 {
		t.Fatalf("count=%d want 7", n)
	}
}

func TestListBuildsQuery(t *testing.T) {
	var gotQuery string
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/me/messages":
			gotQuery = r.URL.Query().Get("q")
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": "m1"}},
			})
		case strings.HasPrefix(r.URL.Path, "/users/me/messages/"):
			json.NewEncoder(w).Encode(map[string]any{
				"id":       "m1",
				"snippet":  "hi there",
				"labelIds": []string{"INBOX", "UNREAD"},
				"payload": map[string]any{
					"headers": []map[string]string{
						{"name": "From", "value": "pat@example.com"},
						{"name": "Subject", "value": "Hello"},
						{"name": "Date", "value": "Mon, 24 Aug 2026 10:00:00 +0000"},
					},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	out, err := b.Dispatch(context.Background(), "list", protocol.Params{
		"unread_only": true,
		"sender":      "pat@example.com",
		"after":       "2026/08/01",
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, term := range []string{"in:inbox", "is:unread", "from:pat@example.com", "after:2026/08/01"} {
		if !strings.Contains(gotQuery, term) {
			t.Fatalf("query %q missing %q", gotQuery, term)
		}
	}
	emails := out.(map[string]any)["emails"].([]Summary)
	if len(emails) != 1 || emails[0].Subject != "Hello" || !emails[0].Unread {
		t.Fatalf("emails=%+v", emails)
	}
}

func TestGetDecodesBody(t *testing.T) {
	encoded := base64.URLEncoding.EncodeToString([]byte("plain body text"))
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":       "m9",
			"snippet":  "plain body…",
			"labelIds": []string{"INBOX"},
			"payload": map[string]any{
				"headers": []map[string]string{
					{"name": "From", "value": "pat@example.com"},
					{"name": "To", "value": "me@example.com"},
					{"name": "Subject", "value": "Body test"},
				},
				"parts": []map[string]any{
					{"mimeType": "text/html", "body": map[string]string{"data": "aGVtbA"}},
					{"mimeType": "text/plain", "body": map[string]string{"data": encoded}},
				},
			},
		})
	}))

	out, err := b.Dispatch(context.Background(), "get", protocol.Params{"email_id": "m9"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	email := out.(Email)
	if email.Body != "plain body text" {
		t.Fatalf("body=%q", email.Body)
	}
	if email.To != "me@example.com" || email.Unread {
		t.Fatalf("email=%+v", email)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := b.Dispatch(context.Background(), "get", protocol.Params{"email_id": "gone"})
	if service.CodeFor(err) != protocol.CodeNotFound {
		t.Fatalf("err=%v want NOT_FOUND", err)
	}
}

func TestSendEncodesRFC2822(t *testing.T) {
	var raw string
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/send" {
			t.Errorf("path=%s", r.URL.Path)
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		raw = payload["raw"]
		json.NewEncoder(w).Encode(map[string]string{"id": "sent-1"})
	}))

	out, err := b.Dispatch(context.Background(), "send", protocol.Params{
		"to":      "pat@example.com",
		"subject": "Dinner",
		"body":    "7pm works?",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id := out.(map[string]any)["email_id"].(string); id != "sent-1" {
		t.Fatalf("email_id=%q", id)
	}

	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	msg := string(decoded)
	for _, want := range []string{
		"From: me@example.com\r\n",
		"To: pat@example.com\r\n",
		"Subject: Dinner\r\n",
		"\r\n\r\n7pm works?",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestSendValidatesParams(t *testing.T) {
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	_, err := b.Dispatch(context.Background(), "send", protocol.Params{"to": "pat@example.com"})
	if service.CodeFor(err) != protocol.CodeProtocolError {
		t.Fatalf("err=%v want PROTOCOL_ERROR", err)
	}
}

func TestMarkRead(t *testing.T) {
	var removed []string
	b := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/modify") {
			t.Errorf("path=%s", r.URL.Path)
		}
		var payload struct {
			RemoveLabelIDs []string `json:"removeLabelIds"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		removed = payload.RemoveLabelIDs
		w.Write([]byte("{}"))
	}))

	if _, err := b.Dispatch(context.Background(), "mark_read", protocol.Params{"email_id": "m1"}); err != nil {
		t.Fatalf("mark_read: %v", err)
	}
	if len(removed) != 1 || removed[0] != "UNREAD" {
		t.Fatalf("removed=%v", removed)
	}
}
