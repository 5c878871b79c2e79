// Package gmail is the Gmail backend: unread triage, search, reads and
// sends through the REST API with the shared credential cache.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/commsd/commsd/internal/creds"
	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/service"
)

// Scope is the credential cache key shared by mail consumers.
const Scope = "google.mail"

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

const (
	defaultLimit = 10
	maxLimit     = 100
)

// Summary is the list-view shape of one email.
type Summary struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Snippet string `json:"snippet,omitempty"`
	Unread  bool   `json:"unread"`
}

// Email is the full read shape.
type Email struct {
	Summary
	To   string `json:"to,omitempty"`
	Body string `json:"body"`
}

// Backend serves the "email" service.
type Backend struct {
	creds   *creds.Cache
	baseURL string
	account string
	log     *slog.Logger
}

// New creates the backend. account is the From address for sends; empty
// lets Gmail pick the authenticated user's address.
func New(c *creds.Cache, account string, log *slog.Logger) *Backend {
	return &Backend{creds: c, baseURL: defaultBaseURL, account: account, log: log}
}

func (b *Backend) Name() string { return "email" }

func (b *Backend) Health(ctx context.Context) map[string]any {
	h := map[string]any{"status": "ok"}
	if _, err := b.creds.Token(ctx, Scope); err != nil {
		h["status"] = "degraded"
		h["error"] = err.Error()
	}
	return h
}

func (b *Backend) Dispatch(ctx context.Context, method string, params protocol.Params) (any, error) {
	return service.DispatchTable(ctx, b.Name(), method, params, map[string]service.HandlerFunc{
		"health":       b.health,
		"unread_count": b.unreadCount,
		"list":         b.list,
		"search":       b.search,
		"get":          b.get,
		"send":         b.send,
		"mark_read":    b.markRead,
	})
}

func (b *Backend) health(ctx context.Context, _ protocol.Params) (any, error) {
	return b.Health(ctx), nil
}

func (b *Backend) unreadCount(ctx context.Context, _ protocol.Params) (any, error) {
	var label struct {
		MessagesUnread int `json:"messagesUnread"`
	}
	status, err := b.doJSON(ctx, http.MethodGet, "/users/me/labels/UNREAD", nil, &label)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, service.NotFound("UNREAD label not found")
	}
	return map[string]any{"count": label.MessagesUnread}, nil
}

// list returns inbox messages with the original's filters: unread_only,
// sender, after/before dates.
func (b *Backend) list(ctx context.Context, params protocol.Params) (any, error) {
	var terms []string
	terms = append(terms, "in:inbox")
	if params.Bool("unread_only") {
		terms = append(terms, "is:unread")
	}
	if sender := params.String("sender"); sender != "" {
		terms = append(terms, "from:"+sender)
	}
	if after := params.String("after"); after != "" {
		terms = append(terms, "after:"+after)
	}
	if before := params.String("before"); before != "" {
		terms = append(terms, "before:"+before)
	}
	return b.query(ctx, strings.Join(terms, " "), params.Int("limit", defaultLimit, 1, maxLimit))
}

func (b *Backend) search(ctx context.Context, params protocol.Params) (any, error) {
	q := params.String("query")
	if q == "" {
		return nil, service.InvalidParams("search requires a query")
	}
	return b.query(ctx, q, params.Int("limit", defaultLimit, 1, maxLimit))
}

func (b *Backend) query(ctx context.Context, q string, limit int) (any, error) {
	v := url.Values{}
	v.Set("q", q)
	v.Set("maxResults", strconv.Itoa(limit))

	var page struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if _, err := b.doJSON(ctx, http.MethodGet, "/users/me/messages?"+v.Encode(), nil, &page); err != nil {
		return nil, err
	}

	// The list endpoint only returns ids; headers need a metadata fetch
	// per message.
	out := make([]Summary, 0, len(page.Messages))
	for _, m := range page.Messages {
		var raw apiMessage
		status, err := b.doJSON(ctx, http.MethodGet,
			"/users/me/messages/"+url.PathEscape(m.ID)+"?format=metadata", nil, &raw)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			continue
		}
		out = append(out, raw.summary())
	}
	return map[string]any{"emails": out}, nil
}

func (b *Backend) get(ctx context.Context, params protocol.Params) (any, error) {
	id := params.String("email_id")
	if id == "" {
		return nil, service.InvalidParams("get requires an email_id")
	}

	var raw apiMessage
	status, err := b.doJSON(ctx, http.MethodGet,
		"/users/me/messages/"+url.PathEscape(id)+"?format=full", nil, &raw)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, service.NotFound("no email with id %q", id)
	}

	email := Email{Summary: raw.summary(), To: raw.header("To"), Body: raw.body()}
	return email, nil
}

func (b *Backend) send(ctx context.Context, params protocol.Params) (any, error) {
	to := params.String("to")
	subject := params.String("subject")
	body := params.String("body")
	if to == "" || subject == "" {
		return nil, service.InvalidParams("send requires to and subject")
	}

	raw := buildRFC2822(b.account, to, subject, body)
	payload := map[string]string{
		"raw": base64.URLEncoding.EncodeToString([]byte(raw)),
	}

	var sent struct {
		ID string `json:"id"`
	}
	if _, err := b.doJSON(ctx, http.MethodPost, "/users/me/messages/send", payload, &sent); err != nil {
		return nil, err
	}
	b.log.Info("sent email", "to", to, "subject", subject, "email_id", sent.ID)
	return map[string]any{"sent": true, "email_id": sent.ID}, nil
}

func (b *Backend) markRead(ctx context.Context, params protocol.Params) (any, error) {
	id := params.String("email_id")
	if id == "" {
		return nil, service.InvalidParams("mark_read requires an email_id")
	}
	payload := map[string]any{"removeLabelIds": []string{"UNREAD"}}
	status, err := b.doJSON(ctx, http.MethodPost,
		"/users/me/messages/"+url.PathEscape(id)+"/modify", payload, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, service.NotFound("no email with id %q", id)
	}
	return map[string]any{"marked_read": true, "email_id": id}, nil
}

// buildRFC2822 assembles the minimal outbound message.
func buildRFC2822(from, to, subject, body string) string {
	var sb strings.Builder
	if from != "" {
		fmt.Fprintf(&sb, "From: %s\r\n", from)
	}
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}

// apiMessage mirrors the Gmail wire shape across metadata/full formats.
type apiMessage struct {
	ID       string   `json:"id"`
	Snippet  string   `json:"snippet"`
	LabelIDs []string `json:"labelIds"`
	Payload  struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Body struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Body     struct {
				Data string `json:"data"`
			} `json:"body"`
		} `json:"parts"`
	} `json:"payload"`
}

func (m apiMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m apiMessage) summary() Summary {
	unread := false
	for _, l := range m.LabelIDs {
		if l == "UNREAD" {
			unread = true
			break
		}
	}
	return Summary{
		ID:      m.ID,
		From:    m.header("From"),
		Subject: m.header("Subject"),
		Date:    m.header("Date"),
		Snippet: m.Snippet,
		Unread:  unread,
	}
}

// body extracts the plain-text part, preferring text/plain over the
// top-level body. Base64url decode failures fall back to the snippet.
func (m apiMessage) body() string {
	decode := func(data string) (string, bool) {
		if data == "" {
			return "", false
		}
		b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", false
		}
		return string(b), true
	}

	for _, p := range m.Payload.Parts {
		if p.MimeType == "text/plain" {
			if s, ok := decode(p.Body.Data); ok {
				return s
			}
		}
	}
	if s, ok := decode(m.Payload.Body.Data); ok {
		return s
	}
	return m.Snippet
}

func (b *Backend) doJSON(ctx context.Context, method, path string, body any, out any) (int, error) {
	client, err := b.creds.Client(ctx, Scope)
	if err != nil {
		return 0, err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gmail API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("gmail API %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("failed to decode gmail API response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
