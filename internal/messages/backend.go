// Package messages is the iMessage backend: warm chat.db reads, contact
// resolution for conversation queries, and AppleScript sends.
package messages

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/commsd/commsd/internal/chatdb"
	"github.com/commsd/commsd/internal/contacts"
	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/service"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// Backend serves the "messages" service.
type Backend struct {
	store  *chatdb.Store
	dir    *contacts.Directory
	sender Sender
	log    *slog.Logger

	// Warm unread count, invalidated by the chat.db watcher.
	cacheMu     sync.Mutex
	cachedCount int64
	cacheValid  bool
}

// New creates the messages backend over an open store and directory.
func New(store *chatdb.Store, dir *contacts.Directory, sender Sender, log *slog.Logger) *Backend {
	return &Backend{store: store, dir: dir, sender: sender, log: log}
}

func (b *Backend) Name() string { return "messages" }

// Close releases the chat.db handle.
func (b *Backend) Close() error { return b.store.Close() }

// InvalidateUnreadCache drops the cached unread count. Called by the
// chat.db file watcher after writes settle.
func (b *Backend) InvalidateUnreadCache() {
	b.cacheMu.Lock()
	b.cacheValid = false
	b.cacheMu.Unlock()
}

// Health reports store reachability without running a full query.
func (b *Backend) Health(ctx context.Context) map[string]any {
	h := map[string]any{"status": "ok", "chat_db": b.store.Path()}
	if _, err := b.store.UnreadCount(ctx); err != nil {
		h["status"] = "degraded"
		h["error"] = err.Error()
	}
	return h
}

func (b *Backend) Dispatch(ctx context.Context, method string, params protocol.Params) (any, error) {
	return service.DispatchTable(ctx, b.Name(), method, params, map[string]service.HandlerFunc{
		"health":             b.health,
		"unread_count":       b.unreadCount,
		"unread":             b.unread,
		"recent":             b.recent,
		"search":             b.search,
		"contact_messages":   b.contactMessages,
		"groups":             b.groups,
		"group_messages":     b.groupMessages,
		"group_participants": b.groupParticipants,
		"send":               b.send,
	})
}

func (b *Backend) health(ctx context.Context, _ protocol.Params) (any, error) {
	return b.Health(ctx), nil
}

func (b *Backend) unreadCount(ctx context.Context, _ protocol.Params) (any, error) {
	b.cacheMu.Lock()
	if b.cacheValid {
		n := b.cachedCount
		b.cacheMu.Unlock()
		return map[string]any{"count": n}, nil
	}
	b.cacheMu.Unlock()

	n, err := b.store.UnreadCount(ctx)
	if err != nil {
		return nil, err
	}

	b.cacheMu.Lock()
	b.cachedCount = n
	b.cacheValid = true
	b.cacheMu.Unlock()
	return map[string]any{"count": n}, nil
}

func (b *Backend) unread(ctx context.Context, params protocol.Params) (any, error) {
	limit := params.Int("limit", defaultLimit, 1, maxLimit)
	msgs, err := b.store.Unread(ctx, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": b.annotate(msgs)}, nil
}

func (b *Backend) recent(ctx context.Context, params protocol.Params) (any, error) {
	limit := params.Int("limit", defaultLimit, 1, maxLimit)
	msgs, err := b.store.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": b.annotate(msgs)}, nil
}

func (b *Backend) search(ctx context.Context, params protocol.Params) (any, error) {
	query := params.String("query")
	if query == "" {
		return nil, service.InvalidParams("search requires a query")
	}
	limit := params.Int("limit", defaultLimit, 1, maxLimit)

	var since *time.Time
	if days := params.Int("days", 0, 0, 3650); days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		since = &cutoff
	}

	msgs, err := b.store.Search(ctx, query, limit, since)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": b.annotate(msgs)}, nil
}

func (b *Backend) contactMessages(ctx context.Context, params protocol.Params) (any, error) {
	query := params.String("contact")
	if query == "" {
		query = params.String("query")
	}
	if query == "" {
		return nil, service.InvalidParams("contact_messages requires a contact")
	}
	limit := params.Int("limit", defaultLimit, 1, maxLimit)

	handle, match, err := b.resolveHandle(query)
	if err != nil {
		return nil, err
	}

	msgs, err := b.store.MessagesByHandle(ctx, handle, limit)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"messages": b.annotate(msgs), "handle": handle}
	if match != nil {
		out["contact"] = match
	}
	return out, nil
}

func (b *Backend) groups(ctx context.Context, params protocol.Params) (any, error) {
	limit := params.Int("limit", defaultLimit, 1, maxLimit)
	groups, err := b.store.Groups(ctx, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"groups": groups}, nil
}

func (b *Backend) groupMessages(ctx context.Context, params protocol.Params) (any, error) {
	chatID := params.String("chat_id")
	if chatID == "" {
		return nil, service.InvalidParams("group_messages requires a chat_id")
	}
	limit := params.Int("limit", defaultLimit, 1, maxLimit)

	msgs, err := b.store.GroupMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": b.annotate(msgs)}, nil
}

func (b *Backend) groupParticipants(ctx context.Context, params protocol.Params) (any, error) {
	chatID := params.String("chat_id")
	if chatID == "" {
		return nil, service.InvalidParams("group_participants requires a chat_id")
	}
	handles, err := b.store.GroupParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}

	// Decorate each handle with a directory name when one matches.
	type participant struct {
		Handle string `json:"handle"`
		Name   string `json:"name,omitempty"`
	}
	out := make([]participant, 0, len(handles))
	for _, h := range handles {
		p := participant{Handle: h}
		if c, ok := b.dir.FindByPhone(h); ok {
			p.Name = c.Name
		}
		out = append(out, p)
	}
	return map[string]any{"participants": out}, nil
}

func (b *Backend) send(ctx context.Context, params protocol.Params) (any, error) {
	text := params.String("text")
	if text == "" {
		return nil, service.InvalidParams("send requires text")
	}

	if chatID := params.String("chat_id"); chatID != "" {
		if err := b.sender.SendToGroup(ctx, chatID, text); err != nil {
			return nil, err
		}
		b.log.Info("sent group message", "chat_id", chatID, "chars", len(text))
		return map[string]any{"sent": true, "chat_id": chatID}, nil
	}

	query := params.String("to")
	if query == "" {
		return nil, service.InvalidParams("send requires a recipient or chat_id")
	}
	handle, match, err := b.resolveHandle(query)
	if err != nil {
		return nil, err
	}
	if err := b.sender.SendToRecipient(ctx, handle, text); err != nil {
		return nil, err
	}
	b.log.Info("sent message", "to", handle, "chars", len(text))
	out := map[string]any{"sent": true, "to": handle}
	if match != nil {
		out["contact"] = match
	}
	return out, nil
}

// resolveHandle turns a free-text recipient into a deliverable handle.
// Phone-shaped input is normalized directly; names go through the
// directory resolver and fail with NOT_FOUND when nothing matches.
func (b *Backend) resolveHandle(query string) (string, *contacts.Match, error) {
	if contacts.LooksLikePhone(query) {
		if m, ok := b.dir.Resolve(query); ok {
			return "+" + m.Contact.Identifier(b.dir.CountryCode()), &m, nil
		}
		return "+" + contacts.NormalizePhone(query, b.dir.CountryCode()), nil, nil
	}

	m, ok := b.dir.Resolve(query)
	if !ok {
		return "", nil, service.NotFound("no contact matches %q", query)
	}
	id := m.Contact.Identifier(b.dir.CountryCode())
	if id == "" {
		return "", nil, service.NotFound("contact %q has no phone or email", m.Contact.Name)
	}
	if m.Contact.Phone != "" {
		id = "+" + id
	}
	return id, &m, nil
}

// annotate maps raw handles to directory names on inbound messages.
func (b *Backend) annotate(msgs []chatdb.Message) []annotated {
	out := make([]annotated, 0, len(msgs))
	for _, m := range msgs {
		a := annotated{Message: m}
		if !m.IsFromMe {
			if c, ok := b.dir.FindByPhone(m.Sender); ok {
				a.SenderName = c.Name
			}
		}
		out = append(out, a)
	}
	return out
}

type annotated struct {
	chatdb.Message
	SenderName string `json:"sender_name,omitempty"`
}
