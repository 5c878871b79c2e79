// Package gcal is the Google Calendar backend, a thin REST adapter over
// the shared credential cache.
package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/commsd/commsd/internal/creds"
	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/service"
)

// Scope is the credential cache key shared by calendar consumers.
const Scope = "google.calendar"

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// Working hours used by the free-slot computation.
const (
	workdayStartHour = 9
	workdayEndHour   = 18
)

// Event is the subset of a calendar event the gateway exposes.
type Event struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Location string `json:"location,omitempty"`
	Start    string `json:"start"`
	End      string `json:"end"`
	AllDay   bool   `json:"all_day,omitempty"`
}

// Backend serves the "calendar" service.
type Backend struct {
	creds   *creds.Cache
	baseURL string
	log     *slog.Logger
}

func New(c *creds.Cache, log *slog.Logger) *Backend {
	return &Backend{creds: c, baseURL: defaultBaseURL, log: log}
}

func (b *Backend) Name() string { return "calendar" }

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
		"health": b.health,
		"today":  b.today,
		"week":   b.week,
		"events": b.events,
		"get":    b.get,
		"create": b.create,
		"delete": b.delete,
		"free":   b.free,
	})
}

func (b *Backend) health(ctx context.Context, _ protocol.Params) (any, error) {
	return b.Health(ctx), nil
}

func (b *Backend) today(ctx context.Context, _ protocol.Params) (any, error) {
	start := startOfDay(time.Now())
	events, err := b.listWindow(ctx, start, start.AddDate(0, 0, 1), 50)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (b *Backend) week(ctx context.Context, _ protocol.Params) (any, error) {
	start := startOfDay(time.Now())
	events, err := b.listWindow(ctx, start, start.AddDate(0, 0, 7), 100)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (b *Backend) events(ctx context.Context, params protocol.Params) (any, error) {
	days := params.Int("days", 7, 1, 365)
	count := params.Int("count", 25, 1, 250)
	start := startOfDay(time.Now())
	events, err := b.listWindow(ctx, start, start.AddDate(0, 0, days), count)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (b *Backend) get(ctx context.Context, params protocol.Params) (any, error) {
	id := params.String("event_id")
	if id == "" {
		return nil, service.InvalidParams("get requires an event_id")
	}

	var raw apiEvent
	status, err := b.doJSON(ctx, http.MethodGet, "/calendars/primary/events/"+url.PathEscape(id), nil, &raw)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, service.NotFound("no event with id %q", id)
	}
	return raw.toEvent(), nil
}

func (b *Backend) create(ctx context.Context, params protocol.Params) (any, error) {
	summary := params.String("summary")
	startStr := params.String("start")
	endStr := params.String("end")
	if summary == "" || startStr == "" || endStr == "" {
		return nil, service.InvalidParams("create requires summary, start and end")
	}
	if _, err := time.Parse(time.RFC3339, startStr); err != nil {
		return nil, service.InvalidParams("start must be RFC3339: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, endStr); err != nil {
		return nil, service.InvalidParams("end must be RFC3339: %v", err)
	}

	body := map[string]any{
		"summary": summary,
		"start":   map[string]string{"dateTime": startStr},
		"end":     map[string]string{"dateTime": endStr},
	}
	if loc := params.String("location"); loc != "" {
		body["location"] = loc
	}
	if desc := params.String("description"); desc != "" {
		body["description"] = desc
	}

	var raw apiEvent
	if _, err := b.doJSON(ctx, http.MethodPost, "/calendars/primary/events", body, &raw); err != nil {
		return nil, err
	}
	b.log.Info("created calendar event", "event_id", raw.ID, "summary", summary)
	return raw.toEvent(), nil
}

func (b *Backend) delete(ctx context.Context, params protocol.Params) (any, error) {
	id := params.String("event_id")
	if id == "" {
		return nil, service.InvalidParams("delete requires an event_id")
	}
	status, err := b.doJSON(ctx, http.MethodDelete, "/calendars/primary/events/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, service.NotFound("no event with id %q", id)
	}
	b.log.Info("deleted calendar event", "event_id", id)
	return map[string]any{"deleted": true, "event_id": id}, nil
}

// free computes open slots within working hours for one day, given the
// day's events as busy blocks.
func (b *Backend) free(ctx context.Context, params protocol.Params) (any, error) {
	day := startOfDay(time.Now())
	if d := params.String("date"); d != "" {
		parsed, err := time.ParseInLocation("2006-01-02", d, time.Local)
		if err != nil {
			return nil, service.InvalidParams("date must be YYYY-MM-DD: %v", err)
		}
		day = parsed
	}
	minMinutes := params.Int("min_minutes", 30, 5, 600)

	events, err := b.listWindow(ctx, day, day.AddDate(0, 0, 1), 100)
	if err != nil {
		return nil, err
	}

	slots := FreeSlots(day, events, time.Duration(minMinutes)*time.Minute)
	return map[string]any{"date": day.Format("2006-01-02"), "free": slots}, nil
}

// Slot is one open window in a day.
type Slot struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Minutes int    `json:"minutes"`
}

// FreeSlots subtracts busy events from the working hours of day and
// returns the gaps no shorter than min. All-day events are ignored.
func FreeSlots(day time.Time, events []Event, min time.Duration) []Slot {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), workdayStartHour, 0, 0, 0, day.Location())
	dayEnd := time.Date(day.Year(), day.Month(), day.Day(), workdayEndHour, 0, 0, 0, day.Location())

	type span struct{ start, end time.Time }
	var busy []span
	for _, e := range events {
		if e.AllDay {
			continue
		}
		start, err1 := time.Parse(time.RFC3339, e.Start)
		end, err2 := time.Parse(time.RFC3339, e.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if end.Before(dayStart) || start.After(dayEnd) {
			continue
		}
		if start.Before(dayStart) {
			start = dayStart
		}
		if end.After(dayEnd) {
			end = dayEnd
		}
		busy = append(busy, span{start, end})
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].start.Before(busy[j].start) })

	var merged []span
	for _, s := range busy {
		if len(merged) > 0 && !s.start.After(merged[len(merged)-1].end) {
			if s.end.After(merged[len(merged)-1].end) {
				merged[len(merged)-1].end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	slots := []Slot{}
	cursor := dayStart
	emit := func(start, end time.Time) {
		if gap := end.Sub(start); gap >= min {
			slots = append(slots, Slot{
				Start:   start.Format(time.RFC3339),
				End:     end.Format(time.RFC3339),
				Minutes: int(gap.Minutes()),
			})
		}
	}
	for _, s := range merged {
		emit(cursor, s.start)
		if s.end.After(cursor) {
			cursor = s.end
		}
	}
	emit(cursor, dayEnd)
	return slots
}

// apiEvent mirrors the calendar v3 wire shape.
type apiEvent struct {
	ID       string `json:"id"`
	Summary  string `json:"summary"`
	Location string `json:"location"`
	Start    struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"end"`
}

func (e apiEvent) toEvent() Event {
	out := Event{ID: e.ID, Summary: e.Summary, Location: e.Location}
	if e.Start.DateTime != "" {
		out.Start = e.Start.DateTime
		out.End = e.End.DateTime
	} else {
		out.Start = e.Start.Date
		out.End = e.End.Date
		out.AllDay = true
	}
	return out
}

func (b *Backend) listWindow(ctx context.Context, from, to time.Time, max int) ([]Event, error) {
	q := url.Values{}
	q.Set("timeMin", from.Format(time.RFC3339))
	q.Set("timeMax", to.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(max))

	var page struct {
		Items []apiEvent `json:"items"`
	}
	if _, err := b.doJSON(ctx, http.MethodGet, "/calendars/primary/events?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(page.Items))
	for _, item := range page.Items {
		events = append(events, item.toEvent())
	}
	return events, nil
}

// doJSON performs one authorized API call. 404 is returned as a status
// for the caller to map; other non-2xx statuses become errors.
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
		return 0, fmt.Errorf("calendar API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("calendar API %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("failed to decode calendar API response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
