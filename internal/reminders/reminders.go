// Package reminders is the Reminders.app backend, scripted through
// osascript like the messages sender.
package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/service"
)

const scriptTimeout = 15 * time.Second

// fieldSep separates values inside one osascript output record. Chosen
// to be improbable in reminder titles.
const fieldSep = "|~|"

type runner func(ctx context.Context, script string) ([]byte, error)

func runOsascript(ctx context.Context, script string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	return cmd.CombinedOutput()
}

// Reminder is one item of a list.
type Reminder struct {
	Name    string `json:"name"`
	List    string `json:"list"`
	DueDate string `json:"due_date,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Backend serves the "reminders" service. Reminders.app automation is a
// single stateful channel; every script run serializes on mu.
type Backend struct {
	mu  sync.Mutex
	run runner
	log *slog.Logger
}

func New(log *slog.Logger) *Backend {
	return &Backend{run: runOsascript, log: log}
}

func (b *Backend) Name() string { return "reminders" }

func (b *Backend) Health(ctx context.Context) map[string]any {
	if _, err := b.execute(ctx, `tell application "Reminders" to get name`); err != nil {
		return map[string]any{"status": "degraded", "error": err.Error()}
	}
	return map[string]any{"status": "ok"}
}

func (b *Backend) Dispatch(ctx context.Context, method string, params protocol.Params) (any, error) {
	return service.DispatchTable(ctx, b.Name(), method, params, map[string]service.HandlerFunc{
		"health":   b.health,
		"lists":    b.lists,
		"list":     b.list,
		"create":   b.create,
		"complete": b.complete,
		"delete":   b.delete,
	})
}

func (b *Backend) health(ctx context.Context, _ protocol.Params) (any, error) {
	return b.Health(ctx), nil
}

func (b *Backend) lists(ctx context.Context, _ protocol.Params) (any, error) {
	out, err := b.execute(ctx, `tell application "Reminders"
	set output to ""
	repeat with l in lists
		set output to output & (name of l) & "\n"
	end repeat
	return output
end tell`)
	if err != nil {
		return nil, err
	}
	return map[string]any{"lists": splitLines(out)}, nil
}

func (b *Backend) list(ctx context.Context, params protocol.Params) (any, error) {
	listName := params.String("list")
	if listName == "" {
		return nil, service.InvalidParams("list requires a list name")
	}

	script := fmt.Sprintf(`tell application "Reminders"
	set output to ""
	repeat with r in (reminders of list "%s" whose completed is false)
		set dueText to ""
		if due date of r is not missing value then set dueText to (due date of r) as «class isot» as string
		set noteText to ""
		if body of r is not missing value then set noteText to body of r
		set output to output & (name of r) & "%s" & dueText & "%s" & noteText & "\n"
	end repeat
	return output
end tell`, escape(listName), fieldSep, fieldSep)

	out, err := b.execute(ctx, script)
	if err != nil {
		if strings.Contains(err.Error(), "Can’t get list") || strings.Contains(err.Error(), "Can't get list") {
			return nil, service.NotFound("no reminder list named %q", listName)
		}
		return nil, err
	}

	reminders := ParseListOutput(out, listName)
	return map[string]any{"reminders": reminders}, nil
}

func (b *Backend) create(ctx context.Context, params protocol.Params) (any, error) {
	name := params.String("name")
	if name == "" {
		return nil, service.InvalidParams("create requires a name")
	}
	listName := params.String("list")
	if listName == "" {
		listName = "Reminders"
	}

	props := fmt.Sprintf(`name:"%s"`, escape(name))
	if notes := params.String("notes"); notes != "" {
		props += fmt.Sprintf(`, body:"%s"`, escape(notes))
	}
	if due := params.String("due"); due != "" {
		if _, err := time.Parse(time.RFC3339, due); err != nil {
			return nil, service.InvalidParams("due must be RFC3339: %v", err)
		}
		props += fmt.Sprintf(`, due date:(date "%s")`, escape(appleDate(due)))
	}

	script := fmt.Sprintf(`tell application "Reminders"
	tell list "%s"
		make new reminder with properties {%s}
	end tell
end tell`, escape(listName), props)

	if _, err := b.execute(ctx, script); err != nil {
		return nil, err
	}
	b.log.Info("created reminder", "name", name, "list", listName)
	return map[string]any{"created": true, "name": name, "list": listName}, nil
}

func (b *Backend) complete(ctx context.Context, params protocol.Params) (any, error) {
	name := params.String("name")
	if name == "" {
		return nil, service.InvalidParams("complete requires a name")
	}
	listName := params.String("list")
	if listName == "" {
		listName = "Reminders"
	}

	script := fmt.Sprintf(`tell application "Reminders"
	set matches to (reminders of list "%s" whose name is "%s" and completed is false)
	if (count of matches) is 0 then error "no match"
	set completed of item 1 of matches to true
end tell`, escape(listName), escape(name))

	if _, err := b.execute(ctx, script); err != nil {
		if strings.Contains(err.Error(), "no match") {
			return nil, service.NotFound("no open reminder named %q in %q", name, listName)
		}
		return nil, err
	}
	b.log.Info("completed reminder", "name", name, "list", listName)
	return map[string]any{"completed": true, "name": name}, nil
}

func (b *Backend) delete(ctx context.Context, params protocol.Params) (any, error) {
	name := params.String("name")
	if name == "" {
		return nil, service.InvalidParams("delete requires a name")
	}
	listName := params.String("list")
	if listName == "" {
		listName = "Reminders"
	}

	script := fmt.Sprintf(`tell application "Reminders"
	set matches to (reminders of list "%s" whose name is "%s")
	if (count of matches) is 0 then error "no match"
	delete item 1 of matches
end tell`, escape(listName), escape(name))

	if _, err := b.execute(ctx, script); err != nil {
		if strings.Contains(err.Error(), "no match") {
			return nil, service.NotFound("no reminder named %q in %q", name, listName)
		}
		return nil, err
	}
	b.log.Info("deleted reminder", "name", name, "list", listName)
	return map[string]any{"deleted": true, "name": name}, nil
}

func (b *Backend) execute(ctx context.Context, script string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	out, err := b.run(ctx, script)
	if err != nil {
		return "", fmt.Errorf("osascript failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// appleDate renders an RFC3339 time in the verbose format AppleScript's
// date coercion accepts in any locale-independent way.
func appleDate(rfc string) string {
	t, err := time.Parse(time.RFC3339, rfc)
	if err != nil {
		return rfc
	}
	return t.Local().Format("January 2, 2006 3:04:05 PM")
}

// ParseListOutput splits the scripted name|~|due|~|notes lines.
func ParseListOutput(out, listName string) []Reminder {
	reminders := []Reminder{}
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, fieldSep, 3)
		r := Reminder{Name: parts[0], List: listName}
		if len(parts) > 1 {
			r.DueDate = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			r.Notes = strings.TrimSpace(parts[2])
		}
		if r.Name != "" {
			reminders = append(reminders, r)
		}
	}
	return reminders
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
