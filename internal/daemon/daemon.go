// Package daemon is the dispatcher: it owns the unix socket, the
// backend registry, and the connection lifecycle.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/commsd/commsd/internal/chatdb"
	"github.com/commsd/commsd/internal/config"
	"github.com/commsd/commsd/internal/contacts"
	"github.com/commsd/commsd/internal/creds"
	"github.com/commsd/commsd/internal/gcal"
	"github.com/commsd/commsd/internal/gmail"
	"github.com/commsd/commsd/internal/messages"
	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/reminders"
	"github.com/commsd/commsd/internal/service"
)

const (
	// readDeadline bounds how long a connection may dribble its one
	// request line.
	readDeadline = 5 * time.Second

	// requestBudget caps backend work for a single request.
	requestBudget = 30 * time.Second

	maxRequestLine = 1 << 20
)

// Daemon is one running dispatcher instance. All state is explicit so
// several daemons can coexist in a test process.
type Daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	reg     *Registry
	creds   *creds.Cache
	started time.Time

	dirOnce sync.Once
	dir     *contacts.Directory
	dirErr  error

	ln      net.Listener
	sem     chan struct{}
	wg      sync.WaitGroup
	watcher *Watcher
}

// New wires a daemon from config. Backends are registered but not
// constructed; construction happens on each service's first request.
func New(cfg *config.Config, log *slog.Logger) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		log:     log,
		reg:     NewRegistry(),
		creds:   creds.NewCache(cfg.CredentialsDir),
		started: time.Now(),
		sem:     make(chan struct{}, cfg.MaxConnections),
	}

	d.reg.Register("daemon", func() (service.Backend, error) {
		return &daemonService{d: d}, nil
	})
	d.reg.Register("messages", d.buildMessages)
	d.reg.Register("contacts", func() (service.Backend, error) {
		dir, err := d.directory()
		if err != nil {
			return nil, err
		}
		return contacts.NewBackend(dir, d.log), nil
	})
	d.reg.Register("calendar", func() (service.Backend, error) {
		return gcal.New(d.creds, d.log), nil
	})
	d.reg.Register("email", func() (service.Backend, error) {
		return gmail.New(d.creds, d.cfg.Accounts["email"], d.log), nil
	})
	d.reg.Register("reminders", func() (service.Backend, error) {
		return reminders.New(d.log), nil
	})
	return d
}

// Registry exposes the backend registry, mainly for tests.
func (d *Daemon) Registry() *Registry { return d.reg }

// directory loads the contact directory once, shared by the messages
// and contacts backends.
func (d *Daemon) directory() (*contacts.Directory, error) {
	d.dirOnce.Do(func() {
		d.dir, d.dirErr = contacts.LoadDirectory(d.cfg.ContactsPath, d.cfg.CountryCode, d.cfg.FuzzyThreshold)
	})
	return d.dir, d.dirErr
}

func (d *Daemon) buildMessages() (service.Backend, error) {
	store, err := chatdb.Open(d.cfg.ChatDBPath)
	if err != nil {
		// On macOS an unreadable chat.db almost always means the process
		// lacks Full Disk Access.
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return nil, service.PermissionDenied(err, "cannot read chat.db at %s (grant Full Disk Access?)", d.cfg.ChatDBPath)
		}
		return nil, err
	}
	dir, err := d.directory()
	if err != nil {
		store.Close()
		return nil, err
	}

	backend := messages.New(store, dir, messages.NewAppleScriptSender(), d.log)

	if d.cfg.Watch.Enabled && d.watcher == nil {
		debounce := time.Duration(d.cfg.Watch.DebounceSeconds) * time.Second
		w, err := NewWatcher(d.cfg.ChatDBPath, debounce, func() {
			backend.InvalidateUnreadCache()
			d.log.Debug("chat.db changed, unread cache invalidated")
		})
		if err != nil {
			d.log.Warn("chat.db watcher unavailable", "error", err)
		} else {
			d.watcher = w
			d.log.Info("watching chat.db", "path", d.cfg.ChatDBPath, "debounce", debounce)
		}
	}
	return backend, nil
}

// Serve listens on the configured socket until ctx is cancelled, then
// shuts down gracefully within the grace period.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := d.bind(); err != nil {
		return err
	}
	defer d.cleanup()

	d.log.Info("daemon listening",
		"socket", d.cfg.SocketPath,
		"pid", os.Getpid(),
		"services", d.reg.Services())

	go func() {
		<-ctx.Done()
		d.ln.Close()
	}()

	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return d.drain()
			}
			if errors.Is(err, net.ErrClosed) {
				return d.drain()
			}
			// Listener-level corruption is not survivable; external
			// supervision restarts the daemon.
			return fmt.Errorf("accept failed: %w", err)
		}

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return d.drain()
		}

		d.wg.Add(1)
		go func(conn net.Conn) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.handleConn(conn)
		}(conn)
	}
}

// bind prepares and listens on the socket, refusing to start when
// another daemon already owns it.
func (d *Daemon) bind() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(d.cfg.SocketPath); err == nil {
		// A live daemon answers the probe; a stale socket file does not.
		probe, err := net.DialTimeout("unix", d.cfg.SocketPath, 250*time.Millisecond)
		if err == nil {
			probe.Close()
			return fmt.Errorf("daemon already running on %s", d.cfg.SocketPath)
		}
		d.log.Warn("removing stale socket", "socket", d.cfg.SocketPath)
		if err := os.Remove(d.cfg.SocketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to chmod socket: %w", err)
	}
	d.ln = ln

	if err := os.WriteFile(d.cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		d.log.Warn("failed to write pidfile", "path", d.cfg.PIDPath, "error", err)
	}
	return nil
}

// drain waits for in-flight requests up to the grace period.
func (d *Daemon) drain() error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("daemon stopped")
	case <-time.After(d.cfg.GracePeriod):
		d.log.Warn("grace period expired with requests in flight")
	}
	return nil
}

func (d *Daemon) cleanup() {
	if d.watcher != nil {
		d.watcher.Close()
	}
	os.Remove(d.cfg.SocketPath)
	os.Remove(d.cfg.PIDPath)
	if store, ok := d.reg.Constructed("messages"); ok {
		if closer, ok := store.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
}

// handleConn runs the whole request/response exchange for one
// connection: read a line, dispatch, write a line, close.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readDeadline))

	reader := bufio.NewReaderSize(conn, 64<<10)
	line, err := readRequestLine(reader)
	if err != nil {
		d.writeResponse(conn, protocol.Failure("", "", protocol.CodeProtocolError,
			fmt.Sprintf("failed to read request: %v", err), 0))
		return
	}

	req, err := protocol.ParseRequest(line)
	if err != nil {
		d.writeResponse(conn, protocol.Failure("", "", protocol.CodeProtocolError, err.Error(), 0))
		return
	}
	if err := req.Validate(); err != nil {
		d.writeResponse(conn, protocol.Failure(req.ID, req.Service, protocol.CodeProtocolError, err.Error(), 0))
		return
	}

	d.writeResponse(conn, d.dispatch(req))
}

// dispatch routes one parsed request to its backend and shapes the
// response. Backend panics are contained here.
func (d *Daemon) dispatch(req *protocol.Request) (resp *protocol.Response) {
	start := time.Now()
	durationMS := func() float64 { return float64(time.Since(start).Microseconds()) / 1000 }

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("backend panic", "service", req.Service, "method", req.Method, "panic", r)
			resp = protocol.Failure(req.ID, req.Service, protocol.CodeBackendError,
				fmt.Sprintf("internal error in %s.%s", req.Service, req.Method), durationMS())
		}
	}()

	backend, err := d.reg.Get(req.Service)
	if err != nil {
		d.log.Warn("backend unavailable", "service", req.Service, "error", err)
		return protocol.Failure(req.ID, req.Service, service.CodeFor(err), err.Error(), durationMS())
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
	defer cancel()

	result, err := backend.Dispatch(ctx, req.Method, req.Params)
	if err != nil {
		d.log.Warn("request failed",
			"service", req.Service, "method", req.Method,
			"code", service.CodeFor(err), "error", err)
		return protocol.Failure(req.ID, req.Service, service.CodeFor(err), err.Error(), durationMS())
	}

	resp, err = protocol.Success(req.ID, req.Service, result, durationMS())
	if err != nil {
		return protocol.Failure(req.ID, req.Service, protocol.CodeBackendError,
			fmt.Sprintf("failed to encode result: %v", err), durationMS())
	}

	d.log.Info("request served",
		"service", req.Service, "method", req.Method, "duration_ms", resp.Meta.DurationMS)
	return resp
}

func (d *Daemon) writeResponse(conn net.Conn, resp *protocol.Response) {
	line, err := protocol.EncodeLine(resp)
	if err != nil {
		d.log.Error("failed to encode response", "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(readDeadline))
	if _, err := conn.Write(line); err != nil {
		d.log.Debug("failed to write response", "error", err)
	}
}

func readRequestLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > maxRequestLine {
				return nil, fmt.Errorf("request line exceeds %d bytes", maxRequestLine)
			}
			continue
		}
		return nil, err
	}
}

// daemonService is the built-in "daemon" service: process status and
// aggregated backend health.
type daemonService struct {
	d *Daemon
}

func (s *daemonService) Name() string { return "daemon" }

func (s *daemonService) Dispatch(ctx context.Context, method string, params protocol.Params) (any, error) {
	return service.DispatchTable(ctx, s.Name(), method, params, map[string]service.HandlerFunc{
		"health": s.health,
		"status": s.status,
	})
}

func (s *daemonService) health(ctx context.Context, _ protocol.Params) (any, error) {
	return map[string]any{
		"status":   "ok",
		"backends": s.d.reg.HealthAll(ctx),
	}, nil
}

func (s *daemonService) status(_ context.Context, _ protocol.Params) (any, error) {
	return map[string]any{
		"pid":        os.Getpid(),
		"started_at": s.d.started.UTC().Format(time.RFC3339),
		"uptime_s":   int(time.Since(s.d.started).Seconds()),
		"socket":     s.d.cfg.SocketPath,
		"services":   s.d.reg.Services(),
	}, nil
}
