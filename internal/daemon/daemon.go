// Package daemon runs the hintd lifecycle: socket claim, accept loop,
// request dispatch, and graceful shutdown.
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hintd/internal/privacy"
	"hintd/internal/store"
	"hintd/internal/suggest"
	"hintd/pkg/protocol"
)

// ErrBindConflict is returned when another live daemon already owns the
// socket path.
var ErrBindConflict = errors.New("daemon: socket already owned by a live instance")

const (
	// Upper bound on one request line. Anything bigger is a protocol error.
	maxPayload = 256 * 1024
	// How long the liveness probe waits for a PING reply from a previous
	// owner of the socket path.
	probeTimeout = 500 * time.Millisecond
	// DefaultDrainGrace bounds how long Shutdown waits for in-flight
	// requests.
	DefaultDrainGrace = 5 * time.Second
	// Default result cap for SEARCH when the client does not set one.
	defaultSearchResults = 20
)

// State is the daemon lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Suggester is the suggestion engine capability used by the SUGGEST handler.
type Suggester interface {
	Suggest(ctx context.Context, q suggest.Query) ([]suggest.Suggestion, error)
}

// Options configures a Daemon. Store, Filter, and Engine are required.
type Options struct {
	SocketPath string
	Store      *store.Store
	Filter     *privacy.Filter
	Engine     Suggester
	// DrainGrace bounds how long Shutdown waits for in-flight requests.
	// Zero means DefaultDrainGrace.
	DrainGrace time.Duration
	// SaveIndexCache, if set, is handed off fire-and-forget during
	// shutdown so a slow cache write never delays process exit.
	SaveIndexCache func()
}

// Daemon owns the Unix socket listener and dispatches requests. It is
// passed explicitly to every handler; there is no package-level instance.
type Daemon struct {
	opts     Options
	listener net.Listener

	state     atomic.Int32
	startedAt time.Time

	suggestionsServed atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	conns   errgroup.Group
	crashed chan struct{}
}

// New creates a stopped daemon. Call Start to claim the socket.
func New(opts Options) *Daemon {
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	return &Daemon{opts: opts, crashed: make(chan struct{})}
}

// Crashed returns a channel closed when the accept loop fails while
// running. The owner should respond by calling Shutdown and exiting.
func (d *Daemon) Crashed() <-chan struct{} {
	return d.crashed
}

// State reports the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Start claims the socket path and begins accepting connections in a
// background goroutine. It returns ErrBindConflict when a live daemon
// already answers on the path; a stale socket file is removed and the bind
// retried once.
func (d *Daemon) Start() error {
	if !d.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("daemon: start from state %s", d.State())
	}

	ln, err := claimSocket(d.opts.SocketPath)
	if err != nil {
		d.state.Store(int32(StateStopped))
		return err
	}
	// The socket carries command history; keep it owner-only.
	if err := os.Chmod(d.opts.SocketPath, 0o600); err != nil {
		ln.Close()
		os.Remove(d.opts.SocketPath)
		d.state.Store(int32(StateStopped))
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}

	d.listener = ln
	d.startedAt = time.Now()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.state.Store(int32(StateRunning))
	slog.Info("listening", "socket", d.opts.SocketPath)

	go d.acceptLoop()
	return nil
}

// claimSocket binds the path. A failed bind is probed with a PING: a live
// responder means a second instance, anything else means a stale file that
// is removed before one retry.
func claimSocket(path string) (net.Listener, error) {
	ln, err := net.Listen("unix", path)
	if err == nil {
		return ln, nil
	}
	if probeAlive(path) {
		return nil, fmt.Errorf("%w: %s", ErrBindConflict, path)
	}
	slog.Info("removing stale socket", "path", path)
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("daemon: remove stale socket: %w", rmErr)
	}
	ln, err = net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("daemon: bind %s: %w", path, err)
	}
	return ln, nil
}

// probeAlive sends a PING to the socket and reports whether anything
// answered within the probe timeout.
func probeAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(probeTimeout))

	req, err := protocol.Encode(protocol.TypePing, nil)
	if err != nil {
		return false
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return false
	}
	scanner := bufio.NewScanner(conn)
	return scanner.Scan()
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if d.State() == StateStopping {
				return
			}
			slog.Error("accept failed", "error", err)
			if d.state.CompareAndSwap(int32(StateRunning), int32(StateCrashed)) {
				close(d.crashed)
			}
			return
		}
		d.conns.Go(func() error {
			d.handleConn(conn)
			return nil
		})
	}
}

// Shutdown stops accepting, drains in-flight requests up to the drain
// grace, hands off the index cache save, and removes the socket file.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) &&
		!d.state.CompareAndSwap(int32(StateCrashed), int32(StateStopping)) {
		return fmt.Errorf("daemon: shutdown from state %s", d.State())
	}
	d.listener.Close()

	done := make(chan struct{})
	go func() {
		d.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.opts.DrainGrace):
		slog.Warn("drain grace elapsed, abandoning in-flight requests")
	case <-ctx.Done():
	}
	d.cancel()

	// Fire and forget: a slow cache write must not delay exit.
	if d.opts.SaveIndexCache != nil {
		go d.opts.SaveIndexCache()
	}

	os.Remove(d.opts.SocketPath)
	d.state.Store(int32(StateStopped))
	slog.Info("stopped")
	return nil
}

// connState is the per-connection request context plus the session ids the
// connection has logged commands for, closed on teardown.
type connState struct {
	ctx      context.Context
	sessions map[string]struct{}
}

// errPayloadTooLarge reports a request line over maxPayload. The line is
// fully discarded so the connection stays usable.
var errPayloadTooLarge = errors.New("payload too large")

// readLine reads one newline-terminated request. A line over maxPayload is
// consumed to its end and reported as errPayloadTooLarge.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) <= maxPayload {
				continue
			}
			// Over budget: drain the rest of the line.
			for {
				_, err := r.ReadSlice('\n')
				if err == nil {
					return nil, errPayloadTooLarge
				}
				if !errors.Is(err, bufio.ErrBufferFull) {
					return nil, err
				}
			}
		default:
			return nil, err
		}
	}
}

// frame is one read-pump result: a request line or a terminal read error.
type frame struct {
	line []byte
	err  error
}

// handleConn processes request lines from one connection in arrival order.
// The connection stays open across requests, including error responses.
// A read pump keeps watching the socket while a request is in flight so a
// client hangup cancels that request instead of letting it run to
// completion; teardown closes every session the connection logged
// commands for.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	cs := &connState{ctx: ctx, sessions: make(map[string]struct{})}
	defer func() {
		for sid := range cs.sessions {
			if err := d.opts.Store.EndSession(context.Background(), sid); err != nil {
				slog.Debug("end session failed", "session", sid, "error", err)
			}
		}
	}()

	frames := make(chan frame)
	go func() {
		defer close(frames)
		reader := bufio.NewReaderSize(conn, 64*1024)
		for {
			raw, err := readLine(reader)
			select {
			case frames <- frame{line: raw, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, errPayloadTooLarge) {
				return
			}
		}
	}()

	// Frames that arrived while a request was in flight, served next in
	// arrival order.
	var pending []frame
	next := func() (frame, bool) {
		if len(pending) > 0 {
			f := pending[0]
			pending = pending[1:]
			return f, true
		}
		f, ok := <-frames
		return f, ok
	}

	for {
		f, ok := next()
		if !ok {
			return
		}
		if errors.Is(f.err, errPayloadTooLarge) {
			if writeResponse(conn, protocol.NewError(protocol.KindProtocol, "payload too large")) != nil {
				return
			}
			continue
		}
		if f.err != nil {
			if !errors.Is(f.err, io.EOF) {
				slog.Debug("connection read failed", "error", f.err)
			}
			return
		}
		raw := bytes.TrimSpace(f.line)
		if len(raw) == 0 {
			continue
		}
		slog.Debug("request", "data", string(raw))

		respCh := make(chan any, 1)
		go func() { respCh <- d.handleRequest(cs, raw) }()

		var resp any
	wait:
		for {
			select {
			case resp = <-respCh:
				break wait
			case f2, ok2 := <-frames:
				if !ok2 || (f2.err != nil && !errors.Is(f2.err, errPayloadTooLarge)) {
					// Client hung up mid-request: abort the request
					// and let the handler unwind before teardown.
					cancel()
					<-respCh
					return
				}
				pending = append(pending, f2)
			}
		}
		if err := writeResponse(conn, resp); err != nil {
			slog.Debug("client gone", "error", err)
			return
		}
	}
}

func writeResponse(conn net.Conn, resp any) error {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		data, _ = json.Marshal(protocol.NewError(protocol.KindInternal, "marshal failure"))
	}
	slog.Debug("response", "data", string(data))
	_, err = conn.Write(append(data, '\n'))
	return err
}

// handleRequest dispatches one request line. A panic in any handler is
// converted into an internal error response for that request only.
func (d *Daemon) handleRequest(cs *connState, raw []byte) (resp any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "panic", r)
			resp = protocol.NewError(protocol.KindInternal, "internal error")
		}
	}()

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		return protocol.NewError(protocol.KindProtocol, err.Error())
	}

	switch env.Type {
	case protocol.TypePing:
		return protocol.PingResponse{OK: true}
	case protocol.TypeLogCommand:
		return d.handleLogCommand(cs, env)
	case protocol.TypeSuggest:
		return d.handleSuggest(cs.ctx, env)
	case protocol.TypeSearch:
		return d.handleSearch(cs.ctx, env)
	case protocol.TypeStatus:
		return d.handleStatus(cs.ctx)
	default:
		// ParseEnvelope already rejected unknown types.
		return protocol.NewError(protocol.KindProtocol, "unhandled message type")
	}
}

func (d *Daemon) handleLogCommand(cs *connState, env *protocol.Envelope) any {
	var req protocol.LogCommandRequest
	if err := env.Decode(&req); err != nil {
		return protocol.NewError(protocol.KindProtocol, err.Error())
	}
	if strings.TrimSpace(req.Command) == "" {
		return protocol.NewError(protocol.KindProtocol, "command is required")
	}

	if dec := d.opts.Filter.Evaluate(req.Command, req.Cwd); !dec.Allowed {
		// Exclusion is policy, not failure: log for the operator, reject
		// for the client, and never persist the command.
		slog.Info("command excluded", "reason", dec.Reason)
		return protocol.NewError(protocol.KindPolicy, dec.Reason)
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	cs.sessions[req.SessionID] = struct{}{}

	id, err := d.opts.Store.Append(cs.ctx, store.Record{
		Command:   req.Command,
		Cwd:       req.Cwd,
		Timestamp: req.Timestamp,
		ExitCode:  req.ExitCode,
		Duration:  req.Duration,
		SessionID: req.SessionID,
	})
	if err != nil {
		slog.Error("append failed", "error", err)
		return protocol.NewError(protocol.KindInternal, "failed to persist command")
	}
	return protocol.LogCommandResponse{ID: id}
}

func (d *Daemon) handleSuggest(ctx context.Context, env *protocol.Envelope) any {
	var req protocol.SuggestRequest
	if err := env.Decode(&req); err != nil {
		return protocol.NewError(protocol.KindProtocol, err.Error())
	}

	suggestions, err := d.opts.Engine.Suggest(ctx, suggest.Query{
		Partial:       req.Partial,
		Cwd:           req.Cwd,
		History:       req.History,
		Limit:         req.Limit,
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		slog.Error("suggest failed", "error", err)
		return protocol.NewError(protocol.KindInternal, "suggestion retrieval failed")
	}
	d.suggestionsServed.Add(int64(len(suggestions)))

	out := make([]protocol.Suggestion, 0, len(suggestions))
	for _, s := range suggestions {
		out = append(out, protocol.Suggestion{
			Command:    s.Command,
			Confidence: s.Confidence,
			Source:     string(s.Source),
			Safety: protocol.SafetyVerdict{
				Level:           s.Safety.Level.String(),
				MatchedPatterns: s.Safety.MatchedPatterns,
				Rationale:       s.Safety.Rationale,
			},
		})
	}
	return protocol.SuggestResponse{Suggestions: out}
}

func (d *Daemon) handleSearch(ctx context.Context, env *protocol.Envelope) any {
	var req protocol.SearchRequest
	if err := env.Decode(&req); err != nil {
		return protocol.NewError(protocol.KindProtocol, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return protocol.NewError(protocol.KindProtocol, "query is required")
	}
	if req.MaxResults <= 0 {
		req.MaxResults = defaultSearchResults
	}

	recs, err := d.opts.Store.FullTextSearch(ctx, req.Query, req.MaxResults)
	if err != nil {
		slog.Error("search failed", "error", err)
		return protocol.NewError(protocol.KindInternal, "search failed")
	}

	out := make([]protocol.CommandRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, protocol.CommandRecord{
			ID:        r.ID,
			Command:   r.Command,
			Cwd:       r.Cwd,
			Timestamp: r.Timestamp,
			ExitCode:  r.ExitCode,
			Duration:  r.Duration,
			SessionID: r.SessionID,
		})
	}
	return protocol.SearchResponse{Results: out}
}

func (d *Daemon) handleStatus(ctx context.Context) any {
	logged, err := d.opts.Store.CountCommands(ctx)
	if err != nil {
		slog.Error("count failed", "error", err)
		return protocol.NewError(protocol.KindInternal, "status unavailable")
	}
	return protocol.StatusResponse{
		Running:           d.State() == StateRunning,
		UptimeSeconds:     int64(time.Since(d.startedAt).Seconds()),
		CommandsLogged:    logged,
		SuggestionsServed: d.suggestionsServed.Load(),
	}
}
