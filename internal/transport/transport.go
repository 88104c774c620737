// Package transport implements the local stream transport: a
// filesystem socket accepting newline-delimited JSON requests,
// forwarding each to the event router, and writing back a single JSON
// response per request.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/problem"
	"github.com/durapensa/ksid/internal/router"
)

// DefaultMaxFrameBytes is the maximum size of a single newline
// -delimited frame, overridable via Options.MaxFrameBytes or the
// KSI_MAX_FRAME_BYTES environment variable.
const DefaultMaxFrameBytes = 1 << 20

// Options configures a Server, following the same
// Options/DefaultOptions shape as router.Options.
type Options struct {
	// SocketPath is the filesystem path the local stream socket binds
	// to. If empty, "daemon.sock" in the working directory is used;
	// cmd/ksid fills it from KSI_SOCKET or "<runtime_dir>/daemon.sock".
	SocketPath string

	// MaxFrameBytes is the largest single newline-delimited request
	// frame accepted before the connection is closed with
	// frame_too_large.
	MaxFrameBytes int

	// Logger receives structured accept/close/frame-error log lines.
	Logger *slog.Logger
}

// DefaultOptions carries the transport's fixed defaults.
var DefaultOptions = Options{
	SocketPath:    "daemon.sock",
	MaxFrameBytes: DefaultMaxFrameBytes,
	Logger:        slog.New(slog.DiscardHandler),
}

// Server accepts client connections on a local stream socket and
// dispatches each request line to a router.Router.
type Server struct {
	opts   Options
	router *router.Router

	listener net.Listener

	connMu sync.Mutex
	conns  map[*connState]struct{}

	accepting atomic.Bool
	inflight  atomic.Int64
}

type connState struct {
	netConn  net.Conn
	clientID string
	cancel   context.CancelFunc
}

// New creates a Server bound to rt. It registers itself as rt's
// connection counter so the shutdown coordinator's termination summary
// reports pending connections at exit.
func New(rt *router.Router, opts Options) *Server {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultOptions.MaxFrameBytes
	}

	if opts.Logger == nil {
		opts.Logger = DefaultOptions.Logger
	}

	if opts.SocketPath == "" {
		opts.SocketPath = DefaultOptions.SocketPath
	}

	s := &Server{
		opts:   opts,
		router: rt,
		conns:  make(map[*connState]struct{}),
	}

	rt.SetConnectionCounter(s.PendingConnections)

	return s
}

// Listen binds the local stream socket at Options.SocketPath with
// owner-only permissions (mode 0600). A stale socket file left by an
// unclean prior exit is removed first.
func (s *Server) Listen() error {
	if err := os.Remove(s.opts.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)

	if err != nil {
		return err
	}

	if err := os.Chmod(s.opts.SocketPath, 0o600); err != nil {
		ln.Close()

		return err
	}

	s.listener = ln
	s.accepting.Store(true)

	return nil
}

// Serve accepts connections until Close stops the listener, handling
// each one on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	for {
		nc, err := s.listener.Accept()

		if err != nil {
			if !s.accepting.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		go s.handle(ctx, nc)
	}
}

// Close stops accepting new connections. In-flight connections are
// left to finish their current frame and drain on their own.
func (s *Server) Close() error {
	s.accepting.Store(false)

	if s.listener == nil {
		return nil
	}

	return s.listener.Close()
}

// Drain waits up to timeout for in-flight frames to finish and flush
// their responses, the transport's final best-effort flush before the
// process exits. Connections that are merely idle do not count as
// in-flight; only a frame currently being processed or written holds
// up the drain.
func (s *Server) Drain(timeout time.Duration) bool {
	limit := time.Now().Add(timeout)

	for s.inflight.Load() > 0 {
		if time.Now().After(limit) {
			return false
		}

		time.Sleep(5 * time.Millisecond)
	}

	return true
}

// PendingConnections reports the number of currently open client
// connections.
func (s *Server) PendingConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	return len(s.conns)
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	clientID := uuid.NewString()

	connCtx, cancel := context.WithCancel(ctx)
	state := &connState{netConn: nc, clientID: clientID, cancel: cancel}

	s.connMu.Lock()
	s.conns[state] = struct{}{}
	s.connMu.Unlock()

	defer func() {
		cancel()
		nc.Close()

		s.connMu.Lock()
		delete(s.conns, state)
		s.connMu.Unlock()
	}()

	s.opts.Logger.Info("client connected", "client_id", clientID)
	defer s.opts.Logger.Info("client disconnected", "client_id", clientID)

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 4096), s.opts.MaxFrameBytes)

	writer := bufio.NewWriter(nc)

	var seq uint64

	for scanner.Scan() {
		seq++
		line := bytes.TrimRight(scanner.Bytes(), "\r")

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		s.inflight.Add(1)
		response := s.processFrame(connCtx, clientID, seq, line)
		err := writeLine(writer, response)
		s.inflight.Add(-1)

		if err != nil {
			s.opts.Logger.Warn("write response failed", "client_id", clientID, "err", err)

			return
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			_ = writeLine(writer, problem.New(problem.CodeFrameTooLarge, "frame exceeds maximum size").Result())
		} else if !errors.Is(err, io.EOF) {
			s.opts.Logger.Warn("connection read error", "client_id", clientID, "err", err)
		}
	}
}

// wireRequest is the JSON shape of one incoming request line.
type wireRequest struct {
	Event         string        `json:"event"`
	Data          contract.Data `json:"data"`
	CorrelationID string        `json:"correlation_id"`
	OriginatorID  string        `json:"originator_id"`
	ConstructID   string        `json:"construct_id"`
}

// processFrame handles one request line: parse, validate, emit,
// serialize. It never panics the connection: every failure mode
// produces a JSON error response instead.
func (s *Server) processFrame(ctx context.Context, clientID string, seq uint64, line []byte) map[string]any {
	var req wireRequest

	if err := json.Unmarshal(line, &req); err != nil {
		return problem.New(problem.CodeParseError, err.Error()).Result()
	}

	if req.Event == "" {
		return problem.New(problem.CodeMissingEvent, "request is missing required \"event\" field").Result()
	}

	env := &contract.Envelope{
		Event:         req.Event,
		Data:          req.Data,
		CorrelationID: req.CorrelationID,
		OriginatorID:  req.OriginatorID,
		ConstructID:   req.ConstructID,
		Meta: contract.Meta{
			ClientID:    clientID,
			Seq:         seq,
			CancelToken: ctx,
		},
	}

	results, err := s.router.Emit(ctx, env)

	if err != nil {
		resp := problem.New(problem.CodeInternalError, err.Error()).Result()

		if req.CorrelationID != "" {
			resp["correlation_id"] = req.CorrelationID
		}

		return resp
	}

	return serializeResponse(results, req.CorrelationID)
}

// serializeResponse shapes the wire response: a single object result
// is returned as-is; anything else (zero or multiple results) is
// wrapped as {"results": [...]}. correlation_id is always echoed back
// when the request supplied one.
func serializeResponse(results []contract.Result, correlationID string) map[string]any {
	var resp map[string]any

	if len(results) == 1 {
		resp = copyResult(results[0])
	} else {
		items := make([]map[string]any, len(results))

		for i, r := range results {
			items[i] = copyResult(r)
		}

		resp = map[string]any{"results": items}
	}

	if correlationID != "" {
		resp["correlation_id"] = correlationID
	}

	return resp
}

func copyResult(r contract.Result) map[string]any {
	out := make(map[string]any, len(r)+1)

	for k, v := range r {
		out[k] = v
	}

	return out
}

func writeLine(w *bufio.Writer, v any) error {
	encoded, err := json.Marshal(v)

	if err != nil {
		return err
	}

	if _, err := w.Write(encoded); err != nil {
		return err
	}

	if err := w.WriteByte('\n'); err != nil {
		return err
	}

	return w.Flush()
}
