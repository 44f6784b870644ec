// Package transport serves the daemon's unix stream socket.
//
// Protocol: newline-terminated JSON frames in both directions. Each
// inbound frame is {"event", "data", "correlation_id"?} and gets
// exactly one JSON response line: the first handler result, an empty
// object when every listener stayed silent, or {"error": ...}.
// Connections stay open across frames; subscribers registered through
// monitor:subscribe keep receiving event lines on the same connection
// until it closes.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/router"
)

// frame is one inbound request line.
type frame struct {
	Event         string         `json:"event"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Server owns the unix listener, the pid file, and every live
// connection.
type Server struct {
	cfg     config.SocketConfig
	pidFile string
	router  *router.Router
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ln net.Listener
	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*conn

	stopOnce sync.Once
}

// NewServer builds a server over cfg. pidFile may be empty to skip pid
// tracking (tests do).
func NewServer(cfg config.SocketConfig, pidFile string, rt *router.Router) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		pidFile: pidFile,
		router:  rt,
		log:     slog.With("component", "transport"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*conn),
	}
}

// Start binds the socket, writes the pid file, and begins accepting
// connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStaleSocket(s.cfg.Path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Path, err)
	}
	s.ln = ln

	if s.pidFile != "" {
		if err := writePidFile(s.pidFile); err != nil {
			_ = ln.Close()
			_ = os.Remove(s.cfg.Path)
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("transport listening", "socket", s.cfg.Path)
	return nil
}

// Stop closes the listener and every connection, waits for connection
// goroutines to drain within ctx, and removes the socket and pid
// files.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.nc.Close()
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("transport drain: %w", ctx.Err())
		}

		_ = os.Remove(s.cfg.Path)
		if s.pidFile != "" {
			_ = os.Remove(s.pidFile)
		}
		s.log.Info("transport stopped")
	})
	return err
}

// ConnCount reports the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		c := &conn{
			id:      event.NewClientID(),
			nc:      nc,
			timeout: s.cfg.Timeout,
		}
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *conn) {
	defer s.wg.Done()
	defer func() {
		s.router.Unsubscribe(c.id)
		_ = c.nc.Close()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.log.Debug("client disconnected", "client_id", c.id)
	}()
	s.log.Debug("client connected", "client_id", c.id)

	// The scanner's limit is the larger of the max and the initial
	// buffer, so the buffer must not exceed the configured frame cap.
	bufSize := 64 * 1024
	if s.cfg.MaxFrameBytes > 0 && s.cfg.MaxFrameBytes < bufSize {
		bufSize = s.cfg.MaxFrameBytes
	}
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, bufSize), s.cfg.MaxFrameBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.handleFrame(c, line)
		select {
		case <-s.ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// The stream cannot be resynced mid-frame; report and drop
			// the connection.
			_ = c.writeJSON(event.ErrorResponse("frame exceeds maximum size"))
		} else if !errors.Is(err, net.ErrClosed) {
			s.log.Debug("connection read failed", "client_id", c.id, "error", err)
		}
	}
}

func (s *Server) handleFrame(c *conn, line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		_ = c.writeJSON(event.Errorf("invalid frame: %v", err))
		return
	}
	if f.Event == "" {
		_ = c.writeJSON(event.ErrorResponse("invalid frame: missing event"))
		return
	}
	data := f.Data
	if data == nil {
		data = map[string]any{}
	}
	if f.CorrelationID != "" {
		data["correlation_id"] = f.CorrelationID
	}

	ectx := &event.Context{ClientID: c.id, Writer: c}
	resp := s.router.EmitFirst(s.ctx, f.Event, data, ectx)
	if resp == nil {
		if s.router.Handles(f.Event) {
			// Listeners ran but stayed silent; acknowledge the frame.
			resp = map[string]any{}
		} else {
			resp = event.Errorf("no handler for %s", f.Event)
		}
	}
	if err := c.writeJSON(resp); err != nil {
		s.log.Debug("response write failed", "client_id", c.id, "event", f.Event, "error", err)
	}
}

// conn is one client connection. Writes are serialized so handler
// responses and subscriber pushes never interleave mid-line.
type conn struct {
	id      string
	nc      net.Conn
	timeout time.Duration

	mu sync.Mutex
}

// WriteLine implements event.LineWriter.
func (c *conn) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	_, err := c.nc.Write(buf)
	return err
}

func (c *conn) writeJSON(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		line, _ = json.Marshal(event.Errorf("unserializable response: %v", err))
	}
	return c.WriteLine(line)
}

// removeStaleSocket clears a leftover socket file from a previous run.
// A path that exists but is not a socket is refused rather than
// removed.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket path: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
