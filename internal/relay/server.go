// Package relay implements the broadcast hub: it accepts participant
// connections, keeps the session registry and presence table, and fans
// every inbound line out to the other sessions.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/conn"
	"relaychat/internal/wire"
)

// Options configures a Server. Registry and Presence may be supplied to
// share or inspect state; nil values get fresh instances.
type Options struct {
	Logger       *slog.Logger
	Registry     *Registry
	Presence     *Presence
	WriteTimeout time.Duration

	// PurgeOnDisconnect removes the names a session joined when it
	// closes without sending Leave.
	PurgeOnDisconnect bool
}

// lineSource is the read half of a session.
type lineSource interface {
	ReadLine() ([]byte, error)
}

// Server is a running relay.
type Server struct {
	listener     net.Listener
	sessions     *Registry
	presence     *Presence
	logger       *slog.Logger
	writeTimeout time.Duration
	purge        bool

	// controlMu orders presence mutations with their snapshot broadcasts
	// so the last snapshot every session sees matches the table.
	controlMu sync.Mutex

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Listen binds address and returns a server whose listener is already
// accepting into the kernel backlog, so a dial that follows a successful
// Listen cannot be refused. Call Serve to start handling connections.
func Listen(address string, opts Options) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return NewServer(listener, opts), nil
}

// NewServer builds a relay around an existing listener.
func NewServer(listener net.Listener, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(logger)
	}
	presence := opts.Presence
	if presence == nil {
		presence = NewPresence()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = conn.DefaultWriteTimeout
	}

	return &Server{
		listener:     listener,
		sessions:     registry,
		presence:     presence,
		logger:       logger,
		writeTimeout: writeTimeout,
		purge:        opts.PurgeOnDisconnect,
	}
}

// Start binds address and serves until the listener fails.
func Start(address string, logger *slog.Logger) error {
	server, err := Listen(address, Options{Logger: logger})
	if err != nil {
		return err
	}
	return server.Serve()
}

// Addr returns the bound address in host:port form.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	return s.sessions.Len()
}

// Presence returns a copy of the current presence table.
func (s *Server) Presence() map[string]string {
	return s.presence.Snapshot()
}

// Serve accepts connections until Close is called. Per-connection work
// runs on its own goroutine; the accept loop never waits on it.
func (s *Server) Serve() error {
	s.logger.Info("relay listening", "addr", s.Addr())

	for {
		c, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		reader, writer := conn.Split(c, conn.WithWriteTimeout(s.writeTimeout))
		addr := c.RemoteAddr().String()
		if !s.track() {
			writer.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			s.serveSession(addr, reader, writer)
		}()
	}
}

// Close stops accepting, closes every session and waits for their
// goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.sessions.closeAll()
	s.wg.Wait()
	s.logger.Info("relay shut down", "addr", s.Addr())
	return err
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// serveSession registers sink under addr and reads from source until the
// transport reports closure.
func (s *Server) serveSession(addr string, source lineSource, sink Sink) {
	if err := s.sessions.Register(addr, sink); err != nil {
		s.logger.Warn("rejecting connection", "addr", addr, "err", err)
		sink.Close()
		return
	}
	// A session registered while Close ran may have missed closeAll.
	if s.isClosed() {
		sink.Close()
	}

	joined := make(map[string]struct{})
	defer func() {
		s.sessions.Unregister(addr)
		sink.Close()
		if s.purge && len(joined) > 0 {
			s.purgeNames(addr, joined)
		}
	}()

	for {
		line, err := source.ReadLine()
		if err != nil {
			if isExpectedClose(err) {
				s.logger.Info("session closed", "addr", addr)
			} else {
				s.logger.Warn("read error", "addr", addr, "err", err)
			}
			return
		}

		env, err := wire.Decode(line)
		if err != nil {
			s.logger.Warn("dropping malformed line", "addr", addr, "err", err)
			continue
		}
		s.handleEnvelope(addr, line, env, joined)
	}
}

// handleEnvelope applies control messages to the presence table, sends
// the resulting snapshot and notice to everyone, then relays the original
// line verbatim to every other session.
func (s *Server) handleEnvelope(addr string, line []byte, env wire.Envelope, joined map[string]struct{}) {
	if env.IsRelayAuthored() {
		s.logger.Warn("dropping relay-only envelope from participant", "addr", addr, "kind", env.Kind())
		return
	}
	if env.IsControl() && strings.TrimSpace(controlAuthor(env)) == "" {
		s.logger.Warn("dropping control envelope without author", "addr", addr, "kind", env.Kind())
		return
	}

	if env.IsControl() {
		s.controlMu.Lock()
		snapshot, _ := s.presence.ApplyControl(env)
		s.broadcastEnvelope(snapshot)
		s.controlMu.Unlock()

		author := controlAuthor(env)
		if env.Kind() == wire.KindJoin {
			joined[author] = struct{}{}
			s.broadcastEnvelope(wire.NewNotice(fmt.Sprintf("%s has joined the chat", author)))
		} else {
			delete(joined, author)
			s.broadcastEnvelope(wire.NewNotice(fmt.Sprintf("%s has left the chat", author)))
		}
	}

	s.sessions.Broadcast(line, addr)
}

// purgeNames drops presence entries left behind by a session that closed
// without sending Leave.
func (s *Server) purgeNames(addr string, joined map[string]struct{}) {
	names := make([]string, 0, len(joined))
	for name := range joined {
		names = append(names, name)
	}

	s.controlMu.Lock()
	snapshot, ok := s.presence.Remove(names...)
	if ok {
		s.broadcastEnvelope(snapshot)
	}
	s.controlMu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("purged stale presence", "addr", addr, "names", names)
	for _, name := range names {
		s.broadcastEnvelope(wire.NewNotice(fmt.Sprintf("%s has left the chat", name)))
	}
}

func (s *Server) broadcastEnvelope(env wire.Envelope) {
	line, err := wire.Encode(env)
	if err != nil {
		s.logger.Error("failed to encode relay envelope", "kind", env.Kind(), "err", err)
		return
	}
	s.sessions.Broadcast(line, "")
}

func controlAuthor(env wire.Envelope) string {
	switch env.Kind() {
	case wire.KindJoin:
		return env.Join.Author
	case wire.KindLeave:
		return env.Leave.Author
	default:
		return ""
	}
}

func isExpectedClose(err error) bool {
	return conn.IsClosed(err) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
