package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrDuplicateSession is returned when an address is registered twice.
var ErrDuplicateSession = errors.New("session already registered")

// Sink is the write half of a session as seen by the registry.
type Sink interface {
	// WriteLine writes one pre-encoded envelope line.
	WriteLine(line []byte) error
	// Close tears down the transport behind the sink.
	Close() error
}

// Registry maps peer addresses to the write half of their session.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]Sink
}

// NewRegistry returns an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]Sink),
	}
}

// Register adds sink under addr.
func (r *Registry) Register(addr string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[addr]; exists {
		return fmt.Errorf("register %s: %w", addr, ErrDuplicateSession)
	}
	r.sessions[addr] = sink
	r.logger.Info("session registered", "addr", addr, "sessions", len(r.sessions))
	return nil
}

// Unregister removes addr. Unknown addresses are ignored.
func (r *Registry) Unregister(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[addr]; exists {
		delete(r.sessions, addr)
		r.logger.Info("session unregistered", "addr", addr, "sessions", len(r.sessions))
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast writes line to every session except the one registered under
// except (pass "" to reach everyone) and returns how many writes
// succeeded. The sink set is copied before any write so a slow peer never
// holds the lock. A failed peer is logged and closed; the rest still
// receive the line.
func (r *Registry) Broadcast(line []byte, except string) int {
	r.mu.Lock()
	targets := make(map[string]Sink, len(r.sessions))
	for addr, sink := range r.sessions {
		if addr != except {
			targets[addr] = sink
		}
	}
	r.mu.Unlock()

	delivered := 0
	for addr, sink := range targets {
		if err := sink.WriteLine(line); err != nil {
			r.logger.Warn("broadcast write failed", "addr", addr, "err", err)
			sink.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// closeAll closes every registered sink; their sessions unregister
// themselves as their reads fail.
func (r *Registry) closeAll() {
	r.mu.Lock()
	sinks := make([]Sink, 0, len(r.sessions))
	for _, sink := range r.sessions {
		sinks = append(sinks, sink)
	}
	r.mu.Unlock()

	for _, sink := range sinks {
		sink.Close()
	}
}
