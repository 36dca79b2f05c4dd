package relay

import (
	"maps"
	"sync"

	"relaychat/internal/wire"
)

// Presence is the relay's table of user name -> status.
type Presence struct {
	mu    sync.Mutex
	users map[string]string
}

func NewPresence() *Presence {
	return &Presence{users: make(map[string]string)}
}

// ApplyControl mutates the table for a Join (insert or overwrite) or a
// Leave (remove if present) and returns a Presence envelope carrying the
// resulting snapshot. Any other variant leaves the table untouched and
// returns false.
func (p *Presence) ApplyControl(env wire.Envelope) (wire.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch env.Kind() {
	case wire.KindJoin:
		p.users[env.Join.Author] = wire.StatusOnline
	case wire.KindLeave:
		delete(p.users, env.Leave.Author)
	case wire.KindChat, wire.KindNotice, wire.KindPresence, wire.KindInvalid:
		return wire.Envelope{}, false
	}
	return wire.NewPresence(p.users), true
}

// Remove deletes names and returns the new snapshot envelope. It reports
// false when none of the names were present.
func (p *Presence) Remove(names ...string) (wire.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := false
	for _, name := range names {
		if _, ok := p.users[name]; ok {
			delete(p.users, name)
			removed = true
		}
	}
	if !removed {
		return wire.Envelope{}, false
	}
	return wire.NewPresence(p.users), true
}

// Snapshot returns a copy of the table.
func (p *Presence) Snapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.users)
}
