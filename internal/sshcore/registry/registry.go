// Package registry tracks live connection actors and PTY pumps so the
// service layer can look them up by id and cascade a disconnect to every
// terminal a connection owns. It never initiates disconnects on its own;
// callers orchestrate.
package registry

import (
	"sync"

	"github.com/jordandevai/driftcode-backend/internal/sshcore/actor"
	"github.com/jordandevai/driftcode-backend/internal/sshcore/ptypump"
)

// Registry is the process-wide directory of connection actors and the PTY
// pumps spawned on top of them.
type Registry struct {
	mu          sync.Mutex
	connections map[string]*actor.Handle
	terminals   map[string]*ptypump.Pump
}

func New() *Registry {
	return &Registry{
		connections: make(map[string]*actor.Handle),
		terminals:   make(map[string]*ptypump.Pump),
	}
}

func (r *Registry) AddConnection(h *actor.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[h.ConnectionID()] = h
}

func (r *Registry) GetConnection(connectionID string) (*actor.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.connections[connectionID]
	return h, ok
}

// RemoveConnection drops the connection and every PTY pump it owns.
func (r *Registry) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connectionID)
	for id, p := range r.terminals {
		if p.ConnectionID() == connectionID {
			delete(r.terminals, id)
		}
	}
}

func (r *Registry) AddTerminal(p *ptypump.Pump) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals[p.TerminalID()] = p
}

func (r *Registry) GetTerminal(terminalID string) (*ptypump.Pump, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.terminals[terminalID]
	return p, ok
}

func (r *Registry) RemoveTerminal(terminalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.terminals, terminalID)
}

// TerminalsForConnection atomically removes and returns every PTY pump
// belonging to connectionID, for callers that need to close them as part
// of an explicit disconnect rather than a registry-only cleanup.
func (r *Registry) TerminalsForConnection(connectionID string) []*ptypump.Pump {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ptypump.Pump
	for id, p := range r.terminals {
		if p.ConnectionID() == connectionID {
			out = append(out, p)
			delete(r.terminals, id)
		}
	}
	return out
}

func (r *Registry) ConnectionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}
