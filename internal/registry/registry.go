// Package registry indexes live sessions by logical client id and by role
// (producer vs consumer), split by role so the router can cheaply
// enumerate all live consumers for the shortest-queue selection policy.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/conclave-dev/partyline/internal/session"
	"github.com/conclave-dev/partyline/internal/wire"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*session.Session
	order map[string]int // registration order, for deterministic tie-breaking
	seq   int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[string]*session.Session),
		order: make(map[string]int),
	}
}

// ErrDuplicateClientID is returned by Put when the id already identifies
// a live session.
var ErrDuplicateClientID = fmt.Errorf("client id already registered")

// Put registers a newly-identified session. It fails with
// ErrDuplicateClientID if the id is already live.
func (r *Registry) Put(s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[s.ClientID]; exists {
		return ErrDuplicateClientID
	}
	r.byID[s.ClientID] = s
	r.seq++
	r.order[s.ClientID] = r.seq
	return nil
}

// Remove drops whatever session is registered under clientID. It is a
// no-op if the id is unknown.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, clientID)
	delete(r.order, clientID)
}

// ByID looks up a live session by client id.
func (r *Registry) ByID(clientID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[clientID]
	return s, ok
}

// Consumers returns all live consumer sessions, ordered by registration
// time (earliest first) so callers get a deterministic tie-break for the
// shortest-queue selection policy.
func (r *Registry) Consumers() []*session.Session {
	return r.byRole(wire.RoleConsumer)
}

// Producers returns all live producer sessions, ordered by registration
// time.
func (r *Registry) Producers() []*session.Session {
	return r.byRole(wire.RoleProducer)
}

func (r *Registry) byRole(role wire.Role) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		if s.Role == role {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.order[out[i].ClientID] < r.order[out[j].ClientID]
	})
	return out
}
