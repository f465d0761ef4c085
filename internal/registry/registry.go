// Package registry tracks which users currently hold a live socket. It is
// the single source of truth for "is this user reachable now" and is owned
// by the service instance, never by package-level state.
package registry

import (
	"sync"

	"huddle/pkg/protocol"
)

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Link
}

func New() *Registry {
	return &Registry{entries: make(map[string]Link)}
}

// Register makes link the live connection for userID. A prior entry for the
// same user is silently replaced, not merged: last connect wins.
func (r *Registry) Register(userID string, link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = link
}

// Unregister removes the entry for userID only if it still belongs to link.
// A close racing with a newer connection for the same user is a no-op.
func (r *Registry) Unregister(userID string, link Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[userID]
	if !ok || current.ID() != link.ID() {
		return false
	}
	delete(r.entries, userID)
	return true
}

func (r *Registry) Lookup(userID string) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.entries[userID]
	return link, ok
}

// Online reports whether userID has a registered, open connection.
func (r *Registry) Online(userID string) bool {
	link, ok := r.Lookup(userID)
	return ok && link.Open()
}

// Broadcast sends env to every registered, open connection among userIDs,
// silently skipping the rest. Recipients are attempted in input order.
// It returns the number of successful enqueues.
func (r *Registry) Broadcast(userIDs []string, env *protocol.Envelope) int {
	links := make([]Link, 0, len(userIDs))
	r.mu.RLock()
	for _, id := range userIDs {
		if link, ok := r.entries[id]; ok {
			links = append(links, link)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, link := range links {
		if !link.Open() {
			continue
		}
		if link.Send(env) {
			sent++
		}
	}
	return sent
}

// Size returns the number of registered connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats is a point-in-time snapshot for the HTTP stats endpoint.
type Stats struct {
	ConnectedUsers int `json:"connected_users"`
}

func (r *Registry) Stats() Stats {
	return Stats{ConnectedUsers: r.Size()}
}
