// Package typing keeps short-lived "who is typing where" state. Entries
// expire on their own; typing indicators are intentionally lossy and nothing
// here is persisted.
package typing

import (
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Second

type Tracker struct {
	mu  sync.Mutex
	ttl time.Duration
	// conversationID -> userID -> expiry
	convs map[string]map[string]time.Time
	now   func() time.Time
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:   ttl,
		convs: make(map[string]map[string]time.Time),
		now:   time.Now,
	}
}

// Set records that userID is (or stopped) typing in conversationID.
func (t *Tracker) Set(conversationID, userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.convs[conversationID]
	if !isTyping {
		if users != nil {
			delete(users, userID)
			if len(users) == 0 {
				delete(t.convs, conversationID)
			}
		}
		return
	}
	if users == nil {
		users = make(map[string]time.Time)
		t.convs[conversationID] = users
	}
	users[userID] = t.now().Add(t.ttl)
}

// ActiveTypers returns the users currently typing in conversationID,
// pruning expired entries as it goes.
func (t *Tracker) ActiveTypers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.convs[conversationID]
	if users == nil {
		return nil
	}
	now := t.now()
	var active []string
	for id, expiry := range users {
		if expiry.Before(now) {
			delete(users, id)
			continue
		}
		active = append(active, id)
	}
	if len(users) == 0 {
		delete(t.convs, conversationID)
	}
	return active
}
