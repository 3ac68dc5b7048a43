package chatsync

import (
	"sort"
	"sync"
)

// PresenceObserver is notified when a principal's online state changes.
type PresenceObserver func(PresenceRecord)

// PresenceTracker keeps the advisory online state of other principals.
// Presence is best effort; send and retry paths never consult it.
type PresenceTracker struct {
	mu        sync.RWMutex
	online    map[string]bool
	observers []PresenceObserver
}

// NewPresenceTracker returns an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]bool)}
}

// Observe registers fn for future transitions.
func (p *PresenceTracker) Observe(fn PresenceObserver) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Apply records rec and reports whether it changed the tracked state.
// Observers run only on a transition.
func (p *PresenceTracker) Apply(rec PresenceRecord) bool {
	if rec.PrincipalID == "" {
		return false
	}
	p.mu.Lock()
	if p.online[rec.PrincipalID] == rec.Online {
		p.mu.Unlock()
		return false
	}
	if rec.Online {
		p.online[rec.PrincipalID] = true
	} else {
		delete(p.online, rec.PrincipalID)
	}
	observers := append([]PresenceObserver(nil), p.observers...)
	p.mu.Unlock()

	for _, fn := range observers {
		fn(rec)
	}
	return true
}

// IsOnline reports the last known state of principalID.
func (p *PresenceTracker) IsOnline(principalID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[principalID]
}

// Snapshot returns the ids of the principals currently online, sorted.
func (p *PresenceTracker) Snapshot() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Reset forgets every record without notifying observers. Used when the
// session is lost and presence can no longer be trusted.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	p.online = make(map[string]bool)
	p.mu.Unlock()
}
