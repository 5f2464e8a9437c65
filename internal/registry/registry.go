package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("agent profile not found")

// AgentProfile is the identity a call must open with. It is resolved once per
// call, when the telephony leg reports its start event, and is immutable for
// the call's duration.
type AgentProfile struct {
	Name        string `json:"name"`
	OpeningLine string `json:"opening_line"`
	Goal        string `json:"goal"`
	Tone        string `json:"tone"`
}

type entry struct {
	profile    AgentProfile
	createdAt  time.Time
	consumedAt time.Time
}

// Registry holds pending agent configuration keyed by call correlation id.
// Entries are written once at dispatch time and read (not deleted) when the
// telephony leg connects; a janitor expires entries for calls that never
// connected.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
}

func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		entries: make(map[string]*entry),
		ttl:     ttl,
	}
}

// Put registers the agent profile for a dispatched call.
func (r *Registry) Put(correlationID string, profile AgentProfile) {
	if correlationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[correlationID] = &entry{profile: profile, createdAt: time.Now().UTC()}
}

// Take resolves the profile for a connecting call. The entry stays until TTL
// expiry so a reconnecting media stream can re-hydrate.
func (r *Registry) Take(correlationID string) (AgentProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[correlationID]
	if !ok {
		return AgentProfile{}, ErrNotFound
	}
	e.consumedAt = time.Now().UTC()
	return e.profile, nil
}

// PendingCount reports entries not yet consumed by a connecting call.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.entries {
		if e.consumedAt.IsZero() {
			count++
		}
	}
	return count
}

// StartJanitor expires stale entries until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireStale()
			}
		}
	}()
}

func (r *Registry) expireStale() {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if now.Sub(e.createdAt) >= r.ttl {
			delete(r.entries, id)
		}
	}
}
