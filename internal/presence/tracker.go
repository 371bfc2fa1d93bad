package presence

import (
	"sort"
	"sync"
)

// Tracker is the set of counterparts currently connected. It is driven only
// by presence events from the live channel; there is no polling or TTL, so
// an entry stays until the server reports the user offline.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func New() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

func (t *Tracker) SetOnline(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[userID] = struct{}{}
}

func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, userID)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

func (t *Tracker) Online() []string {
	t.mu.RLock()
	result := make([]string, 0, len(t.online))
	for id := range t.online {
		result = append(result, id)
	}
	t.mu.RUnlock()
	sort.Strings(result)
	return result
}

// Reset forgets everyone; used when our own connection drops and the set
// can no longer be trusted.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]struct{})
}
