package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// SessionInfo describes one proxied session for admin introspection.
type SessionInfo struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Host      string    `json:"host"`
	NextState string    `json:"next_state"`
	Upstream  string    `json:"upstream"`
	StartedAt time.Time `json:"started_at"`
}

// SessionRegistry tracks sessions currently in the proxying phase.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]SessionInfo
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: map[string]SessionInfo{}}
}

// Add registers info under a fresh id and returns that id.
func (r *SessionRegistry) Add(info SessionInfo) string {
	info.ID = newSessionID()
	r.mu.Lock()
	r.sessions[info.ID] = info
	r.mu.Unlock()
	return info.ID
}

func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, v := range r.sessions {
		out = append(out, v)
	}
	return out
}

func newSessionID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
