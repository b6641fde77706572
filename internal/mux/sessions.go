package mux

import (
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/shared/id"
)

// SessionTable is the session bookkeeping shared by in-process backends
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*sessionEntry
}

type sessionEntry struct {
	info  SessionInfo
	panes map[id.PaneID]Handle
}

// NewSessionTable creates an empty table
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[id.SessionID]*sessionEntry)}
}

// Create registers a new session
func (t *SessionTable) Create(name string) SessionInfo {
	return t.Register(id.NewSessionID(), name)
}

// Register records a session with a known id
func (t *SessionTable) Register(sessionID id.SessionID, name string) SessionInfo {
	info := SessionInfo{ID: sessionID, Name: name, CreatedAt: time.Now()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.sessions[sessionID]; ok {
		return existing.info
	}
	t.sessions[sessionID] = &sessionEntry{info: info, panes: make(map[id.PaneID]Handle)}
	return info
}

// Exists reports whether the session is registered
func (t *SessionTable) Exists(sessionID id.SessionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[sessionID]
	return ok
}

// AddPane records a pane under its session
func (t *SessionTable) AddPane(sessionID id.SessionID, h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	entry.panes[h.PaneID()] = h
	return nil
}

// RemovePane forgets a pane. Unknown ids are ignored.
func (t *SessionTable) RemovePane(sessionID id.SessionID, paneID id.PaneID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.sessions[sessionID]; ok {
		delete(entry.panes, paneID)
	}
}

// Remove deletes a session and returns the handles of its panes
func (t *SessionTable) Remove(sessionID id.SessionID) ([]Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(t.sessions, sessionID)

	handles := make([]Handle, 0, len(entry.panes))
	for _, h := range entry.panes {
		handles = append(handles, h)
	}
	return handles, true
}

// List returns all sessions ordered by creation time
func (t *SessionTable) List() []SessionInfo {
	t.mu.RLock()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, entry := range t.sessions {
		info := entry.info
		info.Panes = len(entry.panes)
		out = append(out, info)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Handles returns every pane handle in every session
func (t *SessionTable) Handles() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Handle
	for _, entry := range t.sessions {
		for _, h := range entry.panes {
			out = append(out, h)
		}
	}
	return out
}
