package poller

import (
	"sync"

	"github.com/okanban/okanban/internal/opencode"
)

// Snapshot is the in-memory view of the latest session observations. The
// poller is the only writer; CLI surfaces read it concurrently.
type Snapshot struct {
	statusMu sync.RWMutex
	statuses map[string]opencode.SessionStatus

	bindMu   sync.RWMutex
	bindings map[string]string // task id -> agent session id
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		statuses: make(map[string]opencode.SessionStatus),
		bindings: make(map[string]string),
	}
}

// MergeStatuses folds fresh observations into the cache. An existing entry
// survives when the incoming one should not win.
func (s *Snapshot) MergeStatuses(statuses map[string]opencode.SessionStatus) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, next := range statuses {
		old, ok := s.statuses[id]
		if !ok || shouldReplace(old, next) {
			s.statuses[id] = next
		}
	}
}

// shouldReplace prefers server-backed observations, then fresher ones.
func shouldReplace(old, next opencode.SessionStatus) bool {
	if old.Source != next.Source {
		return next.Source == opencode.SourceServer
	}
	return !next.FetchedAt.Before(old.FetchedAt)
}

// Status returns the cached observation for an agent session id.
func (s *Snapshot) Status(sessionID string) (opencode.SessionStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	status, ok := s.statuses[sessionID]
	return status, ok
}

// Statuses returns a copy of the cache.
func (s *Snapshot) Statuses() map[string]opencode.SessionStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	out := make(map[string]opencode.SessionStatus, len(s.statuses))
	for id, status := range s.statuses {
		out[id] = status
	}
	return out
}

// Bind records which agent session currently backs a task.
func (s *Snapshot) Bind(taskID, sessionID string) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	s.bindings[taskID] = sessionID
}

// Binding returns the agent session id bound to a task.
func (s *Snapshot) Binding(taskID string) (string, bool) {
	s.bindMu.RLock()
	defer s.bindMu.RUnlock()
	id, ok := s.bindings[taskID]
	return id, ok
}

// TaskStatus resolves a task's cached status through its binding.
func (s *Snapshot) TaskStatus(taskID string) (opencode.SessionStatus, bool) {
	id, ok := s.Binding(taskID)
	if !ok {
		return opencode.SessionStatus{}, false
	}
	return s.Status(id)
}
