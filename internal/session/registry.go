package session

import (
	"sync"
	"time"
)

// Binding associates a transport session with a participant in a match
type Binding struct {
	SessionID     string
	ParticipantID string
	MatchID       string
	BoundAt       time.Time
}

// Registry tracks which transport sessions belong to which (participant,
// match) pair. It is pure in-memory bookkeeping: the caller decides what a
// disconnect means for the match, the registry only reports counts.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]Binding
	byMatch   map[string]map[string]struct{} // matchID -> session IDs

	onMatchEmpty func(matchID string)
}

// NewRegistry creates an empty session registry
func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[string]Binding),
		byMatch:   make(map[string]map[string]struct{}),
	}
}

// OnMatchEmpty sets a hook invoked after the last binding for a match is
// removed. The hook runs outside the registry lock.
func (r *Registry) OnMatchEmpty(fn func(matchID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMatchEmpty = fn
}

// Bind records a session's match affiliation. Any prior binding for the
// same session is overwritten (a session belongs to one match at a time).
func (r *Registry) Bind(sessionID, participantID, matchID string) {
	r.mu.Lock()

	var emptied string
	if prior, ok := r.bySession[sessionID]; ok {
		if r.removeFromMatch(prior.MatchID, sessionID) {
			emptied = prior.MatchID
		}
	}

	r.bySession[sessionID] = Binding{
		SessionID:     sessionID,
		ParticipantID: participantID,
		MatchID:       matchID,
		BoundAt:       time.Now(),
	}
	sessions := r.byMatch[matchID]
	if sessions == nil {
		sessions = make(map[string]struct{})
		r.byMatch[matchID] = sessions
	}
	sessions[sessionID] = struct{}{}

	hook := r.onMatchEmpty
	r.mu.Unlock()

	if emptied != "" && emptied != matchID && hook != nil {
		hook(emptied)
	}
}

// Unbind removes a session's binding. It returns the prior binding, the
// number of bindings still attached to that match, and whether the session
// was known at all.
func (r *Registry) Unbind(sessionID string) (Binding, int, bool) {
	r.mu.Lock()

	binding, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return Binding{}, 0, false
	}

	delete(r.bySession, sessionID)
	emptied := r.removeFromMatch(binding.MatchID, sessionID)
	remaining := len(r.byMatch[binding.MatchID])

	hook := r.onMatchEmpty
	r.mu.Unlock()

	if emptied && hook != nil {
		hook(binding.MatchID)
	}

	return binding, remaining, true
}

// UnbindMatch removes every binding attached to a match, returning the
// bindings that were dropped. Used when a match ends explicitly; the
// match-empty hook does not fire for this teardown path.
func (r *Registry) UnbindMatch(matchID string) []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byMatch[matchID]
	if !ok {
		return nil
	}

	dropped := make([]Binding, 0, len(sessions))
	for sessionID := range sessions {
		dropped = append(dropped, r.bySession[sessionID])
		delete(r.bySession, sessionID)
	}
	delete(r.byMatch, matchID)
	return dropped
}

// Get returns the binding for a session, if any
func (r *Registry) Get(sessionID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bySession[sessionID]
	return b, ok
}

// CountActive returns the total number of live bindings
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// CountMatch returns the number of bindings attached to a match
func (r *Registry) CountMatch(matchID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byMatch[matchID])
}

// removeFromMatch drops a session from a match's set. Caller must hold the
// lock. Returns true if the match's set became empty and was removed.
func (r *Registry) removeFromMatch(matchID, sessionID string) bool {
	sessions, ok := r.byMatch[matchID]
	if !ok {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.byMatch, matchID)
		return true
	}
	return false
}
