// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import "sync"

// Registry tracks the live relay session per user. One mutex guards the
// whole map; sessions are process-local and rebuilt from nothing on restart.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Replace inserts s as the user's live session. Any prior session is closed
// and removed first; the last writer always wins.
func (r *Registry) Replace(s *Session) {
	r.mu.Lock()
	prior := r.sessions[s.UserID]
	r.sessions[s.UserID] = s
	r.mu.Unlock()

	if prior != nil {
		prior.Close()
	}
}

// Remove drops s from the registry, but only if it is still the user's
// current session. A replaced session must not evict its replacement.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.UserID] == s {
		delete(r.sessions, s.UserID)
	}
}

// Get returns the user's live session, or nil
func (r *Registry) Get(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
