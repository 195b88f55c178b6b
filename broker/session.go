// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Session is one live browser relay. It owns both socket legs; the registry
// may close it from another goroutine when the same user connects again.
type Session struct {
	UserID string

	mu       sync.Mutex
	browser  *websocket.Conn
	instance *websocket.Conn
	closed   bool

	writeMu sync.Mutex // serializes browser writes (pipe vs synthetic events)
	done    chan struct{}
}

func newSession(userID string, browser *websocket.Conn) *Session {
	return &Session{
		UserID:  userID,
		browser: browser,
		done:    make(chan struct{}),
	}
}

// bindInstance attaches the instance leg. Returns false if the session was
// already closed, in which case the caller must close the connection itself.
func (s *Session) bindInstance(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.instance = conn
	return true
}

// Close tears down both legs. Safe to call from any goroutine, repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	browser, instance := s.browser, s.instance
	close(s.done)
	s.mu.Unlock()

	if browser != nil {
		_ = browser.Close()
	}
	if instance != nil {
		_ = instance.Close()
	}
}

// Done is closed once the session has been torn down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// writeBrowser sends one message on the browser leg
func (s *Session) writeBrowser(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.browser.WriteMessage(messageType, data)
}
