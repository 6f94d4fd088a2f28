// services/session_manager.go - One live session per room and player
package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	"quizroom/models"
)

type sessionKey struct {
	roomID string
	userID string
}

// sessionEntry is published before activation; ready closes once it is done.
// err is set before ready closes.
type sessionEntry struct {
	s     *Session
	ready chan struct{}
	err   error
}

func (e *sessionEntry) active() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// SessionManager is the server-side registry of sessions. The HTTP and
// websocket handlers go through it instead of touching the store.
type SessionManager struct {
	c *Coordinator

	mu       sync.Mutex
	sessions map[sessionKey]*sessionEntry
}

func NewSessionManager(c *Coordinator) *SessionManager {
	return &SessionManager{
		c:        c,
		sessions: make(map[sessionKey]*sessionEntry),
	}
}

// Coordinator exposes the underlying services.
func (m *SessionManager) Coordinator() *Coordinator {
	return m.c
}

// Open returns the running session for (room, user), activating one if needed.
// Concurrent callers for the same key wait for the one activation in flight.
func (m *SessionManager) Open(ctx context.Context, roomID, userID string) (*Session, error) {
	key := sessionKey{roomID: roomID, userID: userID}

	for {
		m.mu.Lock()
		e, ok := m.sessions[key]
		if !ok {
			break
		}
		m.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err == nil {
			return e.s, nil
		}
		// that activation failed and is gone; try our own
	}

	s := NewSession(m.c, roomID, userID)
	e := &sessionEntry{s: s, ready: make(chan struct{})}
	s.onClose = func() { m.forget(key, s) }
	m.sessions[key] = e
	m.mu.Unlock()

	if err := s.Activate(ctx); err != nil {
		e.err = err
		m.forget(key, s)
		close(e.ready)
		return nil, err
	}
	close(e.ready)
	return s, nil
}

// Get returns a running session without creating one.
func (m *SessionManager) Get(roomID, userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionKey{roomID: roomID, userID: userID}]
	if !ok || !e.active() {
		return nil, false
	}
	return e.s, true
}

func (m *SessionManager) forget(key sessionKey, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[key]; ok && e.s == s {
		delete(m.sessions, key)
	}
}

// CreateRoom creates a room for the caller and opens the host's session.
func (m *SessionManager) CreateRoom(ctx context.Context, caller string, in CreateRoomInput) (*Session, error) {
	room, _, err := m.c.Rooms.CreateRoom(ctx, caller, in)
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, room.ID, caller)
}

// JoinRoom seats the user and opens their session.
func (m *SessionManager) JoinRoom(ctx context.Context, roomID, userID, displayName, passcode string) (*Session, error) {
	if _, _, err := m.c.Rooms.JoinRoom(ctx, roomID, userID, displayName, passcode); err != nil {
		return nil, err
	}
	return m.Open(ctx, roomID, userID)
}

// LeaveRoom leaves through the live session when there is one.
func (m *SessionManager) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if s, ok := m.Get(roomID, userID); ok {
		return s.Leave(ctx)
	}
	return m.c.Rooms.LeaveRoom(ctx, roomID, userID)
}

// ListRooms lists joinable rooms.
func (m *SessionManager) ListRooms(ctx context.Context) ([]models.Room, error) {
	return m.c.Rooms.ListAvailableRooms(ctx)
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	return len(m.active())
}

func (m *SessionManager) active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.active() {
			sessions = append(sessions, e.s)
		}
	}
	return sessions
}

// SessionInfo describes a live session for diagnostics
type SessionInfo struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Phase  Phase  `json:"phase"`
	IsHost bool   `json:"is_host"`
}

// Sessions lists the live sessions, grouped by room.
func (m *SessionManager) Sessions() []SessionInfo {
	sessions := m.active()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		snap := s.Snapshot()
		out = append(out, SessionInfo{RoomID: s.roomID, UserID: s.userID, Phase: snap.Phase, IsHost: snap.IsHost})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// CloseAll stops every session without leaving rooms.
func (m *SessionManager) CloseAll() {
	for _, s := range m.active() {
		s.Close()
	}
}

// IsClientError reports whether err is a rejection the caller should see as-is.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrAuthorization, ErrRoomNotFound, ErrRoomFull, ErrInvalidInput,
		ErrNotEnoughPlayers, ErrGameNotWaiting, ErrNotInRoom,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
