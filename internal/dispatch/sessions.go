package dispatch

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/suPer8Hu/chat-dispatch/internal/common"
)

const (
	DefaultMaxSessions    = 10000
	DefaultSessionTimeout = 30 * time.Minute
)

// Session tracks one user's activity. There is at most one per user id.
type Session struct {
	ID               string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	CurrentChannelID string    `json:"current_channel_id"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	MessageCount     int       `json:"message_count"`
	LastResult       *Result   `json:"last_result,omitempty"`
}

// SessionContext is a read-only snapshot attached to response metadata.
type SessionContext struct {
	SessionID       string  `json:"session_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	MessageCount    int     `json:"message_count"`
	ChannelID       string  `json:"channel_id"`
	ChannelUsers    int     `json:"channel_users"`
}

// Touch describes the registry state around one Upsert.
type Touch struct {
	Session Session
	// IsNew is true when the session was created by this call.
	IsNew bool
	// SincePrevious is the gap since the previous activity; zero for new sessions.
	SincePrevious time.Duration
	// ChannelUsers is the number of users in the session's channel after the call.
	ChannelUsers int
}

// SessionRegistry owns sessions and the channel -> users reverse index.
// Both are mutated together under one lock.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	channels map[string]map[string]struct{}
	max      int
	timeout  time.Duration
	now      func() time.Time
	newID    func() (string, error)
}

func NewSessionRegistry(maxSessions int, timeout time.Duration) *SessionRegistry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		channels: make(map[string]map[string]struct{}),
		max:      maxSessions,
		timeout:  timeout,
		now:      time.Now,
		newID:    common.NewULID,
	}
}

// Upsert records a message from userID in channelID. It returns the sessions
// reaped to make room for a new user, if any.
func (r *SessionRegistry) Upsert(userID, channelID string) (Touch, []Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.sessions[userID]; ok {
		since := now.Sub(s.LastActivityAt)
		s.LastActivityAt = now
		s.MessageCount++
		if s.CurrentChannelID != channelID {
			r.unindexLocked(s.CurrentChannelID, userID)
			r.indexLocked(channelID, userID)
			s.CurrentChannelID = channelID
		}
		return Touch{
			Session:       *s,
			SincePrevious: since,
			ChannelUsers:  len(r.channels[channelID]),
		}, nil, nil
	}

	var reaped []Session
	if len(r.sessions) >= r.max {
		reaped = r.reapLocked(now)
		if len(r.sessions) >= r.max {
			if s := r.evictOldestLocked(); s != nil {
				log.Printf("dispatch: session registry full max=%d evicted user=%s idle=%s",
					r.max, s.UserID, now.Sub(s.LastActivityAt))
				reaped = append(reaped, *s)
			}
		}
	}

	id, err := r.newID()
	if err != nil {
		return Touch{}, reaped, fmt.Errorf("dispatch: new session id: %w", err)
	}
	s := &Session{
		ID:               id,
		UserID:           userID,
		CurrentChannelID: channelID,
		StartedAt:        now,
		LastActivityAt:   now,
		MessageCount:     1,
	}
	r.sessions[userID] = s
	r.indexLocked(channelID, userID)
	return Touch{
		Session:      *s,
		IsNew:        true,
		ChannelUsers: len(r.channels[channelID]),
	}, reaped, nil
}

func (r *SessionRegistry) indexLocked(channelID, userID string) {
	users, ok := r.channels[channelID]
	if !ok {
		users = make(map[string]struct{})
		r.channels[channelID] = users
	}
	users[userID] = struct{}{}
}

func (r *SessionRegistry) unindexLocked(channelID, userID string) {
	users, ok := r.channels[channelID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.channels, channelID)
	}
}

func (r *SessionRegistry) removeLocked(s *Session) {
	delete(r.sessions, s.UserID)
	r.unindexLocked(s.CurrentChannelID, s.UserID)
}

// Reap removes every session idle for longer than the session timeout.
func (r *SessionRegistry) Reap() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reapLocked(r.now())
}

func (r *SessionRegistry) reapLocked(now time.Time) []Session {
	var out []Session
	for _, s := range r.sessions {
		if now.Sub(s.LastActivityAt) > r.timeout {
			out = append(out, *s)
			r.removeLocked(s)
		}
	}
	return out
}

func (r *SessionRegistry) evictOldestLocked() *Session {
	var oldest *Session
	for _, s := range r.sessions {
		if oldest == nil || s.LastActivityAt.Before(oldest.LastActivityAt) {
			oldest = s
		}
	}
	if oldest != nil {
		r.removeLocked(oldest)
	}
	return oldest
}

// SetResult stores the latest background result on the user's session.
// It is a no-op if the session has been reaped in the meantime.
func (r *SessionRegistry) SetResult(userID string, res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return false
	}
	s.LastResult = &res
	return true
}

func (r *SessionRegistry) Get(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Context builds the SessionContext snapshot for userID.
func (r *SessionRegistry) Context(userID string) (SessionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return SessionContext{}, false
	}
	return SessionContext{
		SessionID:       s.ID,
		DurationSeconds: r.now().Sub(s.StartedAt).Seconds(),
		MessageCount:    s.MessageCount,
		ChannelID:       s.CurrentChannelID,
		ChannelUsers:    len(r.channels[s.CurrentChannelID]),
	}, true
}

// ChannelUsers returns the user ids currently associated with channelID.
func (r *SessionRegistry) ChannelUsers(channelID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := r.channels[channelID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *SessionRegistry) Stats() SessionStats {
	n := r.Len()
	return SessionStats{
		Active:      n,
		Max:         r.max,
		Utilization: float64(n) / float64(r.max),
	}
}
