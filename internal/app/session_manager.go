package app

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/omnisuite/internal/voice"
)

// SessionInfo holds metadata about a voice session attached to a browser.
type SessionInfo struct {
	// TerminalID identifies the WebSocket the session belongs to. It is the
	// request ID of the upgrade request.
	TerminalID string

	// RemoteAddr is the browser's address.
	RemoteAddr string

	// AttachedAt is when the browser connected.
	AttachedAt time.Time

	// State is the session's status at the time of the snapshot.
	State voice.State
}

// SessionManager keeps track of the voice sessions of connected browsers so
// they can be listed and stopped together on shutdown. Each browser owns
// exactly one [voice.Session]; the manager never starts one.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active map[string]*tracked
	seq    uint64
	now    func() time.Time
}

type tracked struct {
	info SessionInfo
	sess *voice.Session
}

// NewSessionManager returns an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]*tracked),
		now:    time.Now,
	}
}

// Track registers sess under id and returns the function that removes it.
// The returned function is idempotent. An empty or duplicate id is replaced
// by a unique one so that concurrent browsers never collide.
func (m *SessionManager) Track(id, remote string, sess *voice.Session) func() {
	m.mu.Lock()
	m.seq++
	key := id
	if _, dup := m.active[key]; key == "" || dup {
		key = id + "#" + strconv.FormatUint(m.seq, 10)
	}
	m.active[key] = &tracked{
		info: SessionInfo{TerminalID: key, RemoteAddr: remote, AttachedAt: m.now()},
		sess: sess,
	}
	n := len(m.active)
	m.mu.Unlock()

	slog.Debug("app: voice terminal tracked", "terminal_id", key, "active", n)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.active, key)
			m.mu.Unlock()
		})
	}
}

// Count returns the number of tracked sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// List returns a snapshot of every tracked session, oldest first.
func (m *SessionManager) List() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.active))
	sessions := make([]*voice.Session, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t.info)
		sessions = append(sessions, t.sess)
	}
	m.mu.Unlock()

	for i, s := range sessions {
		out[i].State = s.State()
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.AttachedAt.Compare(b.AttachedAt); c != 0 {
			return c
		}
		return strings.Compare(a.TerminalID, b.TerminalID)
	})
	return out
}

// StopAll stops every tracked session and returns how many there were. The
// sessions stay tracked until their browsers disconnect.
func (m *SessionManager) StopAll() int {
	m.mu.Lock()
	sessions := make([]*voice.Session, 0, len(m.active))
	for _, t := range m.active {
		sessions = append(sessions, t.sess)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	return len(sessions)
}
