package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/assembly/refarch"
	"github.com/lookbusy1344/dbi-engine/builtin"
	"github.com/lookbusy1344/dbi-engine/engine"
)

// ruleHandle tracks the extra bookkeeping a built-in rule needs beyond its
// registration id, so a trace/counter read-back endpoint can find it again.
type ruleHandle struct {
	kind    string
	tracer  *builtin.Tracer
	counter *refarch.CounterRule
}

var (
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionAlreadyExists is returned when trying to create a session with an existing ID.
	ErrSessionAlreadyExists = errors.New("session already exists")
)

// Session wraps one engine instance over its guest image.
type Session struct {
	ID        string
	Engine    *engine.Engine
	CreatedAt time.Time

	mu    sync.Mutex
	rules map[uint32]*ruleHandle
}

// RegisterRuleHandle records bookkeeping for a rule id returned by the
// session's engine, so later trace/counter reads can find it again.
func (s *Session) RegisterRuleHandle(id uint32, h *ruleHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rules == nil {
		s.rules = make(map[uint32]*ruleHandle)
	}
	s.rules[id] = h
}

// RuleHandle returns the bookkeeping registered for id, if any.
func (s *Session) RuleHandle(id uint32) (*ruleHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.rules[id]
	return h, ok
}

// ForgetRuleHandle drops the bookkeeping for id, e.g. once the underlying
// instrumentation is deleted.
func (s *Session) ForgetRuleHandle(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
}

// Tracers returns every tracer rule handle currently registered, for a
// session-wide trace dump.
func (s *Session) Tracers() []*builtin.Tracer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*builtin.Tracer
	for _, h := range s.rules {
		if h.tracer != nil {
			out = append(out, h.tracer)
		}
	}
	return out
}

// SessionManager manages multiple concurrent engine sessions. Each
// session's engine is itself single-threaded (see engine.Engine's doc
// comment); the manager only serializes access to its own session map.
type SessionManager struct {
	sessions    map[string]*Session
	broadcaster *Broadcaster
	mu          sync.RWMutex
}

// NewSessionManager creates a new session manager.
func NewSessionManager(broadcaster *Broadcaster) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		broadcaster: broadcaster,
	}
}

// CreateSession builds an engine over a freshly loaded guest image.
func (sm *SessionManager) CreateSession(req SessionCreateRequest) (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	image, err := hex.DecodeString(req.ImageHex)
	if err != nil {
		return nil, err
	}

	mem := assembly.NewFlatMemory(req.ImageBase, image)
	cpu := refarch.New()
	eng := engine.New(cpu, mem)
	eng.AddInstrumentedRange(req.ImageBase, req.ImageBase+uint64(len(image)))

	session := &Session{
		ID:        sessionID,
		Engine:    eng,
		CreatedAt: time.Now(),
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, exists := sm.sessions[sessionID]; exists {
		return nil, ErrSessionAlreadyExists
	}
	sm.sessions[sessionID] = session

	if sm.broadcaster != nil {
		sm.broadcaster.BroadcastSessionEvent(sessionID, "session_created", map[string]interface{}{
			"imageBase": req.ImageBase,
		})
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (sm *SessionManager) GetSession(sessionID string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	session, exists := sm.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// DestroySession removes a session by ID.
func (sm *SessionManager) DestroySession(sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, exists := sm.sessions[sessionID]; !exists {
		return ErrSessionNotFound
	}
	delete(sm.sessions, sessionID)

	if sm.broadcaster != nil {
		sm.broadcaster.BroadcastSessionEvent(sessionID, "session_destroyed", nil)
	}
	return nil
}

// ListSessions returns all active session IDs.
func (sm *SessionManager) ListSessions() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func generateSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
