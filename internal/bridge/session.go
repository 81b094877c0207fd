package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/opt"
	"github.com/google/uuid"
)

// Session identifies the single active optimization run.
type Session struct {
	ID        string     `json:"id"`
	N         int        `json:"n"`
	Params    opt.Params `json:"params"`
	Delivery  Delivery   `json:"delivery"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Status    opt.Status `json:"status"`

	evaluator binding
}

// Ended reports whether End was called for this session.
func (s *Session) Ended() bool {
	return s.EndTime != nil
}

// SessionManager enforces that at most one session is active.
type SessionManager struct {
	mu     sync.Mutex
	active *Session
}

// NewSessionManager creates a manager with no active session.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// Start opens a session for a problem of size n. The evaluator capability
// matching delivery is resolved here, once.
func (m *SessionManager) Start(n int, caller any, params opt.Params, delivery Delivery) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, fmt.Errorf("%w: session %s", ErrAlreadyRunning, m.active.ID)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: problem size %d", ErrInvalidLength, n)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	b, err := bind(caller, delivery)
	if err != nil {
		return nil, err
	}

	m.active = &Session{
		ID:        uuid.New().String(),
		N:         n,
		Params:    params,
		Delivery:  delivery,
		StartTime: time.Now(),
		evaluator: b,
	}
	return m.active, nil
}

// Current returns the active session.
func (m *SessionManager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrNoActiveSession
	}
	return m.active, nil
}

// End closes the active session with the minimizer's final status.
func (m *SessionManager) End(status opt.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNoActiveSession
	}
	now := time.Now()
	m.active.EndTime = &now
	m.active.Status = status
	m.active = nil
	return nil
}
