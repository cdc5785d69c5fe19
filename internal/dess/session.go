package dess

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// LoginFunc exchanges credentials for a session
type LoginFunc func(ctx context.Context) (*models.Session, error)

// SessionManager owns the cloud session: issuance, expiry tracking and
// renewal. It is the sole writer of session state; concurrent callers of an
// expired session all wait on one login instead of issuing their own.
type SessionManager struct {
	login  LoginFunc
	margin time.Duration

	mu      sync.RWMutex
	current *models.Session

	group singleflight.Group

	// now is replaced in tests
	now func() time.Time
}

// NewSessionManager creates a session manager around the given login
func NewSessionManager(login LoginFunc, margin time.Duration) *SessionManager {
	return &SessionManager{
		login:  login,
		margin: margin,
		now:    time.Now,
	}
}

// EnsureSession returns a currently valid session, performing the login if
// the held one is absent or within the safety margin of expiry
func (m *SessionManager) EnsureSession(ctx context.Context) (*models.Session, error) {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if current.Valid(m.now(), m.margin) {
		return current, nil
	}

	v, err, _ := m.group.Do("login", func() (interface{}, error) {
		// A waiter queued behind a finished renewal sees the fresh
		// session here and skips the second login.
		m.mu.RLock()
		held := m.current
		m.mu.RUnlock()
		if held.Valid(m.now(), m.margin) {
			return held, nil
		}

		session, err := m.login(ctx)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.current = session
		m.mu.Unlock()

		log.Info().
			Str("usr", session.Usr).
			Time("expires", session.ExpiresAt).
			Msg("Cloud session renewed")

		return session, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*models.Session), nil
}

// Invalidate drops the held session if it still carries the given token.
// Called when the cloud rejects a token before its tracked expiry.
func (m *SessionManager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Token == token {
		m.current = nil
		log.Warn().Msg("Cloud session invalidated by server rejection")
	}
}

// Current returns the held session without renewing it; nil when absent
func (m *SessionManager) Current() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}
