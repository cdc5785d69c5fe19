package dess

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

func newSession(token string, ttl time.Duration) *models.Session {
	now := time.Now()
	return &models.Session{
		Token:     token,
		Secret:    "sec",
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestEnsureSessionLogsInOnce(t *testing.T) {
	var logins int32
	login := func(ctx context.Context) (*models.Session, error) {
		atomic.AddInt32(&logins, 1)
		return newSession("tok", time.Hour), nil
	}

	m := NewSessionManager(login, 10*time.Minute)

	const concurrency = 20
	var wg sync.WaitGroup
	sessions := make([]*models.Session, concurrency)
	errs := make([]error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.EnsureSession(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
	for i := 0; i < concurrency; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok", sessions[i].Token)
	}
}

func TestEnsureSessionReusesValidSession(t *testing.T) {
	var logins int32
	login := func(ctx context.Context) (*models.Session, error) {
		n := atomic.AddInt32(&logins, 1)
		return newSession(fmt.Sprintf("tok%d", n), time.Hour), nil
	}

	m := NewSessionManager(login, 10*time.Minute)

	first, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	second, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
}

func TestEnsureSessionRenewsWithinMargin(t *testing.T) {
	var logins int32
	login := func(ctx context.Context) (*models.Session, error) {
		n := atomic.AddInt32(&logins, 1)
		// Expires inside the margin, so every call renews.
		return newSession(fmt.Sprintf("tok%d", n), 5*time.Minute), nil
	}

	m := NewSessionManager(login, 10*time.Minute)

	first, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	second, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
}

func TestEnsureSessionPropagatesLoginFailure(t *testing.T) {
	login := func(ctx context.Context) (*models.Session, error) {
		return nil, &APIError{Kind: KindAuth, Action: "authSource", Desc: "bad password"}
	}

	m := NewSessionManager(login, 10*time.Minute)

	_, err := m.EnsureSession(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Nil(t, m.Current())
}

func TestInvalidateDropsOnlyMatchingToken(t *testing.T) {
	var logins int32
	login := func(ctx context.Context) (*models.Session, error) {
		n := atomic.AddInt32(&logins, 1)
		return newSession(fmt.Sprintf("tok%d", n), time.Hour), nil
	}

	m := NewSessionManager(login, 10*time.Minute)

	session, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	// A stale token from a previous session must not drop the current one.
	m.Invalidate("some-old-token")
	assert.NotNil(t, m.Current())

	m.Invalidate(session.Token)
	assert.Nil(t, m.Current())

	renewed, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, session.Token, renewed.Token)
}
