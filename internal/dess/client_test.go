package dess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dess-bridge/dess-bridge-pro/internal/config"
	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

func newTestClient(baseURL string) *Client {
	return NewClient(&config.CloudConfig{
		BaseURL:    baseURL,
		CompanyKey: "ck",
		Email:      "user@example.com",
		Password:   "secret",
		Source:     "1",
		I18n:       "en_US",
		Timeout:    5 * time.Second,
	})
}

// staticSessions hands out a fixed session and counts renewals
type staticSessions struct {
	session     *models.Session
	ensures     int32
	invalidates int32
}

func (s *staticSessions) EnsureSession(ctx context.Context) (*models.Session, error) {
	atomic.AddInt32(&s.ensures, 1)
	return s.session, nil
}

func (s *staticSessions) Invalidate(token string) {
	atomic.AddInt32(&s.invalidates, 1)
}

func okEnvelope(dat interface{}) []byte {
	body, _ := json.Marshal(map[string]interface{}{"err": 0, "desc": "SUCCESS", "dat": dat})
	return body
}

func errEnvelope(code int, desc string) []byte {
	body, _ := json.Marshal(map[string]interface{}{"err": code, "desc": desc})
	return body
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/public/", r.URL.Path)
		require.Equal(t, "authSource", r.URL.Query().Get("action"))
		require.Equal(t, "user@example.com", r.URL.Query().Get("usr"))
		require.NotEmpty(t, r.URL.Query().Get("sign"))
		require.NotEmpty(t, r.URL.Query().Get("salt"))

		w.Write(okEnvelope(map[string]interface{}{
			"token":  "tok",
			"secret": "sec",
			"expire": 3600,
			"uid":    42,
			"usr":    "user@example.com",
		}))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	session, err := client.Login(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok", session.Token)
	assert.Equal(t, "sec", session.Secret)
	assert.Equal(t, int64(42), session.UID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, 10*time.Second)
}

func TestLoginRejectionIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deliberately none of the auth-looking keywords: the login path
		// must still classify the rejection as an auth failure.
		w.Write(errEnvelope(9, "no such account"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Login(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, KindAuth, apiErr.Kind)
	assert.Equal(t, 9, apiErr.Code)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusNotFound, KindPermanent},
		{http.StatusBadRequest, KindPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(server.URL)
			_, err := client.Login(context.Background())
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.want, apiErr.Kind)
		})
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Login(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, KindRateLimited, apiErr.Kind)
	assert.Equal(t, 2*time.Minute, apiErr.RetryAfter)
}

func TestVendorDescClassification(t *testing.T) {
	tests := []struct {
		desc string
		want ErrorKind
	}{
		{"ERR_TOKEN_EXPIRED", KindAuth},
		{"sign check failed", KindAuth},
		{"request too frequent", KindRateLimited},
		{"system busy", KindRateLimited},
		{"no such device", KindPermanent},
	}

	for _, tt := range tests {
		apiErr := classifyVendor("x", 1, tt.desc)
		assert.Equal(t, tt.want, apiErr.Kind, tt.desc)
	}
}

func TestListDevicesPagination(t *testing.T) {
	var pages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)

		count := pageSize
		if page == "1" {
			count = 3
		}
		devices := make([]map[string]interface{}, count)
		for i := range devices {
			devices[i] = map[string]interface{}{
				"pn":      fmt.Sprintf("P%s-%03d", page, i),
				"sn":      "S1",
				"devcode": 2376,
				"devaddr": 1,
				"pname":   "plant-a",
			}
		}
		w.Write(okEnvelope(map[string]interface{}{
			"total":  pageSize + 3,
			"device": devices,
		}))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.UseSessions(&staticSessions{session: &models.Session{Token: "t", Secret: "s"}})

	devices, err := client.ListDevices(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"0", "1"}, pages)
	assert.Len(t, devices, pageSize+3)
	assert.Equal(t, "plant-a", devices[0].Plant)
	assert.Equal(t, 2376, devices[0].Devcode)
}

func TestAuthedRenewsOnceOnTokenRejection(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Write(errEnvelope(12, "ERR_TOKEN_EXPIRED"))
			return
		}
		w.Write(okEnvelope(map[string]interface{}{
			"total":  0,
			"device": []interface{}{},
		}))
	}))
	defer server.Close()

	sessions := &staticSessions{session: &models.Session{Token: "t", Secret: "s"}}
	client := newTestClient(server.URL)
	client.UseSessions(sessions)

	devices, err := client.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sessions.invalidates))
}

func TestAuthedGivesUpAfterSecondRejection(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write(errEnvelope(12, "ERR_TOKEN_EXPIRED"))
	}))
	defer server.Close()

	sessions := &staticSessions{session: &models.Session{Token: "t", Secret: "s"}}
	client := newTestClient(server.URL)
	client.UseSessions(sessions)

	_, err := client.ListDevices(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	// One renewal, no retry loop.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchLastDataSendsDeviceIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "querySPDeviceLastData", q.Get("action"))
		assert.Equal(t, "P001", q.Get("pn"))
		assert.Equal(t, "2428", q.Get("devcode"))
		assert.Equal(t, "5", q.Get("devaddr"))
		assert.Equal(t, "SN9", q.Get("sn"))
		assert.Equal(t, "en_US", q.Get("i18n"))

		w.Write(okEnvelope(map[string]interface{}{"bse_battery_voltage": "52.3"}))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.UseSessions(&staticSessions{session: &models.Session{Token: "t", Secret: "s"}})

	payload, err := client.FetchLastData(context.Background(), &models.Device{
		PN: "P001", SN: "SN9", Devcode: 2428, Devaddr: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "52.3", payload["bse_battery_voltage"])
}
