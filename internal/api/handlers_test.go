package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dess-bridge/dess-bridge-pro/internal/config"
	"github.com/dess-bridge/dess-bridge-pro/internal/models"
	"github.com/dess-bridge/dess-bridge-pro/internal/poller"
	"github.com/dess-bridge/dess-bridge-pro/internal/schema"
	"github.com/dess-bridge/dess-bridge-pro/internal/storage"
	"github.com/dess-bridge/dess-bridge-pro/pkg/crypto"
)

func newTestServer(t *testing.T) (*RESTServer, storage.Store) {
	t.Helper()

	hash, err := crypto.HashPassword("letmein")
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{Name: "dess-bridge", Version: "test"},
		API:    config.APIConfig{Username: "admin", PasswordHash: hash},
		Polling: config.PollingConfig{
			Interval:    time.Minute,
			MaxInFlight: 1,
		},
		JWT: config.JWTConfig{
			Secret:          "test-secret",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 24 * time.Hour,
		},
	}

	store := storage.NewMemoryStore()
	registry := schema.NewRegistry()
	coordinator := poller.New(&cfg.Polling, nil, registry, store, nil)

	return NewRESTServer(cfg, store, coordinator, registry), store
}

func doRequest(s *RESTServer, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *RESTServer) string {
	t.Helper()
	rec := doRequest(s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "letmein",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	token, _ := resp["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "nobody",
		"password": "letmein",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/devices", "bad-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListDevices(t *testing.T) {
	s, store := newTestServer(t)
	token := login(t, s)

	require.NoError(t, store.SaveDevice(context.Background(), &models.Device{
		PN: "P001", Devcode: 2376, Plant: "plant-a",
	}))

	rec := doRequest(s, http.MethodGet, "/api/v1/devices", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total   int `json:"total"`
		Devices []struct {
			PN      string `json:"pn"`
			Devcode int    `json:"devcode"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "P001", resp.Devices[0].PN)
	assert.Equal(t, 2376, resp.Devices[0].Devcode)
}

func TestGetDeviceNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doRequest(s, http.MethodGet, "/api/v1/devices/absent", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRawSnapshot(t *testing.T) {
	s, store := newTestServer(t)
	token := login(t, s)

	require.NoError(t, store.SaveRawSnapshot(context.Background(), &models.RawSnapshot{
		PN:         "P001",
		Devcode:    2428,
		CapturedAt: time.Now(),
		Payload:    map[string]interface{}{"bse_battery_voltage": "52.3"},
	}))

	rec := doRequest(s, http.MethodGet, "/api/v1/devices/P001/raw", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bse_battery_voltage")
}

func TestGetMeasurements(t *testing.T) {
	s, store := newTestServer(t)
	token := login(t, s)

	require.NoError(t, store.SaveBatch(context.Background(), &models.MeasurementBatch{
		PN:      "P001",
		Devcode: 2376,
		Records: []models.MeasurementRecord{
			{PN: "P001", Kind: models.KindVoltage, Name: "battery_voltage", Value: 52.6, Unit: "V"},
		},
	}))

	rec := doRequest(s, http.MethodGet, "/api/v1/devices/P001/measurements", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"battery_voltage"`)

	rec = doRequest(s, http.MethodGet, "/api/v1/devices/P999/measurements", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchemaEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doRequest(s, http.MethodGet, "/api/v1/schema", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, devcode := range []int{2341, 2376, 2428} {
		assert.Contains(t, rec.Body.String(), fmt.Sprintf("%d", devcode))
	}

	rec = doRequest(s, http.MethodGet, "/api/v1/schema/2376", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/schema/12345", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/schema/notanumber", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "letmein",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	refresh, _ := resp["refresh_token"].(string)
	require.NotEmpty(t, refresh)

	rec = doRequest(s, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": "bogus",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doRequest(s, http.MethodGet, "/api/v1/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"auth_blocked":false`)
}
