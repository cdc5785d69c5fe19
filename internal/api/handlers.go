package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dess-bridge/dess-bridge-pro/internal/models"
	"github.com/dess-bridge/dess-bridge-pro/internal/storage"
)

// ========== Auth handlers ==========

// HandleLogin handles operator login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != s.config.API.Username {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !s.auth.VerifyPassword(req.Password, s.config.API.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(req.Username)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accessToken, refreshToken, err := s.auth.RefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// ========== System handlers ==========

// HandleRoot handles the API root
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":    s.config.Server.Name,
		"version": s.config.Server.Version,
	})
}

// HandleHealth handles health checks
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

// HandleStatus reports bridge-level polling status
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	states := s.coordinator.States()

	var fetching, excluded, unsupported int
	for _, state := range states {
		if state.Phase == models.PollPhaseFetching {
			fetching++
		}
		if state.Excluded {
			excluded++
		}
		if state.Unsupported {
			unsupported++
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices":      len(states),
		"fetching":     fetching,
		"excluded":     excluded,
		"unsupported":  unsupported,
		"auth_blocked": s.coordinator.AuthBlocked(),
	})
}

// ========== Device handlers ==========

// HandleListDevices lists discovered devices with their poll state
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices")
		s.respondError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	type deviceView struct {
		*models.Device
		State *models.PollState `json:"state,omitempty"`
	}

	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		view := deviceView{Device: dev}
		if state, ok := s.coordinator.State(dev.PN); ok {
			view.State = state
		}
		views = append(views, view)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"total":   len(views),
		"devices": views,
	})
}

// HandleGetDevice gets one device by PN
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	pn := chi.URLParam(r, "pn")

	device, err := s.store.GetDevice(r.Context(), pn)
	if err == storage.ErrNotFound {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to get device")
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleGetPollState gets the live poll state for one device
func (s *RESTServer) HandleGetPollState(w http.ResponseWriter, r *http.Request) {
	pn := chi.URLParam(r, "pn")

	if state, ok := s.coordinator.State(pn); ok {
		s.respondJSON(w, http.StatusOK, state)
		return
	}

	// Fall back to the persisted state for devices not currently scheduled.
	state, err := s.store.GetPollState(r.Context(), pn)
	if err == storage.ErrNotFound {
		s.respondError(w, http.StatusNotFound, "poll state not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to get poll state")
		return
	}

	s.respondJSON(w, http.StatusOK, state)
}

// HandleGetRawSnapshot gets the last raw payload for one device
func (s *RESTServer) HandleGetRawSnapshot(w http.ResponseWriter, r *http.Request) {
	pn := chi.URLParam(r, "pn")

	snapshot, err := s.store.GetRawSnapshot(r.Context(), pn)
	if err == storage.ErrNotFound {
		s.respondError(w, http.StatusNotFound, "no raw snapshot for device")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to get raw snapshot")
		return
	}

	s.respondJSON(w, http.StatusOK, snapshot)
}

// HandleGetMeasurements gets the last normalized batch for one device
func (s *RESTServer) HandleGetMeasurements(w http.ResponseWriter, r *http.Request) {
	pn := chi.URLParam(r, "pn")

	batch, err := s.store.GetLastBatch(r.Context(), pn)
	if err == storage.ErrNotFound {
		s.respondError(w, http.StatusNotFound, "no measurements for device")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to get measurements")
		return
	}

	s.respondJSON(w, http.StatusOK, batch)
}

// ========== Schema handlers ==========

// HandleListSchemas lists the known devcodes
func (s *RESTServer) HandleListSchemas(w http.ResponseWriter, r *http.Request) {
	devcodes := s.registry.Devcodes()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"kind_vocabulary_version": models.KindVocabularyVersion,
		"devcodes":                devcodes,
	})
}

// HandleGetSchema gets the descriptor for one devcode
func (s *RESTServer) HandleGetSchema(w http.ResponseWriter, r *http.Request) {
	devcode, err := strconv.Atoi(chi.URLParam(r, "devcode"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devcode")
		return
	}

	if !s.registry.Known(devcode) {
		s.respondError(w, http.StatusNotFound, "unknown devcode")
		return
	}

	s.respondJSON(w, http.StatusOK, s.registry.Lookup(devcode))
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
