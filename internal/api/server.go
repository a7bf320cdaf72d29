package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcodejongh/boardsesh-sub009/internal/store"
	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

const defaultRadiusKm = 5.0

// Server exposes the HTTP API next to the WebSocket endpoint: health,
// session creation and location-based session discovery.
type Server struct {
	store *store.Store
	mux   *http.ServeMux
}

// NewServer builds the API router.
func NewServer(st *store.Store) *Server {
	server := &Server{store: st, mux: http.NewServeMux()}
	server.mux.HandleFunc("/api/health", server.handleHealth)
	server.mux.HandleFunc("/api/sessions", server.handleSessions)
	server.mux.HandleFunc("/api/sessions/nearby", server.handleNearby)
	server.mux.HandleFunc("/api/sessions/", server.handleSessionDetail)
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		log.Printf("[api] health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	ID           string   `json:"id,omitempty"`
	BoardPath    string   `json:"board_path"`
	Name         string   `json:"name,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	Discoverable bool     `json:"discoverable"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !types.IsValidSessionID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if !types.IsValidBoardPath(req.BoardPath) {
		writeError(w, http.StatusBadRequest, "invalid board path")
		return
	}
	if req.Discoverable && (req.Latitude == nil || req.Longitude == nil) {
		writeError(w, http.StatusBadRequest, "discoverable sessions need coordinates")
		return
	}

	session := &types.Session{
		ID:           req.ID,
		BoardPath:    req.BoardPath,
		Status:       types.SessionStatusActive,
		Name:         req.Name,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Discoverable: req.Discoverable,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		log.Printf("[api] session create failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type nearbySession struct {
	*types.Session
	DistanceKm float64 `json:"distance_km"`
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	query := r.URL.Query()
	lat, err := strconv.ParseFloat(query.Get("lat"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "lat is required")
		return
	}
	lon, err := strconv.ParseFloat(query.Get("lon"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "lon is required")
		return
	}
	radiusKm := defaultRadiusKm
	if raw := query.Get("radius_km"); raw != "" {
		radiusKm, err = strconv.ParseFloat(raw, 64)
		if err != nil || radiusKm <= 0 {
			writeError(w, http.StatusBadRequest, "invalid radius_km")
			return
		}
	}

	sessions, err := s.store.ListDiscoverable(r.Context())
	if err != nil {
		log.Printf("[api] discovery query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	nearby := make([]nearbySession, 0)
	for _, session := range sessions {
		if session.Latitude == nil || session.Longitude == nil {
			continue
		}
		distance := haversineKm(lat, lon, *session.Latitude, *session.Longitude)
		if distance <= radiusKm {
			nearby = append(nearby, nearbySession{Session: session, DistanceKm: distance})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": nearby})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")

	if sessionID, ok := strings.CutSuffix(path, "/end"); ok {
		s.handleEndSession(w, r, sessionID)
		return
	}

	sessionID := path
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	session, err := s.store.Session(r.Context(), sessionID)
	if err == interfaces.ErrSessionNotFound {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		log.Printf("[api] session lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	state, err := s.store.QueueState(r.Context(), sessionID)
	if err != nil {
		log.Printf("[api] queue state lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load queue state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":     session,
		"queue_state": state,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if _, err := s.store.Session(r.Context(), sessionID); err != nil {
		if err == interfaces.ErrSessionNotFound {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Printf("[api] session lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	if err := s.store.EndSession(r.Context(), sessionID); err != nil {
		log.Printf("[api] end session failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     sessionID,
		"status": types.SessionStatusEnded,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
