package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"duel/internal/admission"
	"duel/internal/broadcast"
	"duel/internal/match"
	"duel/internal/store"
)

// Server exposes the orchestrator over HTTP and WebSocket
type Server struct {
	engine   *match.Engine
	store    *store.Store
	auth     *AuthStore
	limiter  *admission.Limiter
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewServer wires the API surface
func NewServer(engine *match.Engine, st *store.Store, limiter *admission.Limiter,
	hub *broadcast.Hub, log *zap.Logger) *Server {
	return &Server{
		engine:  engine,
		store:   st,
		auth:    NewAuthStore(st),
		limiter: limiter,
		hub:     hub,
		log:     log.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stop halts background loops owned by the server
func (s *Server) Stop() {
	s.auth.Stop()
}

// Router builds the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(admissionMiddleware(s.limiter))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Get("/matches/open", s.handleOpenMatches)
		r.Get("/matches/recent", s.handleRecentMatches)
		r.Get("/matches/{id}", s.handleMatchState)
		r.Get("/matches/{id}/results", s.handleMatchResults)

		r.Post("/matches", s.handleCreateMatch)
		r.Post("/matches/{id}/join", s.handleJoinMatch)
		r.Post("/matches/{id}/actions", s.handleAction)

		r.Get("/history", s.handleHistory)
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

// requireAuth resolves the bearer token or writes a 401
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	userID, _, ok := s.auth.Authenticate(token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		return "", false
	}
	return userID, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	user, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	token, user, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"user_id":  user.ID,
		"username": user.Username,
	})
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireAuth(w, r)
	if !ok {
		return
	}

	var req struct {
		Symbol       string `json:"symbol"`
		DurationBars int    `json:"duration_bars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Symbol == "" {
		req.Symbol = "SPY"
	}

	m, err := s.engine.Create(r.Context(), userID, req.Symbol, req.DurationBars)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, matchJSON(m))
}

func (s *Server) handleJoinMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireAuth(w, r)
	if !ok {
		return
	}

	m, err := s.engine.Join(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matchJSON(m))
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireAuth(w, r)
	if !ok {
		return
	}

	var req struct {
		Side     string `json:"side"`
		Quantity int64  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	ack, err := s.engine.RecordAction(r.Context(), chi.URLParam(r, "id"), userID,
		match.Action{Side: req.Side, Quantity: req.Quantity})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleMatchState(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.State(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMatchResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ResultsForMatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleOpenMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.store.ListOpenMatches(r.Context(), 50)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matchListJSON(matches))
}

func (s *Server) handleRecentMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.store.RecentMatches(r.Context(), 50)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matchListJSON(matches))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireAuth(w, r)
	if !ok {
		return
	}
	results, err := s.store.HistoryForParticipant(r.Context(), userID, 50)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// writeEngineError maps the orchestrator's error taxonomy to transport
// responses. Lifecycle and validation errors carry structured context;
// anything unexpected is reported generically with full detail kept in
// the logs.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var invalidState *match.InvalidStateError
	var validation *match.ValidationError

	switch {
	case errors.Is(err, match.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, match.ErrRaceLost):
		writeError(w, http.StatusConflict, "race_lost", "another participant joined first; try a different match")
	case errors.As(err, &invalidState):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "invalid_state",
			"message":  invalidState.Error(),
			"match_id": invalidState.MatchID,
			"current":  invalidState.Current.String(),
			"expected": invalidState.Expected.String(),
		})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "validation_failed",
			"message":  validation.Reason,
			"match_id": validation.MatchID,
		})
	case errors.Is(err, match.ErrCollaboratorTimeout):
		writeError(w, http.StatusServiceUnavailable, "dependency_timeout", "a dependency timed out; retry shortly")
	default:
		s.log.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func matchJSON(m *match.Match) map[string]any {
	out := map[string]any{
		"match_id":      m.ID,
		"status":        m.Status.String(),
		"creator_id":    m.CreatorID,
		"symbol":        m.Symbol,
		"duration_bars": m.DurationBars,
		"tick_interval": m.TickInterval.String(),
		"bar_index":     m.BarIndex,
		"created_at":    m.CreatedAt,
	}
	if m.OpponentID != "" {
		out["opponent_id"] = m.OpponentID
	}
	if m.EndReason != "" {
		out["end_reason"] = string(m.EndReason)
	}
	return out
}

func matchListJSON(matches []match.Match) []map[string]any {
	out := make([]map[string]any, 0, len(matches))
	for i := range matches {
		out = append(out, matchJSON(&matches[i]))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
