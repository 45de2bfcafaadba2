package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/traceplane/traceplane/engine/domain"
	"github.com/traceplane/traceplane/pkg/embed"
)

// Sessions is the registry surface the handlers use.
type Sessions interface {
	Create(ctx context.Context, owner string, req domain.SessionRequest) (*domain.Session, error)
	List(owner string) []*domain.Session
	Get(id, owner string) (*domain.Session, error)
	AppendTurn(id, owner string, turn domain.ConversationTurn) error
	Delete(ctx context.Context, id, owner string) error
}

// ServiceSource lists the service names available for session scoping.
type ServiceSource interface {
	ListServices(ctx context.Context) ([]string, error)
}

// Searcher runs vector search over the enriched span mirror.
type Searcher interface {
	SearchEnriched(ctx context.Context, vec []float32, services []string, limit int) ([]domain.EnrichedHit, error)
}

// Authenticator resolves the owner of a request.
type Authenticator interface {
	Owner(r *http.Request) string
}

// HeaderAuth reads the owner from a request header. Requests without the
// header share the anonymous owner. The zero value reads X-API-User.
type HeaderAuth struct {
	Header string
}

func (a HeaderAuth) Owner(r *http.Request) string {
	h := a.Header
	if h == "" {
		h = "X-API-User"
	}
	if v := r.Header.Get(h); v != "" {
		return v
	}
	return "anonymous"
}

type server struct {
	sessions Sessions
	services ServiceSource
	search   Searcher
	encoder  embed.Encoder
	auth     Authenticator
	log      *slog.Logger
}

func newServer(sessions Sessions, services ServiceSource, search Searcher, encoder embed.Encoder, auth Authenticator, log *slog.Logger) *server {
	if auth == nil {
		auth = HeaderAuth{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &server{
		sessions: sessions,
		services: services,
		search:   search,
		encoder:  encoder,
		auth:     auth,
		log:      log,
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /api/v1/sessions/{id}/turns", s.handleAppendTurn)
	mux.HandleFunc("GET /api/v1/services", s.handleListServices)
	mux.HandleFunc("POST /api/v1/search", s.handleSearch)
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Start.IsZero() || req.End.IsZero() {
		s.writeError(w, http.StatusBadRequest, "start_time and end_time are required")
		return
	}
	if req.End.Before(req.Start) {
		s.writeError(w, http.StatusBadRequest, "end_time is before start_time")
		return
	}

	sess, err := s.sessions.Create(r.Context(), s.auth.Owner(r), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List(s.auth.Owner(r))
	if list == nil {
		list = []*domain.Session{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"), s.auth.Owner(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id"), s.auth.Owner(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"), s.auth.Owner(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	history := sess.Conversation
	if history == nil {
		history = []domain.ConversationTurn{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// turnRequest is the JSON body for POST /api/v1/sessions/{id}/turns.
type turnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	err := s.sessions.AppendTurn(r.PathValue("id"), s.auth.Owner(r), domain.ConversationTurn{
		Role:    req.Role,
		Content: req.Content,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.services.ListServices(r.Context())
	if err != nil {
		s.log.Error("list services failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list services")
		return
	}
	if services == nil {
		services = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

// searchRequest is the JSON body for POST /api/v1/search.
type searchRequest struct {
	Query    string   `json:"query"`
	Services []string `json:"services,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	vecs, err := s.encoder.Encode(r.Context(), []string{req.Query})
	if err != nil {
		s.log.Error("query embedding failed", "err", err)
		s.writeError(w, http.StatusBadGateway, "embedding backend unavailable")
		return
	}
	hits, err := s.search.SearchEnriched(r.Context(), vecs[0], req.Services, limit)
	if err != nil {
		s.log.Error("search failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []domain.EnrichedHit{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response failed", "err", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps registry errors onto status codes: absent or foreign
// sessions are 404, sessions in the wrong state are 400.
func (s *server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrUnknownSignal):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("session operation failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
