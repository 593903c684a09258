// Package api exposes extraction sessions over HTTP: start, inspect,
// cancel, and a server-sent-event stream of incremental results.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atakhan/whatsapp-to-tg/internal/orchestrator"
	"github.com/atakhan/whatsapp-to-tg/internal/source"
	"github.com/atakhan/whatsapp-to-tg/internal/store"
)

// TargetOpener resolves a target ref to a live session handle. In
// production this is the wiretap client's Target method.
type TargetOpener func(ref string) source.TargetSession

type Server struct {
	router  *chi.Mux
	port    int
	manager *orchestrator.Manager
	db      *store.Store // may be nil
	open    TargetOpener
	logger  *slog.Logger
}

func NewServer(port int, apiToken string, manager *orchestrator.Manager, db *store.Store, open TargetOpener, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		port:    port,
		manager: manager,
		db:      db,
		open:    open,
		logger:  logger,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1/extractions", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Post("/", s.startExtraction)
		r.Get("/", s.listExtractions)
		r.Get("/{id}", s.getExtraction)
		r.Get("/{id}/stream", s.streamExtraction)
		r.Delete("/{id}", s.cancelExtraction)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
