package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgallion1/docextract/internal/blob"
	"github.com/dgallion1/docextract/internal/config"
	"github.com/dgallion1/docextract/internal/pipeline"
	"github.com/dgallion1/docextract/internal/schemastore"
)

// Server is the HTTP control plane over the job manager.
type Server struct {
	router  chi.Router
	manager *pipeline.Manager
	schemas *schemastore.Store
	blobs   blob.Store
	log     *slog.Logger
	cfg     config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(manager *pipeline.Manager, schemas *schemastore.Store, blobs blob.Store, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		manager: manager,
		schemas: schemas,
		blobs:   blobs,
		log:     log,
		cfg:     cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/health", s.handleHealth)

	r.Post("/extract/{source}/{dataset}", s.handleStart)
	r.Post("/extraction-pause/{source}/{dataset}", s.handlePause)
	r.Post("/extraction-resume/{source}/{dataset}", s.handleResume)
	r.Post("/clear-extraction-state/{source}/{dataset}", s.handleClear)
	r.Get("/extraction-status/{source}/{dataset}", s.handleStatus)
	r.Get("/extraction-progress/list", s.handleList)

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
