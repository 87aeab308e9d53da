package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/docextract/internal/pipeline"
	"github.com/dgallion1/docextract/internal/progress"
	"github.com/dgallion1/docextract/internal/schemastore"
)

type startRequest struct {
	Files  []string       `json:"files,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	dataset := chi.URLParam(r, "dataset")

	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	schema := req.Schema
	if schema == nil {
		var err error
		schema, err = s.schemas.Get(source, dataset)
		if errors.Is(err, schemastore.ErrNotFound) {
			jsonError(w, "no schema found for this source/dataset; supply one in the request body", http.StatusBadRequest)
			return
		}
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	files := req.Files
	if len(files) == 0 {
		infos, err := s.blobs.ListFiles(r.Context(), dataset)
		if err != nil {
			jsonError(w, "list dataset files: "+err.Error(), http.StatusBadRequest)
			return
		}
		for _, info := range infos {
			files = append(files, info.Name)
		}
	}
	if len(files) == 0 {
		jsonError(w, "dataset has no files to extract", http.StatusBadRequest)
		return
	}

	spec := progress.JobSpec{
		Source:  source,
		Dataset: dataset,
		Files:   files,
		Schema:  schema,
		LLM: progress.LLMConfig{
			Provider:    s.cfg.LLMProvider,
			Model:       s.cfg.LLMModel,
			UseAPI:      s.cfg.LLMUseAPI,
			Temperature: s.cfg.LLMTemperature,
		},
		Message: "Extraction scheduled",
	}

	id, err := s.manager.StartJob(r.Context(), spec)
	if errors.Is(err, progress.ErrAlreadyActive) {
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":  id,
			"message": "extraction already active",
		})
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      id,
		"total_files": len(files),
		"status_url":  "/extraction-status/" + source + "/" + dataset,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	dataset := chi.URLParam(r, "dataset")

	err := s.manager.Pause(r.Context(), source, dataset)
	if errors.Is(err, pipeline.ErrNoActiveJob) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Extraction paused by user"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	dataset := chi.URLParam(r, "dataset")

	err := s.manager.Resume(r.Context(), source, dataset)
	if errors.Is(err, pipeline.ErrNothingToResume) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Extraction scheduled for resumption"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	dataset := chi.URLParam(r, "dataset")

	if err := s.manager.Clear(r.Context(), source, dataset); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Extraction state cleared"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	dataset := chi.URLParam(r, "dataset")

	job, err := s.manager.Status(r.Context(), source, dataset)
	if errors.Is(err, progress.ErrNotFound) {
		jsonError(w, "no extraction job for this source/dataset", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.manager.List(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*progress.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
