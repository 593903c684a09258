package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atakhan/whatsapp-to-tg/internal/record"
	"github.com/atakhan/whatsapp-to-tg/internal/store"
)

type startRequest struct {
	TargetRef string `json:"target_ref"`
}

type extractionResponse struct {
	ExtractionID string         `json:"extraction_id"`
	TargetRef    string         `json:"target_ref"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Result       *record.Result `json:"result,omitempty"`
}

// startExtraction handles POST /api/v1/extractions.
func (s *Server) startExtraction(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.TargetRef == "" {
		writeError(w, http.StatusBadRequest, "target_ref is required")
		return
	}

	ex := s.manager.Start(s.open(req.TargetRef))
	s.logger.Info("extraction requested", "extraction_id", ex.ID, "target", ex.TargetRef)

	writeJSON(w, http.StatusAccepted, extractionResponse{
		ExtractionID: ex.ID.String(),
		TargetRef:    ex.TargetRef,
		Status:       "running",
		StartedAt:    ex.StartedAt,
	})
}

// getExtraction handles GET /api/v1/extractions/{id}. Live sessions are
// answered from the manager; finished ones that fell out of memory come
// from the store.
func (s *Server) getExtraction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extraction id")
		return
	}

	if ex, ok := s.manager.Get(id); ok {
		resp := extractionResponse{
			ExtractionID: ex.ID.String(),
			TargetRef:    ex.TargetRef,
			Status:       "running",
			StartedAt:    ex.StartedAt,
		}
		if final, done := ex.Final(); done {
			resp.Status = "finished"
			finished := ex.FinishedAtOrNow()
			resp.FinishedAt = &finished
			resp.Result = &final
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if s.db == nil {
		writeError(w, http.StatusNotFound, "extraction not found")
		return
	}
	stored, err := s.db.GetExtraction(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "extraction not found")
		return
	}
	if err != nil {
		s.logger.Error("loading extraction failed", "extraction_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading extraction failed")
		return
	}
	writeJSON(w, http.StatusOK, extractionResponse{
		ExtractionID: stored.Meta.ID.String(),
		TargetRef:    stored.Meta.TargetRef,
		Status:       "finished",
		StartedAt:    stored.Meta.StartedAt,
		FinishedAt:   &stored.Meta.FinishedAt,
		Result:       &stored.Result,
	})
}

// listExtractions handles GET /api/v1/extractions?target_ref=...
func (s *Server) listExtractions(w http.ResponseWriter, r *http.Request) {
	targetRef := r.URL.Query().Get("target_ref")
	if targetRef == "" {
		writeError(w, http.StatusBadRequest, "target_ref query parameter is required")
		return
	}
	if s.db == nil {
		writeJSON(w, http.StatusOK, []extractionResponse{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	stored, err := s.db.ListExtractions(r.Context(), targetRef, limit)
	if err != nil {
		s.logger.Error("listing extractions failed", "target", targetRef, "error", err)
		writeError(w, http.StatusInternalServerError, "listing extractions failed")
		return
	}

	resp := make([]extractionResponse, 0, len(stored))
	for _, se := range stored {
		res := se.Result
		finished := se.Meta.FinishedAt
		resp = append(resp, extractionResponse{
			ExtractionID: se.Meta.ID.String(),
			TargetRef:    se.Meta.TargetRef,
			Status:       "finished",
			StartedAt:    se.Meta.StartedAt,
			FinishedAt:   &finished,
			Result:       &res,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// cancelExtraction handles DELETE /api/v1/extractions/{id}.
func (s *Server) cancelExtraction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extraction id")
		return
	}
	if !s.manager.Cancel(id) {
		writeError(w, http.StatusNotFound, "extraction not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// streamExtraction handles GET /api/v1/extractions/{id}/stream: a
// server-sent-event feed replaying all results so far and following the
// live session until its terminal result.
func (s *Server) streamExtraction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extraction id")
		return
	}
	ex, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "extraction not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	results, detach := ex.Subscribe()
	defer detach()

	for {
		select {
		case <-r.Context().Done():
			return
		case res, open := <-results:
			if !open {
				return
			}
			payload, err := json.Marshal(res)
			if err != nil {
				s.logger.Error("marshal stream result", "extraction_id", id, "error", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
