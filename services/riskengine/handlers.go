package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"riskgate/pkg/engine"
	"riskgate/pkg/structlog"
)

type server struct {
	eng *engine.Engine
	log *structlog.Logger
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/risk/evaluate", s.handleEvaluate)
	mux.HandleFunc("/risk/status", s.handleStatus)
	mux.HandleFunc("/risk/failure", s.handleFailure)
	mux.HandleFunc("/risk/reset", s.handleReset)
	mux.HandleFunc("/risk/phases", s.handlePhases)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	dec, err := s.eng.Evaluate(r.Context(), req)
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrCapacityExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "engine at capacity")
		return
	case err != nil:
		s.log.Error("evaluate failed", structlog.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Status(r.Context(), userID))
}

type userRequest struct {
	UserID string `json:"user_id"`
}

func (s *server) handleFailure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	s.eng.RecordFailure(r.Context(), req.UserID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	s.eng.ResetProfile(r.Context(), req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *server) handlePhases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.eng.PhaseStats())
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.eng.Health()
	status := "ok"
	for _, up := range components {
		if !up {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"service":    "riskengine",
		"components": components,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
