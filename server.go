package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Server handles incoming HTTP requests for sending uplinks through the
// configured gateway
type Server struct {
	Logger  *slog.Logger
	Gateway *Gateway
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /uplink", s.handleUplink)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// handleUplink processes incoming HTTP POST requests to send uplinks
func (s *Server) handleUplink(w http.ResponseWriter, r *http.Request) {
	var req UplinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Gateway.Uplink(r.Context(), req); err != nil {
		code := statusCode(err)
		if code >= http.StatusInternalServerError {
			s.Logger.Error("Failed to send uplink", "error", err, "port", req.Port)
		}
		s.sendError(w, err.Error(), code)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type HealthResponse struct {
		Joined bool `json:"joined"`
		Stats  struct {
			Lines              uint64 `json:"lines"`
			Joins              uint64 `json:"joins"`
			Downlinks          uint64 `json:"downlinks"`
			Confirmations      uint64 `json:"confirmations"`
			MalformedLines     uint64 `json:"malformed_lines"`
			DiscardedDownlinks uint64 `json:"discarded_downlinks"`
			OrphanedErrors     uint64 `json:"orphaned_errors"`
		} `json:"stats"`
	}

	st := s.Gateway.Radio.Stats()
	resp := HealthResponse{Joined: s.Gateway.Joined()}
	resp.Stats.Lines = st.Lines
	resp.Stats.Joins = st.Joins
	resp.Stats.Downlinks = st.Downlinks
	resp.Stats.Confirmations = st.Confirmations
	resp.Stats.MalformedLines = st.MalformedLines
	resp.Stats.DiscardedDownlinks = st.DiscardedDownlinks
	resp.Stats.OrphanedErrors = st.OrphanedErrors

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
