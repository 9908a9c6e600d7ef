// Package daemon implements the minimal local HTTP surface: a thin wire
// boundary around the coordinator, consumed by CLI and tray front-ends.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ryanwillie/mimirvaultd/internal/coordinator"
	"github.com/ryanwillie/mimirvaultd/internal/log"
)

// Server wires the HTTP surface to a Coordinator.
type Server struct {
	coord *coordinator.Coordinator
	http  *http.Server
	ready bool
}

// New constructs a Server listening on addr.
func New(addr string, coord *coordinator.Coordinator) *Server {
	s := &Server{coord: coord, ready: true}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/memories", s.handleMemories)
	mux.HandleFunc("/memories/", s.handleMemoryByID)
	mux.HandleFunc("/memories/search", s.handleSearch)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	log.WithComponent("daemon").Info().Str("addr", s.http.Addr).Msg("listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()
}

// handleLogs opens a server-sent-events stream, sends a single
// `data: connected` event, and holds the connection open until the client
// goes away. No log records are sent on the stream.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "data: connected\n\n")
	flusher.Flush()
	<-r.Context().Done()
}

// handleStats exposes the coordinator's observability snapshot, including
// the orphan list from crash recovery.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

type ingestRequest struct {
	Content string   `json:"content"`
	Class   string   `json:"class"`
	Tags    []string `json:"tags"`
}

type ingestResponse struct {
	ID           string `json:"id"`
	VectorStored bool   `json:"vector_stored"`
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		outcome, err := s.coord.Ingest(r.Context(), coordinator.Candidate{
			Content: req.Content,
			Class:   req.Class,
			Tags:    req.Tags,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ingestResponse{ID: outcome.RecordID.String(), VectorStored: outcome.VectorStored})
	case http.MethodGet:
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		records, err := s.coord.ListRecent(r.Context(), r.URL.Query().Get("source"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMemoryByID(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Path[len("/memories/"):]
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "malformed id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		content, rec, err := s.coord.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":      rec.ID,
			"class":   rec.ClassLabel,
			"content": content,
			"tags":    rec.Tags,
		})
	case http.MethodDelete:
		if err := s.coord.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	results, dropped, err := s.coord.SearchByText(r.Context(), req.Query, req.K)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"dropped": dropped,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a taxonomy Kind to an HTTP status: purged -> 410; auth
// failed -> 401; dimension -> 400; capacity -> 429; not found -> 404;
// anything else -> 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch coordinator.Of(err) {
	case coordinator.KindClassPurged:
		status = http.StatusGone
	case coordinator.KindAuthFailed:
		status = http.StatusUnauthorized
	case coordinator.KindDimensionMismatch, coordinator.KindDimensionDrift, coordinator.KindDegenerateEmbedding:
		status = http.StatusBadRequest
	case coordinator.KindCapacityExceeded:
		status = http.StatusTooManyRequests
	case coordinator.KindNotFound:
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
