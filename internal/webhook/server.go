// internal/webhook/server.go
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/user/chordlog/internal/gateway"
	"github.com/user/chordlog/internal/types"
)

// maxIngestBody caps POST /api/events request bodies.
const maxIngestBody = 1 << 20

// Ingester accepts raw events for the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, events ...types.RawEvent) error
}

// Options wires the server to the running pipeline. Nil fields disable the
// endpoints that need them.
type Options struct {
	Ingest      Ingester
	History     func() []types.ParallelActionSet
	Stats       func() any
	Stream      http.Handler
	AuthToken   string
	RecordingID types.RecordingID
	Logger      *slog.Logger
}

// Server is a lightweight HTTP handler for the recorder API.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a Server with the given options.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/history", s.authorized(s.handleHistory))
	s.mux.HandleFunc("GET /api/stats", s.authorized(s.handleStats))
	s.mux.HandleFunc("POST /api/events", s.authorized(s.handleEvents))
	if opts.Stream != nil {
		s.mux.Handle("GET /ws", s.authorized(opts.Stream.ServeHTTP))
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.opts.RecordingID != "" {
		resp["recording_id"] = string(s.opts.RecordingID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	sets := s.opts.History()
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if len(sets) > n {
			sets = sets[len(sets)-n:]
		}
	}
	if sets == nil {
		sets = []types.ParallelActionSet{}
	}
	writeJSON(w, http.StatusOK, sets)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats not available")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Stats())
}

// decodeEvents accepts a single event object or an array of events.
func decodeEvents(body []byte) ([]types.RawEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var events []types.RawEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var ev types.RawEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return []types.RawEvent{ev}, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest not enabled")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "event "+strconv.Itoa(i)+": "+err.Error())
			return
		}
	}

	if err := s.opts.Ingest.Ingest(r.Context(), events...); err != nil {
		if errors.Is(err, gateway.ErrQueueClosed) {
			writeError(w, http.StatusServiceUnavailable, "recorder is shutting down")
			return
		}
		s.logger.Error("ingest failed", "events", len(events), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(events)})
}
