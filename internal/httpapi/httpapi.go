// Package httpapi exposes the local inspection API: snapshot, pipeline
// status, forced refresh, and a WebSocket stream of coordinator events.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akulagin/lsrd/internal/core/state"
)

// Refresher triggers a coalesced refresh.
type Refresher interface {
	ForceRefresh(ctx context.Context) error
}

// Server is the local HTTP API server.
type Server struct {
	store   state.SnapshotReader
	bus     *state.EventBus
	refresh Refresher
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux

	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server.
func NewServer(
	store state.SnapshotReader,
	bus *state.EventBus,
	refresh Refresher,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		store:   store,
		bus:     bus,
		refresh: refresh,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Local inspection API; origin policy is delegated to the
			// CORS setting.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/snapshot", s.handleGetSnapshot)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// --- Handlers ---

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Status())
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.store.Snapshot()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no snapshot yet")
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.refresh.ForceRefresh(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleEvents upgrades to a WebSocket and streams bus events as JSON until
// the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	evtCh, unsub := s.bus.Subscribe(64)
	defer unsub()

	// Reader goroutine: detect client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case evt, ok := <-evtCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed, dropping client", "error", err)
				return
			}
		}
	}
}
