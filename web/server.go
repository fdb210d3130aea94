// Package web serves the operator-facing HTTP status endpoint: a JSON
// snapshot of per-persona store and queue state, and an SSE stream that
// pushes the same snapshot on an interval so a dashboard can stay live
// without polling.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/brackenhollow/convobridge/logstore"
	"github.com/brackenhollow/convobridge/queue"
	"github.com/brackenhollow/convobridge/store"
)

// PersonaHandle is the subset of a running persona the status endpoint
// reports on.
type PersonaHandle struct {
	ID             string
	BotDisplayName string
	Store          *store.Store
	Queue          *queue.Queue
}

type Server struct {
	personas []PersonaHandle
	logs     *logstore.Store

	sseSubs []chan string
	ssesMu  sync.Mutex

	httpServer *http.Server
}

// New builds the status server. logs may be nil if log persistence is
// disabled.
func New(addr string, personas []PersonaHandle, logs *logstore.Store) *Server {
	s := &Server{personas: personas, logs: logs}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleSSE)
	mux.HandleFunc("GET /api/logs", s.handleListLogs)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler exposes the underlying mux for tests that want an httptest.Server
// without binding a real port.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// StartStatusPoller periodically broadcasts a status snapshot to every SSE
// subscriber until ctx is canceled.
func (s *Server) StartStatusPoller(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snapshot, err := s.snapshot(ctx)
				if err != nil {
					slog.Error("build status snapshot", "error", err)
					continue
				}
				data, err := json.Marshal(snapshot)
				if err != nil {
					slog.Error("marshal status", "error", err)
					continue
				}
				s.broadcast(fmt.Sprintf("event: status\ndata: %s\n\n", data))
			}
		}
	}()
}

func (s *Server) subscribe() chan string {
	ch := make(chan string, 16)
	s.ssesMu.Lock()
	s.sseSubs = append(s.sseSubs, ch)
	s.ssesMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan string) {
	s.ssesMu.Lock()
	defer s.ssesMu.Unlock()
	for i, sub := range s.sseSubs {
		if sub == ch {
			s.sseSubs = append(s.sseSubs[:i], s.sseSubs[i+1:]...)
			return
		}
	}
}

func (s *Server) broadcast(msg string) {
	s.ssesMu.Lock()
	defer s.ssesMu.Unlock()
	for _, ch := range s.sseSubs {
		select {
		case ch <- msg:
		default:
			// drop slow subscriber
		}
	}
}

// personaStatus is one persona's entry in a status snapshot.
type personaStatus struct {
	ID             string         `json:"id"`
	BotDisplayName string         `json:"bot_display_name"`
	MessageCount   int64          `json:"message_count"`
	BoundaryCount  int64          `json:"boundary_count"`
	ResetCount     int64          `json:"reset_count"`
	QueueDepths    map[string]int `json:"queue_depths,omitempty"`
}

func (s *Server) snapshot(ctx context.Context) ([]personaStatus, error) {
	out := make([]personaStatus, 0, len(s.personas))
	for _, p := range s.personas {
		stats, err := p.Store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("persona %s: stats: %w", p.ID, err)
		}
		out = append(out, personaStatus{
			ID:             p.ID,
			BotDisplayName: p.BotDisplayName,
			MessageCount:   stats.MessageCount,
			BoundaryCount:  stats.BoundaryCount,
			ResetCount:     stats.ResetCount,
			QueueDepths:    p.Queue.Depths(),
		})
	}
	return out, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.snapshot(r.Context())
	if err != nil {
		slog.Error("build status snapshot", "error", err)
		http.Error(w, "failed to build status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"personas": snapshot})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			fmt.Fprint(w, msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.Error(w, "log persistence is disabled", http.StatusNotFound)
		return
	}

	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		http.Error(w, "channel_id is required", http.StatusBadRequest)
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	level := r.URL.Query().Get("level")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	rows, total, err := s.logs.List(r.Context(), channelID, threadID, level, limit, offset)
	if err != nil {
		slog.Error("list logs", "error", err)
		http.Error(w, "failed to list logs", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []logstore.LogRow{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"logs":  rows,
		"total": total,
	})
}
