package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/agentflow/agentflow/persistence"
)

// listenHTTP opens the status port, retrying on the next port up to
// HTTPMaxPortAttempts when the configured one is in use (§6).
func (s *Service) listenHTTP() error {
	base := s.Config.Port
	var lastErr error
	for attempt := 0; attempt < s.Config.HTTPMaxPortAttempts; attempt++ {
		addr := fmt.Sprintf(":%d", base+attempt)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		s.httpLn = ln
		s.addr = ln.Addr().String()
		s.httpSrv = &http.Server{Handler: s.statusRouter()}
		return nil
	}
	return fmt.Errorf("no free port found starting at %d after %d attempts: %w", base, s.Config.HTTPMaxPortAttempts, lastErr)
}

func (s *Service) serveHTTP() {
	if s.httpSrv == nil || s.httpLn == nil {
		return
	}
	if err := s.httpSrv.Serve(s.httpLn); err != nil && err != http.ErrServerClosed {
		s.Logger.Error("status server exited", "err", err)
	}
}

func (s *Service) shutdownHTTP() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpSrv.Shutdown(ctx)
}

func (s *Service) statusRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/status/stream", s.handleStatusStream)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// statusConfig mirrors the config sub-object of GET /status (§6).
type statusConfig struct {
	ServerGroup    string   `json:"server_group"`
	ServiceName    string   `json:"service_name"`
	ServerName     string   `json:"server_name"`
	Topics         []string `json:"topics"`
	MaxConcurrent  int      `json:"max_concurrent"`
	PollIntervalMS int      `json:"poll_interval_ms"`
}

// statusResponse is the JSON shape of GET /status (§6): a hand-written
// struct rather than an oapi-codegen generated type, since this exercise
// never runs a code-generation step (see DESIGN.md).
type statusResponse struct {
	ServerID        string                               `json:"server_id"`
	Running         bool                                 `json:"running"`
	UptimeMS        int64                                `json:"uptime_ms"`
	Handled         map[string]persistence.HandledCount `json:"handled"`
	ActiveWorkItems int                                  `json:"active_work_items"`
	Config          statusConfig                         `json:"config"`
}

func (s *Service) snapshot() statusResponse {
	return statusResponse{
		ServerID:        s.ServerID,
		Running:         !s.isStopping(),
		UptimeMS:        time.Since(s.startedAt).Milliseconds(),
		Handled:         s.snapshotHandled(),
		ActiveWorkItems: s.activeCount(),
		Config: statusConfig{
			ServerGroup:    s.Config.ServerGroup,
			ServiceName:    s.Config.ServiceName,
			ServerName:     s.Config.ServerName,
			Topics:         s.Config.Topics,
			MaxConcurrent:  s.Config.MaxConcurrent,
			PollIntervalMS: s.Config.PollIntervalMS,
		},
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

// statusHub broadcasts poll-cycle stat deltas to connected /status/stream
// clients, grounded on the teacher's internal/api/ws.go Hub (§11 domain
// stack): a mutex-guarded client set and a permissive CheckOrigin, since
// this status feed carries no credentials.
type statusHub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
}

func newStatusHub() *statusHub {
	return &statusHub{
		clients: map[*websocket.Conn]bool{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *statusHub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *statusHub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *statusHub) broadcastStats(handled map[string]persistence.HandledCount, active int) {
	payload, err := json.Marshal(struct {
		Handled         map[string]persistence.HandledCount `json:"handled"`
		ActiveWorkItems int                                  `json:"active_work_items"`
	}{handled, active})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteMessage(websocket.TextMessage, payload)
	}
}

func (s *Service) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.addClient(conn)
	defer s.hub.removeClient(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
