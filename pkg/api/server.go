// Package api serves the operator dashboard: REST endpoints for health,
// status, tasks, intents and contacts, plus a WebSocket live feed.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/domain/channel"
	"github.com/sipeed/wabot/pkg/domain/conversation"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/intent"
	"github.com/sipeed/wabot/pkg/logger"
	"github.com/sipeed/wabot/pkg/orchestration"
)

// TaskSource is the live task table. Implemented by *orchestration.Orchestrator.
type TaskSource interface {
	Get(id string) (orchestration.Task, bool)
	List(limit int) []orchestration.Task
	Active() []orchestration.Task
	Cancel(taskID string) bool
	Status() map[string]interface{}
}

// TaskArchive holds tasks that have been pruned from the live table.
// Implemented by *persistence.TaskArchive.
type TaskArchive interface {
	Get(ctx context.Context, id string) (events.TaskEventData, error)
	Recent(ctx context.Context, limit int) ([]events.TaskEventData, error)
}

// ChannelStatus is implemented by *channels.Manager.
type ChannelStatus interface {
	GetStatus() map[string]interface{}
	Channels() []channel.Channel
}

// ContactLister is implemented by *app.ContactService.
type ContactLister interface {
	ListContacts() ([]*conversation.Conversation, error)
}

// Deps are the components the dashboard reads from. Archive, Contacts and
// Events may be nil.
type Deps struct {
	Tasks      TaskSource
	Archive    TaskArchive
	Channels   ChannelStatus
	Contacts   ContactLister
	Classifier *intent.Classifier
	Registry   *capability.Registry
	Bus        *bus.MessageBus
	Events     domain.EventBus
	Version    string
}

// Server is the HTTP API server for the dashboard.
type Server struct {
	cfg       config.GatewayConfig
	deps      Deps
	wsHub     *WSHub
	bridge    *EventBridge
	startTime time.Time
	handler   http.Handler
}

// NewServer builds the server and its routes. When no API key is configured
// a random one is generated for this process and logged once.
func NewServer(cfg config.GatewayConfig, deps Deps) *Server {
	if cfg.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.APIKey = hex.EncodeToString(raw)
			logger.WarnCF("api", "No gateway.api_key configured, generated a session key", map[string]interface{}{
				"api_key": cfg.APIKey,
			})
		}
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	s.bridge = NewEventBridge(deps.Bus, deps.Events, s.wsHub)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/channels", s.handleChannels)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)

	mux.HandleFunc("GET /api/intents", s.handleIntents)
	mux.HandleFunc("POST /api/classify", s.handleClassify)

	mux.HandleFunc("GET /api/contacts", s.handleContacts)

	mux.HandleFunc("GET /api/ws", s.wsHub.HandleWebSocket)

	s.handler = corsMiddleware(authMiddleware(cfg.APIKey, mux))
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler { return s.handler }

// APIKey returns the effective key, generated or configured.
func (s *Server) APIKey() string { return s.cfg.APIKey }

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	s.startFeed(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("api", "Dashboard API server starting", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	logger.InfoC("api", "Dashboard API server stopped")
	return nil
}

// startFeed runs the WebSocket hub and the event bridge until ctx ends.
func (s *Server) startFeed(ctx context.Context) {
	go s.wsHub.Run(ctx)
	s.bridge.Run(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

// statusSnapshot is shared by GET /api/status and the WebSocket feed.
func (s *Server) statusSnapshot() map[string]interface{} {
	uptime := time.Since(s.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	hostname, _ := os.Hostname()

	status := map[string]interface{}{
		"version":        s.deps.Version,
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"system": map[string]interface{}{
			"hostname":   hostname,
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
			"memory_mb":  float64(m.Alloc) / 1024 / 1024,
		},
	}
	if s.deps.Tasks != nil {
		status["orchestrator"] = s.deps.Tasks.Status()
	}
	if s.deps.Channels != nil {
		status["channels"] = s.deps.Channels.GetStatus()
	}
	if s.deps.Registry != nil {
		status["capabilities"] = s.deps.Registry.Len()
	}
	if s.deps.Bus != nil {
		status["inbound_dropped"] = s.deps.Bus.DroppedInbound()
	}
	if st, ok := s.deps.Events.(interface{ Stats() map[string]interface{} }); ok {
		status["events"] = st.Stats()
	}
	return status
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Channels == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Channels.Channels())
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Contacts == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	contacts, err := s.deps.Contacts.ListContacts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.DebugCF("api", "Response encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
