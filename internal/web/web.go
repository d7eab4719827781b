// Package web serves a small, read-only operator dashboard: a status
// endpoint, a live WebSocket feed of the event bus, and — when the
// optional SQLite history mirror is enabled — a past-incident query
// surface. It never writes to the radio link or session state — every
// mutation path stays in internal/router/internal/dispatch/
// internal/watchdog. Grounded on the lifecycle shape of the teacher's
// internal/api.Server (NewServer, Start/Shutdown over an
// http.NewServeMux with Go 1.22 method-pattern routes, a withLogging
// middleware, a writeJSON helper) with its OpenAI-compatible
// chat/completions, checkpoint, and archive endpoint surface dropped
// entirely — none of it has a counterpart here.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kb9ops/dispatch-gateway/internal/buildinfo"
	"github.com/kb9ops/dispatch-gateway/internal/dispatch"
	"github.com/kb9ops/dispatch-gateway/internal/events"
	"github.com/kb9ops/dispatch-gateway/internal/history"
	"github.com/kb9ops/dispatch-gateway/internal/radio"
	"github.com/kb9ops/dispatch-gateway/internal/session"
)

// Status mirrors the fields !status reports over the radio link, for
// a browser that wants the same picture without a packet round trip.
type Status struct {
	QueueDepth   int               `json:"queue_depth"`
	Nodes        int               `json:"nodes"`
	Responders   int               `json:"responders"`
	ActiveTriage int               `json:"active_triage"`
	Restricted   int               `json:"restricted"`
	Build        map[string]string `json:"build"`
}

// Server is the dashboard's HTTP/WebSocket listener.
type Server struct {
	addr           string
	sessions       *session.Manager
	directory      radio.Directory
	queueDepth     func() int
	responderCount int
	bus            *events.Bus
	history        *history.Store // nil when the SQLite mirror is disabled
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	server         *http.Server
}

// New creates a Server. queueDepth reports the router's current work
// queue length; bus may be nil, in which case the event stream
// endpoint serves no events but still accepts and holds connections.
// hist may be nil, in which case the history query endpoints report
// 503 rather than panicking.
func New(addr string, sessions *session.Manager, directory radio.Directory, queueDepth func() int, responderCount int, bus *events.Bus, hist *history.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr: addr, sessions: sessions, directory: directory, queueDepth: queueDepth,
		responderCount: responderCount, bus: bus, history: hist, logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize: 1024, WriteBufferSize: 1024,
			// The dashboard is a local operator tool, not a public
			// service; any origin on the operator's LAN may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start registers routes and serves until ctx is cancelled, returning
// http.ErrServerClosed as nil (matching net/http's own Shutdown
// convention) so it composes cleanly with an errgroup.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the event stream holds the connection open indefinitely
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("web: shutdown error", "error", err)
		}
	}()

	s.logger.Info("web: dashboard listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// routes builds the handler tree, factored out from Start so tests can
// exercise it directly over an httptest server.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /qr", s.handleQR)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /incident/{n}", s.handleIncident)
	return mux
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("web: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		QueueDepth:   s.queueDepth(),
		Nodes:        s.directoryCount(),
		Responders:   s.responderCount,
		ActiveTriage: s.sessions.ActiveTriageCount(),
		Restricted:   len(s.sessions.ListRestrictions()),
		Build:        buildinfo.RuntimeInfo(),
	}
	writeJSON(w, status, s.logger)
}

// handleEvents upgrades to a WebSocket and streams every bus event as
// JSON until the client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("web: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.bus == nil {
		// No events to stream: hold the connection until the client
		// goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	ch := s.bus.Subscribe(32)
	defer s.bus.Unsubscribe(ch)

	// A reader goroutine is required so a client-initiated close is
	// noticed promptly (gorilla/websocket detects it only on Read).
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

// handleQR renders a PNG QR code for a GPS fix passed as lat/lon query
// parameters, for the dispatch card's "open in maps" affordance.
// Optional size query parameter, default 256px square.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		http.Error(w, "invalid or missing lat", http.StatusBadRequest)
		return
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		http.Error(w, "invalid or missing lon", http.StatusBadRequest)
		return
	}
	size := 256
	if raw := r.URL.Query().Get("size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			size = n
		}
	}

	png, err := dispatch.SituationQR(radio.Position{Latitude: lat, Longitude: lon, Valid: true}, size)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// historyLimitDefault bounds an unqualified /history query.
const historyLimitDefault = 50

// handleHistory answers "show me past incidents" against the SQLite
// mirror: ?kind=sos_dispatch or ?sender=!n1, optionally with ?limit=.
// Reports 503 when no history database was configured at startup.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history is not enabled on this gateway", http.StatusServiceUnavailable)
		return
	}

	limit := historyLimitDefault
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		records []history.Record
		err     error
	)
	switch {
	case r.URL.Query().Get("sender") != "":
		records, err = s.history.RecentBySender(r.URL.Query().Get("sender"), limit)
	case r.URL.Query().Get("kind") != "":
		records, err = s.history.RecentByKind(r.URL.Query().Get("kind"), limit)
	default:
		http.Error(w, "specify ?kind= or ?sender=", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Warn("web: history query failed", "error", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records, s.logger)
}

// handleIncident reconstructs the full timeline for one incident
// number, oldest first — the dashboard's "show the whole story" view.
func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history is not enabled on this gateway", http.StatusServiceUnavailable)
		return
	}
	n, err := strconv.ParseInt(r.PathValue("n"), 10, 64)
	if err != nil {
		http.Error(w, "invalid incident number", http.StatusBadRequest)
		return
	}
	records, err := s.history.Incident(n)
	if err != nil {
		s.logger.Warn("web: incident query failed", "incident", n, "error", err)
		http.Error(w, "incident query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records, s.logger)
}

func (s *Server) directoryCount() int {
	if s.directory == nil {
		return 0
	}
	return s.directory.Count()
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("web: write response failed", "error", err)
	}
}
