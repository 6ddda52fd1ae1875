package webui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/session"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

//go:embed static/index.html
var staticFiles embed.FS

const (
	defaultPreviewRows = 50
	maxPreviewRows     = 1000
	backfillEvents     = 100
)

// Server serves the embedded web UI, a read-only JSON API over the session
// registry and a WebSocket activity stream.
type Server struct {
	registry *session.Registry
	log      zerolog.Logger
}

// New creates a new web UI server.
func New(registry *session.Registry, logger zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		log:      logger.With().Str("component", "webui").Logger(),
	}
}

// RegisterRoutes attaches web UI routes to an existing ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ui/", s.handleUI)
	mux.HandleFunc("GET /ui", s.handleUIRedirect)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// ListenAndServe starts a standalone HTTP server for the web UI.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleUIRedirect redirects /ui to /ui/ for consistent routing.
func (s *Server) handleUIRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/ui/", http.StatusMovedPermanently)
}

// handleUI serves the embedded index.html.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "UI not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// statusResponse is the JSON shape for /api/status.
type statusResponse struct {
	Sessions    int                   `json:"sessions"`
	MaxSessions int                   `json:"max_sessions"`
	Snapshots   int                   `json:"snapshots"`
	Timers      int                   `json:"timers"`
	Activity    storage.ActivityStats `json:"activity"`
}

func (s *Server) status() statusResponse {
	st := statusResponse{
		Sessions:    s.registry.Len(),
		MaxSessions: s.registry.Config().MaxSessions,
		Snapshots:   s.registry.Store().Count(),
		Timers:      s.registry.Scheduler().Len(),
	}
	if a := s.registry.Activity(); a != nil {
		st.Activity = a.Stats()
	}
	return st
}

// handleStatus returns registry counts and activity counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.status())
}

// handleSessions lists live sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.registry.List())
}

// sessionResponse is the JSON shape for /api/sessions/{id}.
type sessionResponse struct {
	Session  session.Info          `json:"session"`
	Schema   []table.ColumnProfile `json:"schema"`
	Preview  []table.PreviewRow    `json:"preview"`
	History  any                   `json:"history"`
	AutoSave any                   `json:"auto_save"`
}

// handleSession describes one session with a preview of its rows.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, apperr.ErrSessionNotFound) || errors.Is(err, apperr.ErrSessionExpired) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	rows := defaultPreviewRows
	if v := r.URL.Query().Get("rows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "rows must be a non-negative integer", http.StatusBadRequest)
			return
		}
		rows = min(n, maxPreviewRows)
	}

	ds := sess.Dataset()
	s.writeJSON(w, sessionResponse{
		Session:  sess.Info(),
		Schema:   table.Profile(ds),
		Preview:  table.Preview(ds, rows),
		History:  sess.History().Page(0, 0),
		AutoSave: sess.AutoSave().Status(),
	})
}

// activityResponse is the JSON shape for /api/activity.
type activityResponse struct {
	Events []storage.Event `json:"events"`
	Next   uint64          `json:"next"`
}

// handleActivity returns events after ?since=N, or the most recent ones.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	a := s.registry.Activity()
	if a == nil {
		s.writeJSON(w, activityResponse{Events: []storage.Event{}})
		return
	}
	since := r.URL.Query().Get("since")
	if since == "" {
		events, next := a.Since(0)
		if len(events) > backfillEvents {
			events = events[len(events)-backfillEvents:]
		}
		s.writeJSON(w, activityResponse{Events: events, Next: next})
		return
	}
	seq, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		http.Error(w, "since must be an event sequence number", http.StatusBadRequest)
		return
	}
	events, next := a.Since(seq)
	s.writeJSON(w, activityResponse{Events: events, Next: next})
}

// wsFilter is the client-sent filter message on the WebSocket.
type wsFilter struct {
	SessionID string `json:"session_id"`
	Paused    bool   `json:"paused"`
}

// wsUpdate is the server-sent update message on the WebSocket.
type wsUpdate struct {
	Status   statusResponse  `json:"status"`
	Sessions []session.Info  `json:"sessions"`
	Events   []storage.Event `json:"events,omitempty"`
}

// handleWebSocket upgrades to WebSocket and streams activity as it happens.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for localhost dev
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	activity := s.registry.Activity()
	var notifyCh <-chan struct{}
	var next uint64
	if activity != nil {
		ch, unsubscribe := activity.Subscribe()
		defer unsubscribe()
		notifyCh = ch
		// Back up to include recent history on connect.
		events, _ := activity.Since(0)
		if len(events) > backfillEvents {
			next = events[len(events)-backfillEvents].Seq - 1
		}
	}

	var filter wsFilter

	filterCh := make(chan wsFilter, 4)
	go func() {
		defer close(filterCh)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f wsFilter
			if json.Unmarshal(data, &f) == nil {
				select {
				case filterCh <- f:
				default:
				}
			}
		}
	}()

	s.sendWSUpdate(ctx, conn, &next, filter)

	// Keepalive ticker (send status even with no activity, so client knows we're alive)
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return

		case f, ok := <-filterCh:
			if !ok {
				return
			}
			filter = f

		case <-notifyCh:
			if filter.Paused {
				continue
			}
			s.sendWSUpdate(ctx, conn, &next, filter)

		case <-keepalive.C:
			if filter.Paused {
				continue
			}
			s.sendWSUpdate(ctx, conn, &next, filter)
		}
	}
}

// sendWSUpdate sends the registry status and the events after *next.
func (s *Server) sendWSUpdate(ctx context.Context, conn *websocket.Conn, next *uint64, filter wsFilter) {
	update := wsUpdate{
		Status:   s.status(),
		Sessions: s.registry.List(),
	}
	if a := s.registry.Activity(); a != nil {
		events, resume := a.Since(*next)
		*next = resume
		for _, e := range events {
			if filter.SessionID != "" && e.SessionID != filter.SessionID {
				continue
			}
			update.Events = append(update.Events, e)
		}
	}

	data, err := json.Marshal(update)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal update")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		// Connection closed; the main loop will handle cleanup.
		return
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "")
	if err := enc.Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write JSON")
	}
}
