// Package api serves the tracker's read-only HTTP interface: live counter
// status, journal history and leg statistics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/waypoint-counter/internal/db"
	"github.com/banshee-data/waypoint-counter/internal/httputil"
	"github.com/banshee-data/waypoint-counter/internal/monitoring"
	"github.com/banshee-data/waypoint-counter/internal/tracker"
	"github.com/banshee-data/waypoint-counter/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultLimit  = 100
	maxLimit      = 5000
	statusTimeout = 2 * time.Second
)

// StatusSource reports the live counter state.
type StatusSource interface {
	Status(ctx context.Context) (tracker.Status, error)
}

// LinkStats reports link health. serialmux.SerialMuxInterface satisfies it.
type LinkStats interface {
	Dropped() uint64
}

type Server struct {
	status    StatusSource
	db        *db.DB
	sessionID string
	link      LinkStats
}

// Option configures a Server.
type Option func(*Server)

// WithJournal enables the history endpoints. sessionID is the current
// process's journal session.
func WithJournal(database *db.DB, sessionID string) Option {
	return func(s *Server) {
		s.db = database
		s.sessionID = sessionID
	}
}

// WithLinkStats adds link counters to /api/status.
func WithLinkStats(link LinkStats) Option {
	return func(s *Server) { s.link = link }
}

func NewServer(status StatusSource, opts ...Option) *Server {
	s := &Server{status: status}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/waypoints", s.listWaypoints)
	mux.HandleFunc("/api/mode_requests", s.listModeRequests)
	mux.HandleFunc("/api/legs", s.showLegs)
	mux.HandleFunc("/api/legs/chart", s.showLegsChart)
	return mux
}

type statusResponse struct {
	tracker.Status
	Version     string  `json:"version"`
	GitSHA      string  `json:"git_sha"`
	SessionID   string  `json:"session_id,omitempty"`
	LinkDropped *uint64 `json:"link_dropped_lines,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	st, err := s.status.Status(ctx)
	if err != nil {
		if errors.Is(err, tracker.ErrStopped) || errors.Is(err, context.DeadlineExceeded) {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}

	resp := statusResponse{
		Status:    st,
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		SessionID: s.sessionID,
	}
	if s.link != nil {
		n := s.link.Dropped()
		resp.LinkDropped = &n
	}
	httputil.WriteJSONOK(w, resp)
}

// journalRequest validates a history request and returns its filter. It
// writes the error response itself and reports false on failure.
func (s *Server) journalRequest(w http.ResponseWriter, r *http.Request) (db.HistoryFilter, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return db.HistoryFilter{}, false
	}
	if s.db == nil {
		httputil.NotFound(w, "journal disabled")
		return db.HistoryFilter{}, false
	}
	limit, err := httputil.QueryInt(r, "limit", defaultLimit, 1, maxLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return db.HistoryFilter{}, false
	}
	return db.HistoryFilter{SessionID: s.sessionParam(r), Limit: limit}, true
}

// sessionParam returns ?session=, where "current" means this process.
func (s *Server) sessionParam(r *http.Request) string {
	session := r.URL.Query().Get("session")
	if session == "current" {
		return s.sessionID
	}
	return session
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.journalRequest(w, r); !ok {
		return
	}
	sessions, err := s.db.Sessions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, "Failed to retrieve sessions: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listWaypoints(w http.ResponseWriter, r *http.Request) {
	f, ok := s.journalRequest(w, r)
	if !ok {
		return
	}
	events, err := s.db.WaypointEvents(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, "Failed to retrieve waypoints: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) listModeRequests(w http.ResponseWriter, r *http.Request) {
	f, ok := s.journalRequest(w, r)
	if !ok {
		return
	}
	requests, err := s.db.ModeRequests(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, "Failed to retrieve mode requests: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, requests)
}

func (s *Server) showLegs(w http.ResponseWriter, r *http.Request) {
	f, ok := s.journalRequest(w, r)
	if !ok {
		return
	}
	stats, err := s.db.SessionLegStats(r.Context(), f.SessionID)
	if err != nil {
		httputil.InternalServerError(w, "Failed to compute legs: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, stats)
}
