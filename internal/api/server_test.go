package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/waypoint-counter/internal/db"
	"github.com/banshee-data/waypoint-counter/internal/monitoring"
	"github.com/banshee-data/waypoint-counter/internal/tracker"
)

type fakeStatus struct {
	status tracker.Status
	err    error
}

func (f fakeStatus) Status(context.Context) (tracker.Status, error) { return f.status, f.err }

type fakeLink struct{ dropped uint64 }

func (l fakeLink) Dropped() uint64 { return l.dropped }

var t0 = time.Unix(1700000000, 0).UTC()

// setupJournal creates a journal with two sessions; "current" is the latest.
func setupJournal(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	prev := db.NewJournal(database, db.WithSessionID("previous-session"))
	prev.RecordWaypoint(1, 1, t0)
	prev.RecordWaypoint(2, 2, t0.Add(30*time.Second))
	prev.Close()

	cur := db.NewJournal(database, db.WithSessionID("current-session"))
	cur.RecordWaypoint(5, 1, t0.Add(time.Hour))
	cur.RecordWaypoint(6, 2, t0.Add(time.Hour+10*time.Second))
	cur.RecordWaypoint(7, 3, t0.Add(time.Hour+30*time.Second))
	cur.RecordModeRequest("req-1", "GUIDED", 3, t0.Add(time.Hour+30*time.Second))
	cur.RecordModeOutcome("req-1", tracker.OutcomeAccepted, "", t0.Add(time.Hour+31*time.Second))
	cur.Close()
	return database
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestShowStatus(t *testing.T) {
	seq := 7
	src := fakeStatus{status: tracker.Status{
		Target: 3, Completed: 3, State: tracker.StateTriggered, Mode: "GUIDED",
		Requests: 1, LastSeq: &seq, LastOutcome: tracker.OutcomeAccepted,
	}}
	s := NewServer(src, WithLinkStats(fakeLink{dropped: 4}), WithJournal(nil, "current-session"))

	rec := get(t, s.ServeMux(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(3), got["target"])
	assert.Equal(t, float64(3), got["completed"])
	assert.Equal(t, "TRIGGERED", got["state"])
	assert.Equal(t, "GUIDED", got["mode"])
	assert.Equal(t, float64(7), got["last_wp_seq"])
	assert.Equal(t, "accepted", got["last_outcome"])
	assert.Equal(t, "current-session", got["session_id"])
	assert.Equal(t, float64(4), got["link_dropped_lines"])
	assert.Equal(t, "dev", got["version"])
}

func TestShowStatus_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"loop stopped", tracker.ErrStopped, http.StatusServiceUnavailable},
		{"loop busy", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(fakeStatus{err: tt.err})
			rec := get(t, s.ServeMux(), "/api/status")
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(fakeStatus{}, WithJournal(setupJournal(t), "current-session"))
	for _, path := range []string{"/api/status", "/api/waypoints", "/api/mode_requests", "/api/legs", "/api/legs/chart", "/api/sessions"} {
		rec := httptest.NewRecorder()
		s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestJournalDisabled(t *testing.T) {
	s := NewServer(fakeStatus{})
	for _, path := range []string{"/api/waypoints", "/api/mode_requests", "/api/legs", "/api/legs/chart", "/api/sessions"} {
		rec := get(t, s.ServeMux(), path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "journal disabled")
	}
}

func TestListWaypoints(t *testing.T) {
	s := NewServer(fakeStatus{}, WithJournal(setupJournal(t), "current-session"))
	mux := s.ServeMux()

	tests := []struct {
		query    string
		wantSeqs []int
	}{
		{"", []int{7, 6, 5, 2, 1}},
		{"?session=current", []int{7, 6, 5}},
		{"?session=previous-session", []int{2, 1}},
		{"?session=current&limit=2", []int{7, 6}},
		{"?session=nope", []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := get(t, mux, "/api/waypoints"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)

			var events []db.WaypointEvent
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
			seqs := []int{}
			for _, ev := range events {
				seqs = append(seqs, ev.Seq)
			}
			assert.Equal(t, tt.wantSeqs, seqs)
		})
	}
}

func TestListWaypoints_BadLimit(t *testing.T) {
	s := NewServer(fakeStatus{}, WithJournal(setupJournal(t), "current-session"))
	for _, q := range []string{"limit=0", "limit=abc", fmt.Sprintf("limit=%d", maxLimit+1)} {
		rec := get(t, s.ServeMux(), "/api/waypoints?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListModeRequests(t *testing.T) {
	s := NewServer(fakeStatus{}, WithJournal(setupJournal(t), "current-session"))
	rec := get(t, s.ServeMux(), "/api/mode_requests?session=current")
	require.Equal(t, http.StatusOK, rec.Code)

	var requests []db.ModeRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &requests))
	require.Len(t, requests, 1)
	assert.Equal(t, "req-1", requests[0].RequestID)
	assert.Equal(t, "GUIDED", requests[0].CustomMode)
	assert.Equal(t, "accepted", requests[0].Outcome)
	require.NotNil(t, requests[0].SettledAt)
}

func TestListSessions(t *testing.T) {
	s := NewServer(fakeStatus{}, WithJournal(setupJournal(t), "current-session"))
	rec := get(t, s.ServeMux(), "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []db.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, "current-session", sessions[0].SessionID)
	assert.Equal(t, 3, sessions[0].Waypoints)
}

func TestShowLegs(t *testing.T) {
	s := NewServer(fakeStatus{}, WithJournal(setupJournal(t), "current-session"))
	mux := s.ServeMux()

	rec := get(t, mux, "/api/legs")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats db.LegStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "current-session", stats.SessionID, "defaults to the latest session")
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 15.0, stats.Mean)
	assert.Equal(t, 10.0, stats.Min)
	assert.Equal(t, 20.0, stats.Max)

	rec = get(t, mux, "/api/legs?session=previous-session")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 30.0, stats.Mean)
}

func TestShowLegsChart(t *testing.T) {
	s := NewServer(fakeStatus{}, WithJournal(setupJournal(t), "current-session"))

	rec := get(t, s.ServeMux(), "/api/legs/chart?session=current")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "Leg durations")
	assert.Contains(t, body, "Waypoints per session")
	assert.Contains(t, body, "echarts")
}

func TestShowLegsChart_Empty(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer database.Close()
	s := NewServer(fakeStatus{}, WithJournal(database, "x"))

	rec := get(t, s.ServeMux(), "/api/legs/chart")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no legs journaled yet")
}

func TestLoggingMiddleware(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], statusCodeColor(http.StatusTeapot))
	assert.Contains(t, lines[0], "GET")
	assert.True(t, strings.Contains(lines[0], "/api/status?x=1"))
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}
