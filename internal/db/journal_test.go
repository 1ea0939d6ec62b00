package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/waypoint-counter/internal/monitoring"
)

var t0 = time.Unix(1700000000, 0).UTC()

func captureLogs(t *testing.T) func() []string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
}

func TestJournal_WritesRecords(t *testing.T) {
	db := newTestDB(t)
	j := NewJournal(db, WithSessionID("flight-1"))
	assert.Equal(t, "flight-1", j.SessionID())

	j.RecordWaypoint(5, 1, t0)
	j.RecordWaypoint(6, 2, t0.Add(10*time.Second))
	j.RecordModeRequest("req-1", "GUIDED", 2, t0.Add(10*time.Second))
	j.RecordModeOutcome("req-1", "accepted", "", t0.Add(11*time.Second))
	j.RecordModeRequest("req-2", "GUIDED", 3, t0.Add(20*time.Second))
	j.Close()

	ctx := context.Background()
	events, err := db.WaypointEvents(ctx, HistoryFilter{})
	require.NoError(t, err)
	wantEvents := []WaypointEvent{
		{SessionID: "flight-1", Seq: 6, Completed: 2, ReachedAt: t0.Add(10 * time.Second)},
		{SessionID: "flight-1", Seq: 5, Completed: 1, ReachedAt: t0},
	}
	if diff := cmp.Diff(wantEvents, events, cmpopts.IgnoreFields(WaypointEvent{}, "EventID")); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	requests, err := db.ModeRequests(ctx, HistoryFilter{})
	require.NoError(t, err)
	settled := t0.Add(11 * time.Second)
	wantRequests := []ModeRequest{
		{RequestID: "req-2", SessionID: "flight-1", CustomMode: "GUIDED", Completed: 3, RequestedAt: t0.Add(20 * time.Second)},
		{RequestID: "req-1", SessionID: "flight-1", CustomMode: "GUIDED", Completed: 2, RequestedAt: t0.Add(10 * time.Second),
			Outcome: "accepted", SettledAt: &settled},
	}
	if diff := cmp.Diff(wantRequests, requests); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestJournal_FailureDetail(t *testing.T) {
	db := newTestDB(t)
	j := NewJournal(db)

	j.RecordModeRequest("req-1", "GUIDED", 1, t0)
	j.RecordModeOutcome("req-1", "failed", "transport error: EOF", t0.Add(time.Second))
	j.Close()

	requests, err := db.ModeRequests(context.Background(), HistoryFilter{SessionID: j.SessionID()})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "failed", requests[0].Outcome)
	assert.Equal(t, "transport error: EOF", requests[0].Detail)
}

func TestJournal_UnknownRequestOutcomeIsLogged(t *testing.T) {
	logs := captureLogs(t)
	db := newTestDB(t)
	j := NewJournal(db)

	j.RecordModeOutcome("missing", "accepted", "", t0)
	j.Close()

	found := false
	for _, l := range logs() {
		if strings.HasPrefix(l, "ERROR: journal write failed") && strings.Contains(l, "missing") {
			found = true
		}
	}
	assert.True(t, found, "logs: %v", logs())
}

func TestJournal_DropsAfterClose(t *testing.T) {
	db := newTestDB(t)
	j := NewJournal(db)
	j.Close()
	j.Close()

	j.RecordWaypoint(1, 1, t0)
	assert.Equal(t, uint64(1), j.Dropped())

	events, err := db.WaypointEvents(context.Background(), HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestJournal_SessionsAreSeparate(t *testing.T) {
	db := newTestDB(t)
	a := NewJournal(db, WithSessionID("a"))
	a.RecordWaypoint(1, 1, t0)
	a.RecordWaypoint(2, 2, t0.Add(time.Second))
	a.Close()
	b := NewJournal(db, WithSessionID("b"))
	b.RecordWaypoint(1, 1, t0.Add(time.Hour))
	b.Close()

	ctx := context.Background()
	events, err := db.WaypointEvents(ctx, HistoryFilter{SessionID: "a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Seq)

	sessions, err := db.Sessions(ctx)
	require.NoError(t, err)
	want := []Session{
		{SessionID: "b", Waypoints: 1, FirstAt: t0.Add(time.Hour), LastAt: t0.Add(time.Hour)},
		{SessionID: "a", Waypoints: 2, FirstAt: t0, LastAt: t0.Add(time.Second)},
	}
	if diff := cmp.Diff(want, sessions); diff != "" {
		t.Errorf("sessions mismatch (-want +got):\n%s", diff)
	}
}

func TestJournal_GeneratedSessionIDsDiffer(t *testing.T) {
	db := newTestDB(t)
	a := NewJournal(db)
	b := NewJournal(db)
	defer a.Close()
	defer b.Close()
	assert.NotEqual(t, a.SessionID(), b.SessionID())
	assert.Len(t, a.SessionID(), 36)
}
