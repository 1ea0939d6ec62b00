// Package export writes journaled sessions to JSON files for offline review.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/banshee-data/waypoint-counter/internal/db"
	"github.com/banshee-data/waypoint-counter/internal/fsutil"
	"github.com/banshee-data/waypoint-counter/internal/monitoring"
	"github.com/banshee-data/waypoint-counter/internal/security"
	"github.com/banshee-data/waypoint-counter/internal/timeutil"
)

// ErrNoSession is returned when there is nothing journaled to export.
var ErrNoSession = errors.New("no journaled session")

// maxRows bounds each history table in one export.
const maxRows = 1_000_000

// Session is the document written for one journaled session. Waypoints and
// mode requests are in flight order.
type Session struct {
	SessionID    string             `json:"session_id"`
	ExportedAt   time.Time          `json:"exported_at"`
	Waypoints    []db.WaypointEvent `json:"waypoints"`
	ModeRequests []db.ModeRequest   `json:"mode_requests"`
	Legs         db.LegStats        `json:"legs"`
}

// Writer exports sessions from a journal database into Dir.
type Writer struct {
	DB    *db.DB
	FS    fsutil.FileSystem
	Dir   string
	Clock timeutil.Clock
}

// NewWriter returns a Writer using the OS filesystem and real clock.
func NewWriter(database *db.DB, dir string) *Writer {
	return &Writer{DB: database, FS: fsutil.OSFileSystem{}, Dir: dir, Clock: timeutil.RealClock{}}
}

// Collect gathers one session. An empty sessionID selects the latest.
func (w *Writer) Collect(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		latest, err := w.DB.LatestSessionID(ctx)
		if err != nil {
			return Session{}, fmt.Errorf("find latest session: %w", err)
		}
		if latest == "" {
			return Session{}, ErrNoSession
		}
		sessionID = latest
	}

	filter := db.HistoryFilter{SessionID: sessionID, Limit: maxRows}
	events, err := w.DB.WaypointEvents(ctx, filter)
	if err != nil {
		return Session{}, fmt.Errorf("load waypoint events: %w", err)
	}
	requests, err := w.DB.ModeRequests(ctx, filter)
	if err != nil {
		return Session{}, fmt.Errorf("load mode requests: %w", err)
	}
	if len(events) == 0 && len(requests) == 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	slices.Reverse(events)
	slices.Reverse(requests)

	legs, err := w.DB.SessionLegStats(ctx, sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("compute legs: %w", err)
	}

	return Session{
		SessionID:    sessionID,
		ExportedAt:   w.Clock.Now().UTC(),
		Waypoints:    events,
		ModeRequests: requests,
		Legs:         legs,
	}, nil
}

// WriteSession collects a session and writes it to Dir as
// <session>.json, returning the path written.
func (w *Writer) WriteSession(ctx context.Context, sessionID string) (string, error) {
	s, err := w.Collect(ctx, sessionID)
	if err != nil {
		return "", err
	}

	path := filepath.Join(w.Dir, security.SanitizeFilename(s.SessionID)+".json")
	if err := security.ValidatePathWithinDirectory(path, w.Dir); err != nil {
		return "", err
	}
	if err := w.FS.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	f, err := w.FS.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		return "", fmt.Errorf("encode session: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}

	monitoring.Infof("exported session %s (%d waypoints, %d mode requests) to %s",
		s.SessionID, len(s.Waypoints), len(s.ModeRequests), path)
	return path, nil
}
