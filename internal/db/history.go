package db

import (
	"context"
	"database/sql"
	"time"
)

// DefaultHistoryLimit caps history queries when no limit is given.
const DefaultHistoryLimit = 500

// WaypointEvent is one journaled waypoint_reached event.
type WaypointEvent struct {
	EventID   int64     `json:"event_id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"wp_seq"`
	Completed int       `json:"completed"`
	ReachedAt time.Time `json:"reached_at"`
}

// ModeRequest is one journaled set_mode request and, once settled, its
// outcome.
type ModeRequest struct {
	RequestID   string     `json:"request_id"`
	SessionID   string     `json:"session_id"`
	CustomMode  string     `json:"custom_mode"`
	Completed   int        `json:"completed"`
	RequestedAt time.Time  `json:"requested_at"`
	Outcome     string     `json:"outcome,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// HistoryFilter narrows history queries. The zero value returns the most
// recent DefaultHistoryLimit rows across all sessions.
type HistoryFilter struct {
	SessionID string
	Limit     int
}

func (f HistoryFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultHistoryLimit
	}
	return f.Limit
}

// WaypointEvents returns events newest first.
func (db *DB) WaypointEvents(ctx context.Context, f HistoryFilter) ([]WaypointEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT event_id, session_id, wp_seq, completed, reached_unix
		FROM waypoint_events
		WHERE (? = '' OR session_id = ?)
		ORDER BY event_id DESC
		LIMIT ?`,
		f.SessionID, f.SessionID, f.limit(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []WaypointEvent{}
	for rows.Next() {
		var (
			ev      WaypointEvent
			reached float64
		)
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.Seq, &ev.Completed, &reached); err != nil {
			return nil, err
		}
		ev.ReachedAt = fromUnixSeconds(reached)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ModeRequests returns requests newest first.
func (db *DB) ModeRequests(ctx context.Context, f HistoryFilter) ([]ModeRequest, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT request_id, session_id, custom_mode, completed, requested_unix, outcome, detail, settled_unix
		FROM mode_requests
		WHERE (? = '' OR session_id = ?)
		ORDER BY requested_unix DESC, rowid DESC
		LIMIT ?`,
		f.SessionID, f.SessionID, f.limit(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := []ModeRequest{}
	for rows.Next() {
		var (
			req       ModeRequest
			requested float64
			outcome   sql.NullString
			detail    sql.NullString
			settled   sql.NullFloat64
		)
		if err := rows.Scan(&req.RequestID, &req.SessionID, &req.CustomMode, &req.Completed,
			&requested, &outcome, &detail, &settled); err != nil {
			return nil, err
		}
		req.RequestedAt = fromUnixSeconds(requested)
		req.Outcome = outcome.String
		req.Detail = detail.String
		if settled.Valid {
			t := fromUnixSeconds(settled.Float64)
			req.SettledAt = &t
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// Session summarises one process run.
type Session struct {
	SessionID string    `json:"session_id"`
	Waypoints int       `json:"waypoints"`
	FirstAt   time.Time `json:"first_at"`
	LastAt    time.Time `json:"last_at"`
}

// Sessions lists sessions with at least one waypoint event, most recent
// first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(reached_unix), MAX(reached_unix)
		FROM waypoint_events
		GROUP BY session_id
		ORDER BY MAX(event_id) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var (
			s           Session
			first, last float64
		)
		if err := rows.Scan(&s.SessionID, &s.Waypoints, &first, &last); err != nil {
			return nil, err
		}
		s.FirstAt = fromUnixSeconds(first)
		s.LastAt = fromUnixSeconds(last)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
