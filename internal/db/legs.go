package db

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Leg is the flight between two consecutive waypoint events of a session.
type Leg struct {
	Index     int       `json:"index"`
	FromSeq   int       `json:"from_wp_seq"`
	ToSeq     int       `json:"to_wp_seq"`
	StartedAt time.Time `json:"started_at"`
	Seconds   float64   `json:"seconds"`
}

// LegStats summarises leg durations in seconds.
type LegStats struct {
	SessionID string  `json:"session_id"`
	Count     int     `json:"count"`
	Mean      float64 `json:"mean_s"`
	StdDev    float64 `json:"stddev_s"`
	Min       float64 `json:"min_s"`
	Max       float64 `json:"max_s"`
	P50       float64 `json:"p50_s"`
	P95       float64 `json:"p95_s"`
	Legs      []Leg   `json:"legs"`
}

// LatestSessionID returns the session with the most recent waypoint event,
// or "" when nothing has been journaled.
func (db *DB) LatestSessionID(ctx context.Context) (string, error) {
	var id string
	err := db.QueryRowContext(ctx,
		`SELECT session_id FROM waypoint_events ORDER BY event_id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// Legs returns the legs of one session in flight order.
func (db *DB) Legs(ctx context.Context, sessionID string) ([]Leg, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT wp_seq, reached_unix
		FROM waypoint_events
		WHERE session_id = ?
		ORDER BY event_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	legs := []Leg{}
	var (
		prevSeq  int
		prevAt   float64
		havePrev bool
	)
	for rows.Next() {
		var (
			seq int
			at  float64
		)
		if err := rows.Scan(&seq, &at); err != nil {
			return nil, err
		}
		if havePrev {
			legs = append(legs, Leg{
				Index:     len(legs) + 1,
				FromSeq:   prevSeq,
				ToSeq:     seq,
				StartedAt: fromUnixSeconds(prevAt),
				Seconds:   at - prevAt,
			})
		}
		prevSeq, prevAt, havePrev = seq, at, true
	}
	return legs, rows.Err()
}

// SessionLegStats computes leg statistics for a session. An empty sessionID
// selects the latest session.
func (db *DB) SessionLegStats(ctx context.Context, sessionID string) (LegStats, error) {
	if sessionID == "" {
		var err error
		if sessionID, err = db.LatestSessionID(ctx); err != nil {
			return LegStats{}, err
		}
	}
	legs, err := db.Legs(ctx, sessionID)
	if err != nil {
		return LegStats{}, err
	}
	stats := SummariseLegs(legs)
	stats.SessionID = sessionID
	return stats, nil
}

// SummariseLegs computes duration statistics. Every field is zero when legs
// is empty, and StdDev is zero for a single leg.
func SummariseLegs(legs []Leg) LegStats {
	s := LegStats{Count: len(legs), Legs: legs}
	if len(legs) == 0 {
		s.Legs = []Leg{}
		return s
	}

	x := make([]float64, len(legs))
	for i, l := range legs {
		x[i] = l.Seconds
	}
	sort.Float64s(x)

	s.Mean, s.StdDev = stat.MeanStdDev(x, nil)
	if len(x) < 2 {
		s.StdDev = 0
	}
	s.Min = floats.Min(x)
	s.Max = floats.Max(x)
	s.P50 = stat.Quantile(0.5, stat.Empirical, x, nil)
	s.P95 = stat.Quantile(0.95, stat.Empirical, x, nil)
	return s
}
