package db

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/waypoint-counter/internal/monitoring"
)

// DefaultJournalDepth bounds the records waiting to be written.
const DefaultJournalDepth = 256

// Journal writes tracker records on a background goroutine so that the event
// loop never waits on sqlite. Records are dropped, with a warning, when the
// queue is full.
type Journal struct {
	db        *DB
	sessionID string

	mu      sync.RWMutex
	closed  bool
	records chan record
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type record func(ctx context.Context, db *DB, session string) error

// JournalOption configures a Journal.
type JournalOption func(*journalOptions)

type journalOptions struct {
	depth     int
	sessionID string
}

// WithJournalDepth sets the write queue size.
func WithJournalDepth(n int) JournalOption {
	return func(o *journalOptions) {
		if n > 0 {
			o.depth = n
		}
	}
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) JournalOption {
	return func(o *journalOptions) { o.sessionID = id }
}

// NewJournal starts the writer. Every record is tagged with one session ID
// per journal, normally one per process.
func NewJournal(db *DB, opts ...JournalOption) *Journal {
	o := journalOptions{depth: DefaultJournalDepth, sessionID: uuid.NewString()}
	for _, opt := range opts {
		opt(&o)
	}

	j := &Journal{
		db:        db,
		sessionID: o.sessionID,
		records:   make(chan record, o.depth),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// SessionID identifies this process's records.
func (j *Journal) SessionID() string {
	return j.sessionID
}

// Dropped reports records discarded because the queue was full or the
// journal was closed.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) run() {
	defer j.wg.Done()
	for rec := range j.records {
		if err := rec(context.Background(), j.db, j.sessionID); err != nil {
			monitoring.Errorf("journal write failed: %v", err)
		}
	}
}

func (j *Journal) enqueue(kind string, rec record) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.records <- rec:
	default:
		j.dropped.Add(1)
		monitoring.Warnf("journal queue full, dropped %s record", kind)
	}
}

// RecordWaypoint journals one waypoint_reached event.
func (j *Journal) RecordWaypoint(seq, completed int, at time.Time) {
	j.enqueue("waypoint", func(ctx context.Context, db *DB, session string) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO waypoint_events (session_id, wp_seq, completed, reached_unix) VALUES (?, ?, ?, ?)`,
			session, seq, completed, unixSeconds(at),
		)
		if err != nil {
			return fmt.Errorf("insert waypoint %d: %w", seq, err)
		}
		return nil
	})
}

// RecordModeRequest journals a set_mode request as it is sent.
func (j *Journal) RecordModeRequest(requestID, mode string, completed int, at time.Time) {
	j.enqueue("mode request", func(ctx context.Context, db *DB, session string) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO mode_requests (request_id, session_id, custom_mode, completed, requested_unix) VALUES (?, ?, ?, ?, ?)`,
			requestID, session, mode, completed, unixSeconds(at),
		)
		if err != nil {
			return fmt.Errorf("insert mode request %s: %w", requestID, err)
		}
		return nil
	})
}

// RecordModeOutcome settles a previously journaled request.
func (j *Journal) RecordModeOutcome(requestID, outcome, detail string, at time.Time) {
	j.enqueue("mode outcome", func(ctx context.Context, db *DB, _ string) error {
		res, err := db.ExecContext(ctx,
			`UPDATE mode_requests SET outcome = ?, detail = NULLIF(?, ''), settled_unix = ? WHERE request_id = ?`,
			outcome, detail, unixSeconds(at), requestID,
		)
		if err != nil {
			return fmt.Errorf("update mode request %s: %w", requestID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("mode request %s not journaled", requestID)
		}
		return nil
	})
}

// Close writes everything already queued and stops the writer. Records
// arriving afterwards are dropped.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.records)
	j.mu.Unlock()
	j.wg.Wait()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}
