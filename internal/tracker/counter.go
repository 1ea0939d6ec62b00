// Package tracker counts waypoint_reached events and switches the vehicle to
// GUIDED once the target count is reached.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/waypoint-counter/internal/autopilot"
	"github.com/banshee-data/waypoint-counter/internal/monitoring"
	"github.com/banshee-data/waypoint-counter/internal/timeutil"
)

// ErrStopped is returned by Status once the event loop has exited.
var ErrStopped = errors.New("tracker loop stopped")

// Outcomes recorded for a mode request.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// State is WAITING until the completed count reaches the target and
// TRIGGERED from then on.
type State int

const (
	StateWaiting State = iota
	StateTriggered
)

func (s State) String() string {
	if s == StateTriggered {
		return "TRIGGERED"
	}
	return "WAITING"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Dispatcher is the event loop the counter lives on.
type Dispatcher interface {
	OnWaypointReached(func(autopilot.WaypointReached))
	Post(func()) bool
}

// ModeClient sends set_mode requests without blocking.
type ModeClient interface {
	SendAsync(autopilot.SetModeRequest, func(autopilot.SetModeResponse, error)) string
}

// Journal persists what the counter observed. Implementations must not
// block.
type Journal interface {
	RecordWaypoint(seq, completed int, at time.Time)
	RecordModeRequest(requestID, mode string, completed int, at time.Time)
	RecordModeOutcome(requestID, outcome, detail string, at time.Time)
}

// Status is a point-in-time copy of the counter.
type Status struct {
	Target      int    `json:"target"`
	Completed   int    `json:"completed"`
	State       State  `json:"state"`
	Mode        string `json:"mode"`
	Requests    int    `json:"requests"`
	LastSeq     *int   `json:"last_wp_seq,omitempty"`
	LastOutcome string `json:"last_outcome,omitempty"`
}

// WaypointCounter bridges waypoint_reached events to a single GUIDED mode
// request. All fields are owned by the dispatcher's loop.
type WaypointCounter struct {
	target    int
	completed int

	loop    Dispatcher
	client  ModeClient
	journal Journal
	clock   timeutil.Clock

	requests    int
	lastSeq     *int
	lastOutcome string
}

// Option configures a WaypointCounter.
type Option func(*WaypointCounter)

// WithJournal records events and requests.
func WithJournal(j Journal) Option {
	return func(c *WaypointCounter) { c.journal = j }
}

// WithClock sets the clock used for journal timestamps.
func WithClock(clock timeutil.Clock) Option {
	return func(c *WaypointCounter) { c.clock = clock }
}

// New registers the counter on loop. target is not validated: zero or
// negative values trigger on the first event.
func New(target int, loop Dispatcher, client ModeClient, opts ...Option) *WaypointCounter {
	c := &WaypointCounter{
		target: target,
		loop:   loop,
		client: client,
		clock:  timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}

	monitoring.Infof("Total Waypoints: %d", target)
	loop.OnWaypointReached(c.HandleWaypointReached)
	return c
}

// HandleWaypointReached counts one event. Sequence numbers are logged but
// never checked for order or duplicates.
func (c *WaypointCounter) HandleWaypointReached(ev autopilot.WaypointReached) {
	c.completed++
	seq := ev.Seq
	c.lastSeq = &seq

	monitoring.Infof("Waypoint Reached: %d, Total Completed: %d", ev.Seq, c.completed)
	if c.journal != nil {
		c.journal.RecordWaypoint(ev.Seq, c.completed, c.clock.Now())
	}

	// No one-shot guard: every event at or past the target re-sends.
	if c.completed >= c.target {
		monitoring.Infof("Switching to Guided")
		c.RequestGuidedMode()
	}
}

// RequestGuidedMode fires a GUIDED set_mode request and returns immediately.
// The outcome is only logged.
func (c *WaypointCounter) RequestGuidedMode() {
	c.requests++
	req := autopilot.SetModeRequest{CustomMode: autopilot.GuidedMode}

	// done never runs before SendAsync returns, so id is set by then.
	var id string
	id = c.client.SendAsync(req, func(resp autopilot.SetModeResponse, err error) {
		c.handleModeResult(id, resp, err)
	})
	if c.journal != nil {
		c.journal.RecordModeRequest(id, req.CustomMode, c.completed, c.clock.Now())
	}
}

func (c *WaypointCounter) handleModeResult(id string, resp autopilot.SetModeResponse, err error) {
	var outcome, detail string
	switch {
	case err != nil:
		outcome, detail = OutcomeFailed, err.Error()
		monitoring.Errorf("Service call failed: %v", err)
	case resp.ModeSent:
		outcome = OutcomeAccepted
		monitoring.Infof("Successfully set mode to %s", autopilot.GuidedMode)
	default:
		outcome = OutcomeRejected
		monitoring.Warnf("Failed to set mode to %s", autopilot.GuidedMode)
	}

	c.lastOutcome = outcome
	if c.journal != nil {
		c.journal.RecordModeOutcome(id, outcome, detail, c.clock.Now())
	}
}

// State reports WAITING or TRIGGERED. Loop only.
func (c *WaypointCounter) State() State {
	if c.completed >= c.target {
		return StateTriggered
	}
	return StateWaiting
}

// Completed returns the number of events counted. Loop only.
func (c *WaypointCounter) Completed() int {
	return c.completed
}

func (c *WaypointCounter) snapshot() Status {
	s := Status{
		Target:      c.target,
		Completed:   c.completed,
		State:       c.State(),
		Mode:        autopilot.GuidedMode,
		Requests:    c.requests,
		LastOutcome: c.lastOutcome,
	}
	if c.lastSeq != nil {
		seq := *c.lastSeq
		s.LastSeq = &seq
	}
	return s
}

// Status copies the counter on the loop and waits for the result. Safe to
// call from any goroutine other than the loop itself.
func (c *WaypointCounter) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)
	if !c.loop.Post(func() { ch <- c.snapshot() }) {
		return Status{}, ErrStopped
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}
