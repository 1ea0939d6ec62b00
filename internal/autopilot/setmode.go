package autopilot

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/waypoint-counter/internal/timeutil"
)

var (
	// ErrTransport wraps failures writing a request to the link.
	ErrTransport = errors.New("transport error")
	// ErrTimeout is reported when no response arrived within the client
	// timeout.
	ErrTimeout = errors.New("set_mode request timed out")
	// ErrDisconnected is reported for calls outstanding when the link closed.
	ErrDisconnected = errors.New("autopilot link disconnected")
)

// SetModeClient issues asynchronous set_mode service calls over a Node's
// link. SendAsync and every completion callback run on the node's loop.
type SetModeClient struct {
	node    *Node
	clock   timeutil.Clock
	timeout time.Duration
	newID   func() string

	pending map[string]*pendingCall
	order   []string
}

type pendingCall struct {
	req   SetModeRequest
	done  func(SetModeResponse, error)
	timer timeutil.Timer
}

// ClientOption configures a SetModeClient.
type ClientOption func(*SetModeClient)

// WithTimeout fails calls that have no response after d. Zero disables the
// timeout, leaving unanswered calls pending until the link closes.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *SetModeClient) { c.timeout = d }
}

// WithClock replaces the clock used for timeouts.
func WithClock(clock timeutil.Clock) ClientOption {
	return func(c *SetModeClient) { c.clock = clock }
}

// NewSetModeClient attaches a client to the node. Call before Run.
func NewSetModeClient(n *Node, opts ...ClientOption) *SetModeClient {
	c := &SetModeClient{
		node:    n,
		clock:   timeutil.RealClock{},
		newID:   uuid.NewString,
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	n.clients = append(n.clients, c)
	return c
}

// SendAsync sends req without blocking and returns the request ID. done is
// invoked exactly once on the loop when a response, service error, write
// failure, timeout or disconnect settles the call; never before SendAsync
// returns. A call that is never answered (and has no timeout) never
// completes.
func (c *SetModeClient) SendAsync(req SetModeRequest, done func(SetModeResponse, error)) string {
	if req.ID == "" {
		req.ID = c.newID()
	}
	id := req.ID

	call := &pendingCall{req: req, done: done}
	c.pending[id] = call
	c.order = append(c.order, id)

	line, err := Encode(req)
	if err != nil {
		go c.node.Post(func() { c.complete(id, SetModeResponse{}, err) })
		return id
	}

	if c.timeout > 0 {
		call.timer = c.clock.AfterFunc(c.timeout, func() {
			c.node.Post(func() {
				c.complete(id, SetModeResponse{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout))
			})
		})
	}

	go func() {
		if err := c.node.link.SendCommand(line); err != nil {
			c.node.Post(func() {
				c.complete(id, SetModeResponse{}, fmt.Errorf("%w: %v", ErrTransport, err))
			})
		}
	}()

	return id
}

// Pending returns the number of calls awaiting completion. Loop only.
func (c *SetModeClient) Pending() int {
	return len(c.pending)
}

// handleFrame settles the call a response or service error belongs to.
// Frames without an ID settle the oldest outstanding call.
func (c *SetModeClient) handleFrame(f Frame) bool {
	var id string
	switch v := f.(type) {
	case SetModeResponse:
		id = v.ID
	case ServiceError:
		id = v.ID
	default:
		return false
	}

	if id == "" {
		if len(c.order) == 0 {
			return false
		}
		id = c.order[0]
	}

	switch v := f.(type) {
	case SetModeResponse:
		v.ID = id
		return c.complete(id, v, nil)
	case ServiceError:
		v.ID = id
		return c.complete(id, SetModeResponse{}, v)
	}
	return false
}

// complete settles a pending call; later settlements of the same ID are
// ignored.
func (c *SetModeClient) complete(id string, resp SetModeResponse, err error) bool {
	call, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	for i, pid := range c.order {
		if pid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	if call.done != nil {
		call.done(resp, err)
	}
	return true
}

func (c *SetModeClient) failAll(err error) {
	for len(c.order) > 0 {
		c.complete(c.order[0], SetModeResponse{}, err)
	}
}
