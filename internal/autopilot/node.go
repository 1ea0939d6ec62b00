package autopilot

import (
	"context"
	"errors"

	"github.com/banshee-data/waypoint-counter/internal/monitoring"
)

// DefaultTaskDepth bounds the number of tasks waiting for the loop.
const DefaultTaskDepth = 64

// Link is the transport the node reads frames from and writes frames to.
// serialmux.SerialMuxInterface satisfies it.
type Link interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendCommand(string) error
}

// Node is the single-threaded event loop. Frame handlers, service
// completions and posted tasks all run on the goroutine executing Run, so
// state touched only from those callbacks needs no locking.
type Node struct {
	link  Link
	subID string
	lines chan string

	tasks chan func()
	done  chan struct{}

	waypointHandlers []func(WaypointReached)
	clients          []*SetModeClient
}

// NewNode subscribes to the link. Frames read before Run starts are buffered
// by the link subscription.
func NewNode(link Link) *Node {
	id, lines := link.Subscribe()
	return &Node{
		link:  link,
		subID: id,
		lines: lines,
		tasks: make(chan func(), DefaultTaskDepth),
		done:  make(chan struct{}),
	}
}

// OnWaypointReached registers fn for every waypoint_reached frame. Handlers
// must be registered before Run.
func (n *Node) OnWaypointReached(fn func(WaypointReached)) {
	n.waypointHandlers = append(n.waypointHandlers, fn)
}

// Post schedules fn to run on the loop. It reports false if the loop has
// already stopped. Post must not be called from the loop goroutine itself
// when the task queue may be full.
func (n *Node) Post(fn func()) bool {
	select {
	case <-n.done:
		return false
	default:
	}
	select {
	case n.tasks <- fn:
		return true
	case <-n.done:
		return false
	}
}

// Run dispatches frames and tasks in arrival order until ctx is cancelled or
// the link subscription closes. On link closure every outstanding service
// call fails with ErrDisconnected and Run returns nil.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-n.lines:
			if !ok {
				monitoring.Warnf("autopilot link closed")
				n.failPending()
				return nil
			}
			n.dispatch(line)

		case fn := <-n.tasks:
			fn()
		}
	}
}

// LinkLost fails every outstanding service call with ErrDisconnected while
// the loop keeps running, for a link that dropped but may come back. It
// reports false if the loop has stopped.
func (n *Node) LinkLost() bool {
	return n.Post(n.failPending)
}

func (n *Node) failPending() {
	for _, c := range n.clients {
		c.failAll(ErrDisconnected)
	}
}

// Close drops the link subscription.
func (n *Node) Close() {
	n.link.Unsubscribe(n.subID)
}

func (n *Node) dispatch(line string) {
	frame, err := Decode(line)
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			monitoring.Warnf("dropping link line: %v", err)
			return
		}
		monitoring.Logf("ignoring link line: %v", err)
		return
	}

	switch f := frame.(type) {
	case WaypointReached:
		for _, h := range n.waypointHandlers {
			h(f)
		}
	case SetModeResponse, ServiceError:
		for _, c := range n.clients {
			if c.handleFrame(f) {
				return
			}
		}
		monitoring.Warnf("unmatched %s frame: %s", f.FrameType(), line)
	default:
		// our own outbound frame type echoed back
		monitoring.Logf("ignoring %s frame", f.FrameType())
	}
}
