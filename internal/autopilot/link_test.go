package autopilot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/waypoint-counter/internal/monitoring"
)

// fakeLink is an in-memory Link.
type fakeLink struct {
	mu           sync.Mutex
	lines        chan string
	sent         chan string
	sendErr      error
	unsubscribed bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		lines: make(chan string, 64),
		sent:  make(chan string, 64),
	}
}

func (l *fakeLink) Subscribe() (string, chan string) { return "sub-1", l.lines }

func (l *fakeLink) Unsubscribe(string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unsubscribed = true
}

func (l *fakeLink) SendCommand(cmd string) error {
	l.mu.Lock()
	err := l.sendErr
	l.mu.Unlock()
	l.sent <- cmd
	return err
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *fakeLink) nextSent(t *testing.T) string {
	t.Helper()
	select {
	case cmd := <-l.sent:
		return cmd
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a command on the link")
		return ""
	}
}

// runNode starts the loop and stops it when the test ends.
func runNode(t *testing.T, n *Node) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- n.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return done
}

// onLoop runs fn on the node's loop and waits for it.
func onLoop(t *testing.T, n *Node, fn func()) {
	t.Helper()
	finished := make(chan struct{})
	require.True(t, n.Post(func() {
		fn()
		close(finished)
	}), "node stopped")
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for loop task")
	}
}

// captureLogs redirects monitoring output for the duration of the test.
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
