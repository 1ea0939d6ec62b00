// Serialmux provides an abstraction over the autopilot link with the ability
// for multiple clients to subscribe to lines read from the link and send
// commands to the single device on the other end.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/waypoint-counter/internal/monitoring"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// ErrClosed is returned by SendCommand once the mux has been closed.
var ErrClosed = errors.New("serial mux closed")

// DefaultSubscriberDepth is the per-subscriber line buffer. Lines are only
// dropped for a subscriber whose buffer is full.
const DefaultSubscriberDepth = 64

// DefaultMaxLineLength bounds a single link line. Longer lines are discarded
// and reading carries on with the next line.
const DefaultMaxLineLength = 64 * 1024

// errLineTooLong is reported by readLine for a discarded line.
var errLineTooLong = errors.New("line too long")

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!DOCTYPE html>
<html>
<head><title>Autopilot link</title></head>
<body>
<h1>Autopilot link</h1>
<form method="POST" action="send-command-api">
<input type="text" name="command" size="80" placeholder='{"type":"set_mode","custom_mode":"GUIDED"}'>
<button type="submit">Send</button>
</form>
<h2>Live tail</h2>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
new EventSource("tail").onmessage = (e) => { tail.textContent += e.data + "\n"; };
</script>
</body>
</html>
`))

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single link.
type SerialMux[T SerialPorter] struct {
	port         T
	portMu       sync.RWMutex
	depth        int
	maxLine      int
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
	dropped      atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving line events from the
	// link. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command line to the link.
	SendCommand(string) error
	// Monitor reads lines from the link and sends them to the subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the port.
	Close() error
	// Dropped reports how many lines were discarded because a subscriber's
	// buffer was full.
	Dropped() uint64

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// Option configures a SerialMux.
type Option func(*muxOptions)

type muxOptions struct {
	depth   int
	maxLine int
}

// WithSubscriberDepth sets the buffer size of each subscriber channel.
func WithSubscriberDepth(n int) Option {
	return func(o *muxOptions) {
		if n > 0 {
			o.depth = n
		}
	}
}

// WithMaxLineLength sets the longest line Monitor delivers.
func WithMaxLineLength(n int) Option {
	return func(o *muxOptions) {
		if n > 0 {
			o.maxLine = n
		}
	}
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	o := muxOptions{depth: DefaultSubscriberDepth, maxLine: DefaultMaxLineLength}
	for _, opt := range opts {
		opt(&o)
	}
	return &SerialMux[T]{
		port:        port,
		depth:       o.depth,
		maxLine:     o.maxLine,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a buffered channel for link lines. After Close the
// returned channel is already closed so callers never block.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, s.depth)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()

	if s.isClosing() {
		close(ch)
		return id, ch
	}

	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes one newline-terminated command to the link.
func (s *SerialMux[T]) SendCommand(command string) error {
	if s.isClosing() {
		return ErrClosed
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.currentPort().Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Dropped reports the number of lines discarded for slow subscribers.
func (s *SerialMux[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Monitor reads the link line by line and fans each line out to subscribers
// until the context is cancelled, the link reaches EOF or a read fails.
// Lines longer than the maximum line length are logged and skipped.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	r := bufio.NewReader(s.currentPort())

	lineChan := make(chan string)
	readErrChan := make(chan error, 1)

	// the blocking read runs on its own goroutine so the outer loop can
	// still observe context cancellation.
	go func() {
		defer close(lineChan)
		for {
			line, err := readLine(r, s.maxLine)
			if errors.Is(err, errLineTooLong) {
				monitoring.Warnf("serialmux: discarded line longer than %d bytes", s.maxLine)
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErrChan <- err
				}
				return
			}
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			return s.readErr(err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-readErrChan:
					return s.readErr(err)
				default:
					return nil
				}
			}
			if s.isClosing() {
				return nil
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			s.broadcast(line)
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed in full and reported as errLineTooLong.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		if !tooLong {
			if len(buf)+len(chunk) > limit {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			break
		}
	}
	if tooLong {
		return "", errLineTooLong
	}
	return string(buf), nil
}

func (s *SerialMux[T]) currentPort() T {
	s.portMu.RLock()
	defer s.portMu.RUnlock()
	return s.port
}

// Reattach swaps in a freshly opened port after the previous one failed and
// closes the old one. Subscribers are kept, so a new Monitor call resumes
// delivery to them. After Close the new port is closed and ErrClosed returned.
func (s *SerialMux[T]) Reattach(port T) error {
	if s.isClosing() {
		port.Close()
		return ErrClosed
	}
	s.commandMu.Lock()
	s.portMu.Lock()
	old := s.port
	s.port = port
	s.portMu.Unlock()
	s.commandMu.Unlock()

	if err := old.Close(); err != nil {
		monitoring.Logf("serialmux: closing replaced port: %v", err)
	}
	return nil
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// readErr hides the read error a port returns after Close.
func (s *SerialMux[T]) readErr(err error) error {
	if s.isClosing() {
		return nil
	}
	return err
}

func (s *SerialMux[T]) broadcast(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// never block the read loop on a slow subscriber
			s.dropped.Add(1)
			monitoring.Warnf("serialmux: subscriber %s full, dropped line %q", id, line)
		}
	}
}

// Close closes every subscriber channel and the underlying port. Calling it
// more than once is a no-op.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.currentPort().Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a raw frame to the autopilot link", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendCommandTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to autopilot link", command))
	})

	// Server-Sent Events mirror of every line read from the link.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
