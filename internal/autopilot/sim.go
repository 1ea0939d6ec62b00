package autopilot

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/waypoint-counter/internal/monitoring"
	"github.com/banshee-data/waypoint-counter/internal/timeutil"
)

// SimulatorConfig controls the dev-mode autopilot.
type SimulatorConfig struct {
	// Interval between waypoint_reached frames.
	Interval time.Duration
	// FirstSeq is the wp_seq of the first frame.
	FirstSeq int
	// Waypoints stops emitting after this many frames. Zero means forever.
	Waypoints int
	// RejectModes lists custom modes answered with mode_sent=false.
	RejectModes []string
	// Clock drives the interval ticker.
	Clock timeutil.Clock
}

// Simulator is an io.ReadWriteCloser standing in for the serial link to a
// flying vehicle. It flies a mission by emitting waypoint_reached frames on a
// ticker and answers every set_mode frame written to it.
type Simulator struct {
	cfg SimulatorConfig
	r   *io.PipeReader
	w   *io.PipeWriter

	responses chan string
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	partial bytes.Buffer
	closed  bool
	modes   []string
}

// NewSimulator starts the simulated vehicle.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	r, w := io.Pipe()
	s := &Simulator{
		cfg:       cfg,
		r:         r,
		w:         w,
		responses: make(chan string, 16),
		stop:      make(chan struct{}),
	}
	ticker := cfg.Clock.NewTicker(cfg.Interval)
	s.wg.Add(1)
	go s.fly(ticker)
	return s
}

func (s *Simulator) fly(ticker timeutil.Ticker) {
	defer s.wg.Done()
	defer s.w.Close()
	defer ticker.Stop()

	seq := s.cfg.FirstSeq
	emitted := 0
	for {
		select {
		case <-s.stop:
			return
		case line := <-s.responses:
			if !s.emit(line) {
				return
			}
		case <-ticker.C():
			if s.cfg.Waypoints > 0 && emitted >= s.cfg.Waypoints {
				continue
			}
			line, _ := Encode(WaypointReached{Seq: seq})
			if !s.emit(line) {
				return
			}
			seq++
			emitted++
		}
	}
}

func (s *Simulator) emit(line string) bool {
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		return false
	}
	return true
}

// Read returns frames emitted by the simulated vehicle.
func (s *Simulator) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Write accepts command lines. set_mode frames are answered on the read
// side; anything else is logged and ignored.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.New("simulator closed")
	}
	s.partial.Write(p)
	var lines []string
	for {
		i := bytes.IndexByte(s.partial.Bytes(), '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(s.partial.Next(i + 1)[:i]))
	}
	s.mu.Unlock()

	for _, line := range lines {
		s.handleCommand(line)
	}
	return len(p), nil
}

func (s *Simulator) handleCommand(line string) {
	frame, err := Decode(line)
	if err != nil {
		monitoring.Logf("simulator: ignoring command %q: %v", line, err)
		return
	}
	req, ok := frame.(SetModeRequest)
	if !ok {
		return
	}

	s.mu.Lock()
	s.modes = append(s.modes, req.CustomMode)
	s.mu.Unlock()

	accepted := true
	for _, m := range s.cfg.RejectModes {
		if strings.EqualFold(m, req.CustomMode) {
			accepted = false
		}
	}
	resp, _ := Encode(SetModeResponse{ID: req.ID, ModeSent: accepted})
	select {
	case s.responses <- resp:
	case <-s.stop:
	}
}

// Modes returns every custom mode requested so far.
func (s *Simulator) Modes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modes...)
}

// Close stops the vehicle; pending reads return io.EOF.
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	// unblocks an emit in progress; the read side then sees io.EOF
	s.w.Close()
	s.wg.Wait()
	return nil
}
