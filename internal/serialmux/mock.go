package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with scripted reads and captured
// writes. Reads block until data is added or the port is closed, which is how
// a quiet telemetry link behaves.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// ReadError is returned by the next Read call if set.
	ReadError error
	// WriteError is returned by every Write call while set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than it was given.
	ShortWrite bool
	// CloseError is returned by Close if set.
	CloseError error

	closed     bool
	eof        bool
	writeCalls int
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read returns buffered data, blocking while the buffer is empty.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return 0, errPortClosed
		}
		if p.ReadError != nil {
			err := p.ReadError
			p.ReadError = nil
			return 0, err
		}
		if p.readBuf.Len() > 0 {
			return p.readBuf.Read(b)
		}
		if p.eof {
			return 0, io.EOF
		}
		p.readCond.Wait()
	}
}

// Write captures data written to the port.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writeCalls++
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		return 0, p.WriteError
	}
	n, err := p.writeBuf.Write(b)
	if p.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port closed and wakes any blocked reader.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// AddReadData queues data for subsequent Read calls.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// AddLines queues each line followed by a newline.
func (p *TestableSerialPort) AddLines(lines ...string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	p.AddReadData([]byte(b.String()))
}

// SetError sets the error returned by the next Read.
func (p *TestableSerialPort) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadError = err
	p.readCond.Broadcast()
}

// SetWriteError sets the error returned by Write until cleared with nil.
func (p *TestableSerialPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.WriteError = err
}

// EndOfStream makes Read return io.EOF once the buffer drains.
func (p *TestableSerialPort) EndOfStream() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.eof = true
	p.readCond.Broadcast()
}

// WrittenLines returns every newline-terminated line written so far.
func (p *TestableSerialPort) WrittenLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := strings.TrimSuffix(p.writeBuf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// WriteCalls reports how many times Write was called.
func (p *TestableSerialPort) WriteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.writeCalls
}

// IsClosed reports whether Close was called.
func (p *TestableSerialPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}
