package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a link port.
// This abstraction enables unit testing without real serial hardware and lets
// the autopilot simulator stand in for a telemetry radio.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
