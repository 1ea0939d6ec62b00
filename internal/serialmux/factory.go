package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// openSerialPort is swapped out in tests.
var openSerialPort = func(path string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(path, mode)
}

// OpenRealPort opens the serial device at path with the given options. It is
// also used to reopen a port that failed, see SerialMux.Reattach.
func OpenRealPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := openSerialPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions, muxOpts ...Option) (*SerialMux[SerialPorter], error) {
	port, err := OpenRealPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port, muxOpts...), nil
}
