package serialmux

import (
	"go.bug.st/serial"
)

// OpenRealPort opens the serial device at path with the given options.
func OpenRealPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return NewSerialMuxWith(OpenRealPort, path, opts)
}

// NewSerialMuxWith opens a port through opener and wraps it in a SerialMux.
func NewSerialMuxWith(opener SerialPortOpener, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := opener(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
