package master

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPort is the byte-stream interface the driver needs from a serial
// handle. go.bug.st/serial ports satisfy it; tests substitute loopback
// fakes.
type SerialPort interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long a Read blocks waiting for the first
	// byte. A timed-out Read returns 0 bytes and no error.
	SetReadTimeout(t time.Duration) error
}

// Opener opens a serial handle for a port name at a baud rate.
type Opener func(portName string, baudRate int) (SerialPort, error)

// OpenSerial is the default Opener: 8 data bits, no parity, one stop bit,
// no flow control.
func OpenSerial(portName string, baudRate int) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}

	return port, nil
}
