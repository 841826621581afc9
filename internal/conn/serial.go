package conn

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the NMEA-0183 standard rate.
const DefaultBaudRate = 9600

// serialReadTimeout bounds a single Read so a closed port is noticed promptly.
const serialReadTimeout = 200 * time.Millisecond

// SerialSource opens a UART GPS at a fixed baud rate, 8N1.
type SerialSource struct {
	Path     string
	BaudRate int
}

func (s SerialSource) Name() string { return s.Path }

func (s SerialSource) Open() (io.ReadCloser, error) {
	baud := s.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := OpenSerial(s.Path, baud)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// OpenSerial opens path at baud, 8N1, with a short read timeout so reads
// return (0, nil) while the line is idle.
func OpenSerial(path string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return port, nil
}
