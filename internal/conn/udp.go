package conn

import (
	"fmt"
	"io"
	"net"
)

const maxDatagram = 65535

// UDPSource listens for NMEA datagrams from a serial-to-network bridge. Each
// datagram is already one or more whole sentences, so a terminator is
// appended when the sender omits it.
type UDPSource struct {
	Addr string // e.g. ":10110"
}

func (s UDPSource) Name() string { return s.Addr }

func (s UDPSource) Open() (io.ReadCloser, error) {
	addr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", s.Addr, err)
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	return newDatagramReader(pc), nil
}

// datagramReader turns a packet socket into a byte stream, one datagram at a
// time, each ending in '\n'.
type datagramReader struct {
	pc      net.PacketConn
	buf     []byte
	pending []byte
}

func newDatagramReader(pc net.PacketConn) *datagramReader {
	return &datagramReader{pc: pc, buf: make([]byte, maxDatagram+1)}
}

func (r *datagramReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		n, _, err := r.pc.ReadFrom(r.buf[:maxDatagram])
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
		d := r.buf[:n]
		if d[n-1] != '\n' {
			d = append(d, '\n')
		}
		r.pending = d
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *datagramReader) Close() error { return r.pc.Close() }
