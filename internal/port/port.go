// Package port enumerates serial devices and probes them for NMEA output.
package port

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/serialgps/internal/conn"
	"github.com/shaunagostinho/serialgps/internal/debuglog"
)

// BaudRates are tried in order by DetectBaudRate.
var BaudRates = []int{4800, 9600, 19200, 38400, 57600, 115200}

// DefaultWindow is how long Test listens before giving up.
const DefaultWindow = 2 * time.Second

var markers = [][]byte{
	[]byte("$GPGGA"),
	[]byte("$GPRMC"),
	[]byte("$GNGGA"),
	[]byte("$GNRMC"),
}

// List returns the serial device paths present on this host.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	if ports == nil {
		ports = []string{}
	}
	return ports, nil
}

// Opener opens path at baud for reading.
type Opener func(path string, baud int) (io.ReadCloser, error)

// Guard gives a probe exclusive use of a device path. conn.Manager
// implements it by pausing its own connection when the paths match.
type Guard interface {
	Probe(ctx context.Context, path string, fn func(context.Context) error) error
}

// Prober checks whether a device emits NMEA at a given baud rate.
type Prober struct {
	Open   Opener
	Window time.Duration
	Guard  Guard // optional
}

func NewProber(g Guard) *Prober {
	return &Prober{
		Open: func(path string, baud int) (io.ReadCloser, error) {
			return conn.OpenSerial(path, baud)
		},
		Window: DefaultWindow,
		Guard:  g,
	}
}

// Test reports whether path produces a recognizable GGA or RMC sentence at
// baud within the listen window.
func (p *Prober) Test(ctx context.Context, path string, baud int) bool {
	var ok bool
	p.guarded(ctx, path, func(ctx context.Context) error {
		ok = p.test(ctx, path, baud)
		return nil
	})
	return ok
}

// DetectBaudRate tries each of BaudRates in order and returns the first that
// passes Test.
func (p *Prober) DetectBaudRate(ctx context.Context, path string) (int, bool) {
	var found int
	p.guarded(ctx, path, func(ctx context.Context) error {
		for _, baud := range BaudRates {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.test(ctx, path, baud) {
				found = baud
				return nil
			}
		}
		return nil
	})
	if found == 0 {
		log.Printf("[port] %s: no NMEA output at any baud rate", path)
		return 0, false
	}
	log.Printf("[port] %s: detected %d baud", path, found)
	return found, true
}

func (p *Prober) guarded(ctx context.Context, path string, fn func(context.Context) error) {
	if p.Guard == nil {
		fn(ctx)
		return
	}
	if err := p.Guard.Probe(ctx, path, fn); err != nil {
		debuglog.Printf("[port] probe %s: %v", path, err)
	}
}

func (p *Prober) test(ctx context.Context, path string, baud int) bool {
	rc, err := p.Open(path, baud)
	if err != nil {
		debuglog.Printf("[port] open %s at %d: %v", path, baud, err)
		return false
	}

	window := p.Window
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	// Closing the port is what unblocks a pending Read when the window ends.
	var once sync.Once
	release := func() { once.Do(func() { rc.Close() }) }
	defer release()
	go func() {
		<-ctx.Done()
		release()
	}()

	buf := make([]byte, 256)
	var acc []byte
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if hasMarker(acc) {
				debuglog.Printf("[port] %s: NMEA at %d baud", path, baud)
				return true
			}
			// Keep enough of the tail to catch a marker split across reads.
			if len(acc) > 64 {
				acc = append(acc[:0], acc[len(acc)-8:]...)
			}
		}
		if err != nil || ctx.Err() != nil {
			return false
		}
	}
}

func hasMarker(b []byte) bool {
	for _, m := range markers {
		if bytes.Contains(b, m) {
			return true
		}
	}
	return false
}
