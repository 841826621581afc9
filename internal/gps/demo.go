package gps

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/serialgps/internal/nmea"
)

// DemoSource simulates a receiver driving in a circle, emitting RMC, GGA and
// GSA once per interval. It satisfies conn.Source.
type DemoSource struct {
	Interval time.Duration
}

func (DemoSource) Name() string { return "demo" }

func (d DemoSource) Open() (io.ReadCloser, error) {
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return newDemoStream(interval, time.Now), nil
}

type demoStream struct {
	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
	t       float64
	pending []byte
}

func newDemoStream(interval time.Duration, now func() time.Time) *demoStream {
	return &demoStream{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
		now:    now,
	}
}

func (s *demoStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		select {
		case <-s.done:
			return 0, io.EOF
		case <-s.ticker.C:
			s.pending = []byte(s.next(s.now().UTC()))
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *demoStream) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}

// next returns one RMC+GGA+GSA burst for the simulated position at ts.
func (s *demoStream) next(ts time.Time) string {
	s.t += 0.1

	// Simulate driving in a circle around a point
	centerLat := 43.6532 // Toronto
	centerLon := -79.3832
	radius := 0.005 // ~500m

	lat := centerLat + radius*math.Sin(s.t*0.1)
	lon := centerLon + radius*math.Cos(s.t*0.1)
	kmh := 50 + 30*math.Sin(s.t*0.3) + rand.Float64()*5
	course := math.Mod(s.t*10, 360)

	latF, ns := FormatCoord(lat, true)
	lonF, ew := FormatCoord(lon, false)
	hms := ts.Format("150405.00")

	var b strings.Builder
	writeSentence(&b, fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.2f,%.1f,%s,,,A",
		hms, latF, ns, lonF, ew, kmh/1.852, course, ts.Format("020106")))
	writeSentence(&b, fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,12,0.8,76.0,M,-34.0,M,,",
		hms, latF, ns, lonF, ew))
	writeSentence(&b, "GPGSA,A,3,02,05,07,09,13,15,18,20,24,27,29,30,1.5,0.8,1.2")
	return b.String()
}

func writeSentence(b *strings.Builder, payload string) {
	b.WriteString("$")
	b.WriteString(payload)
	b.WriteString("*")
	b.WriteString(nmea.Checksum(payload))
	b.WriteString("\r\n")
}

// FormatCoord renders decimal degrees as NMEA ddmm.mmmm (latitude) or
// dddmm.mmmm (longitude) plus the hemisphere letter.
func FormatCoord(dec float64, isLat bool) (string, string) {
	hemi := "N"
	if !isLat {
		hemi = "E"
	}
	if dec < 0 {
		dec = -dec
		if isLat {
			hemi = "S"
		} else {
			hemi = "W"
		}
	}
	deg := math.Floor(dec)
	mins := (dec - deg) * 60
	// Carry when minutes round up to 60.0000.
	if math.Round(mins*1e4) >= 60*1e4 {
		deg++
		mins = 0
	}
	if isLat {
		return fmt.Sprintf("%02d%07.4f", int(deg), mins), hemi
	}
	return fmt.Sprintf("%03d%07.4f", int(deg), mins), hemi
}
