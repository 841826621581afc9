// Package gps turns framed NMEA lines into debounced channel values.
package gps

import (
	"errors"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/shaunagostinho/serialgps/internal/cache"
	"github.com/shaunagostinho/serialgps/internal/debuglog"
	"github.com/shaunagostinho/serialgps/internal/nmea"
	"github.com/shaunagostinho/serialgps/internal/sink"
)

// Channel ids written to the sink.
const (
	ChanConnection = "info.connection"
	ChanLatitude   = "gps.latitude"
	ChanLongitude  = "gps.longitude"
	ChanPosition   = "gps.position" // "{lon};{lat}"
	ChanLatLon     = "gps.latlon"   // "{lat};{lon}"
	ChanAltitude   = "gps.altitude"
	ChanFixQuality = "gps.fix_quality"
	ChanFixMode    = "gps.fix_mode"
	ChanSatellites = "gps.satellites"
	ChanHDOP       = "gps.hdop"
	ChanPDOP       = "gps.pdop"
	ChanVDOP       = "gps.vdop"
	ChanSpeedKnots = "gps.speed_knots"
	ChanSpeedKmh   = "gps.speed_kmh"
	ChanCourse     = "gps.course"
	ChanDate       = "gps.date"
	ChanTimestamp  = "gps.timestamp" // Unix milliseconds
)

// Publisher decodes lines from one source and forwards every resulting value
// through the debounce cache to the sink. It implements conn.Handler and is
// driven from a single goroutine.
type Publisher struct {
	session *nmea.Session
	cache   *cache.Cache
	sink    sink.Sink
	now     func() time.Time
}

func NewPublisher(s sink.Sink, c *cache.Cache) *Publisher {
	if c == nil {
		c = cache.New(cache.DefaultMaxAge)
	}
	return &Publisher{
		session: nmea.NewSession(),
		cache:   c,
		sink:    s,
		now:     time.Now,
	}
}

// HandleLine decodes one line and publishes its values. Unknown sentence
// types are ignored. Malformed lines are logged and returned as errors; they
// never affect later lines.
func (p *Publisher) HandleLine(line string) error {
	ups, err := p.session.DecodeLine(line)
	if err != nil {
		switch {
		case errors.Is(err, nmea.ErrUnknownSentence):
			debuglog.Printf("[gps] ignored: %v", err)
			return nil
		case errors.Is(err, nmea.ErrNotSentence):
			debuglog.Printf("[gps] not a sentence: %q", line)
		default:
			log.Printf("[gps] dropped %q: %v", line, err)
		}
		return err
	}
	for _, u := range ups {
		p.publish(u)
	}
	return nil
}

// SetConnected publishes transport-level connectivity. Protocol-level
// signals from GGA and RMC go through the same channel; the most recent wins.
func (p *Publisher) SetConnected(connected bool) {
	p.emit(ChanConnection, connected)
}

func (p *Publisher) publish(u nmea.Update) {
	switch v := u.(type) {
	case nmea.Position:
		lat, lon := round6(v.Lat), round6(v.Lon)
		p.emit(ChanLatitude, lat)
		p.emit(ChanLongitude, lon)
		p.emit(ChanPosition, formatFloat(lon)+";"+formatFloat(lat))
		p.emit(ChanLatLon, formatFloat(lat)+";"+formatFloat(lon))
	case nmea.Fix:
		p.emit(ChanFixQuality, v.Quality)
		p.emit(ChanSatellites, v.Satellites)
		p.emit(ChanHDOP, v.HDOP)
		p.emit(ChanAltitude, v.Altitude)
	case nmea.Velocity:
		p.emit(ChanSpeedKnots, v.Knots)
		p.emit(ChanSpeedKmh, v.Kmh)
		p.emit(ChanCourse, v.Course)
	case nmea.Dilution:
		p.emit(ChanFixMode, v.FixMode)
		p.emit(ChanPDOP, v.PDOP)
		p.emit(ChanHDOP, v.HDOP)
		p.emit(ChanVDOP, v.VDOP)
	case nmea.DateTag:
		p.emit(ChanDate, v.DDMMYY)
	case nmea.FixTime:
		p.emit(ChanTimestamp, v.At.UnixMilli())
	case nmea.ConnectionSignal:
		p.emit(ChanConnection, v.Connected)
	}
}

func (p *Publisher) emit(id string, value any) {
	if !p.cache.ShouldEmit(id, value) {
		return
	}
	if err := p.sink.Set(id, value, p.now()); err != nil {
		log.Printf("[gps] sink %s: %v", id, err)
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
