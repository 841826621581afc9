package nmea

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Update is one decoded fact. The concrete types are Position, Fix, Velocity,
// Dilution, FixTime, DateTag and ConnectionSignal.
type Update interface {
	update()
}

// Position is a decoded coordinate pair in decimal degrees.
type Position struct {
	Lat float64
	Lon float64
}

// Fix carries the GGA quality fields.
type Fix struct {
	Quality    int // 0=invalid, 1=GPS, 2=DGPS, ...
	Satellites int
	HDOP       float64
	Altitude   float64 // metres above mean sea level
}

// Velocity is ground speed and course from RMC.
type Velocity struct {
	Knots  float64
	Kmh    float64 // knots*1.852, two decimals
	Course float64 // degrees true
}

// Dilution carries the GSA DOP values and the fix mode ("2D", "3D" or the raw code).
type Dilution struct {
	PDOP    float64
	HDOP    float64
	VDOP    float64
	FixMode string
}

// FixTime is the absolute UTC time of a sentence.
type FixTime struct {
	At time.Time
}

// DateTag is the raw ddmmyy date field of an RMC sentence.
type DateTag struct {
	DDMMYY string
}

// ConnectionSignal reports whether the receiver currently has a fix.
type ConnectionSignal struct {
	Connected bool
}

func (Position) update()         {}
func (Fix) update()              {}
func (Velocity) update()         {}
func (Dilution) update()         {}
func (FixTime) update()          {}
func (DateTag) update()          {}
func (ConnectionSignal) update() {}

// Session decodes sentences from one device and carries the last RMC date so
// that GGA time-of-day can be turned into an absolute timestamp.
//
// A Session is not safe for concurrent use.
type Session struct {
	// Now supplies the fallback date when no RMC date has been seen.
	Now func() time.Time

	lastDate string
}

func NewSession() *Session {
	return &Session{Now: time.Now}
}

// LastDate returns the most recent non-empty RMC date field.
func (s *Session) LastDate() string { return s.lastDate }

// DecodeLine strips the leading '$', verifies the checksum and decodes.
func (s *Session) DecodeLine(line string) ([]Update, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nil, ErrNotSentence
	}
	body := line[1:]
	if !Verify(body) {
		return nil, ErrChecksum
	}
	return s.Decode(body)
}

// Decode decodes a checksum-verified sentence body. Unknown sentence types
// return ErrUnknownSentence; short sentences return a *DecodeError.
func (s *Session) Decode(body string) ([]Update, error) {
	sent, err := ParseSentence(body)
	if err != nil {
		return nil, err
	}
	if sent.Kind == KindUnknown {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSentence, sent.Type)
	}
	if n := len(sent.Fields); n < minFields[sent.Kind] {
		return nil, &DecodeError{Kind: sent.Kind, Err: ErrShortSentence, Fields: n}
	}

	switch sent.Kind {
	case KindGGA:
		return s.decodeGGA(sent), nil
	case KindRMC:
		return s.decodeRMC(sent), nil
	case KindGSA:
		return decodeGSA(sent), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSentence, sent.Type)
}

func (s *Session) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// GGA: Global Positioning System Fix Data
//
//	1: time (hhmmss.sss)
//	2,3: latitude, N/S
//	4,5: longitude, E/W
//	6: fix quality (0=invalid)
//	7: satellites in use
//	8: HDOP
//	9: altitude (metres)
func (s *Session) decodeGGA(sent Sentence) []Update {
	out := make([]Update, 0, 4)
	if pos, ok := decodePosition(sent, 2); ok {
		out = append(out, pos)
	}
	fix := Fix{
		Quality:    parseInt(sent.Field(6)),
		Satellites: parseInt(sent.Field(7)),
		HDOP:       parseFloat(sent.Field(8)),
		Altitude:   parseFloat(sent.Field(9)),
	}
	out = append(out, fix)
	// GGA has no date of its own.
	if at, ok := Timestamp(sent.Field(1), s.lastDate, s.now()); ok {
		out = append(out, FixTime{At: at})
	}
	return append(out, ConnectionSignal{Connected: fix.Quality > 0})
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	1: time
//	2: status (A=active, V=void)
//	3,4: latitude, N/S
//	5,6: longitude, E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (s *Session) decodeRMC(sent Sentence) []Update {
	out := make([]Update, 0, 6)
	date := sent.Field(9)
	if date != "" {
		s.lastDate = date
	}
	if pos, ok := decodePosition(sent, 3); ok {
		out = append(out, pos)
	}
	knots := parseFloat(sent.Field(7))
	out = append(out, Velocity{
		Knots:  knots,
		Kmh:    math.Round(knots*1.852*100) / 100,
		Course: parseFloat(sent.Field(8)),
	})
	if date != "" {
		out = append(out, DateTag{DDMMYY: date})
	}
	if at, ok := Timestamp(sent.Field(1), s.lastDate, s.now()); ok {
		out = append(out, FixTime{At: at})
	}
	return append(out, ConnectionSignal{Connected: strings.EqualFold(sent.Field(2), "A")})
}

// GSA: GNSS DOP and Active Satellites
//
//	2: fix mode (1=none, 2=2D, 3=3D)
//	15: PDOP
//	16: HDOP
//	17: VDOP
func decodeGSA(sent Sentence) []Update {
	mode := sent.Field(2)
	switch mode {
	case "2":
		mode = "2D"
	case "3":
		mode = "3D"
	}
	return []Update{Dilution{
		PDOP:    parseFloat(sent.Field(15)),
		HDOP:    parseFloat(sent.Field(16)),
		VDOP:    parseFloat(sent.Field(17)),
		FixMode: mode,
	}}
}

// decodePosition reads lat/N/S/lon/E/W starting at field i.
func decodePosition(sent Sentence, i int) (Position, bool) {
	lat, ok := NMEAToDecimal(sent.Field(i), sent.Field(i+1))
	if !ok {
		return Position{}, false
	}
	lon, ok := NMEAToDecimal(sent.Field(i+2), sent.Field(i+3))
	if !ok {
		return Position{}, false
	}
	return Position{Lat: lat, Lon: lon}, true
}

func parseInt(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
