package nmea

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSentence is returned for lines that do not start with '$'.
	ErrNotSentence = errors.New("nmea: not a sentence")
	// ErrChecksum is returned when the trailing *HH does not match.
	ErrChecksum = errors.New("nmea: checksum mismatch")
	// ErrUnknownSentence is returned for sentence types this package ignores.
	ErrUnknownSentence = errors.New("nmea: unknown sentence type")
	// ErrShortSentence is returned when a known sentence has too few fields.
	ErrShortSentence = errors.New("nmea: short sentence")
)

// Kind identifies the sentence types the decoder understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindGGA
	KindRMC
	KindGSA
)

var kindBySuffix = map[string]Kind{
	"GGA": KindGGA,
	"RMC": KindRMC,
	"GSA": KindGSA,
}

// minFields is the field count (including the talker+type field) each kind
// must carry before it is decoded. GGA may stop after the satellite count;
// missing HDOP and altitude read as 0.
var minFields = map[Kind]int{
	KindGGA: 8,
	KindRMC: 10,
	KindGSA: 18,
}

func (k Kind) String() string {
	switch k {
	case KindGGA:
		return "GGA"
	case KindRMC:
		return "RMC"
	case KindGSA:
		return "GSA"
	default:
		return "unknown"
	}
}

// Sentence is one framed NMEA line split into fields.
type Sentence struct {
	Talker string // e.g. "GN", "GP"
	Type   string // last three characters of field 0, upper case
	Kind   Kind
	// Fields is the comma-split payload (excluding '$' and checksum).
	Fields   []string
	Checksum string // empty when the sentence carried none
}

// Field returns field i, or "" when the sentence is shorter.
func (s Sentence) Field(i int) string {
	if i < 0 || i >= len(s.Fields) {
		return ""
	}
	return strings.TrimSpace(s.Fields[i])
}

// ParseSentence splits a sentence body (the text after '$'). It does not
// verify the checksum; see Verify.
func ParseSentence(body string) (Sentence, error) {
	body = strings.TrimSpace(body)
	var ck string
	if star := strings.IndexByte(body, '*'); star != -1 {
		ck = strings.TrimSpace(body[star+1:])
		body = body[:star]
	}
	fields := strings.Split(body, ",")
	head := strings.TrimSpace(fields[0])
	if len(head) < 3 {
		return Sentence{}, fmt.Errorf("nmea: short type %q", head)
	}
	typ := strings.ToUpper(head[len(head)-3:])
	return Sentence{
		Talker:   head[:len(head)-3],
		Type:     typ,
		Kind:     kindBySuffix[typ],
		Fields:   fields,
		Checksum: ck,
	}, nil
}

// DecodeError reports a sentence of a known kind that could not be decoded.
type DecodeError struct {
	Kind Kind
	Err  error
	// Fields is the number of fields the sentence carried.
	Fields int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s with %d fields", e.Err, e.Kind, e.Fields)
}

func (e *DecodeError) Unwrap() error { return e.Err }
