package nmea

import (
	"fmt"
	"strings"
)

// Checksum returns the XOR of every byte in payload as two uppercase hex digits.
// payload is the text between '$' and '*'.
func Checksum(payload string) string {
	var ck byte
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("%02X", ck)
}

// Verify checks a sentence body (everything after '$'). Bodies without a '*'
// marker are accepted; some receivers never send a checksum.
func Verify(body string) bool {
	star := strings.IndexByte(body, '*')
	if star == -1 {
		return true
	}
	want := strings.TrimSpace(body[star+1:])
	return strings.EqualFold(Checksum(body[:star]), want)
}
