package gps

import (
	"bufio"
	"math"
	"testing"
	"time"

	"github.com/shaunagostinho/serialgps/internal/nmea"
)

func TestFormatCoord_RoundTrip(t *testing.T) {
	cases := []struct {
		dec   float64
		isLat bool
		want  string
		hemi  string
	}{
		{43.527715, true, "4331.6629", "N"},
		{15.96399, false, "01557.8394", "E"},
		{-33.5, true, "3330.0000", "S"},
		{-79.3832, false, "07922.9920", "W"},
		{0, true, "0000.0000", "N"},
		{10.9999999, true, "1100.0000", "N"},
	}
	for _, tc := range cases {
		got, hemi := FormatCoord(tc.dec, tc.isLat)
		if got != tc.want || hemi != tc.hemi {
			t.Fatalf("FormatCoord(%v)=%s,%s want %s,%s", tc.dec, got, hemi, tc.want, tc.hemi)
		}
		back, ok := nmea.NMEAToDecimal(got, hemi)
		if !ok || math.Abs(back-tc.dec) > 1e-5 {
			t.Fatalf("round trip %v -> %s%s -> %v", tc.dec, got, hemi, back)
		}
	}
}

func TestDemoStream_ProducesDecodableSentences(t *testing.T) {
	ts := time.Date(2025, 1, 23, 19, 17, 21, 0, time.UTC)
	s := newDemoStream(time.Millisecond, func() time.Time { return ts })
	defer s.Close()

	sess := nmea.NewSession()
	sc := bufio.NewScanner(s)
	kinds := map[string]bool{}
	for i := 0; i < 6 && sc.Scan(); i++ {
		line := sc.Text()
		ups, err := sess.DecodeLine(line)
		if err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		for _, u := range ups {
			if p, ok := u.(nmea.Position); ok {
				if math.Abs(p.Lat-43.6532) > 0.01 || math.Abs(p.Lon+79.3832) > 0.01 {
					t.Fatalf("position %+v far from track center", p)
				}
			}
		}
		kinds[line[3:6]] = true
	}
	for _, k := range []string{"RMC", "GGA", "GSA"} {
		if !kinds[k] {
			t.Fatalf("no %s in demo output", k)
		}
	}
	if sess.LastDate() != "230125" {
		t.Fatalf("last date=%q", sess.LastDate())
	}
}

func TestDemoStream_CloseEndsRead(t *testing.T) {
	s := newDemoStream(time.Hour, time.Now)
	s.Close()
	if _, err := s.Read(make([]byte, 16)); err == nil {
		t.Fatalf("expected error after close")
	}
	s.Close()
}
