package server

import (
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	maxStepKm = 0.5   // larger jumps between fixes are treated as glitches
	minStepKm = 0.002 // ~2m, below this the receiver is jittering in place
)

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total" yaml:"total"` // km
	Trip  float64 `json:"trip" yaml:"trip"`   // km
}

// Odometer accumulates travelled distance from successive positions.
type Odometer struct {
	mu      sync.Mutex
	data    OdoData
	lastLat float64
	lastLon float64
	seeded  bool
	path    string // empty disables persistence
}

func odometerPath(configPath string) string {
	if configPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(configPath), "odometer.yaml")
}

// NewOdometer creates an odometer, restoring totals from path when present.
func NewOdometer(path string) *Odometer {
	o := &Odometer{path: path}
	o.load()
	return o
}

// Update feeds one position. Distance only accrues while moving, which keeps
// a parked receiver's drift out of the totals. It reports whether the
// totals changed.
func (o *Odometer) Update(lat, lon float64, moving bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.seeded {
		o.lastLat, o.lastLon, o.seeded = lat, lon, true
		return false
	}

	dist := haversineKm(o.lastLat, o.lastLon, lat, lon)
	switch {
	case dist > maxStepKm:
		o.lastLat, o.lastLon = lat, lon
		return false
	case dist <= minStepKm:
		return false
	case !moving:
		o.lastLat, o.lastLon = lat, lon
		return false
	}
	o.data.Total += dist
	o.data.Trip += dist
	o.lastLat, o.lastLon = lat, lon
	return true
}

// Data returns the totals rounded to 100m.
func (o *Odometer) Data() OdoData {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OdoData{Total: round1(o.data.Total), Trip: round1(o.data.Trip)}
}

func (o *Odometer) ResetTrip() {
	o.mu.Lock()
	o.data.Trip = 0
	o.mu.Unlock()
}

func (o *Odometer) load() {
	if o.path == "" {
		return
	}
	raw, err := os.ReadFile(o.path)
	if err != nil {
		log.Printf("[odo] no saved data at %s (starting at 0)", o.path)
		return
	}
	var d OdoData
	if err := yaml.Unmarshal(raw, &d); err != nil {
		log.Printf("[odo] ignoring %s: %v", o.path, err)
		return
	}
	o.data = d
	log.Printf("[odo] loaded: total=%.1f km, trip=%.1f km", d.Total, d.Trip)
}

// Save persists the raw totals. Errors are logged.
func (o *Odometer) Save() {
	if o.path == "" {
		return
	}
	o.mu.Lock()
	d := o.data
	o.mu.Unlock()

	raw, err := yaml.Marshal(d)
	if err != nil {
		log.Printf("[odo] save failed: %v", err)
		return
	}
	os.MkdirAll(filepath.Dir(o.path), 0755)
	if err := os.WriteFile(o.path, raw, 0644); err != nil {
		log.Printf("[odo] save failed: %v", err)
	}
}

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// parseLatLon splits a "{lat};{lon}" channel value.
func parseLatLon(v any) (lat, lon float64, ok bool) {
	s, isStr := v.(string)
	if !isStr {
		return 0, 0, false
	}
	a, b, found := strings.Cut(s, ";")
	if !found {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(a, 64)
	lon, err2 := strconv.ParseFloat(b, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
