package nmea

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// NMEAToDecimal converts an NMEA ddmm.mmmm (N/S) or dddmm.mmmm (E/W)
// coordinate to signed decimal degrees. The second return value is false when
// the hemisphere is unknown, the value has no decimal point, or it is shorter
// than the degree field.
func NMEAToDecimal(value, hemi string) (float64, bool) {
	value = strings.TrimSpace(value)
	hemi = strings.ToUpper(strings.TrimSpace(hemi))

	var width int
	switch hemi {
	case "N", "S":
		width = 2
	case "E", "W":
		width = 3
	default:
		return 0, false
	}
	if !strings.Contains(value, ".") || len(value) < width {
		return 0, false
	}

	deg, err := strconv.Atoi(value[:width])
	if err != nil || deg < 0 {
		return 0, false
	}
	mins, err := strconv.ParseFloat(value[width:], 64)
	if err != nil || mins < 0 {
		return 0, false
	}

	dec := float64(deg) + mins/60
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}

// ParseTime splits hhmmss[.sss] into its parts. Fractional seconds are rounded
// to the nearest millisecond.
func ParseTime(field string) (hour, minute, sec, msec int, ok bool) {
	field = strings.TrimSpace(field)
	if len(field) < 6 {
		return 0, 0, 0, 0, false
	}
	var err error
	if hour, err = strconv.Atoi(field[0:2]); err != nil {
		return 0, 0, 0, 0, false
	}
	if minute, err = strconv.Atoi(field[2:4]); err != nil {
		return 0, 0, 0, 0, false
	}
	if sec, err = strconv.Atoi(field[4:6]); err != nil {
		return 0, 0, 0, 0, false
	}
	if hour > 23 || minute > 59 || sec > 60 || hour < 0 || minute < 0 || sec < 0 {
		return 0, 0, 0, 0, false
	}
	if len(field) > 6 {
		if field[6] != '.' {
			return 0, 0, 0, 0, false
		}
		for _, c := range field[7:] {
			if c < '0' || c > '9' {
				return 0, 0, 0, 0, false
			}
		}
		if len(field) > 7 {
			frac, err := strconv.ParseFloat("0"+field[6:], 64)
			if err != nil {
				return 0, 0, 0, 0, false
			}
			msec = int(math.Round(frac * 1000))
		}
	}
	return hour, minute, sec, msec, true
}

// ParseDate splits ddmmyy. Two-digit years >= 70 are 19xx, the rest 20xx.
func ParseDate(field string) (day, month, year int, ok bool) {
	field = strings.TrimSpace(field)
	if len(field) != 6 {
		return 0, 0, 0, false
	}
	var err error
	if day, err = strconv.Atoi(field[0:2]); err != nil {
		return 0, 0, 0, false
	}
	if month, err = strconv.Atoi(field[2:4]); err != nil {
		return 0, 0, 0, false
	}
	if year, err = strconv.Atoi(field[4:6]); err != nil {
		return 0, 0, 0, false
	}
	if day < 1 || day > 31 || month < 1 || month > 12 || year < 0 {
		return 0, 0, 0, false
	}
	if year >= 70 {
		year += 1900
	} else {
		year += 2000
	}
	return day, month, year, true
}

// Timestamp combines an NMEA time and date into a UTC instant. When the date
// is empty or invalid the calendar date of now (in UTC) is used.
func Timestamp(timeField, dateField string, now time.Time) (time.Time, bool) {
	hour, minute, sec, msec, ok := ParseTime(timeField)
	if !ok {
		return time.Time{}, false
	}
	day, month, year, ok := ParseDate(dateField)
	if !ok {
		y, m, d := now.UTC().Date()
		year, month, day = y, int(m), d
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, msec*int(time.Millisecond), time.UTC), true
}
