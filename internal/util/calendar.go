package util

import (
	"fmt"
	"time"
)

// DateLayout is the ISO date format used for trading dates and API paths.
const DateLayout = "2006-01-02"

// Shanghai is the exchange time zone for SSE/SZSE. Falls back to a fixed
// +08:00 zone when tzdata is unavailable.
var Shanghai = loadShanghai()

func loadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// TradingDate returns the A-share trading date for t as YYYY-MM-DD. Weekends
// roll back to the preceding Friday. Exchange holidays are not modelled.
func TradingDate(t time.Time) string {
	d := t.In(Shanghai)
	switch d.Weekday() {
	case time.Saturday:
		d = d.AddDate(0, 0, -1)
	case time.Sunday:
		d = d.AddDate(0, 0, -2)
	}
	return d.Format(DateLayout)
}

// ParseDate validates a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, Shanghai)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}
