package identity

import "time"

// displayLayout renders instants as 2025-06-26 10:45:30 PM.
const displayLayout = "2006-01-02 03:04:05 PM"

// DefaultDisplayZone is the fixed timezone used for rendered timestamps.
// Asia/Yangon has no DST, so a fixed offset is an exact fallback when
// the IANA database is unavailable.
var DefaultDisplayZone = loadZone("Asia/Yangon", 6*3600+1800)

func loadZone(name string, offsetSeconds int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, offsetSeconds)
	}
	return loc
}

// FormatDisplayTime renders t in loc using the fixed display layout.
// Returns the empty string for nil so callers can distinguish
// "never happened" from a rendered instant.
func FormatDisplayTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	if loc == nil {
		loc = DefaultDisplayZone
	}
	return t.In(loc).Format(displayLayout)
}
