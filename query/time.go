package query

import (
	"fmt"
	"time"
)

// Layouts accepted by ParseDateTime besides RFC3339. None carries a zone.
var localDateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	time.DateOnly,
}

// ParseDateTime parses an ISO-8601 date or date-time. Values without an
// offset are read in loc, and a bare date means the start of that day.
func ParseDateTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localDateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO date or date-time", s)
}
