package scheduling

import (
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04"
)

// Slot is a bookable unit derived from working hours. Slots are generated
// on demand and never stored.
type Slot struct {
	DoctorID    string    `json:"doctor_id"`
	Date        time.Time `json:"-"`
	StartMinute int       `json:"start_minute"`
}

// Key returns the canonical "YYYY-MM-DDTHH:MM" datetime the ledger stores.
func (s Slot) Key() string {
	return DateTimeKey(s.Date, s.StartMinute)
}

// Time returns the slot start as a wall-clock time in the date's location.
func (s Slot) Time() time.Time {
	y, m, d := s.Date.Date()
	return time.Date(y, m, d, 0, s.StartMinute, 0, 0, s.Date.Location())
}

// Equal compares doctor, calendar day and start minute.
func (s Slot) Equal(o Slot) bool {
	return s.DoctorID == o.DoctorID && sameDay(s.Date, o.Date) && s.StartMinute == o.StartMinute
}

// DateTimeKey formats a calendar day plus minute of day as the canonical key.
func DateTimeKey(date time.Time, minute int) string {
	return date.Format(dateLayout) + "T" + FormatMinute(minute)
}

// FormatDate renders a calendar day as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDate parses YYYY-MM-DD in the given location.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "date", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", s)}
	}
	return t, nil
}

var looseDateTimeLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-1-2T15:04",
	"2006-1-2 15:04",
}

// NormalizeDateTime converts the datetime spellings clients send (single
// digit hours, trailing seconds, a space separator, an RFC 3339 offset) into
// the canonical zero padded "YYYY-MM-DDTHH:MM" key. Offsets are converted
// into loc. Values that are not on a whole minute are rejected.
func NormalizeDateTime(s string, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return keyOf(t.In(loc))
	}
	for _, layout := range looseDateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return keyOf(t)
		}
	}
	return "", &ValidationError{Field: "date_time", Reason: fmt.Sprintf("%q is not YYYY-MM-DDTHH:MM", s)}
}

// ParseDateTime parses a canonical key into a wall-clock time in loc.
func ParseDateTime(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dateTimeLayout, key, loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "date_time", Reason: fmt.Sprintf("%q is not YYYY-MM-DDTHH:MM", key)}
	}
	return t, nil
}

func keyOf(t time.Time) (string, error) {
	if t.Second() != 0 || t.Nanosecond() != 0 {
		return "", &ValidationError{Field: "date_time", Reason: "slots start on a whole minute"}
	}
	return t.Format(dateTimeLayout), nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
