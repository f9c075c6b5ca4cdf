package scheduling

import (
	"fmt"
	"time"
)

const minutesPerDay = 24 * 60

// WorkingHours is a doctor's bookable window for a day, expressed in minutes
// since midnight, clinic-local time.
type WorkingHours struct {
	StartMinute     int `json:"start_minute"`
	EndMinute       int `json:"end_minute"`
	IntervalMinutes int `json:"interval_minutes"`
}

// Validate enforces 0 <= start < end <= 1440 and a positive interval.
func (wh WorkingHours) Validate() error {
	if wh.StartMinute < 0 || wh.StartMinute >= minutesPerDay {
		return &ValidationError{Field: "working_hours.start", Reason: fmt.Sprintf("%d is outside the day", wh.StartMinute)}
	}
	if wh.EndMinute <= wh.StartMinute {
		return &ValidationError{Field: "working_hours.end", Reason: "end must be after start"}
	}
	if wh.EndMinute > minutesPerDay {
		return &ValidationError{Field: "working_hours.end", Reason: fmt.Sprintf("%d is past midnight", wh.EndMinute)}
	}
	if wh.IntervalMinutes <= 0 {
		return &ValidationError{Field: "working_hours.interval", Reason: "interval must be positive"}
	}
	return nil
}

// String renders the hours as "09:00-17:00/30".
func (wh WorkingHours) String() string {
	return fmt.Sprintf("%s-%s/%d", FormatMinute(wh.StartMinute), FormatMinute(wh.EndMinute), wh.IntervalMinutes)
}

// ParseWorkingHours builds validated hours from "HH:MM" clock strings. An end
// of "24:00" means midnight at the close of the day.
func ParseWorkingHours(start, end string, intervalMinutes int) (WorkingHours, error) {
	s, err := ParseMinute(start)
	if err != nil {
		return WorkingHours{}, err
	}
	e, err := ParseMinute(end)
	if err != nil {
		return WorkingHours{}, err
	}
	wh := WorkingHours{StartMinute: s, EndMinute: e, IntervalMinutes: intervalMinutes}
	if err := wh.Validate(); err != nil {
		return WorkingHours{}, err
	}
	return wh, nil
}

// GenerateSlots returns the start minutes of every slot in [start, end),
// stepping by the interval. A window shorter than one interval yields no
// slots. The date is accepted so per-day exceptions can hook in later; the
// current rules are the same for every day.
func GenerateSlots(wh WorkingHours, _ time.Time) []int {
	if wh.IntervalMinutes <= 0 || wh.EndMinute-wh.StartMinute < wh.IntervalMinutes {
		return nil
	}
	slots := make([]int, 0, (wh.EndMinute-wh.StartMinute+wh.IntervalMinutes-1)/wh.IntervalMinutes)
	for m := wh.StartMinute; m < wh.EndMinute; m += wh.IntervalMinutes {
		slots = append(slots, m)
	}
	return slots
}

// ParseMinute converts "HH:MM" (or "H:MM") into minutes since midnight.
// "24:00" is accepted as 1440.
func ParseMinute(s string) (int, error) {
	if s == "24:00" {
		return minutesPerDay, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, &ValidationError{Field: "time", Reason: fmt.Sprintf("%q is not HH:MM", s)}
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatMinute renders minutes since midnight as zero padded "HH:MM".
func FormatMinute(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
