package scheduling

import "time"

// Clock supplies "now" in the clinic's timezone.
type Clock interface {
	Now() time.Time
}

// LocalClock reads the system clock and converts it to the clinic location.
type LocalClock struct {
	Location *time.Location
}

func (c LocalClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// FixedClock always returns the same instant. Used by tests and the CLI's
// --today flag.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

func today(c Clock) time.Time {
	return startOfDay(c.Now())
}
