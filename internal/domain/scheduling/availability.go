package scheduling

import (
	"context"
	"fmt"
	"time"
)

// DayStatus classifies a calendar day for a doctor.
type DayStatus string

const (
	DayPast        DayStatus = "past"
	DayNoSlots     DayStatus = "no-slots"
	DayUnavailable DayStatus = "unavailable"
	DayAvailable   DayStatus = "available"
)

// Selectable reports whether the booking UI may offer the day.
func (s DayStatus) Selectable() bool { return s == DayAvailable }

// SlotStatus classifies one slot.
type SlotStatus string

const (
	SlotOpen   SlotStatus = "open"
	SlotBooked SlotStatus = "booked"
)

// NoTimesMessage is shown when a selected day has no open slot left.
const NoTimesMessage = "no times available"

// BookedSet holds canonical datetime keys for exact-match lookups.
type BookedSet map[string]struct{}

// NewBookedSet builds a set from canonical keys.
func NewBookedSet(keys []string) BookedSet {
	set := make(BookedSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Has is an exact string match; callers normalize first.
func (b BookedSet) Has(key string) bool {
	_, ok := b[key]
	return ok
}

// ClassifyDay decides whether a day can be offered. Past days always win;
// a day without generated slots is DayNoSlots, never DayUnavailable.
func ClassifyDay(date time.Time, wh WorkingHours, bookedForDay []string, today time.Time) DayStatus {
	if startOfDay(date).Before(startOfDay(today)) {
		return DayPast
	}
	total := len(GenerateSlots(wh, date))
	if total == 0 {
		return DayNoSlots
	}
	if len(bookedForDay) >= total {
		return DayUnavailable
	}
	return DayAvailable
}

// ClassifySlot reports whether the slot's canonical key is in the booked set.
func ClassifySlot(slot Slot, booked BookedSet) SlotStatus {
	if booked.Has(slot.Key()) {
		return SlotBooked
	}
	return SlotOpen
}

// SlotView is one row of the slot picker.
type SlotView struct {
	Time     string     `json:"time"`
	DateTime string     `json:"date_time"`
	Status   SlotStatus `json:"status"`
}

// DayBoard is the slot picker for a single doctor-day.
type DayBoard struct {
	DoctorID         string     `json:"doctor_id"`
	Date             string     `json:"date"`
	Status           DayStatus  `json:"status"`
	Slots            []SlotView `json:"slots"`
	OpenCount        int        `json:"open_count"`
	NoTimesAvailable bool       `json:"no_times_available"`
	Message          string     `json:"message,omitempty"`
}

// BuildDayBoard classifies the day and each of its slots.
func BuildDayBoard(doctorID string, date time.Time, wh WorkingHours, bookedForDay []string, today time.Time) *DayBoard {
	board := &DayBoard{
		DoctorID: doctorID,
		Date:     FormatDate(date),
		Status:   ClassifyDay(date, wh, bookedForDay, today),
		Slots:    []SlotView{},
	}
	booked := NewBookedSet(bookedForDay)
	for _, m := range GenerateSlots(wh, date) {
		slot := Slot{DoctorID: doctorID, Date: date, StartMinute: m}
		st := ClassifySlot(slot, booked)
		if st == SlotOpen {
			board.OpenCount++
		}
		board.Slots = append(board.Slots, SlotView{Time: FormatMinute(m), DateTime: slot.Key(), Status: st})
	}
	if board.Status == DayPast {
		board.OpenCount = 0
	}
	if board.OpenCount == 0 {
		board.NoTimesAvailable = true
		board.Message = NoTimesMessage
	}
	return board
}

// CalendarDay is one cell of the month picker.
type CalendarDay struct {
	Date       string    `json:"date"`
	Status     DayStatus `json:"status"`
	Selectable bool      `json:"selectable"`
	Booked     int       `json:"booked"`
	Total      int       `json:"total"`
}

// BuildMonth classifies every day of the month containing anyDay.
func BuildMonth(anyDay time.Time, wh WorkingHours, bookedByDay map[string][]string, today time.Time) []CalendarDay {
	y, m, _ := anyDay.Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, anyDay.Location())
	var days []CalendarDay
	for d := first; d.Month() == m; d = d.AddDate(0, 0, 1) {
		key := FormatDate(d)
		booked := bookedByDay[key]
		st := ClassifyDay(d, wh, booked, today)
		days = append(days, CalendarDay{
			Date:       key,
			Status:     st,
			Selectable: st.Selectable(),
			Booked:     len(booked),
			Total:      len(GenerateSlots(wh, d)),
		})
	}
	return days
}

// HoursSource looks up a doctor's working hours.
type HoursSource interface {
	WorkingHours(doctorID string) (WorkingHours, error)
}

// AvailabilityIndex answers calendar and slot-picker queries against the
// live ledger.
type AvailabilityIndex struct {
	hours  HoursSource
	ledger Ledger
	clock  Clock
}

func NewAvailabilityIndex(hours HoursSource, ledger Ledger, clock Clock) *AvailabilityIndex {
	return &AvailabilityIndex{hours: hours, ledger: ledger, clock: clock}
}

// Day returns the slot board for one doctor-day.
func (ix *AvailabilityIndex) Day(ctx context.Context, doctorID string, date time.Time) (*DayBoard, error) {
	wh, err := ix.hours.WorkingHours(doctorID)
	if err != nil {
		return nil, err
	}
	booked, err := ix.ledger.BookedOn(ctx, doctorID, FormatDate(date))
	if err != nil {
		return nil, fmt.Errorf("load booked slots: %w", err)
	}
	return BuildDayBoard(doctorID, date, wh, booked, today(ix.clock)), nil
}

// Month returns the calendar for the month containing anyDay.
func (ix *AvailabilityIndex) Month(ctx context.Context, doctorID string, anyDay time.Time) ([]CalendarDay, error) {
	wh, err := ix.hours.WorkingHours(doctorID)
	if err != nil {
		return nil, err
	}
	y, m, _ := anyDay.Date()
	bookedByDay := make(map[string][]string)
	for d := time.Date(y, m, 1, 0, 0, 0, 0, anyDay.Location()); d.Month() == m; d = d.AddDate(0, 0, 1) {
		key := FormatDate(d)
		booked, err := ix.ledger.BookedOn(ctx, doctorID, key)
		if err != nil {
			return nil, fmt.Errorf("load booked slots for %s: %w", key, err)
		}
		if len(booked) > 0 {
			bookedByDay[key] = booked
		}
	}
	return BuildMonth(anyDay, wh, bookedByDay, today(ix.clock)), nil
}

// Today returns the clinic's current calendar day.
func (ix *AvailabilityIndex) Today() time.Time {
	return today(ix.clock)
}
