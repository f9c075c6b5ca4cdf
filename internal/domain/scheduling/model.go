package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Appointment status values.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Booking sources. The source decides the initial appointment status.
const (
	SourcePatient   = "patient"
	SourceFrontDesk = "front-desk"
	SourceWalkIn    = "walk-in"
)

var validSources = map[string]bool{
	SourcePatient: true, SourceFrontDesk: true, SourceWalkIn: true,
}

// Appointment maps to the appointment table. The ledger references it by
// (DoctorID, DateTime).
type Appointment struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	DoctorID           string    `db:"doctor_id" json:"doctor_id"`
	PatientID          string    `db:"patient_id" json:"patient_id"`
	DateTime           string    `db:"date_time" json:"date_time"`
	Status             string    `db:"status" json:"status"`
	Source             string    `db:"source" json:"source"`
	Note               *string   `db:"note" json:"note,omitempty"`
	CancellationReason *string   `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// IsLive reports whether the appointment still holds its slot.
func (a *Appointment) IsLive() bool {
	return a.Status == StatusPending || a.Status == StatusConfirmed
}

// Day returns the calendar day part of the appointment datetime.
func (a *Appointment) Day() string {
	if len(a.DateTime) < len(dateLayout) {
		return a.DateTime
	}
	return a.DateTime[:len(dateLayout)]
}

func (a *Appointment) clone() *Appointment {
	cp := *a
	if a.Note != nil {
		n := *a.Note
		cp.Note = &n
	}
	if a.CancellationReason != nil {
		r := *a.CancellationReason
		cp.CancellationReason = &r
	}
	return &cp
}

// Stats are the per-status counts shown on the secretary dashboard.
type Stats struct {
	Date      string         `json:"date"`
	Total     int            `json:"total"`
	Pending   int            `json:"pending"`
	Confirmed int            `json:"confirmed"`
	Completed int            `json:"completed"`
	Cancelled int            `json:"cancelled"`
	Queue     map[string]int `json:"queue,omitempty"`
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
