package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// AppointmentRepository stores appointment records. It never decides
// whether a slot is free; the Ledger does.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate is GetByID that also locks the row until the surrounding
	// transaction ends, where the store supports it.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// ListByDoctorOn returns the day's appointments ordered by datetime. An
	// empty doctorID lists every doctor.
	ListByDoctorOn(ctx context.Context, doctorID, date string) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error)
}

// TxRunner runs fn so that every store call made with the context it
// receives commits or rolls back together.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
