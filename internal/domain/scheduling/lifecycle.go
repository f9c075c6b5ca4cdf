package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/telemetry"
)

// appointmentTransitions lists the legal status changes. Completed and
// cancelled are terminal.
var appointmentTransitions = map[string]map[string]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusCompleted: true, StatusCancelled: true},
}

// CanTransition reports whether an appointment may move from one status to
// another.
func CanTransition(from, to string) bool {
	return appointmentTransitions[from][to]
}

// InitialStatus is the status a new appointment starts in. Patient
// self-service bookings skip the approval step; anything entered by the
// front desk waits for confirmation.
func InitialStatus(source string) string {
	if source == SourcePatient {
		return StatusConfirmed
	}
	return StatusPending
}

// CreateRequest carries a booking attempt.
type CreateRequest struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
	DateTime  string `json:"date_time"`
	Note      string `json:"note,omitempty"`
	Source    string `json:"source,omitempty"`
}

// ChangeFunc is told about every appointment the lifecycle stores.
type ChangeFunc func(ctx context.Context, a *Appointment)

// Lifecycle drives appointment status and keeps the ledger in step with it.
// Booking and cancellation are the only transitions that touch the ledger;
// rescheduling composes the two.
type Lifecycle struct {
	ledger   Ledger
	repo     AppointmentRepository
	hours    HoursSource
	clock    Clock
	tx       TxRunner
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	onChange []ChangeFunc

	locks [64]sync.Mutex
}

type LifecycleOption func(*Lifecycle)

// WithTx makes each operation's store writes commit together.
func WithTx(tx TxRunner) LifecycleOption {
	return func(l *Lifecycle) { l.tx = tx }
}

func WithLogger(logger zerolog.Logger) LifecycleOption {
	return func(l *Lifecycle) { l.logger = logger.With().Str("component", "lifecycle").Logger() }
}

func WithMetrics(m *telemetry.Metrics) LifecycleOption {
	return func(l *Lifecycle) { l.metrics = m }
}

// OnChange registers fn to run after every successful write.
func OnChange(fn ChangeFunc) LifecycleOption {
	return func(l *Lifecycle) { l.onChange = append(l.onChange, fn) }
}

func NewLifecycle(ledger Ledger, repo AppointmentRepository, hours HoursSource, clock Clock, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		ledger: ledger,
		repo:   repo,
		hours:  hours,
		clock:  clock,
		tx:     noTx{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lifecycle) lock(id uuid.UUID) func() {
	m := &l.locks[int(id[len(id)-1])%len(l.locks)]
	m.Lock()
	return m.Unlock
}

func (l *Lifecycle) notify(ctx context.Context, a *Appointment) {
	for _, fn := range l.onChange {
		fn(ctx, a.clone())
	}
}

// checkSlot normalizes dateTime and verifies that it is a generated slot of
// the doctor's hours on a day that has not passed.
func (l *Lifecycle) checkSlot(doctorID, dateTime string) (string, error) {
	wh, err := l.hours.WorkingHours(doctorID)
	if err != nil {
		return "", err
	}
	loc := l.clock.Now().Location()
	key, err := NormalizeDateTime(dateTime, loc)
	if err != nil {
		return "", err
	}
	t, err := ParseDateTime(key, loc)
	if err != nil {
		return "", err
	}
	if startOfDay(t).Before(today(l.clock)) {
		return "", &ValidationError{Field: "date_time", Reason: fmt.Sprintf("%s is in the past", key)}
	}
	minute := t.Hour()*60 + t.Minute()
	for _, m := range GenerateSlots(wh, t) {
		if m == minute {
			return key, nil
		}
	}
	return "", &ValidationError{Field: "date_time", Reason: fmt.Sprintf("%s is not a slot in %s's hours (%s)", key, doctorID, wh)}
}

// Create books the slot and stores the appointment in its initial status.
// On ErrSlotConflict nothing is stored. If storing fails the slot is
// released again, unless the booking was rolled back with the transaction.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (*Appointment, error) {
	if req.DoctorID == "" {
		return nil, &ValidationError{Field: "doctor_id", Reason: "is required"}
	}
	if req.PatientID == "" {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if req.Source == "" {
		req.Source = SourcePatient
	}
	if !validSources[req.Source] {
		return nil, &ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", req.Source)}
	}
	key, err := l.checkSlot(req.DoctorID, req.DateTime)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	a := &Appointment{
		ID:        uuid.New(),
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		DateTime:  key,
		Status:    InitialStatus(req.Source),
		Source:    req.Source,
		Note:      strPtr(req.Note),
		CreatedAt: now,
		UpdatedAt: now,
	}

	booked, undone := false, false
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		if err := l.ledger.AttemptBook(ctx, a.DoctorID, a.DateTime); err != nil {
			return err
		}
		booked, undone = true, enlisted(ctx, l.ledger)
		return l.repo.Create(ctx, a)
	})
	l.observeBooking(booked, err)
	if err != nil {
		if errors.Is(err, ErrSlotConflict) && !booked {
			l.logger.Debug().Str("doctor_id", a.DoctorID).Str("date_time", a.DateTime).Msg("slot conflict")
			return nil, err
		}
		if booked && !undone {
			if relErr := l.ledger.Release(ctx, a.DoctorID, a.DateTime); relErr != nil {
				err = errors.Join(err, fmt.Errorf("release %s: %w", a.DateTime, relErr))
			}
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	l.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("doctor_id", a.DoctorID).
		Str("date_time", a.DateTime).
		Str("status", a.Status).
		Str("source", a.Source).
		Msg("appointment booked")
	l.notify(ctx, a)
	return a.clone(), nil
}

func (l *Lifecycle) observeBooking(booked bool, err error) {
	switch {
	case err == nil:
		l.metrics.ObserveBooking("booked")
	case !booked && errors.Is(err, ErrSlotConflict):
		l.metrics.ObserveBooking("conflict")
	default:
		l.metrics.ObserveBooking("error")
	}
}

// Confirm moves a pending appointment to confirmed.
func (l *Lifecycle) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return l.transition(ctx, id, StatusConfirmed, nil)
}

// Complete moves a confirmed appointment to completed.
func (l *Lifecycle) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return l.transition(ctx, id, StatusCompleted, nil)
}

// Cancel records the reason and frees the slot. Cancelling a completed or
// already cancelled appointment is an ErrInvalidTransition.
func (l *Lifecycle) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	return l.transition(ctx, id, StatusCancelled, func(a *Appointment) {
		a.CancellationReason = strPtr(reason)
	})
}

func (l *Lifecycle) transition(ctx context.Context, id uuid.UUID, to string, mutate func(*Appointment)) (*Appointment, error) {
	defer l.lock(id)()

	var updated *Appointment
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := l.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(a.Status, to) {
			return invalidTransition(id.String(), a.Status, to)
		}
		a.Status = to
		a.UpdatedAt = l.clock.Now()
		if mutate != nil {
			mutate(a)
		}
		if err := l.repo.Update(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	l.metrics.ObserveTransition("appointment", to, err)
	if err != nil {
		return nil, fmt.Errorf("%s appointment %s: %w", verbFor(to), id, err)
	}

	// The slot is freed only after the status change is durable, so a
	// failure here leaves the slot blocked rather than double-bookable.
	if to == StatusCancelled {
		if err := l.ledger.Release(ctx, updated.DoctorID, updated.DateTime); err != nil {
			return nil, fmt.Errorf("release slot %s of cancelled appointment %s: %w", updated.DateTime, id, err)
		}
	}

	l.logger.Info().
		Str("appointment_id", id.String()).
		Str("status", to).
		Msg("appointment transition")
	l.notify(ctx, updated)
	return updated.clone(), nil
}

// Reschedule moves a live appointment to newDateTime. The new slot is booked
// before the old one is released, so a conflict leaves the appointment on its
// original slot.
func (l *Lifecycle) Reschedule(ctx context.Context, id uuid.UUID, newDateTime string) (*Appointment, error) {
	defer l.lock(id)()

	current, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reschedule appointment %s: %w", id, err)
	}
	key, err := l.checkSlot(current.DoctorID, newDateTime)
	if err != nil {
		return nil, err
	}
	if key == current.DateTime {
		return nil, &ValidationError{Field: "date_time", Reason: "appointment is already at " + key}
	}

	var old string
	var updated *Appointment
	attempted, booked, undone := false, false, false
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := l.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsLive() {
			return invalidTransition(id.String(), a.Status, "rescheduled")
		}
		attempted = true
		if err := l.ledger.AttemptBook(ctx, a.DoctorID, key); err != nil {
			return err
		}
		booked, undone = true, enlisted(ctx, l.ledger)
		old = a.DateTime
		a.DateTime = key
		a.UpdatedAt = l.clock.Now()
		if err := l.repo.Update(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if attempted {
		l.observeBooking(booked, err)
	}
	l.metrics.ObserveTransition("appointment", "rescheduled", err)
	if err != nil {
		if booked && !undone {
			if relErr := l.ledger.Release(ctx, current.DoctorID, key); relErr != nil {
				err = errors.Join(err, fmt.Errorf("release %s: %w", key, relErr))
			}
		}
		return nil, fmt.Errorf("reschedule appointment %s: %w", id, err)
	}

	if err := l.ledger.Release(ctx, updated.DoctorID, old); err != nil {
		return nil, fmt.Errorf("release previous slot %s of appointment %s: %w", old, id, err)
	}

	l.logger.Info().
		Str("appointment_id", id.String()).
		Str("from", old).
		Str("to", key).
		Msg("appointment rescheduled")
	l.notify(ctx, updated)
	return updated.clone(), nil
}

func verbFor(status string) string {
	switch status {
	case StatusConfirmed:
		return "confirm"
	case StatusCompleted:
		return "complete"
	case StatusCancelled:
		return "cancel"
	}
	return "update"
}

func (l *Lifecycle) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return l.repo.GetByID(ctx, id)
}

// ListByDoctorOn lists one doctor's appointments for a day, or every
// doctor's when doctorID is empty.
func (l *Lifecycle) ListByDoctorOn(ctx context.Context, doctorID, date string) ([]*Appointment, error) {
	if _, err := ParseDate(date, nil); err != nil {
		return nil, err
	}
	if doctorID != "" {
		if _, err := l.hours.WorkingHours(doctorID); err != nil {
			return nil, err
		}
	}
	return l.repo.ListByDoctorOn(ctx, doctorID, date)
}

func (l *Lifecycle) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	if patientID == "" {
		return nil, 0, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	return l.repo.ListByPatient(ctx, patientID, limit, offset)
}

// Stats counts the day's appointments per status for the secretary's stat
// cards.
func (l *Lifecycle) Stats(ctx context.Context, date string) (*Stats, error) {
	items, err := l.ListByDoctorOn(ctx, "", date)
	if err != nil {
		return nil, err
	}
	st := &Stats{Date: date, Total: len(items)}
	for _, a := range items {
		switch a.Status {
		case StatusPending:
			st.Pending++
		case StatusConfirmed:
			st.Confirmed++
		case StatusCompleted:
			st.Completed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st, nil
}

// Today returns the clinic's current calendar day.
func (l *Lifecycle) Today() string {
	return FormatDate(today(l.clock))
}
