package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clinic/clinic/internal/platform/telemetry"
)

var errStore = errors.New("store unavailable")

// failingRepo wraps the memory repo and fails writes on demand.
type failingRepo struct {
	*MemoryAppointmentRepo
	failCreate bool
	failUpdate bool
}

func (r *failingRepo) Create(ctx context.Context, a *Appointment) error {
	if r.failCreate {
		return errStore
	}
	return r.MemoryAppointmentRepo.Create(ctx, a)
}

func (r *failingRepo) Update(ctx context.Context, a *Appointment) error {
	if r.failUpdate {
		return errStore
	}
	return r.MemoryAppointmentRepo.Update(ctx, a)
}

// failingLedger wraps the memory ledger and fails releases on demand.
type failingLedger struct {
	*MemoryLedger
	failRelease bool
}

func (l *failingLedger) Release(ctx context.Context, doctorID, dateTime string) error {
	if l.failRelease {
		return errStore
	}
	return l.MemoryLedger.Release(ctx, doctorID, dateTime)
}

type lifecycleFixture struct {
	life   *Lifecycle
	ledger *MemoryLedger
	repo   *MemoryAppointmentRepo
	avail  *AvailabilityIndex
	clock  FixedClock
}

// newFixture runs "today" as 2025-12-05 08:00 UTC with the test roster:
// D001 09:00-10:00/30, D002 09:00-17:00/30, D003 with no slots.
func newFixture(t *testing.T, opts ...LifecycleOption) *lifecycleFixture {
	t.Helper()
	dir := mustDirectory(t)
	clock := FixedClock{T: time.Date(2025, 12, 5, 8, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger()
	repo := NewMemoryAppointmentRepo()
	return &lifecycleFixture{
		life:   NewLifecycle(ledger, repo, dir, clock, opts...),
		ledger: ledger,
		repo:   repo,
		avail:  NewAvailabilityIndex(dir, ledger, clock),
		clock:  clock,
	}
}

func (f *lifecycleFixture) book(t *testing.T, doctorID, patientID, dateTime, source string) *Appointment {
	t.Helper()
	a, err := f.life.Create(context.Background(), CreateRequest{
		DoctorID: doctorID, PatientID: patientID, DateTime: dateTime, Source: source,
	})
	if err != nil {
		t.Fatalf("Create(%s %s) error: %v", doctorID, dateTime, err)
	}
	return a
}

func (f *lifecycleFixture) booked(t *testing.T, doctorID, date string) []string {
	t.Helper()
	keys, err := f.ledger.BookedOn(context.Background(), doctorID, date)
	if err != nil {
		t.Fatalf("BookedOn() error: %v", err)
	}
	return keys
}

func TestLifecycle_CreateInitialStatus(t *testing.T) {
	f := newFixture(t)

	a := f.book(t, "D002", "P001", "2025-12-06T09:00", SourcePatient)
	if a.Status != StatusConfirmed {
		t.Errorf("patient booking status = %s, want confirmed", a.Status)
	}
	if a.ID == uuid.Nil {
		t.Error("expected an ID to be assigned")
	}

	b := f.book(t, "D002", "P002", "2025-12-06T09:30", SourceFrontDesk)
	if b.Status != StatusPending {
		t.Errorf("front-desk booking status = %s, want pending", b.Status)
	}

	c := f.book(t, "D002", "P003", "2025-12-06T10:00", "")
	if c.Source != SourcePatient || c.Status != StatusConfirmed {
		t.Errorf("empty source should default to patient, got %s/%s", c.Source, c.Status)
	}

	if got := f.booked(t, "D002", "2025-12-06"); len(got) != 3 {
		t.Errorf("ledger holds %v, want 3 entries", got)
	}
}

func TestLifecycle_CreateNormalizesDateTime(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "D002", "P001", "2025-12-06 9:30", SourcePatient)
	if a.DateTime != "2025-12-06T09:30" {
		t.Errorf("DateTime = %s, want canonical form", a.DateTime)
	}
	if _, err := f.life.Create(context.Background(), CreateRequest{
		DoctorID: "D002", PatientID: "P002", DateTime: "2025-12-06T09:30:00",
	}); !errors.Is(err, ErrSlotConflict) {
		t.Errorf("differently spelled duplicate = %v, want ErrSlotConflict", err)
	}
}

func TestLifecycle_CreateConflictStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "D001", "P001", "2025-12-06T09:00", SourcePatient)

	_, err := f.life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P002", DateTime: "2025-12-06T09:00"})
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
	items, _ := f.repo.ListByDoctorOn(ctx, "D001", "2025-12-06")
	if len(items) != 1 || items[0].PatientID != "P001" {
		t.Errorf("conflict must not store an appointment, have %d", len(items))
	}
}

func TestLifecycle_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing doctor", CreateRequest{PatientID: "P001", DateTime: "2025-12-06T09:00"}},
		{"missing patient", CreateRequest{DoctorID: "D001", DateTime: "2025-12-06T09:00"}},
		{"unknown source", CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "2025-12-06T09:00", Source: "fax"}},
		{"past day", CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "2025-12-04T09:00"}},
		{"not on the grid", CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "2025-12-06T09:15"}},
		{"outside hours", CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "2025-12-06T10:00"}},
		{"doctor without slots", CreateRequest{DoctorID: "D003", PatientID: "P001", DateTime: "2025-12-06T09:00"}},
		{"garbage datetime", CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.life.Create(ctx, tt.req); !IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
	if f.ledger.Len() != 0 {
		t.Errorf("rejected requests must not touch the ledger, have %d", f.ledger.Len())
	}

	_, err := f.life.Create(ctx, CreateRequest{DoctorID: "D404", PatientID: "P001", DateTime: "2025-12-06T09:00"})
	if !errors.Is(err, ErrDoctorNotFound) {
		t.Errorf("expected ErrDoctorNotFound, got %v", err)
	}
}

func TestLifecycle_CreateTodayEarlierSlot(t *testing.T) {
	f := newFixture(t)
	// The clock reads 08:00; later slots today are bookable.
	a := f.book(t, "D002", "P001", "2025-12-05T16:30", SourceWalkIn)
	if a.Status != StatusPending || a.Source != SourceWalkIn {
		t.Errorf("unexpected walk-in: %+v", a)
	}
}

func TestLifecycle_CreateStoreFailureReleasesSlot(t *testing.T) {
	dir := mustDirectory(t)
	ledger := NewMemoryLedger()
	repo := &failingRepo{MemoryAppointmentRepo: NewMemoryAppointmentRepo(), failCreate: true}
	life := NewLifecycle(ledger, repo, dir, FixedClock{T: time.Date(2025, 12, 5, 8, 0, 0, 0, time.UTC)})

	_, err := life.Create(context.Background(), CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "2025-12-06T09:00"})
	if !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if errors.Is(err, ErrSlotConflict) {
		t.Error("a store failure must not look like a conflict")
	}
	if ledger.Len() != 0 {
		t.Errorf("slot must be released after a failed store, ledger has %d", ledger.Len())
	}
}

func TestLifecycle_ConcurrentCreateOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.life.Create(ctx, CreateRequest{
				DoctorID: "D001", PatientID: fmt.Sprintf("P%03d", i), DateTime: "2025-12-06T09:00",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrSlotConflict):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one booking, got %d", wins)
	}
	items, _ := f.repo.ListByDoctorOn(ctx, "D001", "2025-12-06")
	if len(items) != 1 {
		t.Errorf("expected one stored appointment, got %d", len(items))
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "D002", "P001", "2025-12-06T09:00", SourceFrontDesk)

	if _, err := f.life.Complete(ctx, a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete from pending = %v, want ErrInvalidTransition", err)
	}

	got, err := f.life.Confirm(ctx, a.ID)
	if err != nil {
		t.Fatalf("Confirm() error: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}

	_, err = f.life.Confirm(ctx, a.ID)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("second confirm = %v, want TransitionError", err)
	}
	if te.From != StatusConfirmed || te.To != StatusConfirmed {
		t.Errorf("unexpected transition error: %+v", te)
	}

	got, err = f.life.Complete(ctx, a.ID)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	for name, op := range map[string]func() error{
		"cancel":     func() error { _, err := f.life.Cancel(ctx, a.ID, ""); return err },
		"confirm":    func() error { _, err := f.life.Confirm(ctx, a.ID); return err },
		"reschedule": func() error { _, err := f.life.Reschedule(ctx, a.ID, "2025-12-06T11:00"); return err },
	} {
		if err := op(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s of completed appointment = %v, want ErrInvalidTransition", name, err)
		}
	}

	// Completion keeps the slot occupied.
	if got := f.booked(t, "D002", "2025-12-06"); len(got) != 1 {
		t.Errorf("completed appointment should still hold its slot, ledger has %v", got)
	}
}

func TestLifecycle_UnknownAppointment(t *testing.T) {
	f := newFixture(t)
	if _, err := f.life.Confirm(context.Background(), uuid.New()); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}
	if _, err := f.life.Reschedule(context.Background(), uuid.New(), "2025-12-06T09:00"); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}
}

func TestLifecycle_CancelFreesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "D001", "P001", "2025-12-06T09:00", SourcePatient)

	got, err := f.life.Cancel(ctx, a.ID, "feeling better")
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if got.Status != StatusCancelled || strVal(got.CancellationReason) != "feeling better" {
		t.Errorf("unexpected cancelled appointment: %+v", got)
	}
	if keys := f.booked(t, "D001", "2025-12-06"); len(keys) != 0 {
		t.Errorf("cancel should release the slot, ledger has %v", keys)
	}

	b := f.book(t, "D001", "P002", "2025-12-06T09:00", SourcePatient)
	if b.ID == a.ID {
		t.Error("rebooking must create a new appointment")
	}

	if _, err := f.life.Cancel(ctx, a.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second cancel = %v, want ErrInvalidTransition", err)
	}
	// The failed second cancel must not release P002's booking.
	if keys := f.booked(t, "D001", "2025-12-06"); len(keys) != 1 {
		t.Errorf("ledger = %v, want the rebooked slot", keys)
	}
}

func TestLifecycle_CancelReleaseFailureKeepsSlotBlocked(t *testing.T) {
	dir := mustDirectory(t)
	ledger := &failingLedger{MemoryLedger: NewMemoryLedger()}
	repo := NewMemoryAppointmentRepo()
	life := NewLifecycle(ledger, repo, dir, FixedClock{T: time.Date(2025, 12, 5, 8, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	a, err := life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "2025-12-06T09:00"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	ledger.failRelease = true
	if _, err := life.Cancel(ctx, a.ID, ""); !errors.Is(err, errStore) {
		t.Fatalf("expected release error, got %v", err)
	}
	stored, _ := repo.GetByID(ctx, a.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
	if _, err := life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P002", DateTime: "2025-12-06T09:00"}); !errors.Is(err, ErrSlotConflict) {
		t.Errorf("unreleased slot must stay blocked, got %v", err)
	}
}

// Two 30 minute slots between 09:00 and 10:00: booking both makes the day
// unavailable, cancelling one reopens it.
func TestLifecycle_FullDayScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2025, 12, 6, 0, 0, 0, 0, time.UTC)

	first := f.book(t, "D001", "P001", "2025-12-06T09:00", SourcePatient)
	f.book(t, "D001", "P002", "2025-12-06T09:30", SourcePatient)

	board, err := f.avail.Day(ctx, "D001", day)
	if err != nil {
		t.Fatalf("Day() error: %v", err)
	}
	if board.Status != DayUnavailable || !board.NoTimesAvailable || board.Message != NoTimesMessage {
		t.Fatalf("expected a fully booked day, got %+v", board)
	}

	if _, err := f.life.Cancel(ctx, first.ID, ""); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	board, err = f.avail.Day(ctx, "D001", day)
	if err != nil {
		t.Fatalf("Day() error: %v", err)
	}
	if board.Status != DayAvailable || board.OpenCount != 1 {
		t.Fatalf("expected one open slot, got %+v", board)
	}
	if board.Slots[0].DateTime != "2025-12-06T09:00" || board.Slots[0].Status != SlotOpen {
		t.Errorf("expected 09:00 open again, got %+v", board.Slots[0])
	}
}

func TestLifecycle_Reschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "D002", "P001", "2025-12-06T09:00", SourcePatient)

	got, err := f.life.Reschedule(ctx, a.ID, "2025-12-07 14:30")
	if err != nil {
		t.Fatalf("Reschedule() error: %v", err)
	}
	if got.DateTime != "2025-12-07T14:30" || got.Status != StatusConfirmed {
		t.Errorf("unexpected rescheduled appointment: %+v", got)
	}
	if keys := f.booked(t, "D002", "2025-12-06"); len(keys) != 0 {
		t.Errorf("old slot should be free, ledger has %v", keys)
	}
	if keys := f.booked(t, "D002", "2025-12-07"); len(keys) != 1 || keys[0] != "2025-12-07T14:30" {
		t.Errorf("new slot should be held, ledger has %v", keys)
	}
}

func TestLifecycle_RescheduleConflictKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "D001", "P001", "2025-12-06T09:00", SourcePatient)
	f.book(t, "D001", "P002", "2025-12-06T09:30", SourcePatient)

	if _, err := f.life.Reschedule(ctx, a.ID, "2025-12-06T09:30"); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
	stored, _ := f.life.Get(ctx, a.ID)
	if stored.DateTime != "2025-12-06T09:00" {
		t.Errorf("appointment moved to %s despite the conflict", stored.DateTime)
	}
	keys := f.booked(t, "D001", "2025-12-06")
	if len(keys) != 2 {
		t.Errorf("both slots should stay booked, ledger has %v", keys)
	}
}

func TestLifecycle_RescheduleStoreFailureKeepsOriginal(t *testing.T) {
	dir := mustDirectory(t)
	ledger := NewMemoryLedger()
	repo := &failingRepo{MemoryAppointmentRepo: NewMemoryAppointmentRepo()}
	life := NewLifecycle(ledger, repo, dir, FixedClock{T: time.Date(2025, 12, 5, 8, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	a, err := life.Create(ctx, CreateRequest{DoctorID: "D002", PatientID: "P001", DateTime: "2025-12-06T09:00"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	repo.failUpdate = true
	if _, err := life.Reschedule(ctx, a.ID, "2025-12-06T11:00"); !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	keys, _ := ledger.BookedOn(ctx, "D002", "2025-12-06")
	if len(keys) != 1 || keys[0] != "2025-12-06T09:00" {
		t.Errorf("only the original slot should be held, ledger has %v", keys)
	}
}

func TestLifecycle_RescheduleRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "D001", "P001", "2025-12-06T09:00", SourcePatient)

	if _, err := f.life.Reschedule(ctx, a.ID, "2025-12-06T09:00"); !IsValidation(err) {
		t.Errorf("same slot = %v, want ValidationError", err)
	}
	if _, err := f.life.Reschedule(ctx, a.ID, "2025-12-06T09:10"); !IsValidation(err) {
		t.Errorf("off-grid slot = %v, want ValidationError", err)
	}
	if _, err := f.life.Reschedule(ctx, a.ID, "2025-12-01T09:00"); !IsValidation(err) {
		t.Errorf("past day = %v, want ValidationError", err)
	}

	if _, err := f.life.Cancel(ctx, a.ID, ""); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if _, err := f.life.Reschedule(ctx, a.ID, "2025-12-06T09:30"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reschedule of cancelled = %v, want ErrInvalidTransition", err)
	}
	if f.ledger.Len() != 0 {
		t.Errorf("rejected reschedules must not book, ledger has %d", f.ledger.Len())
	}
}

func TestLifecycle_OnChange(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	f := newFixture(t, OnChange(func(_ context.Context, a *Appointment) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, a.Status)
	}))
	ctx := context.Background()

	a := f.book(t, "D002", "P001", "2025-12-06T09:00", SourceFrontDesk)
	if _, err := f.life.Confirm(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.life.Reschedule(ctx, a.ID, "2025-12-06T10:00"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.life.Cancel(ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, _ = f.life.Confirm(ctx, a.ID)

	want := "pending,confirmed,confirmed,cancelled"
	if got := strings.Join(seen, ","); got != want {
		t.Errorf("change notifications = %s, want %s", got, want)
	}
}

func TestLifecycle_FeedsQueue(t *testing.T) {
	clock := FixedClock{T: time.Date(2025, 12, 5, 8, 0, 0, 0, time.UTC)}
	q := NewQueueTracker(clock, nil)
	f := newFixture(t, OnChange(q.Sync))
	ctx := context.Background()

	today := f.book(t, "D002", "P001", "2025-12-05T09:00", SourceWalkIn)
	f.book(t, "D002", "P002", "2025-12-06T09:00", SourcePatient)

	entries := q.Entries()
	if len(entries) != 1 || entries[0].AppointmentID != today.ID || entries[0].Status != QueueWaiting {
		t.Fatalf("expected today's booking waiting in the queue, got %+v", entries)
	}

	if _, err := f.life.Cancel(ctx, today.ID, ""); err != nil {
		t.Fatal(err)
	}
	if len(q.Entries()) != 0 {
		t.Errorf("cancelled appointment should leave the queue, got %+v", q.Entries())
	}
}

func TestLifecycle_ListsAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.book(t, "D002", "P001", "2025-12-06T09:00", SourceFrontDesk)
	b := f.book(t, "D001", "P001", "2025-12-06T09:30", SourcePatient)
	c := f.book(t, "D002", "P002", "2025-12-06T10:00", SourcePatient)
	f.book(t, "D002", "P001", "2025-12-07T10:00", SourcePatient)
	if _, err := f.life.Cancel(ctx, c.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.life.Complete(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	all, err := f.life.ListByDoctorOn(ctx, "", "2025-12-06")
	if err != nil {
		t.Fatalf("ListByDoctorOn() error: %v", err)
	}
	if len(all) != 3 || all[0].ID != a.ID || all[1].ID != b.ID {
		t.Errorf("expected the day's three appointments in time order, got %d", len(all))
	}

	mine, total, err := f.life.ListByPatient(ctx, "P001", 2, 0)
	if err != nil {
		t.Fatalf("ListByPatient() error: %v", err)
	}
	if total != 3 || len(mine) != 2 || mine[0].DateTime != "2025-12-07T10:00" {
		t.Errorf("unexpected patient page: total=%d len=%d", total, len(mine))
	}

	st, err := f.life.Stats(ctx, "2025-12-06")
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if st.Total != 3 || st.Pending != 1 || st.Completed != 1 || st.Cancelled != 1 || st.Confirmed != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}

	if _, err := f.life.ListByDoctorOn(ctx, "D001", "06-12-2025"); !IsValidation(err) {
		t.Errorf("bad date = %v, want ValidationError", err)
	}
	if _, err := f.life.ListByDoctorOn(ctx, "D404", "2025-12-06"); !errors.Is(err, ErrDoctorNotFound) {
		t.Errorf("unknown doctor = %v, want ErrDoctorNotFound", err)
	}
	if _, _, err := f.life.ListByPatient(ctx, "", 10, 0); !IsValidation(err) {
		t.Errorf("empty patient = %v, want ValidationError", err)
	}
	if f.life.Today() != "2025-12-05" {
		t.Errorf("Today() = %s", f.life.Today())
	}
}

func TestLifecycle_Metrics(t *testing.T) {
	m := telemetry.NewMetrics()
	f := newFixture(t, WithMetrics(m))
	ctx := context.Background()

	a := f.book(t, "D001", "P001", "2025-12-06T09:00", SourcePatient)
	_, _ = f.life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P002", DateTime: "2025-12-06T09:00"})
	_, _ = f.life.Complete(ctx, a.ID)
	_, _ = f.life.Complete(ctx, a.ID)

	expected := `
# HELP clinic_booking_attempts_total Slot booking attempts by outcome
# TYPE clinic_booking_attempts_total counter
clinic_booking_attempts_total{result="booked"} 1
clinic_booking_attempts_total{result="conflict"} 1
# HELP clinic_transitions_total Appointment and queue state transitions
# TYPE clinic_transitions_total counter
clinic_transitions_total{machine="appointment",result="ok",to="completed"} 1
clinic_transitions_total{machine="appointment",result="rejected",to="completed"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"clinic_booking_attempts_total", "clinic_transitions_total"); err != nil {
		t.Error(err)
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]string{
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusCancelled},
		{StatusConfirmed, StatusCompleted},
		{StatusConfirmed, StatusCancelled},
	}
	for _, p := range legal {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be legal", p[0], p[1])
		}
	}
	illegal := [][2]string{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusConfirmed},
		{StatusCancelled, StatusPending},
		{StatusConfirmed, StatusPending},
	}
	for _, p := range illegal {
		if CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be rejected", p[0], p[1])
		}
	}
}

type stagedTxKey struct{}

type stagedTx struct{ slots [][2]string }

// rollbackTx undoes every booking a failed fn made through stagedLedger,
// then runs afterRollback once, before control returns to the lifecycle.
type rollbackTx struct {
	ledger        *MemoryLedger
	afterRollback func()
}

func (r *rollbackTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := &stagedTx{}
	if err := fn(context.WithValue(ctx, stagedTxKey{}, tx)); err != nil {
		for _, s := range tx.slots {
			_ = r.ledger.Release(ctx, s[0], s[1])
		}
		if hook := r.afterRollback; hook != nil {
			r.afterRollback = nil
			hook()
		}
		return err
	}
	return nil
}

// stagedLedger joins rollbackTx transactions the way PGLedger joins
// database ones.
type stagedLedger struct{ *MemoryLedger }

func (l stagedLedger) AttemptBook(ctx context.Context, doctorID, dateTime string) error {
	if err := l.MemoryLedger.AttemptBook(ctx, doctorID, dateTime); err != nil {
		return err
	}
	if tx, ok := ctx.Value(stagedTxKey{}).(*stagedTx); ok {
		tx.slots = append(tx.slots, [2]string{doctorID, dateTime})
	}
	return nil
}

func (l stagedLedger) Enlisted(ctx context.Context) bool {
	_, ok := ctx.Value(stagedTxKey{}).(*stagedTx)
	return ok
}

func newRollbackFixture(t *testing.T) (*Lifecycle, *MemoryLedger, *failingRepo, *rollbackTx) {
	t.Helper()
	mem := NewMemoryLedger()
	repo := &failingRepo{MemoryAppointmentRepo: NewMemoryAppointmentRepo()}
	tx := &rollbackTx{ledger: mem}
	clock := FixedClock{T: time.Date(2025, 12, 5, 8, 0, 0, 0, time.UTC)}
	return NewLifecycle(stagedLedger{mem}, repo, mustDirectory(t), clock, WithTx(tx)), mem, repo, tx
}

func TestLifecycle_CreateRollbackKeepsLaterBooking(t *testing.T) {
	life, mem, repo, tx := newRollbackFixture(t)
	ctx := context.Background()
	slot := "2025-12-06T09:00"

	var winner *Appointment
	tx.afterRollback = func() {
		repo.failCreate = false
		var err error
		winner, err = life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P002", DateTime: slot})
		if err != nil {
			t.Errorf("booking after the rollback: %v", err)
		}
	}
	repo.failCreate = true
	if _, err := life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: slot}); !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if winner == nil {
		t.Fatal("the second booking never ran")
	}

	keys, _ := mem.BookedOn(ctx, "D001", "2025-12-06")
	if len(keys) != 1 || keys[0] != slot {
		t.Fatalf("the committed booking must keep its slot, ledger has %v", keys)
	}
	if _, err := life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P003", DateTime: slot}); !errors.Is(err, ErrSlotConflict) {
		t.Errorf("expected ErrSlotConflict for a third booking, got %v", err)
	}
}

func TestLifecycle_RescheduleRollbackKeepsLaterBooking(t *testing.T) {
	life, mem, repo, tx := newRollbackFixture(t)
	ctx := context.Background()

	a, err := life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "2025-12-06T09:00"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	tx.afterRollback = func() {
		repo.failUpdate = false
		if _, err := life.Create(ctx, CreateRequest{DoctorID: "D001", PatientID: "P002", DateTime: "2025-12-06T09:30"}); err != nil {
			t.Errorf("booking after the rollback: %v", err)
		}
	}
	repo.failUpdate = true
	if _, err := life.Reschedule(ctx, a.ID, "2025-12-06T09:30"); !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}

	keys, _ := mem.BookedOn(ctx, "D001", "2025-12-06")
	if len(keys) != 2 {
		t.Errorf("both the original and the later booking must hold their slots, ledger has %v", keys)
	}
}

func TestLifecycle_StoreFailureWithoutTxStillReleases(t *testing.T) {
	mem := NewMemoryLedger()
	repo := &failingRepo{MemoryAppointmentRepo: NewMemoryAppointmentRepo(), failCreate: true}
	clock := FixedClock{T: time.Date(2025, 12, 5, 8, 0, 0, 0, time.UTC)}
	life := NewLifecycle(stagedLedger{mem}, repo, mustDirectory(t), clock)

	if _, err := life.Create(context.Background(), CreateRequest{DoctorID: "D001", PatientID: "P001", DateTime: "2025-12-06T09:00"}); !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if mem.Len() != 0 {
		t.Errorf("a booking made outside a transaction must be released by hand, ledger has %d", mem.Len())
	}
}
