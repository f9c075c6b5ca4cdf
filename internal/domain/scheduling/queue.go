package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/telemetry"
)

// QueueStatus is the same-day front-desk progress of an appointment. It is
// separate from the appointment's business status.
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueArrived   QueueStatus = "arrived"
	QueueInRoom    QueueStatus = "in-room"
	QueueCompleted QueueStatus = "completed"
)

// QueueStatuses lists every queue status in display order.
var QueueStatuses = []QueueStatus{QueueWaiting, QueueArrived, QueueInRoom, QueueCompleted}

var queueTransitions = map[QueueStatus]map[QueueStatus]bool{
	QueueWaiting: {QueueArrived: true},
	QueueArrived: {QueueInRoom: true, QueueWaiting: true},
	QueueInRoom:  {QueueCompleted: true, QueueWaiting: true},
}

// CanMove reports whether the queue allows from -> to.
func CanMove(from, to QueueStatus) bool {
	return queueTransitions[from][to]
}

// QueueEntry is one of today's appointments at the front desk.
type QueueEntry struct {
	AppointmentID uuid.UUID   `json:"appointment_id"`
	DoctorID      string      `json:"doctor_id"`
	PatientID     string      `json:"patient_id"`
	DateTime      string      `json:"date_time"`
	Status        QueueStatus `json:"queue_status"`
}

// QueueTracker holds today's front-desk queue. Every method takes the one
// mutex, and the per-status counts are updated in the same critical section
// as the entry they describe.
type QueueTracker struct {
	mu      sync.Mutex
	clock   Clock
	metrics *telemetry.Metrics

	day     string
	loaded  bool
	entries map[uuid.UUID]*QueueEntry
	counts  map[QueueStatus]int
}

func NewQueueTracker(clock Clock, metrics *telemetry.Metrics) *QueueTracker {
	q := &QueueTracker{clock: clock, metrics: metrics}
	q.reset(FormatDate(today(clock)))
	return q
}

func (q *QueueTracker) reset(day string) {
	q.day = day
	q.loaded = false
	q.entries = make(map[uuid.UUID]*QueueEntry)
	q.counts = make(map[QueueStatus]int, len(QueueStatuses))
	for _, s := range QueueStatuses {
		q.counts[s] = 0
	}
}

// rollover empties the queue once the clinic day has changed. Callers hold
// q.mu.
func (q *QueueTracker) rollover() {
	if d := FormatDate(today(q.clock)); d != q.day {
		q.reset(d)
		q.publish()
	}
}

func (q *QueueTracker) publish() {
	if q.metrics == nil {
		return
	}
	out := make(map[string]int, len(q.counts))
	for s, n := range q.counts {
		out[string(s)] = n
	}
	q.metrics.SetQueue(out)
}

func initialQueueStatus(a *Appointment) QueueStatus {
	if a.Status == StatusCompleted {
		return QueueCompleted
	}
	return QueueWaiting
}

// BuildRoster replaces the queue with today's non-cancelled appointments.
// Appointments for other days are ignored and completed ones enter as
// completed.
func (q *QueueTracker) BuildRoster(appts []*Appointment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.build(appts)
}

// RosterLoader reads the appointments stored for day.
type RosterLoader func(ctx context.Context, day string) ([]*Appointment, error)

// EnsureRoster loads the current day's roster unless it is already loaded.
// The mutex is held across load, so concurrent callers load once and no
// Move or Sync can land on a roster that is about to be replaced.
func (q *QueueTracker) EnsureRoster(ctx context.Context, load RosterLoader) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	if q.loaded {
		return nil
	}
	appts, err := load(ctx, q.day)
	if err != nil {
		return fmt.Errorf("load queue roster for %s: %w", q.day, err)
	}
	q.build(appts)
	return nil
}

// build resets the queue to appts. Callers hold q.mu.
func (q *QueueTracker) build(appts []*Appointment) {
	q.reset(FormatDate(today(q.clock)))
	q.loaded = true
	for _, a := range appts {
		if a.Status == StatusCancelled || a.Day() != q.day {
			continue
		}
		q.add(a)
	}
	q.publish()
}

func (q *QueueTracker) add(a *Appointment) {
	e := &QueueEntry{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		DateTime:      a.DateTime,
		Status:        initialQueueStatus(a),
	}
	q.entries[a.ID] = e
	q.counts[e.Status]++
}

func (q *QueueTracker) remove(id uuid.UUID) bool {
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	q.counts[e.Status]--
	delete(q.entries, id)
	return true
}

// Sync keeps the roster in step with an appointment change made during the
// day: a new booking for today joins as waiting, a cancellation or a move to
// another day leaves the queue, and a same-day reschedule updates the time.
// Queue status of an existing entry is never changed here.
func (q *QueueTracker) Sync(_ context.Context, a *Appointment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()

	e, present := q.entries[a.ID]
	switch {
	case a.Status == StatusCancelled || a.Day() != q.day:
		if present {
			q.remove(a.ID)
		}
	case present:
		e.DateTime = a.DateTime
	default:
		q.add(a)
	}
	q.publish()
}

// Drop removes an appointment from the queue, reporting whether it was
// there.
func (q *QueueTracker) Drop(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	ok := q.remove(id)
	q.publish()
	return ok
}

// Move applies one queue transition. An illegal move returns an
// ErrInvalidQueueTransition and changes nothing.
func (q *QueueTracker) Move(id uuid.UUID, to QueueStatus) (QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()

	e, ok := q.entries[id]
	if !ok {
		return QueueEntry{}, ErrNotInQueue
	}
	if !CanMove(e.Status, to) {
		err := invalidQueueTransition(id.String(), string(e.Status), string(to))
		q.metrics.ObserveTransition("queue", string(to), err)
		return QueueEntry{}, err
	}
	q.counts[e.Status]--
	q.counts[to]++
	e.Status = to
	q.metrics.ObserveTransition("queue", string(to), nil)
	q.publish()
	return *e, nil
}

func (q *QueueTracker) Arrive(id uuid.UUID) (QueueEntry, error)   { return q.Move(id, QueueArrived) }
func (q *QueueTracker) Admit(id uuid.UUID) (QueueEntry, error)    { return q.Move(id, QueueInRoom) }
func (q *QueueTracker) Complete(id uuid.UUID) (QueueEntry, error) { return q.Move(id, QueueCompleted) }
func (q *QueueTracker) SendBack(id uuid.UUID) (QueueEntry, error) { return q.Move(id, QueueWaiting) }

// Get returns one entry.
func (q *QueueTracker) Get(id uuid.UUID) (QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	e, ok := q.entries[id]
	if !ok {
		return QueueEntry{}, ErrNotInQueue
	}
	return *e, nil
}

// Entries returns a snapshot ordered by appointment time.
func (q *QueueTracker) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()

	out := make([]QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateTime != out[j].DateTime {
			return out[i].DateTime < out[j].DateTime
		}
		return out[i].DoctorID < out[j].DoctorID
	})
	return out
}

// Counts returns the number of entries per status.
func (q *QueueTracker) Counts() map[QueueStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()

	out := make(map[QueueStatus]int, len(q.counts))
	for s, n := range q.counts {
		out[s] = n
	}
	return out
}

// Day returns the clinic day the queue currently holds.
func (q *QueueTracker) Day() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.day
}

// Loaded reports whether BuildRoster has run for the current day.
func (q *QueueTracker) Loaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.loaded
}
