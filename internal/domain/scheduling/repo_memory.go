package scheduling

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryAppointmentRepo keeps appointments in process memory. Callers get
// copies, so mutating a returned appointment does not change the store.
type MemoryAppointmentRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
}

func NewMemoryAppointmentRepo() *MemoryAppointmentRepo {
	return &MemoryAppointmentRepo{items: make(map[uuid.UUID]*Appointment)}
}

func (r *MemoryAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.items[a.ID] = a.clone()
	return nil
}

func (r *MemoryAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return a.clone(), nil
}

func (r *MemoryAppointmentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r *MemoryAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	r.items[a.ID] = a.clone()
	return nil
}

func (r *MemoryAppointmentRepo) ListByDoctorOn(_ context.Context, doctorID, date string) ([]*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Appointment
	for _, a := range r.items {
		if (doctorID == "" || a.DoctorID == doctorID) && a.Day() == date {
			out = append(out, a.clone())
		}
	}
	sortByDateTime(out)
	return out, nil
}

func (r *MemoryAppointmentRepo) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Appointment
	for _, a := range r.items {
		if a.PatientID == patientID {
			all = append(all, a)
		}
	}
	// Newest first, like the patient's "my appointments" page.
	sort.Slice(all, func(i, j int) bool {
		if all[i].DateTime != all[j].DateTime {
			return all[i].DateTime > all[j].DateTime
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*Appointment, 0, end-offset)
	for _, a := range all[offset:end] {
		out = append(out, a.clone())
	}
	return out, total, nil
}

func sortByDateTime(items []*Appointment) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].DateTime != items[j].DateTime {
			return items[i].DateTime < items[j].DateTime
		}
		return items[i].DoctorID < items[j].DoctorID
	})
}
