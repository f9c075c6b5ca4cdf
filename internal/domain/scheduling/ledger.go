package scheduling

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Ledger is the authoritative record of occupied slots per doctor.
//
// AttemptBook must perform its membership check and insert as one atomic
// step: of any number of concurrent callers for the same (doctor, datetime)
// exactly one succeeds and the rest get ErrSlotConflict.
type Ledger interface {
	AttemptBook(ctx context.Context, doctorID, dateTime string) error
	Release(ctx context.Context, doctorID, dateTime string) error
	BookedOn(ctx context.Context, doctorID, date string) ([]string, error)
}

// TxLedger is implemented by ledgers whose writes can join the transaction
// carried by ctx. A booking made while Enlisted reports true is undone by
// that transaction's rollback, so it must not be released by hand: the row
// may already belong to another booker.
type TxLedger interface {
	Enlisted(ctx context.Context) bool
}

func enlisted(ctx context.Context, l Ledger) bool {
	tl, ok := l.(TxLedger)
	return ok && tl.Enlisted(ctx)
}

// MemoryLedger keeps the booked set in process memory.
type MemoryLedger struct {
	mu     sync.Mutex
	booked map[string]map[string]struct{} // doctor ID -> datetime keys
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{booked: make(map[string]map[string]struct{})}
}

func (l *MemoryLedger) AttemptBook(_ context.Context, doctorID, dateTime string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.booked[doctorID]
	if !ok {
		set = make(map[string]struct{})
		l.booked[doctorID] = set
	}
	if _, taken := set[dateTime]; taken {
		return ErrSlotConflict
	}
	set[dateTime] = struct{}{}
	return nil
}

// Release is a no-op when the entry is absent.
func (l *MemoryLedger) Release(_ context.Context, doctorID, dateTime string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if set, ok := l.booked[doctorID]; ok {
		delete(set, dateTime)
		if len(set) == 0 {
			delete(l.booked, doctorID)
		}
	}
	return nil
}

func (l *MemoryLedger) BookedOn(_ context.Context, doctorID, date string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := date + "T"
	var out []string
	for k := range l.booked[doctorID] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of occupied slots across all doctors.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, set := range l.booked {
		n += len(set)
	}
	return n
}
