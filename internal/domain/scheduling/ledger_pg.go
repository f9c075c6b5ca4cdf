package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

// PGLedger stores booked slots in the booked_slot table. The primary key on
// (doctor_id, start_at) makes the insert the atomic check.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

// Enlisted reports whether ctx carries a transaction the ledger writes join.
func (l *PGLedger) Enlisted(ctx context.Context) bool {
	return db.TxFromContext(ctx) != nil
}

func (l *PGLedger) AttemptBook(ctx context.Context, doctorID, dateTime string) error {
	startAt, err := keyToTimestamp(dateTime)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, l.pool).Exec(ctx, `
		INSERT INTO booked_slot (doctor_id, start_at) VALUES ($1, $2)
		ON CONFLICT (doctor_id, start_at) DO NOTHING`, doctorID, startAt)
	if err != nil {
		return fmt.Errorf("insert booked slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotConflict
	}
	return nil
}

func (l *PGLedger) Release(ctx context.Context, doctorID, dateTime string) error {
	startAt, err := keyToTimestamp(dateTime)
	if err != nil {
		return err
	}
	if _, err := db.Conn(ctx, l.pool).Exec(ctx,
		`DELETE FROM booked_slot WHERE doctor_id = $1 AND start_at = $2`, doctorID, startAt); err != nil {
		return fmt.Errorf("delete booked slot: %w", err)
	}
	return nil
}

func (l *PGLedger) BookedOn(ctx context.Context, doctorID, date string) ([]string, error) {
	from, to, err := dayBounds(date)
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn(ctx, l.pool).Query(ctx, `
		SELECT start_at FROM booked_slot
		WHERE doctor_id = $1 AND start_at >= $2 AND start_at < $3
		ORDER BY start_at`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query booked slots: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan booked slot: %w", err)
		}
		out = append(out, timestampToKey(t))
	}
	return out, rows.Err()
}
