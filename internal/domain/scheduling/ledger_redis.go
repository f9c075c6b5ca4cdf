package scheduling

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces ledger keys: <prefix><doctor>:<date>.
const DefaultRedisKeyPrefix = "clinic:ledger:"

// RedisLedger keeps one Redis set per doctor-day. SADD reports whether the
// member was new, which makes it the atomic check-then-insert.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) key(doctorID, date string) string {
	return l.prefix + doctorID + ":" + date
}

func dayOf(dateTime string) (string, error) {
	if len(dateTime) != len(dateTimeLayout) {
		return "", &ValidationError{Field: "date_time", Reason: fmt.Sprintf("%q is not YYYY-MM-DDTHH:MM", dateTime)}
	}
	return dateTime[:len(dateLayout)], nil
}

func (l *RedisLedger) AttemptBook(ctx context.Context, doctorID, dateTime string) error {
	day, err := dayOf(dateTime)
	if err != nil {
		return err
	}
	added, err := l.client.SAdd(ctx, l.key(doctorID, day), dateTime).Result()
	if err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	if added == 0 {
		return ErrSlotConflict
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, doctorID, dateTime string) error {
	day, err := dayOf(dateTime)
	if err != nil {
		return err
	}
	if err := l.client.SRem(ctx, l.key(doctorID, day), dateTime).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

func (l *RedisLedger) BookedOn(ctx context.Context, doctorID, date string) ([]string, error) {
	members, err := l.client.SMembers(ctx, l.key(doctorID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(members)
	return members, nil
}
