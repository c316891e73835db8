package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLockNotAcquired means another request currently holds the slot.
var ErrLockNotAcquired = errors.New("slot lock not acquired")

const slotKeyPrefix = "lock:slot:"

// Locker serialises booking attempts for one provider slot. It sits in front
// of the store's transactional checks and never replaces them.
type Locker interface {
	WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// SlotLocker holds a Redis key per slot for at most ttl. The key stores a
// random token so only the holder can delete it.
type SlotLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisSlotLocker creates a locker whose critical sections run with a
// deadline of ttl. Release failures are logged to log and otherwise ignored:
// the key expires on its own.
func NewRedisSlotLocker(client redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *SlotLocker {
	return &SlotLocker{client: client, ttl: ttl, log: log}
}

func (l *SlotLocker) WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	key = slotKeyPrefix + key
	token := uuid.NewString()

	err := l.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: l.ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return ErrLockNotAcquired
	case err != nil:
		return fmt.Errorf("acquire slot lock %s: %w", key, err)
	}

	defer func() {
		if err := l.release(context.WithoutCancel(ctx), key, token); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("slot lock release failed, waiting for expiry")
		}
	}()

	held, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(held)
}

// Deletes KEYS[1] only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *SlotLocker) release(ctx context.Context, key, token string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

// NoopLocker runs fn directly. Used when Redis is disabled; the store's
// transaction locks and unique index still serialise bookings.
type NoopLocker struct{}

func (NoopLocker) WithSlotLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
