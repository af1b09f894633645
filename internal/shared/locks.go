package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StudentLockKey builds redis keys for per-student billing critical sections.
func StudentLockKey(studentID string) string {
	return fmt.Sprintf("billing:student:%s:lock", studentID)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// StudentLocker serialises billing mutations for one student across processes.
type StudentLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStudentLocker constructs the locker. A nil client yields a locker that always succeeds.
func NewStudentLocker(client *redis.Client, ttl time.Duration) *StudentLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &StudentLocker{client: client, ttl: ttl}
}

// Acquire takes the lock and returns its release function. ErrLocked is returned when
// another holder owns the key.
func (l *StudentLocker) Acquire(ctx context.Context, studentID string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	if studentID == "" {
		return nil, errors.New("lock: student id required")
	}
	key := StudentLockKey(studentID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		// Release on a fresh context so a cancelled request still frees the key.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
