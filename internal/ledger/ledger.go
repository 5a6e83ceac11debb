package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix    = "wb:lock:"
	debitedKeyPrefix = "credits:debited:"
	pendingKeyPrefix = "task:pending:"

	// DebitedTTL keeps the debit marker long enough to outlive any realistic
	// webhook redelivery window.
	DebitedTTL = 24 * time.Hour

	// LockTTL bounds how long a crashed reconciler can hold a task lock.
	LockTTL = 180 * time.Second
)

// Ledger records "already handled" markers for generation tasks in Redis.
// Both the webhook lock and the debited marker rely on the atomic SET NX
// primitive; a read-then-write pair would not survive concurrent deliveries.
type Ledger struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Ledger {
	return &Ledger{
		client: client,
		logger: logger.With("component", "ledger"),
	}
}

// AcquireLock takes the short-TTL exclusive webhook lock for taskID. Returns
// false when another delivery of the same webhook holds it.
func (l *Ledger) AcquireLock(ctx context.Context, taskID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+taskID, "1", LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", taskID, err)
	}
	return ok, nil
}

// ReleaseLock drops the webhook lock. Failures are logged, not returned: the
// TTL recovers the lock eventually either way.
func (l *Ledger) ReleaseLock(ctx context.Context, taskID string) {
	if err := l.client.Del(ctx, lockKeyPrefix+taskID).Err(); err != nil {
		l.logger.Warn("release lock failed", "task_id", taskID, "error", err)
	}
}

// MarkDebited atomically claims the debit for taskID. Returns true when this
// caller won the marker and must perform the balance decrement; false when
// credits were already debited by a prior attempt.
func (l *Ledger) MarkDebited(ctx context.Context, taskID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, debitedKeyPrefix+taskID, "1", DebitedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark debited %s: %w", taskID, err)
	}
	return ok, nil
}

// IsDebited reports whether a debit marker exists for taskID.
func (l *Ledger) IsDebited(ctx context.Context, taskID string) (bool, error) {
	n, err := l.client.Exists(ctx, debitedKeyPrefix+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("check debited %s: %w", taskID, err)
	}
	return n > 0, nil
}

// ClearDebited removes the debit marker, re-arming the refund path.
func (l *Ledger) ClearDebited(ctx context.Context, taskID string) error {
	if err := l.client.Del(ctx, debitedKeyPrefix+taskID).Err(); err != nil {
		return fmt.Errorf("clear debited %s: %w", taskID, err)
	}
	return nil
}

// SetPending marks a task as awaiting its webhook.
func (l *Ledger) SetPending(ctx context.Context, taskID string, ttl time.Duration) error {
	if err := l.client.Set(ctx, pendingKeyPrefix+taskID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set pending %s: %w", taskID, err)
	}
	return nil
}

// ClearPending is bookkeeping on webhook arrival; errors are swallowed.
func (l *Ledger) ClearPending(ctx context.Context, taskID string) {
	if err := l.client.Del(ctx, pendingKeyPrefix+taskID).Err(); err != nil {
		l.logger.Warn("clear pending failed", "task_id", taskID, "error", err)
	}
}
