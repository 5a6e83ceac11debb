package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, slog.Default()), mr
}

func TestAcquireLockExclusive(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	ok, err := l.AcquireLock(ctx, "task-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = l.AcquireLock(ctx, "task-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail while lock held")
	}

	l.ReleaseLock(ctx, "task-1")
	ok, err = l.AcquireLock(ctx, "task-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestLockExpires(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()

	if ok, _ := l.AcquireLock(ctx, "task-2"); !ok {
		t.Fatal("expected acquire to succeed")
	}
	mr.FastForward(LockTTL + time.Second)
	if ok, _ := l.AcquireLock(ctx, "task-2"); !ok {
		t.Fatal("expected lock to expire after TTL")
	}
}

func TestMarkDebitedOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	won, err := l.MarkDebited(ctx, "task-3")
	if err != nil {
		t.Fatalf("mark debited: %v", err)
	}
	if !won {
		t.Fatal("expected first marker claim to win")
	}

	for i := 0; i < 3; i++ {
		won, err = l.MarkDebited(ctx, "task-3")
		if err != nil {
			t.Fatalf("mark debited replay: %v", err)
		}
		if won {
			t.Fatal("expected replayed marker claim to lose")
		}
	}

	debited, err := l.IsDebited(ctx, "task-3")
	if err != nil {
		t.Fatalf("is debited: %v", err)
	}
	if !debited {
		t.Fatal("expected debit marker to exist")
	}
}

func TestClearDebitedReArms(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if won, _ := l.MarkDebited(ctx, "task-4"); !won {
		t.Fatal("expected first claim to win")
	}
	if err := l.ClearDebited(ctx, "task-4"); err != nil {
		t.Fatalf("clear debited: %v", err)
	}
	if won, _ := l.MarkDebited(ctx, "task-4"); !won {
		t.Fatal("expected claim to win again after clear")
	}
}

func TestPendingMarker(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()

	if err := l.SetPending(ctx, "task-5", time.Minute); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if !mr.Exists("task:pending:task-5") {
		t.Fatal("expected pending key")
	}
	l.ClearPending(ctx, "task-5")
	if mr.Exists("task:pending:task-5") {
		t.Fatal("expected pending key cleared")
	}
}
