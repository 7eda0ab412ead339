package rdx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockerExclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Obtain(ctx, "billing:recurring:2024-03-01", time.Minute, 1)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if _, err := l.Obtain(ctx, "billing:recurring:2024-03-01", time.Minute, 2); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := l.Obtain(ctx, "billing:recurring:2024-03-02", time.Minute, 1); err != nil {
		t.Fatalf("other key should be free: %v", err)
	}

	unlock()
	if _, err := l.Obtain(ctx, "billing:recurring:2024-03-01", time.Minute, 1); err != nil {
		t.Fatalf("obtain after unlock: %v", err)
	}
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	if _, err := l.Obtain(ctx, "k", 10*time.Millisecond, 1); err != nil {
		t.Fatalf("obtain: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := l.Obtain(ctx, "k", time.Minute, 1); err != nil {
		t.Fatalf("expired lock should be reclaimable: %v", err)
	}
}

func TestLocalLockerStaleUnlockKeepsNewHolder(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	stale, err := l.Obtain(ctx, "sponsorship:sp-1", 10*time.Millisecond, 1)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := l.Obtain(ctx, "sponsorship:sp-1", time.Minute, 1); err != nil {
		t.Fatalf("second holder: %v", err)
	}

	stale()
	if _, err := l.Obtain(ctx, "sponsorship:sp-1", time.Minute, 1); !errors.Is(err, ErrLocked) {
		t.Fatalf("expired holder released the new lock: %v", err)
	}
}

func TestConnectWithoutAddress(t *testing.T) {
	conn, err := Connect(context.Background(), "", "")
	if err != nil || conn != nil {
		t.Fatalf("expected nil client and nil error, got %v %v", conn, err)
	}
}
