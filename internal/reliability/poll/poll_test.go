package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntilImmediateSuccess(t *testing.T) {
	calls := 0
	err := Until(context.Background(), "test", time.Hour, time.Hour, func(ctx context.Context) (bool, error) {
		calls++
		return true, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single upfront check, got %d", calls)
	}
}

func TestUntilEventualSuccess(t *testing.T) {
	calls := 0
	err := Until(context.Background(), "test", time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls)
	}
}

func TestUntilTimeout(t *testing.T) {
	err := Until(context.Background(), "never", time.Millisecond, 20*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	var timeoutErr *ErrTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if timeoutErr.Op != "never" {
		t.Fatalf("unexpected op %q", timeoutErr.Op)
	}
}

func TestUntilPredicateErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Until(context.Background(), "test", time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected predicate error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected abort after first error, got %d calls", calls)
	}
}

func TestUntilContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, "test", time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAttemptsExhaustionIsNotError(t *testing.T) {
	calls := 0
	ok, err := Attempts(context.Background(), time.Millisecond, 3, func(ctx context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil {
		t.Fatalf("expected no error on exhaustion, got %v", err)
	}
	if ok {
		t.Fatalf("expected false on exhaustion")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestAttemptsSuccess(t *testing.T) {
	calls := 0
	ok, err := Attempts(context.Background(), time.Millisecond, 10, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 2, nil
	})
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}
