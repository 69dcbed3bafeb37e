package tokens

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type fakeHolders struct {
	held  map[string]int64
	err   error
	calls int
}

func (f *fakeHolders) ClearToken(ctx context.Context, token string) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	n := f.held[token]
	delete(f.held, token)
	return n, nil
}

func setupCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisCounter(rdb), mr
}

func TestInvalidate_ClearsHolders(t *testing.T) {
	counter, mr := setupCounter(t)
	holders := &fakeHolders{held: map[string]int64{"tok-A": 2}}
	svc := NewService(holders, counter, zap.NewNop())

	cleared, err := svc.Invalidate(context.Background(), "tok-A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cleared {
		t.Fatal("expected token to be cleared")
	}
	if got := mr.HGet(InvalidatedKey, "tok-A"); got != "1" {
		t.Errorf("expected counter 1, got %q", got)
	}
}

func TestInvalidate_NotHeldIsNoop(t *testing.T) {
	counter, mr := setupCounter(t)
	svc := NewService(&fakeHolders{held: map[string]int64{}}, counter, zap.NewNop())

	for i := 0; i < 2; i++ {
		cleared, err := svc.Invalidate(context.Background(), "tok-gone")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cleared {
			t.Fatal("expected no-op for token nobody holds")
		}
	}
	if mr.Exists(InvalidatedKey) {
		t.Error("no-op invalidation must not be counted")
	}
}

func TestInvalidate_SecondCallIsNoop(t *testing.T) {
	holders := &fakeHolders{held: map[string]int64{"tok-A": 1}}
	svc := NewService(holders, nil, zap.NewNop())

	first, _ := svc.Invalidate(context.Background(), "tok-A")
	second, err := svc.Invalidate(context.Background(), "tok-A")
	if !first || second || err != nil {
		t.Fatalf("expected true then false, got %v, %v (%v)", first, second, err)
	}
}

func TestInvalidate_EmptyToken(t *testing.T) {
	holders := &fakeHolders{}
	svc := NewService(holders, nil, zap.NewNop())

	cleared, err := svc.Invalidate(context.Background(), "")
	if cleared || err != nil {
		t.Fatalf("expected false, nil; got %v, %v", cleared, err)
	}
	if holders.calls != 0 {
		t.Error("store should not be called for an empty token")
	}
}

func TestInvalidate_StoreError(t *testing.T) {
	boom := errors.New("db down")
	svc := NewService(&fakeHolders{err: boom}, nil, zap.NewNop())

	if _, err := svc.Invalidate(context.Background(), "tok-A"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestInvalidate_CounterFailureStillClears(t *testing.T) {
	counter, mr := setupCounter(t)
	mr.Close()
	svc := NewService(&fakeHolders{held: map[string]int64{"tok-A": 1}}, counter, zap.NewNop())

	cleared, err := svc.Invalidate(context.Background(), "tok-A")
	if err != nil || !cleared {
		t.Fatalf("expected true, nil; got %v, %v", cleared, err)
	}
}

func TestRedisCounter_Count(t *testing.T) {
	counter, _ := setupCounter(t)
	ctx := context.Background()

	if n, err := counter.Count(ctx, "tok-A"); err != nil || n != 0 {
		t.Fatalf("expected 0, got %d (%v)", n, err)
	}
	counter.Incr(ctx, "tok-A")
	counter.Incr(ctx, "tok-A")
	if n, _ := counter.Count(ctx, "tok-A"); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
}
