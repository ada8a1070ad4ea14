package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"naira-ramp/internal/logging"
)

func testRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	r := New(Config{Addr: addr, Prefix: "ramp-test-" + uuid.NewString()}, logging.Discard())
	if err := r.Ping(context.Background()); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRememberDetectsReplay(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()

	first, err := r.Remember(ctx, "evt-1", time.Minute)
	if err != nil || !first {
		t.Fatalf("first delivery should be new: %v %v", first, err)
	}
	again, err := r.Remember(ctx, "evt-1", time.Minute)
	if err != nil || again {
		t.Fatalf("second delivery should be a replay: %v %v", again, err)
	}
	if err := r.Forget(ctx, "evt-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	after, err := r.Remember(ctx, "evt-1", time.Minute)
	if err != nil || !after {
		t.Fatalf("forgotten key should be new: %v %v", after, err)
	}
}

func TestLockExcludesSecondHolder(t *testing.T) {
	r := testRedis(t)
	lock := r.NewLock("funding:USDC", time.Minute)

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := lock.Acquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected lock held, got %v", err)
	}

	release()
	release2, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	release2()
}

func TestJSONRoundTrip(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()

	type recipient struct {
		Code string `json:"code"`
	}
	var got recipient
	if ok, err := r.GetJSON(ctx, "recipient:missing", &got); err != nil || ok {
		t.Fatalf("expected miss, got %v %v", ok, err)
	}
	if err := r.SetJSON(ctx, "recipient:0123456789", recipient{Code: "RCP_1"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, err := r.GetJSON(ctx, "recipient:0123456789", &got); err != nil || !ok || got.Code != "RCP_1" {
		t.Fatalf("unexpected cached value %+v %v %v", got, ok, err)
	}
}
