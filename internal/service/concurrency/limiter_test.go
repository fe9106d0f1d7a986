package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/lead-call-engine/internal/config"
)

// fakeScripter emulates the two slot scripts against an in-memory keyspace.
type fakeScripter struct {
	values map[string]int64
	err    error
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{values: make(map[string]int64)}
}

func (f *fakeScripter) run(ctx context.Context, keys []string, args []interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	pool, holder := keys[0], keys[1]
	if len(args) == 2 {
		limit := int64(args[0].(int))
		if _, ok := f.values[holder]; ok {
			cmd.SetVal(int64(1))
			return cmd
		}
		if f.values[pool] < limit {
			f.values[pool]++
			f.values[holder] = 1
			cmd.SetVal(int64(1))
			return cmd
		}
		cmd.SetVal(int64(0))
		return cmd
	}
	if _, ok := f.values[holder]; !ok {
		cmd.SetVal(int64(-1))
		return cmd
	}
	delete(f.values, holder)
	if f.values[pool] <= 1 {
		delete(f.values, pool)
		cmd.SetVal(int64(0))
		return cmd
	}
	f.values[pool]--
	cmd.SetVal(f.values[pool])
	return cmd
}

func (f *fakeScripter) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) EvalRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	return redis.NewStringCmd(ctx)
}

func TestLimiterCapsActiveStreams(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeScripter()
	l := NewLimiter(rdb, config.ThrottleConfig{MaxActiveStreams: 2, SlotPool: "test", SlotTTL: time.Minute})

	for _, call := range []string{"c1", "c2"} {
		ok, err := l.Acquire(ctx, call)
		if err != nil || !ok {
			t.Fatalf("expected slot for %s, got %v %v", call, ok, err)
		}
	}
	if ok, _ := l.Acquire(ctx, "c1"); !ok {
		t.Fatalf("re-acquiring a held slot should succeed")
	}
	if ok, _ := l.Acquire(ctx, "c3"); ok {
		t.Fatalf("expected third stream to be refused")
	}

	if err := l.Release(ctx, "c1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, "c1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got := rdb.values["leadcall:slots:test:active"]; got != 1 {
		t.Fatalf("expected one active slot after double release, got %d", got)
	}
	if ok, _ := l.Acquire(ctx, "c3"); !ok {
		t.Fatalf("expected freed slot to be reusable")
	}
}

func TestLimiterUnlimited(t *testing.T) {
	rdb := newFakeScripter()
	rdb.err = errors.New("should not be called")
	l := NewLimiter(rdb, config.ThrottleConfig{})

	ok, err := l.Acquire(context.Background(), "c1")
	if err != nil || !ok {
		t.Fatalf("expected unlimited limiter to admit, got %v %v", ok, err)
	}
	if err := l.Release(context.Background(), "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLimiterPropagatesErrors(t *testing.T) {
	rdb := newFakeScripter()
	rdb.err = errors.New("connection refused")
	l := NewLimiter(rdb, config.ThrottleConfig{MaxActiveStreams: 1})

	if _, err := l.Acquire(context.Background(), "c1"); err == nil {
		t.Fatalf("expected error")
	}
}
