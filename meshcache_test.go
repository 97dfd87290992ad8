package meshcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Keksclan/meshcache/adminrpc"
	"github.com/Keksclan/meshcache/store"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New("test-cache", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)

	c.Set("k1", 42, time.Minute)

	v, ok := Get[int](c, "k1")
	if !ok || v != 42 {
		t.Fatalf("Get = %v, %v; want 42, true", v, ok)
	}
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	c := newTestCache(t)

	if _, ok := Get[string](c, "absent"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestGetOrSetInvokesFactoryOnceOnMiss(t *testing.T) {
	c := newTestCache(t)

	var calls atomic.Int32
	factory := func(context.Context) (string, error) {
		calls.Add(1)
		return "computed", nil
	}

	v, err := GetOrSet(context.Background(), c, "k2", time.Minute, 0, factory)
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	if v != "computed" {
		t.Fatalf("v = %q, want %q", v, "computed")
	}

	v2, err := GetOrSet(context.Background(), c, "k2", time.Minute, 0, factory)
	if err != nil {
		t.Fatalf("GetOrSet (second): %v", err)
	}
	if v2 != "computed" {
		t.Fatalf("v2 = %q, want %q", v2, "computed")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("factory called %d times, want 1", got)
	}
}

func TestGetOrSetPropagatesFactoryError(t *testing.T) {
	c := newTestCache(t)

	wantErr := errors.New("boom")
	_, err := GetOrSet(context.Background(), c, "k3", time.Minute, 0, func(context.Context) (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if _, ok := Get[int](c, "k3"); ok {
		t.Fatal("a failed factory must not install a value")
	}
}

func TestGetOrSetBatchAlignsResultsToKeyOrder(t *testing.T) {
	c := newTestCache(t)

	c.Set("a", "cached-a", time.Minute)

	factory := func(_ context.Context, missing []string) (map[string]string, error) {
		out := make(map[string]string, len(missing))
		for _, k := range missing {
			out[k] = "loaded-" + k
		}
		return out, nil
	}

	results, err := GetOrSetBatch(context.Background(), c, []string{"a", "b", "c"}, time.Minute, factory)
	if err != nil {
		t.Fatalf("GetOrSetBatch: %v", err)
	}
	want := []string{"cached-a", "loaded-b", "loaded-c"}
	for i, w := range want {
		if results[i] != w {
			t.Fatalf("results[%d] = %q, want %q", i, results[i], w)
		}
	}
}

func TestRemoveKeyAndRemoveMatchingAndClearAll(t *testing.T) {
	c := newTestCache(t)

	c.Set("user:1", "a", time.Minute)
	c.Set("user:2", "b", time.Minute)
	c.Set("order:1", "c", time.Minute)

	if !c.RemoveKey("user:1") {
		t.Fatal("expected RemoveKey to report a removal")
	}
	if _, ok := Get[string](c, "user:1"); ok {
		t.Fatal("user:1 should be gone")
	}

	if n := c.RemoveMatching("order:*"); n != 1 {
		t.Fatalf("RemoveMatching removed %d, want 1", n)
	}

	if n := c.ClearAll(); n != 1 {
		t.Fatalf("ClearAll removed %d, want 1 (only user:2 left)", n)
	}
	stats := c.Statistics()
	if stats.Count != 0 {
		t.Fatalf("Count = %d, want 0 after ClearAll", stats.Count)
	}
}

func TestValueChangeListenerSeesLocalMutations(t *testing.T) {
	var kinds []ChangeKind
	c := newTestCache(t, WithValueChangeListener(func(ev ChangeEvent) {
		kinds = append(kinds, ev.Kind)
	}), WithNotificationType(store.Sync))

	c.Set("k", "v", time.Minute)
	c.RemoveKey("k")

	if len(kinds) != 2 || kinds[0] != KindAddOrUpdate || kinds[1] != KindRemove {
		t.Fatalf("kinds = %v, want [AddOrUpdate Remove]", kinds)
	}
}

func TestAdminHandlerSurfaceMatchesCacheState(t *testing.T) {
	c := newTestCache(t)
	c.Set("k", "v", time.Minute)

	stats, err := c.Stats(context.Background(), &adminrpc.StatsRequest{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("Count = %d, want 1", stats.Count)
	}

	pingResp, err := c.Ping(context.Background(), &adminrpc.PingRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if pingResp.Message != "hi" {
		t.Fatalf("Message = %q, want %q", pingResp.Message, "hi")
	}

	removeResp, err := c.Remove(context.Background(), &adminrpc.RemoveRequest{Key: "k"})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removeResp.Removed {
		t.Fatal("expected Remove RPC to report removal")
	}
}
