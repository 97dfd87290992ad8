package backplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Keksclan/meshcache/store"
)

// fakeTransport is an in-process pub/sub used so tests never require a real
// Redis instance; it fans every Publish out to every live Subscribe channel
// on the same topic, mirroring go-redis's own fan-out semantics.
type fakeTransport struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string][]chan []byte)}
}

func (f *fakeTransport) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[channel] {
		ch <- payload
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 8)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeTransport) Close() error { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLoopbackSuppression(t *testing.T) {
	transport := newFakeTransport()
	adapter := New("mesh", transport, nil, WithInstanceID("node-a"))
	s := store.New(store.Config{NotificationType: store.Sync, OnChange: adapter.OnChange})
	adapter.SetStore(s)
	defer func() { _ = s.Close(context.Background()) }()

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer adapter.Close()

	s.Set("k", "v", time.Minute)

	// The adapter's own store published this change; since the Message
	// carries the adapter's own instanceID, apply() must ignore it rather
	// than evicting the key it was just asked to keep.
	time.Sleep(50 * time.Millisecond)
	if _, ok := store.Get[string](s, "k"); !ok {
		t.Fatal("own write must survive loopback of its own change event")
	}
}

func TestRemotePeerInvalidatesLocalCopy(t *testing.T) {
	transport := newFakeTransport()

	nodeA := New("mesh", transport, nil, WithInstanceID("node-a"))
	nodeAStore2 := store.New(store.Config{NotificationType: store.Sync, OnChange: nodeA.OnChange})
	nodeA.SetStore(nodeAStore2)
	defer func() { _ = nodeAStore2.Close(context.Background()) }()

	nodeBStore := store.New(store.Config{NotificationType: store.None})
	nodeB := New("mesh", transport, nodeBStore, WithInstanceID("node-b"))
	defer func() { _ = nodeBStore.Close(context.Background()) }()

	if err := nodeB.Start(context.Background()); err != nil {
		t.Fatalf("start nodeB: %v", err)
	}
	defer nodeB.Close()

	nodeBStore.Set("shared", "stale", time.Minute)
	if _, ok := store.Get[string](nodeBStore, "shared"); !ok {
		t.Fatal("expected node B to hold the key before invalidation")
	}

	nodeAStore2.Set("shared", "fresh", time.Minute)

	waitFor(t, func() bool {
		_, ok := store.Get[string](nodeBStore, "shared")
		return !ok
	})
}

func TestExpireMessageFingerprintGuardSkipsRemoval(t *testing.T) {
	transport := newFakeTransport()

	var fp string
	fpSet := make(chan struct{})
	s := store.New(store.Config{NotificationType: store.Sync, OnChange: func(ev store.ChangeEvent) {
		if ev.Kind == store.KindAddOrUpdate {
			fp = ev.Fingerprint
			close(fpSet)
		}
	}})
	defer func() { _ = s.Close(context.Background()) }()
	adapter := New("mesh", transport, s, WithInstanceID("node-b"))

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer adapter.Close()

	s.Set("k", "v", time.Minute)
	<-fpSet

	// Node A's copy of "k" expired via its own TTL sweep, but A's content
	// (and therefore its fingerprint) was identical to B's. The guard must
	// treat this the same as any other non-pattern removal: a matching
	// fingerprint means B's copy already reflects what A had, so B's entry
	// must survive.
	msg := Message{ApplicationCachePrefix: "mesh", InstanceID: "node-a", Kind: KindExpire, Key: "k", Fingerprint: fp}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := transport.Publish(context.Background(), "mesh", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := store.Get[string](s, "k"); !ok {
		t.Fatal("expected fingerprint-guarded entry to survive a peer's Expire-originated message")
	}
}

func TestPatternRemovePropagates(t *testing.T) {
	transport := newFakeTransport()

	nodeA := New("mesh", transport, nil, WithInstanceID("node-a"))
	nodeAStore := store.New(store.Config{NotificationType: store.None, OnChange: nodeA.OnChange})
	nodeA.SetStore(nodeAStore)
	defer func() { _ = nodeAStore.Close(context.Background()) }()

	nodeBStore := store.New(store.Config{NotificationType: store.None})
	nodeB := New("mesh", transport, nodeBStore, WithInstanceID("node-b"))
	defer func() { _ = nodeBStore.Close(context.Background()) }()
	if err := nodeB.Start(context.Background()); err != nil {
		t.Fatalf("start nodeB: %v", err)
	}
	defer nodeB.Close()

	for _, k := range []string{"room:1", "room:2", "lobby"} {
		nodeBStore.Set(k, k, time.Minute)
	}

	nodeAStore.RemoveByPattern("room:*", true)

	waitFor(t, func() bool {
		_, ok1 := store.Get[string](nodeBStore, "room:1")
		_, ok2 := store.Get[string](nodeBStore, "room:2")
		return !ok1 && !ok2
	})
	if _, ok := store.Get[string](nodeBStore, "lobby"); !ok {
		t.Fatal("pattern remove must not touch keys outside the pattern")
	}
}

func TestApplyIgnoresMalformedPayload(t *testing.T) {
	transport := newFakeTransport()
	s := store.New(store.Config{NotificationType: store.None})
	defer func() { _ = s.Close(context.Background()) }()
	adapter := New("mesh", transport, s, WithInstanceID("node-a"))

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer adapter.Close()

	s.Set("k", "v", time.Minute)
	if err := transport.Publish(context.Background(), "mesh", []byte("not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := store.Get[string](s, "k"); !ok {
		t.Fatal("a malformed message must not disturb unrelated state")
	}
}

func TestApplyDropsForeignPrefix(t *testing.T) {
	transport := newFakeTransport()
	s := store.New(store.Config{NotificationType: store.None})
	defer func() { _ = s.Close(context.Background()) }()
	adapter := New("mesh", transport, s, WithInstanceID("node-a"))

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer adapter.Close()

	s.Set("k", "v", time.Minute)

	// A message decoded off our own channel but stamped with a different
	// applicationCachePrefix (e.g. two logical caches sharing a transport)
	// must be dropped before loopback/fingerprint handling ever sees it.
	msg := Message{ApplicationCachePrefix: "other-mesh", InstanceID: "node-b", Kind: KindRemove, Key: "k"}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := transport.Publish(context.Background(), "mesh", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := store.Get[string](s, "k"); !ok {
		t.Fatal("a message for a foreign applicationCachePrefix must not disturb local state")
	}
}
