// Package keylock provides a fixed-size pool of shard guards plus a keyed
// map of single-permit locks, giving callers one acquirable exclusion per
// cache key without allocating a long-lived mutex per key forever: idle
// locks are reclaimed after a sliding grace period.
package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultPoolSize is used when a Table is constructed with n <= 0.
const DefaultPoolSize = 7872

// DefaultIdleTTL is how long an unused per-key lock survives before the
// reclaim sweep removes it.
const DefaultIdleTTL = 5 * time.Minute

// entryLock is a single-permit exclusion primitive. The channel holds one
// token when the lock is free and is empty while held.
type entryLock struct {
	sem      chan struct{}
	lastUsed atomic.Int64 // unix ms of the last successful acquire
}

func newEntryLock() *entryLock {
	le := &entryLock{sem: make(chan struct{}, 1)}
	le.sem <- struct{}{}
	le.lastUsed.Store(time.Now().UnixMilli())
	return le
}

func (le *entryLock) tryAcquire(ctx context.Context) error {
	select {
	case <-le.sem:
		le.lastUsed.Store(time.Now().UnixMilli())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns the token. It is always safe to call: a second release on
// an already-free lock is a no-op rather than a panic or a block, satisfying
// idempotent disposal.
func (le *entryLock) release() {
	select {
	case le.sem <- struct{}{}:
	default:
	}
}

func (le *entryLock) idleSince(now time.Time, ttl time.Duration) bool {
	if len(le.sem) == 0 {
		return false // currently held
	}
	return now.UnixMilli()-le.lastUsed.Load() > ttl.Milliseconds()
}

// Table is a keyed pool of per-key locks. At most one holder exists per key
// at any instant; a contended waiter on one key never blocks acquisition of
// an unrelated key.
type Table struct {
	shardMu []sync.Mutex
	locks   sync.Map // string -> *entryLock
	n       uint64
	idleTTL time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Table with n shard guards (DefaultPoolSize if n <= 0) and
// starts a background sweep that reclaims locks idle for longer than
// idleTTL (DefaultIdleTTL if idleTTL <= 0).
func New(n int, idleTTL time.Duration) *Table {
	if n <= 0 {
		n = DefaultPoolSize
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	t := &Table{
		shardMu: make([]sync.Mutex, n),
		n:       uint64(n),
		idleTTL: idleTTL,
		stopCh:  make(chan struct{}),
	}
	go t.reclaimLoop()
	return t
}

func (t *Table) shardFor(key string) uint64 {
	return xxhash.Sum64String(key) % t.n
}

// Acquire blocks until the per-key lock for key is held, ctx is done, or
// timeout (if positive) elapses, whichever comes first. The returned release
// function must be called to give up the lock; it is safe to call exactly
// once and safe (a no-op) if called again.
func (t *Table) Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), err error) {
	le, _ := t.lookupOrCreate(key)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := le.tryAcquire(waitCtx); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(le.release) }, nil
}

func (t *Table) lookupOrCreate(key string) (*entryLock, bool) {
	if v, ok := t.locks.Load(key); ok {
		return v.(*entryLock), true
	}
	shard := t.shardFor(key)
	t.shardMu[shard].Lock()
	defer t.shardMu[shard].Unlock()
	v, loaded := t.locks.LoadOrStore(key, newEntryLock())
	return v.(*entryLock), loaded
}

func (t *Table) reclaimLoop() {
	ticker := time.NewTicker(t.idleTTL / 5)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.reclaim(now)
		}
	}
}

func (t *Table) reclaim(now time.Time) {
	t.locks.Range(func(k, v any) bool {
		key := k.(string)
		le := v.(*entryLock)
		if !le.idleSince(now, t.idleTTL) {
			return true
		}
		shard := t.shardFor(key)
		t.shardMu[shard].Lock()
		// Re-check under the shard guard: a waiter may have acquired the
		// lock between the unlocked idleSince check above and now.
		if le.idleSince(time.Now(), t.idleTTL) {
			t.locks.Delete(key)
		}
		t.shardMu[shard].Unlock()
		return true
	})
}

// Close stops the background reclaim sweep. It does not release any held
// locks.
func (t *Table) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
