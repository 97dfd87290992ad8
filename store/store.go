// Package store implements the L1 store (C4) and the single-flight load
// coordinator (C5) built on top of it: a concurrent map from key to
// [entry.Entry] with set/get/remove/remove-by-pattern/clear/sweep, an LRU or
// FIFO eviction policy, and a change-listener hook that the backplane and L2
// layers subscribe to without the store knowing either of them exists.
package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Keksclan/meshcache/entry"
	"github.com/Keksclan/meshcache/keylock"
	"github.com/Keksclan/meshcache/pipeline"
)

// ErrFactoryLockTimeout is returned by GetOrSet when the per-key lock could
// not be acquired within maxFactoryWait.
var ErrFactoryLockTimeout = errors.New("store: factory lock timeout")

// EvictionPolicy selects whether a read hit slides the entry's expiry
// forward.
type EvictionPolicy int

const (
	// LRU refreshes both expiry deadlines on every read hit.
	LRU EvictionPolicy = iota
	// FIFO never refreshes deadlines; an entry expires ttl after it was
	// written (or last replaced), regardless of how often it is read.
	FIFO
)

// NotificationType controls how a write is serialized and fingerprinted.
type NotificationType int

const (
	// Async enqueues the entry onto the serialization pipeline and returns
	// immediately; the fingerprint becomes available shortly after.
	Async NotificationType = iota
	// Sync serializes and fingerprints inline before Set returns.
	Sync
	// None skips serialization entirely: no fingerprint, no change event,
	// no L2 mirror, no backplane publish for this write.
	None
)

// ChangeKind classifies a [ChangeEvent].
type ChangeKind int

const (
	// KindAddOrUpdate fires once a write's fingerprint is known (or
	// immediately, for Sync notification).
	KindAddOrUpdate ChangeKind = iota
	// KindRemove fires for an explicit single-key or pattern removal, and
	// for Clear (with Key == "*", IsPattern == true).
	KindRemove
	// KindExpire fires once per key reclaimed by the expiration sweeper.
	KindExpire
)

// ChangeEvent describes one observable mutation of the store.
type ChangeEvent struct {
	Kind        ChangeKind
	Key         string
	Fingerprint string
	IsPattern   bool
}

// Config controls a Store's behavior.
type Config struct {
	// CleanupInterval is the period of the expiration sweeper. Defaults to
	// 1 second.
	CleanupInterval time.Duration
	// DefaultTTL is used when Set is called with ttl <= 0. Defaults to 5
	// minutes.
	DefaultTTL time.Duration
	// EvictionPolicy selects LRU or FIFO. Defaults to LRU.
	EvictionPolicy EvictionPolicy
	// NotificationType selects Async, Sync, or None. Defaults to Async.
	NotificationType NotificationType
	// CompressionThreshold is forwarded to entry.UpdateFingerprint.
	CompressionThreshold int
	// LockPoolSize sizes the per-key lock table used by GetOrSet. Defaults
	// to keylock.DefaultPoolSize.
	LockPoolSize int

	// OnChange, if set, is invoked for every observable mutation. This is
	// the hook the backplane adapter and the caller-supplied
	// valueChangeListener both attach to.
	OnChange func(ChangeEvent)
	// OnSerialized, if set, is invoked once per write that completes
	// serialization (Async or Sync), with the entry and its envelope
	// bytes. This is the hook the L2 mirror attaches to.
	OnSerialized func(*entry.Entry, []byte)
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Second
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	return c
}

// Store is the C4 L1 store.
type Store struct {
	cfg Config

	mu   sync.RWMutex
	data map[string]*entry.Entry

	locks    *keylock.Table
	pipeline *pipeline.Pipeline

	sweeping atomic.Bool

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Store and starts its background expiration sweeper.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:    cfg,
		data:   make(map[string]*entry.Entry),
		locks:  keylock.New(cfg.LockPoolSize, 0),
		stopCh: make(chan struct{}),
	}
	s.pipeline = pipeline.New(pipeline.Config{
		CompressionThreshold: cfg.CompressionThreshold,
	}, s.onPipelineComplete, nil)

	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

func (s *Store) onPipelineComplete(e *entry.Entry, envBytes []byte) {
	if s.cfg.OnSerialized != nil {
		s.cfg.OnSerialized(e, envBytes)
	}
	s.emitAddOrUpdate(e)
}

func (s *Store) emitAddOrUpdate(e *entry.Entry) {
	if s.cfg.OnChange == nil {
		return
	}
	fp, _ := e.Fingerprint()
	s.cfg.OnChange(ChangeEvent{Kind: KindAddOrUpdate, Key: e.Key(), Fingerprint: fp})
}

// Set atomically installs a new Entry for key, overwriting any previous
// Entry. ttl <= 0 uses the configured DefaultTTL. Serialization proceeds
// according to the configured NotificationType.
func (s *Store) Set(key string, value any, ttl time.Duration) *entry.Entry {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	e := entry.New(key, value, ttl)

	s.mu.Lock()
	s.data[key] = e
	s.mu.Unlock()

	switch s.cfg.NotificationType {
	case Async:
		s.pipeline.Enqueue(e)
	case Sync:
		_ = e.UpdateFingerprint(s.cfg.CompressionThreshold, func(ent *entry.Entry, b []byte) {
			if s.cfg.OnSerialized != nil {
				s.cfg.OnSerialized(ent, b)
			}
		})
		s.emitAddOrUpdate(e)
	case None:
		// No serialization, no fingerprint, no change event.
	}
	return e
}

// InstallRehydrated installs an Entry that was reconstructed from L2 (or any
// other out-of-band source) without firing a change event — it is not a new
// value, so listeners (backplane, user callback) must not see it as one.
func (s *Store) InstallRehydrated(e *entry.Entry) {
	s.mu.Lock()
	s.data[e.Key()] = e
	s.mu.Unlock()
}

// lookupLive returns the entry for key if present and not expired.
func (s *Store) lookupLive(key string) (*entry.Entry, bool) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.IsExpired() {
		return nil, false
	}
	return e, true
}

// Get returns the value for key if a live Entry exists and T matches its
// stored type, else the zero value and false. Under LRU, a hit refreshes the
// entry's expiry deadlines.
func Get[T any](s *Store, key string) (T, bool) {
	var zero T
	e, ok := s.lookupLive(key)
	if !ok {
		return zero, false
	}
	if s.cfg.EvictionPolicy == LRU {
		e.Refresh()
	}
	return entry.Into[T](e)
}

// Remove deletes key from the store. If guard is non-nil and guard(fingerprint)
// returns true for the stored entry's fingerprint, the removal is skipped —
// this is the mechanism backplane fingerprint-conflict avoidance uses: "the
// message is redundant, our copy already matches what the sender just
// established." Remove returns whether a live (non-expired) entry was
// actually removed.
func (s *Store) Remove(key string, notify bool, guard func(fingerprint string) bool) bool {
	s.mu.Lock()
	e, ok := s.data[key]
	if ok {
		if guard != nil {
			fp, _ := e.Fingerprint()
			if guard(fp) {
				s.mu.Unlock()
				return false
			}
		}
		delete(s.data, key)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	live := !e.IsExpired()
	if notify && s.cfg.OnChange != nil {
		fp, _ := e.Fingerprint()
		s.cfg.OnChange(ChangeEvent{Kind: KindRemove, Key: key, Fingerprint: fp})
	}
	return live
}

// RemoveByPattern removes every key matching pattern (see [MatchPattern]).
// Individual removals are not notified; a single aggregated Remove event
// with IsPattern=true is published when notify is true. It returns the
// number of keys removed.
func (s *Store) RemoveByPattern(pattern string, notify bool) int {
	s.mu.Lock()
	var toDelete []string
	for k := range s.data {
		if MatchPattern(pattern, k) {
			toDelete = append(toDelete, k)
		}
	}
	for _, k := range toDelete {
		delete(s.data, k)
	}
	s.mu.Unlock()

	if notify && s.cfg.OnChange != nil {
		s.cfg.OnChange(ChangeEvent{Kind: KindRemove, Key: pattern, IsPattern: true})
	}
	return len(toDelete)
}

// Clear atomically drains the store and publishes one aggregated Remove
// event with key "*" and IsPattern=true. It returns the number of entries
// removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	n := len(s.data)
	s.data = make(map[string]*entry.Entry)
	s.mu.Unlock()

	if s.cfg.OnChange != nil {
		s.cfg.OnChange(ChangeEvent{Kind: KindRemove, Key: "*", IsPattern: true})
	}
	return n
}

// EvictExpired scans the store and removes expired entries, tagging each
// removal Expire. Concurrent sweeps are coalesced: if a sweep is already
// running, a second call returns 0 immediately rather than blocking.
func (s *Store) EvictExpired() int {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer s.sweeping.Store(false)

	s.mu.Lock()
	var expired []*entry.Entry
	for k, e := range s.data {
		if e.IsExpired() {
			expired = append(expired, e)
			delete(s.data, k)
		}
	}
	s.mu.Unlock()

	if s.cfg.OnChange != nil {
		for _, e := range expired {
			fp, _ := e.Fingerprint()
			s.cfg.OnChange(ChangeEvent{Kind: KindExpire, Key: e.Key(), Fingerprint: fp})
		}
	}
	return len(expired)
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.EvictExpired()
		}
	}
}

// Stats holds aggregate counters returned by Statistics.
type Stats struct {
	Count     int
	SizeBytes int64
}

// Statistics returns the current entry count and the sum of each entry's
// serialized size.
func (s *Store) Statistics() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Count: len(s.data)}
	for _, e := range s.data {
		stats.SizeBytes += e.SizeBytes()
	}
	return stats
}

// GetOrSet returns the cached value for key if live; otherwise it acquires
// the per-key lock (bounded by maxFactoryWait and ctx), re-checks the store
// (another caller may have just filled it), and on a still-miss consults
// rehydrate (if non-nil) before falling back to factory.
//
// rehydrate exists for a remote mirror: it gets one chance, under the same
// per-key lock a concurrent factory call would use, to install a value from
// elsewhere (via InstallRehydrated) without this function re-Set-ing it
// afterward. A value rehydrate installs already carries its original
// creation time and fingerprint; re-Set-ing it here would reset both and
// wrongly announce it as a new local write. rehydrate may be nil, meaning
// there is nowhere else to look before factory.
//
// A factory error is propagated to the caller unchanged: the lock is
// released and nothing is installed. If the lock cannot be acquired within
// maxFactoryWait, ErrFactoryLockTimeout is returned.
func GetOrSet[T any](ctx context.Context, s *Store, key string, ttl time.Duration, maxFactoryWait time.Duration, rehydrate func(context.Context) bool, factory func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := Get[T](s, key); ok {
		return v, nil
	}

	release, err := s.locks.Acquire(ctx, key, maxFactoryWait)
	if err != nil {
		return zero, ErrFactoryLockTimeout
	}
	defer release()

	if v, ok := Get[T](s, key); ok {
		return v, nil
	}

	if rehydrate != nil && rehydrate(ctx) {
		if v, ok := Get[T](s, key); ok {
			return v, nil
		}
	}

	val, err := factory(ctx)
	if err != nil {
		return zero, err
	}

	s.Set(key, val, ttl)
	return val, nil
}

// GetOrSetBatch partitions keys into hits and misses, gives rehydrate (if
// non-nil) a chance to fill some of the misses from elsewhere, invokes
// batchFactory once with whatever remains missing, installs every returned
// entry, and returns results aligned to the input key order. A key with
// neither a cache hit, a rehydrate hit, nor a factory result is returned as
// the zero value. No per-key locking guards the batch path: two overlapping
// concurrent batch calls can invoke batchFactory for the same key twice.
// This is intentional; DESIGN.md (Open Questions) records the decision.
//
// Keys rehydrate fills are read back and reported, never re-Set: rehydrate
// installs via InstallRehydrated directly, and a trailing Set here would
// reset the rehydrated entry's creation time and fingerprint as if it were a
// fresh local write. Only genuine batchFactory results go through Set.
func GetOrSetBatch[T any](ctx context.Context, s *Store, keys []string, ttl time.Duration, rehydrate func(context.Context, []string) []string, batchFactory func(context.Context, []string) (map[string]T, error)) ([]T, error) {
	results := make(map[string]T, len(keys))
	var missing []string
	for _, k := range keys {
		if v, ok := Get[T](s, k); ok {
			results[k] = v
		} else {
			missing = append(missing, k)
		}
	}

	if len(missing) > 0 {
		stillMissing := missing
		if rehydrate != nil {
			stillMissing = rehydrate(ctx, missing)
			stillSet := make(map[string]struct{}, len(stillMissing))
			for _, k := range stillMissing {
				stillSet[k] = struct{}{}
			}
			for _, k := range missing {
				if _, ok := stillSet[k]; ok {
					continue
				}
				if v, ok := Get[T](s, k); ok {
					results[k] = v
				}
			}
		}

		if len(stillMissing) > 0 {
			fetched, err := batchFactory(ctx, stillMissing)
			if err != nil {
				return nil, err
			}
			for k, v := range fetched {
				s.Set(k, v, ttl)
				results[k] = v
			}
		}
	}

	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = results[k]
	}
	return out, nil
}

// Close stops the expiration sweeper and the serialization pipeline.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.locks.Close()
	})
	s.wg.Wait()
	return s.pipeline.Close(ctx)
}
