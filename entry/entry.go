// Package entry implements the unit of storage held by the L1 cache: a
// value plus its TTL metadata, content fingerprint, and serialized form.
//
// An Entry is created and installed into the store before its fingerprint
// is known — [Entry.IsExpired] must be correct the instant the Entry is
// constructed, well before the asynchronous serialization step in
// [Entry.UpdateFingerprint] has had a chance to run.
package entry

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"
)

// ErrCorruptEnvelope is returned by FromRemoteBytes when the remote bytes do
// not decode into a valid envelope, or a compressed payload cannot be
// decompressed. The payload itself is decoded lazily by Into, which reports
// a decode failure as absent rather than as an error.
var ErrCorruptEnvelope = errors.New("entry: corrupt envelope")

// envelope is the wire form of an Entry, as mirrored to an L2 store. Field
// names are kept close to the conceptual model so the JSON is legible when
// inspected out of band (e.g. via redis-cli GET).
type envelope struct {
	Key                string          `json:"key"`
	TTLMs              int64           `json:"ttl_ms"`
	CreatedAtMs        int64           `json:"created_at_ms"`
	AbsoluteExpireAtMs int64           `json:"absolute_expire_at_ms"`
	MonotonicKillTick  int64           `json:"monotonic_kill_tick"`
	Fingerprint        string          `json:"fingerprint"`
	Compressed         bool            `json:"compressed"`
	Payload            json.RawMessage `json:"payload"`
}

// Entry is the unit stored in L1. Fields that may be written after
// construction (expiry deadlines, fingerprint, serialized form, decoded
// value cache) are held behind atomics so that concurrent Get/Refresh calls
// and the asynchronous serialization pipeline never race.
type Entry struct {
	key   string
	value atomic.Pointer[any]

	createdAtMs int64
	ttlMs       int64

	expireAtMs atomic.Int64
	deadline   atomic.Pointer[time.Time]

	fingerprint atomic.Pointer[string]
	serialized  atomic.Pointer[[]byte]
	sizeBytes   atomic.Int64
}

func nowMs() int64 { return time.Now().UnixMilli() }

// New constructs an Entry holding value under key with the given ttl. The
// creation timestamp and both expiry deadlines (wall-clock and monotonic)
// are computed immediately, so IsExpired is correct even before any
// serialization step runs.
func New(key string, value any, ttl time.Duration) *Entry {
	e := &Entry{
		key:         key,
		createdAtMs: nowMs(),
		ttlMs:       ttl.Milliseconds(),
	}
	e.value.Store(&value)
	e.setDeadlines(ttl)
	return e
}

func (e *Entry) setDeadlines(ttl time.Duration) {
	now := time.Now()
	deadline := now.Add(ttl)
	e.deadline.Store(&deadline)
	e.expireAtMs.Store(now.UnixMilli() + ttl.Milliseconds())
}

// Key returns the cache key this Entry is stored under.
func (e *Entry) Key() string { return e.key }

// CreatedAtMs returns the wall-clock unix-epoch milliseconds of insertion.
func (e *Entry) CreatedAtMs() int64 { return e.createdAtMs }

// TTLMs returns the configured lifetime in milliseconds.
func (e *Entry) TTLMs() int64 { return e.ttlMs }

// ExpireAtMs returns the wall-clock deadline in unix-epoch milliseconds.
// Under LRU this slides forward on every Refresh.
func (e *Entry) ExpireAtMs() int64 { return e.expireAtMs.Load() }

// SizeBytes returns the length of the serialized envelope payload, or 0
// before UpdateFingerprint has run.
func (e *Entry) SizeBytes() int64 { return e.sizeBytes.Load() }

// Fingerprint returns the content digest of the serialized payload and
// whether one has been computed yet. It is absent for a brief window after
// insertion under async notification.
func (e *Entry) Fingerprint() (string, bool) {
	p := e.fingerprint.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Serialized returns the envelope bytes produced by UpdateFingerprint, and
// whether they have been computed yet.
func (e *Entry) Serialized() ([]byte, bool) {
	p := e.serialized.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Value returns the raw stored payload. Callers that need a typed value
// should use Into instead, which also handles values rehydrated from L2
// (held as json.RawMessage until first typed access).
func (e *Entry) Value() any {
	p := e.value.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Into decodes the Entry's value as T. If the value was set in-process it is
// returned directly via a type assertion; if it was rehydrated from L2 (and
// is still held as a raw JSON payload) it is decoded into T and the decoded
// form is cached back onto the Entry so repeated reads don't re-decode. A
// type mismatch returns ok=false rather than an error, per the "typed value
// in a polymorphic store" design note: Get must return absent, not fail.
func Into[T any](e *Entry) (T, bool) {
	var zero T
	v := e.Value()
	switch val := v.(type) {
	case T:
		return val, true
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(val, &out); err != nil {
			return zero, false
		}
		var boxed any = out
		e.value.Store(&boxed)
		return out, true
	default:
		return zero, false
	}
}

// Refresh slides both expiry deadlines forward by ttlMs from now. Used on
// read hits under the LRU eviction policy; never called under FIFO.
func (e *Entry) Refresh() {
	e.setDeadlines(time.Duration(e.ttlMs) * time.Millisecond)
}

// IsExpired reports whether the Entry's monotonic deadline has passed. It is
// the authoritative liveness check: it compares against a [time.Time]
// carrying a monotonic reading, so it stays correct across wall-clock jumps
// (NTP steps, manual clock changes) that would otherwise fool a check based
// purely on ExpireAtMs.
func (e *Entry) IsExpired() bool {
	d := e.deadline.Load()
	if d == nil {
		return false
	}
	return time.Now().After(*d)
}

// UpdateFingerprint serializes the Entry's value, computes its content
// fingerprint, optionally compresses the result when it is at least
// compressionThreshold bytes, and packages everything into an envelope.
// onComplete (if non-nil) receives the Entry and the serialized envelope
// bytes — the hook C7 uses to mirror the write to L2.
//
// Failures are returned to the caller but must never unlive the Entry: the
// Entry remains valid and servable from L1 even if this call fails: only its
// fingerprint and L2 mirror are missing until the next successful write.
func (e *Entry) UpdateFingerprint(compressionThreshold int, onComplete func(*Entry, []byte)) error {
	payload, err := json.Marshal(e.Value())
	if err != nil {
		return err
	}

	digest := xxhash.Sum64(payload)
	fingerprint := formatDigest(digest)

	compressed := false
	wire := payload
	if compressionThreshold > 0 && len(payload) >= compressionThreshold {
		// Compressed bytes are not valid JSON, so they travel as a base64
		// JSON string inside the envelope.
		wire, err = json.Marshal(s2.Encode(make([]byte, s2.MaxEncodedLen(len(payload))), payload))
		if err != nil {
			return err
		}
		compressed = true
	}

	env := envelope{
		Key:                e.key,
		TTLMs:              e.ttlMs,
		CreatedAtMs:        e.createdAtMs,
		AbsoluteExpireAtMs: e.ExpireAtMs(),
		MonotonicKillTick:  e.ExpireAtMs(),
		Fingerprint:        fingerprint,
		Compressed:         compressed,
		Payload:            wire,
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return err
	}

	e.fingerprint.Store(&fingerprint)
	e.serialized.Store(&envBytes)
	e.sizeBytes.Store(int64(len(envBytes)))

	if onComplete != nil {
		onComplete(e, envBytes)
	}
	return nil
}

func formatDigest(d uint64) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[d&0xf]
		d >>= 4
	}
	return string(buf)
}

// FromRemoteBytes parses an envelope produced by UpdateFingerprint,
// decompresses the payload when flagged, and reconstructs an Entry whose
// deadlines are derived from the envelope's wall-clock expiry rather than
// recomputed from a fresh ttl — a rehydrated Entry must not outlive what the
// writer originally intended.
//
// The envelope's monotonic tick cannot be carried across process
// boundaries, so the returned Entry's monotonic deadline is rebuilt locally
// as now + remaining-time-until-AbsoluteExpireAtMs (clamped to zero for
// already-expired envelopes).
func FromRemoteBytes(key string, data []byte) (*Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrCorruptEnvelope, err)
	}

	payload := []byte(env.Payload)
	if env.Compressed {
		var packed []byte
		if err := json.Unmarshal(env.Payload, &packed); err != nil {
			return nil, errors.Join(ErrCorruptEnvelope, err)
		}
		decoded, err := s2.Decode(nil, packed)
		if err != nil {
			return nil, errors.Join(ErrCorruptEnvelope, err)
		}
		payload = decoded
	}

	var raw json.RawMessage = bytes.Clone(payload)

	e := &Entry{
		key:         key,
		createdAtMs: env.CreatedAtMs,
		ttlMs:       env.TTLMs,
	}
	var boxed any = raw
	e.value.Store(&boxed)
	e.expireAtMs.Store(env.AbsoluteExpireAtMs)

	remaining := env.AbsoluteExpireAtMs - nowMs()
	if remaining < 0 {
		remaining = 0
	}
	deadline := time.Now().Add(time.Duration(remaining) * time.Millisecond)
	e.deadline.Store(&deadline)

	fp := env.Fingerprint
	e.fingerprint.Store(&fp)
	e.serialized.Store(&data)
	e.sizeBytes.Store(int64(len(data)))

	return e, nil
}
