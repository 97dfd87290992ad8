// Package backplane implements the cross-node invalidation channel (C6): a
// pub/sub fan-out that tells every other node in the mesh a key (or pattern)
// changed, guarded by a per-write fingerprint so a node keeps its copy when
// it already matches the sender's, and by an instanceId so a node never acts
// on its own published message.
package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Keksclan/meshcache/metrics"
	"github.com/Keksclan/meshcache/store"
	"github.com/Keksclan/meshcache/tracing"
)

// ErrClosed is returned by Publish once the Adapter has been closed.
var ErrClosed = errors.New("backplane: adapter closed")

// MessageKind mirrors store.ChangeKind across the wire. It is a distinct
// type (rather than a re-export) so the wire schema does not change shape if
// store.ChangeKind is ever renumbered.
type MessageKind int

const (
	KindAddOrUpdate MessageKind = iota
	KindRemove
	KindExpire
)

// Message is the envelope published to every subscriber. It is JSON-encoded,
// the same choice the built-in ping RPC makes for its own plain-struct
// messages rather than requiring a .proto schema for a handful of fields.
type Message struct {
	ApplicationCachePrefix string      `json:"application_cache_prefix"`
	InstanceID             string      `json:"instance_id"`
	Kind                   MessageKind `json:"kind"`
	Key                    string      `json:"key"`
	Fingerprint            string      `json:"fingerprint,omitempty"`
	Timestamp              int64       `json:"timestamp,omitempty"`
	IsPattern              bool        `json:"is_pattern,omitempty"`
}

// Transport is the minimum pub/sub contract the Adapter needs. RedisTransport
// is the production implementation; tests use an in-process fake.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers payloads published to channel until ctx is
	// cancelled or the Transport is closed, then closes the returned
	// channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Adapter wires a [*store.Store] to a Transport: local mutations are
// published outward, and inbound messages from other instances are applied
// locally through the store's fingerprint-guarded Remove/RemoveByPattern.
type Adapter struct {
	channel    string
	instanceID string
	transport  Transport
	store      *store.Store
	log        *slog.Logger
	recorder   metrics.Recorder
	tracing    *tracing.TracingConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Adapter at construction time.
type Option func(*Adapter)

// WithInstanceID overrides the random instance identifier used for loopback
// suppression. Mostly useful in tests that want a deterministic value.
func WithInstanceID(id string) Option {
	return func(a *Adapter) { a.instanceID = id }
}

// WithLogger attaches a logger. A nil logger (the default) discards output.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithRecorder attaches a metrics.Recorder every outbound publish reports
// through. Defaults to metrics.NoOp.
func WithRecorder(r metrics.Recorder) Option {
	return func(a *Adapter) { a.recorder = r }
}

// WithTracing attaches a span around every outbound publish. A nil config
// (the default) uses the global tracer provider, same as
// [tracing.StartSpan]'s own nil-config fallback.
func WithTracing(tc *tracing.TracingConfig) Option {
	return func(a *Adapter) { a.tracing = tc }
}

// New creates an Adapter bound to s that publishes and subscribes on channel
// over t. It does not subscribe until [Adapter.Start] is called. s may be nil
// and bound later with [Adapter.SetStore], which lets the caller construct
// the store's OnChange hook around the Adapter without a circular
// initializer.
func New(channel string, t Transport, s *store.Store, opts ...Option) *Adapter {
	a := &Adapter{
		channel:    channel,
		instanceID: uuid.NewString(),
		transport:  t,
		store:      s,
		log:        slog.New(slog.DiscardHandler),
		recorder:   metrics.NoOp,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// InstanceID reports the identifier this Adapter stamps on outgoing messages
// and filters on incoming ones.
func (a *Adapter) InstanceID() string { return a.instanceID }

// OnChange is the store.Config.OnChange hook: publish every local mutation.
// Wire it in as:
//
//	adapter := backplane.New(channel, transport, nil)
//	s := store.New(store.Config{OnChange: adapter.OnChange})
//	adapter.SetStore(s)
func (a *Adapter) OnChange(ev store.ChangeEvent) {
	kind := KindAddOrUpdate
	switch ev.Kind {
	case store.KindRemove:
		kind = KindRemove
	case store.KindExpire:
		kind = KindExpire
	}
	msg := Message{
		ApplicationCachePrefix: a.channel,
		InstanceID:             a.instanceID,
		Kind:                   kind,
		Key:                    ev.Key,
		Fingerprint:            ev.Fingerprint,
		Timestamp:              time.Now().UnixMilli(),
		IsPattern:              ev.IsPattern,
	}

	ctx, span := tracing.StartSpan(context.Background(), a.tracing, "backplane.publish")
	var err error
	defer tracing.EndSpan(span, &err)

	var payload []byte
	payload, err = json.Marshal(msg)
	if err != nil {
		a.log.Error("backplane: marshal message", "error", err)
		a.recorder.ObserveBackplanePublish(metrics.OutcomeError)
		return
	}
	if err = a.transport.Publish(ctx, a.channel, payload); err != nil {
		a.log.Warn("backplane: publish failed", "error", err)
		a.recorder.ObserveBackplanePublish(metrics.OutcomeError)
		return
	}
	a.recorder.ObserveBackplanePublish(metrics.OutcomeHit)
}

// SetStore binds the store this Adapter applies inbound messages to. It
// exists separately from New so the store's OnChange can reference the
// Adapter before the store itself exists.
func (a *Adapter) SetStore(s *store.Store) { a.store = s }

// Start subscribes to the channel and applies inbound messages until ctx is
// cancelled or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := a.transport.Subscribe(ctx, a.channel)
	if err != nil {
		cancel()
		return err
	}
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(msgs)
	return nil
}

func (a *Adapter) loop(msgs <-chan []byte) {
	defer close(a.done)
	for payload := range msgs {
		a.apply(payload)
	}
}

func (a *Adapter) apply(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		a.log.Warn("backplane: discarding malformed message", "error", err)
		return
	}
	if msg.ApplicationCachePrefix != a.channel {
		a.log.Warn("backplane: discarding message for foreign prefix",
			"want", a.channel, "got", msg.ApplicationCachePrefix)
		return
	}
	if msg.InstanceID == a.instanceID {
		return // loopback suppression: we published this ourselves
	}
	if a.store == nil {
		return
	}

	if msg.IsPattern {
		a.store.RemoveByPattern(msg.Key, false)
		return
	}
	// Non-pattern removal — whatever local mutation triggered it (an
	// explicit Remove, an AddOrUpdate we hold no copy of, or a TTL expiry)
	// is always fingerprint-guarded: skip when our local fingerprint
	// already matches the sender's. This is the adopted reading of the
	// guard (spec §9): the message is redundant, our copy already matches
	// what the sender just established, so local state must not change.
	a.store.Remove(msg.Key, false, func(local string) bool { return local == msg.Fingerprint })
}

// Close stops the subscribe loop and closes the underlying Transport.
func (a *Adapter) Close() error {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	return a.transport.Close()
}
