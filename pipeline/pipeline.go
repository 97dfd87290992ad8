// Package pipeline implements the asynchronous serialization stage (C2):
// a single-producer, many-consumer buffer that batches newly written
// entries for up to a flush interval or until a batch size is reached,
// whichever comes first, then fingerprints the batch in parallel.
//
// Ordering between batches is not guaranteed, and there is no
// synchronization between an Entry becoming visible in the store and its
// fingerprint being computed here — callers may observe a live Entry
// without a fingerprint for a brief window. That is by design: keeping Set
// off the serialization critical path is the entire point of this package.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/Keksclan/meshcache/entry"
)

// DefaultFlushInterval is the maximum time a partial batch waits before
// being dispatched.
const DefaultFlushInterval = 35 * time.Millisecond

// DefaultBatchSize is the batch size that triggers an immediate flush.
const DefaultBatchSize = 100

// DefaultWorkers bounds how many entries within one batch are fingerprinted
// concurrently.
const DefaultWorkers = 8

// Config controls batching and compression behavior.
type Config struct {
	FlushInterval        time.Duration
	BatchSize            int
	Workers              int
	CompressionThreshold int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// OnComplete is invoked once per entry after UpdateFingerprint succeeds.
type OnComplete func(*entry.Entry, []byte)

// OnError is invoked once per entry when UpdateFingerprint fails. Errors
// here are never propagated to the original Set caller — the entry stays
// live in L1, only its fingerprint and L2 mirror are missing.
type OnError func(*entry.Entry, error)

// Pipeline is the C2 serialization worker.
type Pipeline struct {
	cfg        Config
	onComplete OnComplete
	onError    OnError

	in     chan *entry.Entry
	done   chan struct{}
	closed sync.WaitGroup
}

// New creates and starts a Pipeline. Call Close to drain and stop it.
func New(cfg Config, onComplete OnComplete, onError OnError) *Pipeline {
	p := &Pipeline{
		cfg:        cfg.withDefaults(),
		onComplete: onComplete,
		onError:    onError,
		in:         make(chan *entry.Entry, cfg.withDefaults().BatchSize*4),
		done:       make(chan struct{}),
	}
	p.closed.Add(1)
	go p.loop()
	return p
}

// Enqueue submits an entry for asynchronous fingerprinting. It only blocks
// if the internal buffer is saturated, which bounds (rather than removes)
// the amount of backpressure Set can exert under Async notification.
func (p *Pipeline) Enqueue(e *entry.Entry) {
	select {
	case p.in <- e:
	case <-p.done:
	}
}

func (p *Pipeline) loop() {
	defer p.closed.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*entry.Entry, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.process(batch)
		batch = make([]*entry.Entry, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case e, ok := <-p.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.done:
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case e := <-p.in:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// process fingerprints a batch in parallel, bounded by cfg.Workers.
func (p *Pipeline) process(batch []*entry.Entry) {
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for _, e := range batch {
		e := e
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.UpdateFingerprint(p.cfg.CompressionThreshold, p.onComplete); err != nil && p.onError != nil {
				p.onError(e, err)
			}
		}()
	}
	wg.Wait()
}

// Close stops accepting new entries, flushes any entries already buffered
// or in flight, and waits for the worker loop to exit.
func (p *Pipeline) Close(ctx context.Context) error {
	close(p.done)
	waited := make(chan struct{})
	go func() {
		p.closed.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
