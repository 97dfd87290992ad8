package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Keksclan/meshcache/entry"
)

func TestPipelineFlushesOnBatchSize(t *testing.T) {
	var mu sync.Mutex
	completed := map[string]bool{}

	p := New(Config{FlushInterval: time.Hour, BatchSize: 5}, func(e *entry.Entry, _ []byte) {
		mu.Lock()
		completed[e.Key()] = true
		mu.Unlock()
	}, nil)
	defer p.Close(context.Background())

	for i := range 5 {
		p.Enqueue(entry.New(key(i), i, time.Minute))
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(completed)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected batch-size flush, only %d/5 completed", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPipelineFlushesOnInterval(t *testing.T) {
	done := make(chan struct{}, 1)
	p := New(Config{FlushInterval: 10 * time.Millisecond, BatchSize: 1000}, func(*entry.Entry, []byte) {
		select {
		case done <- struct{}{}:
		default:
		}
	}, nil)
	defer p.Close(context.Background())

	p.Enqueue(entry.New("k", "v", time.Minute))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected interval-based flush")
	}
}

func TestPipelineFingerprintIsSetAfterCompletion(t *testing.T) {
	p := New(Config{FlushInterval: 5 * time.Millisecond, BatchSize: 10}, nil, nil)
	defer p.Close(context.Background())

	e := entry.New("k", "v", time.Minute)
	p.Enqueue(e)

	deadline := time.After(time.Second)
	for {
		if _, ok := e.Fingerprint(); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("fingerprint was never computed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func key(i int) string {
	return string(rune('a' + i))
}
