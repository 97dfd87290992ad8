package keylock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireReleaseAllowsReentry(t *testing.T) {
	tbl := New(4, time.Minute)
	defer tbl.Close()

	release, err := tbl.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // idempotent

	release2, err := tbl.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	release2()
}

func TestAcquireBlocksSameKeyOnly(t *testing.T) {
	tbl := New(4, time.Minute)
	defer tbl.Close()

	release, err := tbl.Acquire(context.Background(), "busy", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	// An unrelated key must acquire immediately despite "busy" being held.
	done := make(chan struct{})
	go func() {
		r, err := tbl.Acquire(context.Background(), "other", 100*time.Millisecond)
		if err != nil {
			t.Error(err)
			return
		}
		r()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring an unrelated key should not block on a held key")
	}
}

func TestAcquireTimesOutOnContendedKey(t *testing.T) {
	tbl := New(4, time.Minute)
	defer tbl.Close()

	release, err := tbl.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = tbl.Acquire(context.Background(), "k", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error acquiring an already-held key")
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	tbl := New(4, time.Minute)
	defer tbl.Close()

	release, err := tbl.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tbl.Acquire(ctx, "k", time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}
}

func TestOnlyOneHolderAtATime(t *testing.T) {
	tbl := New(4, time.Minute)
	defer tbl.Close()

	var mu sync.Mutex
	holders := 0
	maxHolders := 0

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := tbl.Acquire(context.Background(), "shared", 2*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxHolders != 1 {
		t.Fatalf("expected at most 1 concurrent holder, saw %d", maxHolders)
	}
}

func TestReclaimRemovesIdleLocks(t *testing.T) {
	tbl := New(2, 20*time.Millisecond)
	defer tbl.Close()

	release, err := tbl.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	release()

	if _, ok := tbl.locks.Load("k"); !ok {
		t.Fatal("expected lock to exist right after use")
	}

	time.Sleep(200 * time.Millisecond)

	if _, ok := tbl.locks.Load("k"); ok {
		t.Fatal("expected idle lock to be reclaimed")
	}
}
