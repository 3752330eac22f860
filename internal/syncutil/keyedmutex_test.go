package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("USER:c-1:REQUIRE_PREPAID")
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestKeyedMutex_ZeroValue(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("sug_1")
	unlock()
	unlock = m.Lock("sug_1")
	unlock()
}

func TestKeyedMutex_LockContextCancelled(t *testing.T) {
	m := NewKeyedMutex()
	unlock := m.Lock("sug_blocked")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	release, err := m.LockContext(ctx, "sug_blocked")
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if release != nil {
		t.Fatal("expected nil release func on cancellation")
	}
}

func TestKeyedMutex_LockContextAfterRelease(t *testing.T) {
	m := NewKeyedMutex()
	unlock := m.Lock("k")

	acquired := make(chan struct{})
	go func() {
		release, err := m.LockContext(context.Background(), "k")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		release()
		close(acquired)
	}()

	time.Sleep(10 * time.Millisecond)
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex()
	unlock, ok := m.TryLock("k")
	if !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok := m.TryLock("k"); ok {
		t.Fatal("expected second TryLock to fail while held")
	}
	unlock()
	if release, ok := m.TryLock("k"); !ok {
		t.Fatal("expected TryLock to succeed after release")
	} else {
		release()
	}
}
