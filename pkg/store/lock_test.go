package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedLockerSerializesSameKey(t *testing.T) {
	ctx := context.Background()
	l := NewKeyedLocker()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "job/J1", "sensor/A")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside)
	}
	if len(l.keys) != 0 {
		t.Fatalf("lock table should be empty, has %d keys", len(l.keys))
	}
}

func TestKeyedLockerDisjointKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	l := NewKeyedLocker()

	unlockA, _ := l.Lock(ctx, "sensor/A")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock, _ := l.Lock(ctx, "sensor/B", "sensor/B")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key should not block")
	}
}

func TestKeyedLockerLockAllExcludesKeys(t *testing.T) {
	ctx := context.Background()
	l := NewKeyedLocker()

	unlockAll, _ := l.LockAll(ctx)
	acquired := make(chan struct{})
	go func() {
		unlock, _ := l.Lock(ctx, "sensor/A")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("keyed lock acquired while fleet lock is held")
	case <-time.After(20 * time.Millisecond):
	}
	unlockAll()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("keyed lock not acquired after fleet unlock")
	}
}

func TestLockCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewKeyedLocker().Lock(ctx, "x"); err == nil {
		t.Fatal("expected context error")
	}
}
