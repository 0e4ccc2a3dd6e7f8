package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "intent-1")
			if err != nil {
				t.Errorf("Lock returned error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, observed %d", maxInside)
	}
	if len(m.locks) != 0 {
		t.Fatalf("expected entries to be cleaned up, got %d", len(m.locks))
	}
}

func TestKeyedMutex_HonorsContext(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock returned error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	other, err := m.Lock(context.Background(), "other")
	if err != nil {
		t.Fatalf("expected a different key to be free, got %v", err)
	}
	other()
}

type failingLocker struct{}

func (failingLocker) Lock(ctx context.Context, key string) (func(), error) {
	return nil, errors.New("backend down")
}

func TestChain_ReleasesAcquiredOnFailure(t *testing.T) {
	m := NewKeyedMutex()
	chain := Chain{m, failingLocker{}}
	if _, err := chain.Lock(context.Background(), "k"); err == nil {
		t.Fatal("expected chain to fail")
	}

	unlock, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected first locker to be released, got %v", err)
	}
	unlock()
}

func TestRedisLocker_NilClientIsNoop(t *testing.T) {
	var r *RedisLocker
	unlock, err := r.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected nil locker to succeed, got %v", err)
	}
	unlock()
}
