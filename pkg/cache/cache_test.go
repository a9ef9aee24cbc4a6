package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if _, err := m.Get(ctx, "missing"); !IsMiss(err) {
		t.Errorf("Expected cache miss, got %v", err)
	}

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Expected value v, got %q", got)
	}
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := m.Get(ctx, "k"); !IsMiss(err) {
		t.Errorf("Expected miss after TTL, got %v", err)
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	m.Set(ctx, "c", []byte("3"), time.Minute)

	if err := m.Delete(ctx, "a", "b"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := m.Get(ctx, "a"); !IsMiss(err) {
		t.Errorf("Expected a deleted, got %v", err)
	}
	if _, err := m.Get(ctx, "b"); !IsMiss(err) {
		t.Errorf("Expected b deleted, got %v", err)
	}
	if _, err := m.Get(ctx, "c"); err != nil {
		t.Errorf("Expected c kept, got %v", err)
	}
}

func TestLoader_MissThenHit(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	loader := NewLoader(m, time.Minute)
	ctx := context.Background()

	computes := 0
	compute := func(ctx context.Context) ([]byte, error) {
		computes++
		return []byte("payload"), nil
	}

	data, cached, err := loader.Load(ctx, "k", compute)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cached {
		t.Error("Expected first load to miss")
	}
	if string(data) != "payload" {
		t.Errorf("Expected payload, got %q", data)
	}

	data, cached, err = loader.Load(ctx, "k", compute)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !cached {
		t.Error("Expected second load to hit")
	}
	if string(data) != "payload" {
		t.Errorf("Expected payload, got %q", data)
	}
	if computes != 1 {
		t.Errorf("Expected 1 compute, got %d", computes)
	}
}

func TestLoader_ComputeError(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	loader := NewLoader(m, time.Minute)

	boom := errors.New("boom")
	_, _, err := loader.Load(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected compute error surfaced, got %v", err)
	}

	// A failed compute must not leave a cached entry behind.
	if _, err := m.Get(context.Background(), "k"); !IsMiss(err) {
		t.Errorf("Expected no cached entry after compute failure, got %v", err)
	}
}

func TestLoader_Invalidate(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	loader := NewLoader(m, time.Minute)
	ctx := context.Background()

	loader.Load(ctx, "k", func(ctx context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	loader.Invalidate(ctx, "k")

	data, cached, err := loader.Load(ctx, "k", func(ctx context.Context) ([]byte, error) {
		return []byte("v2"), nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cached {
		t.Error("Expected miss after invalidation")
	}
	if string(data) != "v2" {
		t.Errorf("Expected recomputed value v2, got %q", data)
	}
}

func TestLoader_NilCacheAlwaysComputes(t *testing.T) {
	loader := NewLoader(nil, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		data, cached, err := loader.Load(ctx, "k", func(ctx context.Context) ([]byte, error) {
			return []byte("v"), nil
		})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if cached {
			t.Error("Expected nil cache to never hit")
		}
		if string(data) != "v" {
			t.Errorf("Expected value v, got %q", data)
		}
	}

	// Invalidate must be safe without a cache.
	loader.Invalidate(ctx, "k")
}

func TestLoader_SingleFlight(t *testing.T) {
	loader := NewLoader(nil, time.Minute)
	ctx := context.Background()

	var computes int32
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&computes, 1)
		<-release
		return []byte("shared"), nil
	}

	const callers = 10
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			data, _, err := loader.Load(ctx, "k", compute)
			if err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if string(data) != "shared" {
				t.Errorf("Expected shared payload, got %q", data)
			}
		}()
	}

	// Give the goroutines time to pile up on the same key.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&computes); got != 1 {
		t.Errorf("Expected 1 shared compute, got %d", got)
	}
}
