package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStore_SetIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.SetIfAbsent(ctx, "abc", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.SetIfAbsent(ctx, "abc", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetIfAbsent = %v, %v; want false, nil", ok, err)
	}

	exists, _ := s.Exists(ctx, "abc")
	if !exists {
		t.Error("expected key to exist")
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	if ok, _ := s.SetIfAbsent(ctx, "k", 10*time.Second); !ok {
		t.Fatal("expected first claim to succeed")
	}

	now = now.Add(9 * time.Second)
	if ok, _ := s.SetIfAbsent(ctx, "k", 10*time.Second); ok {
		t.Fatal("key reclaimed before its TTL elapsed")
	}

	now = now.Add(2 * time.Second)
	if exists, _ := s.Exists(ctx, "k"); exists {
		t.Fatal("expired key still reported as existing")
	}
	if ok, _ := s.SetIfAbsent(ctx, "k", 10*time.Second); !ok {
		t.Fatal("expired key could not be reclaimed")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _ = s.SetIfAbsent(ctx, "k", time.Minute)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := s.SetIfAbsent(ctx, "k", time.Minute); !ok {
		t.Fatal("deleted key could not be claimed")
	}
}

func TestMemoryStore_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.SetIfAbsent(ctx, "same-key", time.Minute); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestMemoryStore_SweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	for i := 0; i < sweepInterval-1; i++ {
		_, _ = s.SetIfAbsent(ctx, string(rune('a'+i%26))+time.Duration(i).String(), time.Second)
	}
	now = now.Add(time.Minute)
	_, _ = s.SetIfAbsent(ctx, "trigger", time.Hour)

	if got := s.Len(); got != 1 {
		t.Fatalf("expected sweep to leave 1 entry, got %d", got)
	}
}
