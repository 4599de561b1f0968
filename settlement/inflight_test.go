package settlement

import (
	"context"
	"testing"
	"time"
)

func TestInflight(t *testing.T) {
	f := newInflight()

	done, owner := f.begin("k")
	if !owner {
		t.Fatal("first caller should own the key")
	}
	waitOn, owner := f.begin("k")
	if owner {
		t.Fatal("second caller should not own the key")
	}

	released := make(chan error, 1)
	go func() {
		released <- f.wait(context.Background(), waitOn)
	}()

	f.finish("k", done)
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("wait returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	if _, owner := f.begin("k"); !owner {
		t.Fatal("key should be free after finish")
	}
}

func TestInflight_WaitHonorsContext(t *testing.T) {
	f := newInflight()
	_, _ = f.begin("k")
	waitOn, _ := f.begin("k")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.wait(ctx, waitOn); err == nil {
		t.Fatal("expected context error")
	}
}
