package settlement

import (
	"context"
	"sync"
)

// inflight tracks settlements currently executing in this process so that a
// concurrent duplicate waits for the first attempt instead of racing it.
type inflight struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

func newInflight() *inflight {
	return &inflight{pending: make(map[string]chan struct{})}
}

// begin marks key as in flight. When another caller already holds it, owner is
// false and done is closed once that caller finishes.
func (f *inflight) begin(key string) (done chan struct{}, owner bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if done, exists := f.pending[key]; exists {
		return done, false
	}
	done = make(chan struct{})
	f.pending[key] = done
	return done, true
}

// wait blocks until done is closed or ctx ends.
func (f *inflight) wait(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish removes the in-flight marker and wakes waiters. Waiters re-read the
// durable record rather than receiving a result here.
func (f *inflight) finish(key string, done chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.pending, key)
	close(done)
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
