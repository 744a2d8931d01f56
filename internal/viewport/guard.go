package viewport

import (
	"context"
	"sync"
)

// keyGuard marks save keys as being written. Edits on a busy key wait for
// its release. Locks are taken on the owner goroutine and released from
// the writer one key at a time as each file lands.
type keyGuard struct {
	mu   sync.Mutex
	busy map[string]chan struct{}
}

// TryLock marks every key busy, or none if any already is.
func (g *keyGuard) TryLock(keys []string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy == nil {
		g.busy = make(map[string]chan struct{})
	}
	for _, k := range keys {
		if _, ok := g.busy[k]; ok {
			return false
		}
	}
	for _, k := range keys {
		g.busy[k] = make(chan struct{})
	}
	return true
}

// Unlock releases keys and wakes their waiters.
func (g *keyGuard) Unlock(keys []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		if ch, ok := g.busy[k]; ok {
			close(ch)
			delete(g.busy, k)
		}
	}
}

// Busy reports whether key is locked.
func (g *keyGuard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.busy[key]
	return ok
}

// wait returns once none of keys is being saved. With no keys it waits for
// every lock to clear. Inside a Session the call is parked so the owner
// goroutine keeps serving edits on other keys; elsewhere it blocks.
func (v *Viewport) wait(ctx context.Context, keys ...string) error {
	for {
		ch := v.guard.next(keys)
		if ch == nil {
			return nil
		}
		if v.park != nil {
			if err := v.park(ctx, ch); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *keyGuard) next(keys []string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(keys) == 0 {
		for _, ch := range g.busy {
			return ch
		}
		return nil
	}
	for _, k := range keys {
		if ch, ok := g.busy[k]; ok {
			return ch
		}
	}
	return nil
}
