package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	done bool
	at   time.Time
}

// MemoryGuard keeps transaction ids in process memory. It is atomic within
// one process only and loses its state on restart.
type MemoryGuard struct {
	mu    sync.Mutex
	seen  map[string]memoryEntry
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

func NewMemoryGuard(opts ...Option) *MemoryGuard {
	o := buildOptions(opts)
	return &MemoryGuard{
		seen:  make(map[string]memoryEntry),
		ttl:   o.ttl,
		lease: o.lease,
		now:   o.now,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, key string) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if e, ok := g.seen[key]; ok && !g.expired(e, now) {
		if e.done {
			return StateDone, nil
		}
		return StateInFlight, nil
	}
	g.seen[key] = memoryEntry{at: now}
	return StateClaimed, nil
}

func (g *MemoryGuard) Complete(_ context.Context, key string) error {
	g.mu.Lock()
	g.seen[key] = memoryEntry{done: true, at: g.now()}
	g.mu.Unlock()
	return nil
}

func (g *MemoryGuard) Forget(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
	return nil
}

func (g *MemoryGuard) Sweep(_ context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var removed int64
	for key, e := range g.seen {
		if g.expired(e, now) {
			delete(g.seen, key)
			removed++
		}
	}
	return removed, nil
}

func (g *MemoryGuard) expired(e memoryEntry, now time.Time) bool {
	if e.done {
		return now.Sub(e.at) >= g.ttl
	}
	return now.Sub(e.at) >= g.lease
}

// Len returns the number of tracked ids, expired or not.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
