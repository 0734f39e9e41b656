// Package memory provides in-process implementations of the store contracts.
// They back single-process deployments (no Redis configured) and the test
// suite. Atomicity is a mutex; gate TTLs are checked lazily against the clock.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/store"
)

type gate struct {
	token     string
	expiresAt time.Time
}

type bufferEntry struct {
	queue []*event.Event
	gate  *gate
}

// Buffer is the in-memory SessionBuffer.
type Buffer struct {
	mu      sync.Mutex
	entries map[store.BufferKey]*bufferEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewBuffer creates a buffer with the given gate TTL. ttl <= 0 uses the default.
func NewBuffer(ttl time.Duration) *Buffer {
	if ttl <= 0 {
		ttl = store.DefaultGateTTL
	}
	return &Buffer{
		entries: make(map[store.BufferKey]*bufferEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests use it to expire gates.
func (b *Buffer) SetClock(now func() time.Time) { b.now = now }

func (b *Buffer) entry(key store.BufferKey) *bufferEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &bufferEntry{}
		b.entries[key] = e
	}
	return e
}

// gateLive returns the entry's gate if it has not expired, clearing it otherwise.
func (b *Buffer) gateLive(e *bufferEntry) *gate {
	if e.gate == nil {
		return nil
	}
	if b.now().After(e.gate.expiresAt) {
		e.gate = nil
		return nil
	}
	return e.gate
}

func (b *Buffer) Append(_ context.Context, key store.BufferKey, ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.queue = append(e.queue, ev)
	return nil
}

func (b *Buffer) RequeueFront(_ context.Context, key store.BufferKey, evs []*event.Event) error {
	if len(evs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.queue = append(append([]*event.Event{}, evs...), e.queue...)
	return nil
}

func (b *Buffer) AppendAndRequestJob(_ context.Context, key store.BufferKey, ev *event.Event, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.queue = append(e.queue, ev)
	if b.gateLive(e) != nil {
		return false, nil
	}
	e.gate = &gate{token: token, expiresAt: b.now().Add(b.ttl)}
	return true, nil
}

func (b *Buffer) Drain(_ context.Context, key store.BufferKey) ([]*event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || len(e.queue) == 0 {
		return nil, nil
	}
	out := e.queue
	e.queue = nil
	return out, nil
}

func (b *Buffer) ClaimGate(_ context.Context, key store.BufferKey, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	if b.gateLive(e) != nil {
		return false, nil
	}
	e.gate = &gate{token: token, expiresAt: b.now().Add(b.ttl)}
	return true, nil
}

func (b *Buffer) RefreshGate(_ context.Context, key store.BufferKey, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	if g := b.gateLive(e); g != nil && g.token == token {
		g.expiresAt = b.now().Add(b.ttl)
	}
	return nil
}

func (b *Buffer) TryReleaseGate(_ context.Context, key store.BufferKey, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	if len(e.queue) > 0 {
		return false, nil
	}
	if g := b.gateLive(e); g != nil && g.token == token {
		e.gate = nil
	}
	return true, nil
}

func (b *Buffer) ReleaseGate(_ context.Context, key store.BufferKey, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	if g := b.gateLive(e); g != nil && g.token == token {
		e.gate = nil
	}
	return nil
}
