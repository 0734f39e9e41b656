package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/store"
)

func testKey() store.BufferKey {
	return store.BufferKey{BotID: "discord-bot-1", GroupID: "g1", SessionID: "s1"}
}

func msg(content string) *event.Event {
	return &event.Event{Type: event.TypeMessage, Platform: "discord", Content: content}
}

func TestAppendDrainFIFO(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(0)
	key := testKey()

	for i := 0; i < 5; i++ {
		if err := b.Append(ctx, key, msg(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	evs, err := b.Drain(ctx, key)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(evs) != 5 {
		t.Fatalf("Drain returned %d events, want 5", len(evs))
	}
	for i, ev := range evs {
		if want := fmt.Sprintf("m%d", i); ev.Content != want {
			t.Errorf("event %d = %q, want %q", i, ev.Content, want)
		}
	}

	evs, err = b.Drain(ctx, key)
	if err != nil || len(evs) != 0 {
		t.Errorf("second Drain should be empty, got %d events, err %v", len(evs), err)
	}
}

func TestRequeueFrontPreservesOrder(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(0)
	key := testKey()

	b.Append(ctx, key, msg("tail"))
	b.RequeueFront(ctx, key, []*event.Event{msg("head1"), msg("head2")})

	evs, _ := b.Drain(ctx, key)
	want := []string{"head1", "head2", "tail"}
	if len(evs) != len(want) {
		t.Fatalf("got %d events, want %d", len(evs), len(want))
	}
	for i, w := range want {
		if evs[i].Content != w {
			t.Errorf("event %d = %q, want %q", i, evs[i].Content, w)
		}
	}
}

// At most one of N concurrent AppendAndRequestJob calls may win the gate; all
// events must still land in the buffer.
func TestGateExclusiveUnderContention(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(0)
	key := testKey()

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("token-%d", i)
			ok, err := b.AppendAndRequestJob(ctx, key, msg(fmt.Sprintf("m%d", i)), token)
			if err != nil {
				t.Errorf("AppendAndRequestJob: %v", err)
				return
			}
			if ok {
				wins <- token
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one gate owner, got %d", len(winners))
	}

	evs, _ := b.Drain(ctx, key)
	if len(evs) != n {
		t.Errorf("expected %d buffered events, got %d", n, len(evs))
	}
}

func TestTryReleaseGateFailsWhileNonEmpty(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(0)
	key := testKey()

	ok, _ := b.AppendAndRequestJob(ctx, key, msg("first"), "tok")
	if !ok {
		t.Fatal("expected to win the free gate")
	}

	// Buffer still holds the event: release must fail so the owner drains.
	released, err := b.TryReleaseGate(ctx, key, "tok")
	if err != nil {
		t.Fatalf("TryReleaseGate: %v", err)
	}
	if released {
		t.Fatal("TryReleaseGate must fail while the buffer is non-empty")
	}

	b.Drain(ctx, key)
	released, _ = b.TryReleaseGate(ctx, key, "tok")
	if !released {
		t.Fatal("TryReleaseGate should succeed on an empty buffer")
	}

	// Gate is free again.
	ok, _ = b.ClaimGate(ctx, key, "tok2")
	if !ok {
		t.Error("gate should be claimable after release")
	}
}

func TestStaleReleaseIsNoop(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(0)
	key := testKey()

	if ok, _ := b.ClaimGate(ctx, key, "owner"); !ok {
		t.Fatal("claim failed")
	}
	if err := b.ReleaseGate(ctx, key, "stale"); err != nil {
		t.Fatalf("ReleaseGate: %v", err)
	}
	// Still held by "owner".
	if ok, _ := b.ClaimGate(ctx, key, "other"); ok {
		t.Error("stale release must not free the gate")
	}
}

// A dead owner (never releases) blocks the key only until the TTL elapses.
func TestGateExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(time.Minute)
	key := testKey()

	now := time.Unix(1_700_000_000, 0)
	b.SetClock(func() time.Time { return now })

	ok, _ := b.AppendAndRequestJob(ctx, key, msg("m1"), "dead")
	if !ok {
		t.Fatal("expected to win the free gate")
	}
	if ok, _ := b.AppendAndRequestJob(ctx, key, msg("m2"), "live"); ok {
		t.Fatal("gate must be held before TTL")
	}

	now = now.Add(61 * time.Second)
	ok, _ = b.AppendAndRequestJob(ctx, key, msg("m3"), "live")
	if !ok {
		t.Fatal("gate must be claimable after TTL expiry")
	}
}

func TestRefreshGateExtendsTTL(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(time.Minute)
	key := testKey()

	now := time.Unix(1_700_000_000, 0)
	b.SetClock(func() time.Time { return now })

	b.ClaimGate(ctx, key, "owner")
	now = now.Add(45 * time.Second)
	b.RefreshGate(ctx, key, "owner")
	now = now.Add(45 * time.Second) // 90s after claim, 45s after refresh

	if ok, _ := b.ClaimGate(ctx, key, "other"); ok {
		t.Error("refreshed gate should still be held")
	}
}
