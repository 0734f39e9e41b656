package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeKV is a map-backed KV with TTL tracked but only honored when tests
// delete keys themselves.
type fakeKV struct {
	mu   sync.Mutex
	vals map[string]string
	sets map[string]map[string]struct{}
}

func newFakeKV() *fakeKV {
	return &fakeKV{vals: make(map[string]string), sets: make(map[string]map[string]struct{})}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	return v, ok, nil
}

func (f *fakeKV) SetEX(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = value
	return nil
}

func (f *fakeKV) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeKV) SAdd(_ context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	f.sets[key][member] = struct{}{}
	return nil
}

func (f *fakeKV) SRem(_ context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRegistrarRejectsTTLNotAboveRefresh(t *testing.T) {
	kv := newFakeKV()
	entry := Entry{BotID: "milky-1", WSURL: "ws://a", Platform: "milky"}
	if _, err := NewRegistrar(kv, "llbot", entry, 10*time.Second, 10*time.Second, discard()); err == nil {
		t.Error("ttl equal to refresh must be rejected")
	}
	if _, err := NewRegistrar(kv, "llbot", entry, 30*time.Second, 10*time.Second, discard()); err != nil {
		t.Errorf("valid intervals rejected: %v", err)
	}
}

func TestRegistrarWritesKeyAndIndex(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	entry := Entry{BotID: "milky-1", WSURL: "ws://a", Platform: "milky"}
	reg, err := NewRegistrar(kv, "llbot", entry, 30*time.Second, 10*time.Second, discard())
	if err != nil {
		t.Fatalf("NewRegistrar: %v", err)
	}
	reg.refresh(ctx)

	if _, ok, _ := kv.Get(ctx, "llbot:milky-1"); !ok {
		t.Error("entry key not written")
	}
	members, _ := kv.SMembers(ctx, "llbot:index")
	if len(members) != 1 || members[0] != "llbot:milky-1" {
		t.Errorf("index = %v, want [llbot:milky-1]", members)
	}
}

func TestRegistrySnapshotAndScrub(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.SetEX(ctx, "llbot:milky-a", `{"botId":"milky-a","wsUrl":"ws://a","platform":"milky"}`, 0)
	kv.SetEX(ctx, "llbot:milky-b", `ws://b`, 0) // bare-url fallback
	kv.SAdd(ctx, "llbot:index", "llbot:milky-a")
	kv.SAdd(ctx, "llbot:index", "llbot:milky-b")
	kv.SAdd(ctx, "llbot:index", "llbot:milky-dead") // value expired

	var got map[string]Entry
	r := NewRegistry(kv, "llbot", time.Second, func(entries map[string]Entry) { got = entries }, discard())
	r.Poll(ctx)

	if len(got) != 2 {
		t.Fatalf("snapshot has %d entries, want 2: %v", len(got), got)
	}
	if got["milky-a"].WSURL != "ws://a" {
		t.Errorf("milky-a wsUrl = %q", got["milky-a"].WSURL)
	}
	if got["milky-b"].WSURL != "ws://b" {
		t.Errorf("bare-url entry not parsed: %+v", got["milky-b"])
	}

	// Dangling index member must have been scrubbed.
	members, _ := kv.SMembers(ctx, "llbot:index")
	for _, m := range members {
		if m == "llbot:milky-dead" {
			t.Error("dangling index member not scrubbed")
		}
	}
}

func TestRegistryRejectsValueWithoutURL(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.SetEX(ctx, "llbot:bad", `{"platform":"milky"}`, 0)
	kv.SAdd(ctx, "llbot:index", "llbot:bad")

	var got map[string]Entry
	r := NewRegistry(kv, "llbot", time.Second, func(entries map[string]Entry) { got = entries }, discard())
	r.Poll(ctx)
	if len(got) != 0 {
		t.Errorf("entry without wsUrl must be rejected, got %v", got)
	}
}
