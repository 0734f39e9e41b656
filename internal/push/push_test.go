package push

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/llbot-im/llgate/internal/cfgstore"
	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/store"
	"github.com/llbot-im/llgate/internal/store/memory"
)

type recordingDispatcher struct {
	events []*event.Event
}

func (r *recordingDispatcher) Dispatch(_ context.Context, ev *event.Event) {
	r.events = append(r.events, ev)
}

func writeGroupConfig(t *testing.T, dir, groupID, yaml string) {
	t.Helper()
	groupDir := filepath.Join(dir, "groups", groupID)
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(groupDir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestScheduler(t *testing.T, dir string) (*Scheduler, *recordingDispatcher, *memory.Routes) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	groups, err := cfgstore.NewGroupStore(dir, 3, log)
	if err != nil {
		t.Fatal(err)
	}
	disp := &recordingDispatcher{}
	routes := memory.NewRoutes()
	s := New(Options{
		Groups:     groups,
		Routes:     routes,
		Locks:      memory.NewLocks(),
		Dispatcher: disp,
		Prompt:     "早上好！",
		Log:        log,
	})
	return s, disp, routes
}

func TestScheduledPushFiresOncePerDay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeGroupConfig(t, dir, "g1", `enabled: true
triggerMode: mention
maxSessions: 3
push:
  enabled: true
  time: "09:00"
  timezone: Asia/Shanghai
`)
	s, disp, routes := newTestScheduler(t, dir)
	routes.Put(ctx, "g1", store.GroupRoute{Platform: "milky", SelfID: "bot1", ChannelID: "c9"})

	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	now := time.Date(2026, 3, 1, 8, 59, 0, 0, shanghai)
	s.SetClock(func() time.Time { return now })

	s.Tick(ctx)
	if len(disp.events) != 0 {
		t.Fatal("fired before the scheduled minute")
	}

	now = time.Date(2026, 3, 1, 9, 0, 10, 0, shanghai)
	s.Tick(ctx)
	if len(disp.events) != 1 {
		t.Fatalf("got %d events after due tick, want 1", len(disp.events))
	}

	// Second tick in the same minute: the daily lock holds.
	now = time.Date(2026, 3, 1, 9, 0, 40, 0, shanghai)
	s.Tick(ctx)
	if len(disp.events) != 1 {
		t.Fatalf("lock did not hold, got %d events", len(disp.events))
	}

	// Next day unlocks a fresh push.
	now = time.Date(2026, 3, 2, 9, 0, 5, 0, shanghai)
	s.Tick(ctx)
	if len(disp.events) != 2 {
		t.Fatalf("next-day push missing, got %d events", len(disp.events))
	}

	ev := disp.events[0]
	if ev.Type != event.TypeMessage || ev.Platform != "milky" || ev.SelfID != "bot1" || ev.ChannelID != "c9" {
		t.Errorf("event envelope = %+v", ev)
	}
	if ev.Extras[event.ExtraIsScheduledPush] != "true" {
		t.Error("missing isScheduledPush extra")
	}
	if ev.Extras[event.ExtraForceGroupID] != "g1" {
		t.Errorf("force group = %q", ev.Extras[event.ExtraForceGroupID])
	}
	if len(ev.Elements) != 2 || ev.Elements[0].Type != event.ElemMention || ev.Elements[0].UserID != "bot1" {
		t.Errorf("elements = %+v", ev.Elements)
	}
}

func TestScheduledPushCronExpression(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeGroupConfig(t, dir, "g2", `enabled: true
triggerMode: mention
maxSessions: 3
push:
  enabled: true
  cron: "30 18 * * *"
`)
	s, disp, routes := newTestScheduler(t, dir)
	routes.Put(ctx, "g2", store.GroupRoute{Platform: "discord", SelfID: "b", ChannelID: "c"})

	now := time.Date(2026, 3, 1, 18, 29, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	s.Tick(ctx)
	if len(disp.events) != 0 {
		t.Fatal("cron fired early")
	}

	now = time.Date(2026, 3, 1, 18, 30, 20, 0, time.UTC)
	s.Tick(ctx)
	if len(disp.events) != 1 {
		t.Fatalf("cron did not fire, got %d events", len(disp.events))
	}
}

func TestScheduledPushNeedsRoute(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeGroupConfig(t, dir, "g3", `enabled: true
triggerMode: mention
maxSessions: 3
push:
  enabled: true
  time: "12:00"
`)
	s, disp, _ := newTestScheduler(t, dir)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.Tick(ctx)
	if len(disp.events) != 0 {
		t.Error("push without a route must be skipped")
	}
}

func TestScheduledPushDisabled(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeGroupConfig(t, dir, "g4", `enabled: true
triggerMode: mention
maxSessions: 3
push:
  enabled: false
  time: "12:00"
`)
	s, disp, routes := newTestScheduler(t, dir)
	routes.Put(ctx, "g4", store.GroupRoute{Platform: "milky", SelfID: "b", ChannelID: "c"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.Tick(ctx)
	if len(disp.events) != 0 {
		t.Error("disabled push must not fire")
	}
}
