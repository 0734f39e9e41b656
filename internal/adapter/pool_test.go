package adapter

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/registry"
)

type fakeAdapter struct {
	Base
	mu           sync.Mutex
	url          string
	selfID       string
	connected    bool
	disconnected bool
	sent         []string
	connectErr   error
}

func newFakeAdapter(platform, url, selfID string) *fakeAdapter {
	return &fakeAdapter{Base: *NewBase(platform, 0, 0), url: url, selfID: selfID}
}

func (f *fakeAdapter) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.SetRunning(true)
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	f.SetRunning(false)
	return nil
}

func (f *fakeAdapter) SendMessage(_ context.Context, _ *event.Event, text string, _ []event.Element) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) BotUserID() string { return f.selfID }

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func snapshot(entries ...registry.Entry) map[string]registry.Entry {
	m := make(map[string]registry.Entry)
	for _, e := range entries {
		m[e.BotID] = e
	}
	return m
}

func TestPoolReconcile(t *testing.T) {
	made := make(map[string]*fakeAdapter) // botId → last adapter built
	factory := func(e registry.Entry) Adapter {
		a := newFakeAdapter("milky", e.WSURL, e.BotID)
		made[e.BotID] = a
		return a
	}
	p := NewPool("milky", factory, discard())

	// Two live bots: two connections.
	p.Reconcile(snapshot(
		registry.Entry{BotID: "bot-A", WSURL: "ws://a", Platform: "milky"},
		registry.Entry{BotID: "bot-B", WSURL: "ws://b", Platform: "milky"},
	))
	if p.Size() != 2 {
		t.Fatalf("pool size = %d, want 2", p.Size())
	}
	a1 := made["bot-A"]

	// bot-B leaves: its adapter is disconnected and removed.
	p.Reconcile(snapshot(
		registry.Entry{BotID: "bot-A", WSURL: "ws://a", Platform: "milky"},
	))
	if p.Size() != 1 {
		t.Fatalf("pool size = %d, want 1", p.Size())
	}
	if !made["bot-B"].disconnected {
		t.Error("removed bot's adapter was not disconnected")
	}

	// bot-A moves endpoints: old adapter disconnected, new one started.
	p.Reconcile(snapshot(
		registry.Entry{BotID: "bot-A", WSURL: "ws://a2", Platform: "milky"},
	))
	if !a1.disconnected {
		t.Error("stale adapter was not disconnected after url change")
	}
	if made["bot-A"] == a1 || made["bot-A"].url != "ws://a2" {
		t.Error("no fresh adapter at the new url")
	}
	if p.Size() != 1 {
		t.Errorf("pool size = %d, want 1", p.Size())
	}
}

func TestPoolSkipsOtherPlatforms(t *testing.T) {
	factory := func(e registry.Entry) Adapter {
		return newFakeAdapter("milky", e.WSURL, e.BotID)
	}
	p := NewPool("milky", factory, discard())
	p.Reconcile(snapshot(
		registry.Entry{BotID: "bot-A", WSURL: "ws://a", Platform: "discord"},
	))
	if p.Size() != 0 {
		t.Errorf("pool connected a foreign-platform bot")
	}
}

func TestPoolResubscribesHandlers(t *testing.T) {
	factory := func(e registry.Entry) Adapter {
		return newFakeAdapter("milky", e.WSURL, e.BotID)
	}
	p := NewPool("milky", factory, discard())

	var got []string
	var mu sync.Mutex
	p.OnEvent(func(ev *event.Event) {
		mu.Lock()
		got = append(got, ev.SelfID)
		mu.Unlock()
	})

	p.Reconcile(snapshot(registry.Entry{BotID: "bot-A", WSURL: "ws://a", Platform: "milky"}))

	// The adapter attached after registration must still feed the handler.
	p.mu.Lock()
	conn := p.conns["bot-A"]
	p.mu.Unlock()
	conn.adapter.(*fakeAdapter).Emit(&event.Event{Type: event.TypeMessage, SelfID: "bot-A"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "bot-A" {
		t.Errorf("handler not resubscribed to new adapter: %v", got)
	}
}

func TestPoolSendRoutesBySelfID(t *testing.T) {
	factory := func(e registry.Entry) Adapter {
		return newFakeAdapter("milky", e.WSURL, e.BotID)
	}
	p := NewPool("milky", factory, discard())
	p.Reconcile(snapshot(
		registry.Entry{BotID: "bot-A", WSURL: "ws://a", Platform: "milky"},
		registry.Entry{BotID: "bot-B", WSURL: "ws://b", Platform: "milky"},
	))

	ev := &event.Event{Platform: "milky", SelfID: "bot-B", ChannelID: "c1"}
	if err := p.SendMessage(context.Background(), ev, "hello", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	p.mu.Lock()
	b := p.conns["bot-B"].adapter.(*fakeAdapter)
	a := p.conns["bot-A"].adapter.(*fakeAdapter)
	p.mu.Unlock()
	if len(b.sent) != 1 || b.sent[0] != "hello" {
		t.Errorf("bot-B sent = %v", b.sent)
	}
	if len(a.sent) != 0 {
		t.Errorf("bot-A must not receive the send: %v", a.sent)
	}

	// Unknown selfId: dropped, no error.
	if err := p.SendMessage(context.Background(), &event.Event{SelfID: "ghost"}, "x", nil); err != nil {
		t.Errorf("send to unknown bot must not error: %v", err)
	}
}
