package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llbot-im/llgate/internal/event"
)

// Multi composes heterogeneous adapters behind the Adapter surface, routing
// outbound sends by Event.Platform.
type Multi struct {
	children map[string]Adapter // platform → adapter
	log      *slog.Logger
}

func NewMulti(log *slog.Logger, children ...Adapter) *Multi {
	m := &Multi{children: make(map[string]Adapter, len(children)), log: log}
	for _, c := range children {
		m.children[c.Platform()] = c
	}
	return m
}

func (m *Multi) Platform() string { return "multi" }

// Connect attempts every child concurrently. At least one child must succeed;
// per-child failures are logged.
func (m *Multi) Connect(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	connected := 0
	for platform, child := range m.children {
		wg.Add(1)
		go func(platform string, child Adapter) {
			defer wg.Done()
			if err := child.Connect(ctx); err != nil {
				m.log.Error("adapter connect failed", "platform", platform, "error", err)
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
			m.log.Info("adapter connected", "platform", platform)
		}(platform, child)
	}
	wg.Wait()
	if connected == 0 {
		return fmt.Errorf("no adapter connected (%d attempted)", len(m.children))
	}
	return nil
}

func (m *Multi) Disconnect() error {
	var firstErr error
	for platform, child := range m.children {
		if err := child.Disconnect(); err != nil {
			m.log.Warn("adapter disconnect failed", "platform", platform, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Multi) OnEvent(h Handler) {
	for _, child := range m.children {
		child.OnEvent(h)
	}
}

func (m *Multi) SendMessage(ctx context.Context, ev *event.Event, text string, elements []event.Element) error {
	child, ok := m.children[ev.Platform]
	if !ok {
		return fmt.Errorf("no adapter for platform %q", ev.Platform)
	}
	return child.SendMessage(ctx, ev, text, elements)
}

// SendTyping forwards to the platform's adapter when it supports typing.
func (m *Multi) SendTyping(ctx context.Context, ev *event.Event) error {
	child, ok := m.children[ev.Platform]
	if !ok {
		return nil
	}
	if t, ok := child.(TypingAdapter); ok {
		return t.SendTyping(ctx, ev)
	}
	return nil
}

// BotUserID is meaningless on the composite; per-platform ids come from the
// children.
func (m *Multi) BotUserID() string { return "" }
