// Package adapter defines the capability surface the gateway requires from a
// platform connection, plus the composition layers: MultiAdapter routes
// outbound sends by platform, AdapterPool keeps one adapter per live bot.
package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/llbot-im/llgate/internal/event"
)

// ErrNotConnected is returned by sends on an adapter without a live upstream.
var ErrNotConnected = errors.New("adapter: not connected")

// Default deadlines for upstream calls.
const (
	ConnectTimeout = 30 * time.Second
	SendTimeout    = 10 * time.Second
)

// Handler receives every inbound event an adapter produces.
type Handler func(ev *event.Event)

// Adapter is one connection to an upstream chat network.
//
// Connect and Disconnect are idempotent; after Disconnect no further events
// are delivered. SendMessage targets ev.ChannelID and may split long text.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Disconnect() error
	OnEvent(h Handler)
	SendMessage(ctx context.Context, ev *event.Event, text string, elements []event.Element) error

	// BotUserID returns the upstream selfId, or "" before the adapter is ready.
	BotUserID() string
}

// TypingAdapter is implemented by adapters whose platform has a typing
// indicator.
type TypingAdapter interface {
	SendTyping(ctx context.Context, ev *event.Event) error
}

// SentRecorder observes the upstream id of every message an adapter sends, so
// the gateway can recognize its own traffic when it echoes back inbound.
type SentRecorder func(ctx context.Context, platform, selfID, messageID string) error

// Base carries the state every adapter shares: handler fan-out and a
// token-bucket limiter on outbound sends.
type Base struct {
	platform string

	mu       sync.RWMutex
	handlers []Handler
	running  bool

	limiter *rate.Limiter
}

// NewBase creates adapter base state. sendsPerSecond <= 0 disables limiting.
func NewBase(platform string, sendsPerSecond float64, burst int) *Base {
	var lim *rate.Limiter
	if sendsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(sendsPerSecond), burst)
	}
	return &Base{platform: platform, limiter: lim}
}

func (b *Base) Platform() string { return b.platform }

// OnEvent registers a handler for inbound events.
func (b *Base) OnEvent(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Emit delivers ev to every registered handler. No-op after Disconnect.
func (b *Base) Emit(ev *event.Event) {
	b.mu.RLock()
	running := b.running
	handlers := b.handlers
	b.mu.RUnlock()
	if !running {
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}

// SetRunning flips the running flag. Adapters set it on connect/disconnect so
// a late upstream callback cannot emit after Disconnect.
func (b *Base) SetRunning(running bool) {
	b.mu.Lock()
	b.running = running
	b.mu.Unlock()
}

func (b *Base) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// WaitSend blocks until the send limiter admits one outbound call.
func (b *Base) WaitSend(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}
