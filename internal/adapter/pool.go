package adapter

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/registry"
)

// Factory builds a platform adapter for one registry entry.
type Factory func(entry registry.Entry) Adapter

// Pool reconciles registry snapshots with live adapter connections so that
// the set of connected bots tracks the set of live registry entries for this
// platform. It satisfies the Adapter surface; outbound sends route by the
// event's selfId.
type Pool struct {
	platform string
	factory  Factory
	log      *slog.Logger

	mu          sync.Mutex
	conns       map[string]*poolConn // botId → connection
	connecting  map[string]bool
	handlers    []Handler
	reconciling bool
}

type poolConn struct {
	adapter Adapter
	wsURL   string
}

func NewPool(platform string, factory Factory, log *slog.Logger) *Pool {
	return &Pool{
		platform:   platform,
		factory:    factory,
		log:        log,
		conns:      make(map[string]*poolConn),
		connecting: make(map[string]bool),
	}
}

func (p *Pool) Platform() string { return p.platform }

// Connect is a no-op: connections appear as registry snapshots arrive.
func (p *Pool) Connect(ctx context.Context) error { return nil }

func (p *Pool) Disconnect() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*poolConn)
	p.mu.Unlock()
	for botID, conn := range conns {
		if err := conn.adapter.Disconnect(); err != nil {
			p.log.Warn("pool disconnect failed", "bot", botID, "error", err)
		}
	}
	return nil
}

// OnEvent registers the handler on every current and future connection.
func (p *Pool) OnEvent(h Handler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	conns := make([]*poolConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		c.adapter.OnEvent(h)
	}
}

// Reconcile drives the pool toward the snapshot. Invoked on every registry
// tick; single-flight, an overlapping call returns immediately.
func (p *Pool) Reconcile(entries map[string]registry.Entry) {
	p.mu.Lock()
	if p.reconciling {
		p.mu.Unlock()
		return
	}
	p.reconciling = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.reconciling = false
		p.mu.Unlock()
	}()

	live := make(map[string]registry.Entry, len(entries))
	for botID, e := range entries {
		if e.Platform == "" || e.Platform == p.platform {
			live[botID] = e
		}
	}

	// Drop connections whose bot left the registry, and stale connections
	// whose endpoint moved.
	p.mu.Lock()
	var drop []string
	for botID, conn := range p.conns {
		e, ok := live[botID]
		if ok && e.WSURL == conn.wsURL {
			continue
		}
		drop = append(drop, botID)
	}
	p.mu.Unlock()
	for _, botID := range drop {
		p.remove(botID)
	}

	for botID, e := range live {
		p.ensure(botID, e)
	}
}

func (p *Pool) remove(botID string) {
	p.mu.Lock()
	conn, ok := p.conns[botID]
	delete(p.conns, botID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.adapter.Disconnect(); err != nil {
		// The entry is already dropped from the live map; log and move on.
		p.log.Warn("pool disconnect failed", "bot", botID, "error", err)
	}
	p.log.Info("bot disconnected", "bot", botID)
}

func (p *Pool) ensure(botID string, e registry.Entry) {
	p.mu.Lock()
	if _, exists := p.conns[botID]; exists || p.connecting[botID] {
		p.mu.Unlock()
		return
	}
	p.connecting[botID] = true
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.connecting, botID)
		p.mu.Unlock()
	}()

	a := p.factory(e)
	for _, h := range handlers {
		a.OnEvent(h)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()
	if err := a.Connect(ctx); err != nil {
		p.log.Error("bot connect failed", "bot", botID, "url", e.WSURL, "error", err)
		return
	}

	p.mu.Lock()
	p.conns[botID] = &poolConn{adapter: a, wsURL: e.WSURL}
	p.mu.Unlock()
	p.log.Info("bot connected", "bot", botID, "url", e.WSURL)
}

// SendMessage routes to the connection owning the event's selfId. A missing
// connection is logged and the send dropped, not an error to the caller.
func (p *Pool) SendMessage(ctx context.Context, ev *event.Event, text string, elements []event.Element) error {
	conn := p.lookup(ev.SelfID)
	if conn == nil {
		p.log.Warn("no connection for bot, send dropped", "platform", p.platform, "self_id", ev.SelfID)
		return nil
	}
	return conn.adapter.SendMessage(ctx, ev, text, elements)
}

func (p *Pool) lookup(selfID string) *poolConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for botID, conn := range p.conns {
		if conn.adapter.BotUserID() == selfID || strings.HasSuffix(botID, "-"+selfID) || botID == selfID {
			return conn
		}
	}
	return nil
}

// BotUserID is meaningless on the pool; each connection has its own.
func (p *Pool) BotUserID() string { return "" }

// Size reports the number of live connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
