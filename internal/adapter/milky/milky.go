// Package milky connects the gateway to a Milky (QQ) bot endpoint over
// WebSocket. The endpoint speaks a small JSON frame protocol; this adapter
// translates frames to events and keeps the connection alive with a
// reconnecting read loop.
package milky

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/llbot-im/llgate/internal/adapter"
	"github.com/llbot-im/llgate/internal/event"
)

// frame is the wire shape in both directions.
type frame struct {
	Type      string          `json:"type"`
	SelfID    string          `json:"self_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	GroupID   string          `json:"group_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Elements  []event.Element `json:"elements,omitempty"`
	Time      int64           `json:"time,omitempty"` // epoch ms
}

// Adapter is one WebSocket connection to a Milky bot.
type Adapter struct {
	*adapter.Base
	url string
	log *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	selfID string

	ctx    context.Context
	cancel context.CancelFunc
}

func New(url string, log *slog.Logger) *Adapter {
	return &Adapter{
		Base: adapter.NewBase("milky", 5, 5),
		url:  url,
		log:  log,
	}
}

// Connect dials the endpoint and starts the read loop. An initial dial
// failure is returned; later drops are retried with backoff.
func (a *Adapter) Connect(_ context.Context) error {
	if a.Running() {
		return nil
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	if err := a.dial(); err != nil {
		a.cancel()
		return err
	}
	a.SetRunning(true)
	go a.listenLoop()
	return nil
}

func (a *Adapter) Disconnect() error {
	if !a.Running() {
		return nil
	}
	a.SetRunning(false)
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	return nil
}

func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

func (a *Adapter) SendMessage(ctx context.Context, ev *event.Event, text string, elements []event.Element) error {
	if err := a.WaitSend(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return adapter.ErrNotConnected
	}
	data, err := json.Marshal(frame{
		Type:      "send",
		ChannelID: ev.ChannelID,
		GroupID:   ev.GuildID,
		Content:   text,
		Elements:  elements,
	})
	if err != nil {
		return fmt.Errorf("marshal milky frame: %w", err)
	}
	a.conn.SetWriteDeadline(time.Now().Add(adapter.SendTimeout))
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send milky message: %w", err)
	}
	return nil
}

func (a *Adapter) dial() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(a.url, nil)
	if err != nil {
		return fmt.Errorf("dial milky endpoint %s: %w", a.url, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.log.Info("milky endpoint connected", "url", a.url)
	return nil
}

// listenLoop reads frames with automatic reconnection.
func (a *Adapter) listenLoop() {
	backoff := time.Second
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		if conn == nil {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := a.dial(); err != nil {
				a.log.Warn("milky reconnect failed", "url", a.url, "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.Warn("milky read error, will reconnect", "url", a.url, "error", err)
			a.mu.Lock()
			if a.conn != nil {
				_ = a.conn.Close()
				a.conn = nil
			}
			a.mu.Unlock()
			continue
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			a.log.Warn("invalid milky frame", "error", err)
			continue
		}
		a.handleFrame(&f)
	}
}

func (a *Adapter) handleFrame(f *frame) {
	if f.SelfID != "" {
		a.mu.Lock()
		a.selfID = f.SelfID
		a.mu.Unlock()
	}
	if f.Type != "message" {
		return
	}
	if f.UserID == "" || f.UserID == f.SelfID {
		return
	}
	channelID := f.ChannelID
	if channelID == "" {
		channelID = f.GroupID
	}
	ts := f.Time
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	a.Emit(&event.Event{
		Type:      event.TypeMessage,
		Platform:  "milky",
		SelfID:    f.SelfID,
		UserID:    f.UserID,
		GuildID:   f.GroupID,
		ChannelID: channelID,
		MessageID: f.MessageID,
		Content:   f.Content,
		Elements:  f.Elements,
		Timestamp: ts,
		Extras:    map[string]string{},
	})
}
