// Package telegram connects the gateway to the Telegram Bot API via telego
// long polling. Private chats become direct messages; groups and supergroups
// map to guilds with the chat id doubling as the channel id.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/llbot-im/llgate/internal/adapter"
	"github.com/llbot-im/llgate/internal/event"
)

const maxMessageLen = 4096

// Adapter is the Telegram platform adapter.
type Adapter struct {
	*adapter.Base
	bot       *telego.Bot
	botUserID string
	record    adapter.SentRecorder
	log       *slog.Logger

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(token string, log *slog.Logger) (*Adapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		Base: adapter.NewBase("telegram", 1, 3),
		bot:  bot,
		log:  log,
	}, nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.Running() {
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	me, err := a.bot.GetMe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("fetch telegram bot identity: %w", err)
	}
	a.botUserID = strconv.FormatInt(me.ID, 10)
	a.SetRunning(true)
	a.log.Info("telegram bot connected", "username", me.Username, "id", me.ID)

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					a.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Disconnect cancels long polling and waits for the poll goroutine so the
// getUpdates lock is released before a new instance starts.
func (a *Adapter) Disconnect() error {
	if !a.Running() {
		return nil
	}
	a.SetRunning(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			a.log.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) BotUserID() string { return a.botUserID }

// SetSentRecorder installs the sent-message observer. Call before Connect.
func (a *Adapter) SetSentRecorder(r adapter.SentRecorder) { a.record = r }

func (a *Adapter) SendMessage(ctx context.Context, ev *event.Event, text string, _ []event.Element) error {
	if !a.Running() {
		return adapter.ErrNotConnected
	}
	chatID, err := strconv.ParseInt(ev.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", ev.ChannelID, err)
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			chunk = text[:maxMessageLen]
			text = text[maxMessageLen:]
		} else {
			text = ""
		}
		if err := a.WaitSend(ctx); err != nil {
			return err
		}
		msg, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk))
		if err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
		if a.record != nil {
			if err := a.record(ctx, "telegram", a.botUserID, strconv.Itoa(msg.MessageID)); err != nil {
				a.log.Warn("record sent message failed", "message_id", msg.MessageID, "error", err)
			}
		}
	}
	return nil
}

// SendTyping shows the "typing…" chat action.
func (a *Adapter) SendTyping(ctx context.Context, ev *event.Event) error {
	if !a.Running() {
		return adapter.ErrNotConnected
	}
	chatID, err := strconv.ParseInt(ev.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", ev.ChannelID, err)
	}
	return a.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

func (a *Adapter) handleMessage(msg *telego.Message) {
	if msg.From == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	if userID == a.botUserID || msg.From.IsBot {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	ev := &event.Event{
		Type:      event.TypeMessage,
		Platform:  "telegram",
		SelfID:    a.botUserID,
		UserID:    userID,
		ChannelID: chatID,
		MessageID: strconv.Itoa(msg.MessageID),
		Content:   msg.Text,
		Elements:  buildElements(msg),
		Timestamp: msg.Date * 1000,
		Extras:    map[string]string{},
	}
	// Private chats are DMs; everything else scopes to the chat.
	if msg.Chat.Type != telego.ChatTypePrivate {
		ev.GuildID = chatID
	}

	a.log.Debug("telegram message received", "user_id", userID, "chat_id", chatID)
	a.Emit(ev)
}

// buildElements splits the text around mention entities; text_mention
// entities carry the target user directly.
func buildElements(msg *telego.Message) []event.Element {
	text := msg.Text
	var elems []event.Element
	last := 0
	for _, entity := range msg.Entities {
		if entity.Type != telego.EntityTypeMention && entity.Type != telego.EntityTypeTextMention {
			continue
		}
		end := entity.Offset + entity.Length
		if entity.Offset < last || end > len(text) {
			continue
		}
		if entity.Offset > last {
			elems = append(elems, event.Text(text[last:entity.Offset]))
		}
		if entity.Type == telego.EntityTypeTextMention && entity.User != nil {
			elems = append(elems, event.Mention(strconv.FormatInt(entity.User.ID, 10)))
		} else {
			// @username mention; keep the handle as the target id.
			elems = append(elems, event.Mention(text[entity.Offset:end]))
		}
		last = end
	}
	if last < len(text) {
		elems = append(elems, event.Text(text[last:]))
	}
	if reply := msg.ReplyToMessage; reply != nil {
		elems = append(elems, event.Quote(strconv.Itoa(reply.MessageID)))
	}
	return elems
}
