// Package discord connects the gateway to Discord through discordgo,
// normalizing gateway messages into events and splitting outbound text at the
// 2000-character message limit.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/llbot-im/llgate/internal/adapter"
	"github.com/llbot-im/llgate/internal/event"
)

const maxMessageLen = 2000

// Raw mention forms: <@id> and <@!id>.
var mentionRe = regexp.MustCompile(`<@!?(\d+)>`)

// Adapter is the Discord platform adapter.
type Adapter struct {
	*adapter.Base
	session   *discordgo.Session
	botUserID string
	record    adapter.SentRecorder
	log       *slog.Logger
}

func New(token string, log *slog.Logger) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		Base:    adapter.NewBase("discord", 5, 5),
		session: session,
		log:     log,
	}, nil
}

func (a *Adapter) Connect(_ context.Context) error {
	if a.Running() {
		return nil
	}
	a.session.AddHandler(a.handleMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID
	a.SetRunning(true)
	a.log.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (a *Adapter) Disconnect() error {
	if !a.Running() {
		return nil
	}
	a.SetRunning(false)
	return a.session.Close()
}

func (a *Adapter) BotUserID() string { return a.botUserID }

// SetSentRecorder installs the sent-message observer. Call before Connect.
func (a *Adapter) SetSentRecorder(r adapter.SentRecorder) { a.record = r }

// SendMessage delivers text to the event's channel, chunking at the message
// limit and preferring newline boundaries.
func (a *Adapter) SendMessage(ctx context.Context, ev *event.Event, text string, _ []event.Element) error {
	if !a.Running() {
		return adapter.ErrNotConnected
	}
	if ev.ChannelID == "" {
		return fmt.Errorf("empty channel id for discord send")
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(text[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if err := a.WaitSend(ctx); err != nil {
			return err
		}
		msg, err := a.session.ChannelMessageSend(ev.ChannelID, chunk)
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		if a.record != nil {
			if err := a.record(ctx, "discord", a.botUserID, msg.ID); err != nil {
				a.log.Warn("record sent message failed", "message_id", msg.ID, "error", err)
			}
		}
	}
	return nil
}

// SendTyping shows the typing indicator in the event's channel.
func (a *Adapter) SendTyping(_ context.Context, ev *event.Event) error {
	if !a.Running() {
		return adapter.ErrNotConnected
	}
	return a.session.ChannelTyping(ev.ChannelID)
}

func (a *Adapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	ev := &event.Event{
		Type:      event.TypeMessage,
		Platform:  "discord",
		SelfID:    a.botUserID,
		UserID:    m.Author.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Content:   m.Content,
		Elements:  buildElements(m),
		Timestamp: m.Timestamp.UnixMilli(),
		Extras:    map[string]string{},
	}

	if m.GuildID != "" {
		owner, admin := a.callerRank(s, m)
		ev.Extras[event.ExtraIsGuildOwner] = strconv.FormatBool(owner)
		ev.Extras[event.ExtraIsGuildAdmin] = strconv.FormatBool(admin)
	}

	a.log.Debug("discord message received",
		"user_id", m.Author.ID, "channel_id", m.ChannelID, "guild_id", m.GuildID)
	a.Emit(ev)
}

// callerRank resolves whether the author owns or administers the guild.
// State lookups are cheap; a REST fallback covers cold caches.
func (a *Adapter) callerRank(s *discordgo.Session, m *discordgo.MessageCreate) (owner, admin bool) {
	guild, err := s.State.Guild(m.GuildID)
	if err != nil {
		guild, err = s.Guild(m.GuildID)
	}
	if err == nil && guild != nil {
		owner = guild.OwnerID == m.Author.ID
	}
	perms, err := s.State.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err == nil {
		admin = perms&discordgo.PermissionAdministrator != 0
	}
	return owner, admin
}

// buildElements splits the raw content around <@id> mentions and appends
// attachment and reply fragments, so the elements reconstruct the content.
func buildElements(m *discordgo.MessageCreate) []event.Element {
	var elems []event.Element
	content := m.Content
	idxs := mentionRe.FindAllStringSubmatchIndex(content, -1)
	last := 0
	for _, loc := range idxs {
		if loc[0] > last {
			elems = append(elems, event.Text(content[last:loc[0]]))
		}
		elems = append(elems, event.Mention(content[loc[2]:loc[3]]))
		last = loc[1]
	}
	if last < len(content) {
		elems = append(elems, event.Text(content[last:]))
	}
	for _, att := range m.Attachments {
		elems = append(elems, event.Image(att.URL))
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		elems = append(elems, event.Quote(ref.MessageID))
	}
	return elems
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
