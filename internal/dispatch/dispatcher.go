// Package dispatch is the gateway's control plane: it validates inbound
// events, evaluates trigger rules, parses management commands, and either
// buffers + enqueues a session job, replies inline, or drops the event.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llbot-im/llgate/internal/cfgstore"
	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/i18n"
	"github.com/llbot-im/llgate/internal/ident"
	"github.com/llbot-im/llgate/internal/sessionrepo"
	"github.com/llbot-im/llgate/internal/store"
)

// Sender delivers outbound messages; adapter.Multi and adapter.Pool satisfy
// it.
type Sender interface {
	SendMessage(ctx context.Context, ev *event.Event, text string, elements []event.Element) error
}

// TypingSender is implemented by senders whose platform shows a typing
// indicator.
type TypingSender interface {
	SendTyping(ctx context.Context, ev *event.Event) error
}

// Options wires a Dispatcher.
type Options struct {
	Aliases        ident.AliasMap
	Router         *cfgstore.RouterStore
	Groups         *cfgstore.GroupStore
	Sessions       *sessionrepo.Repo
	Buffer         store.SessionBuffer
	Queue          store.SessionQueue
	Routes         store.GroupRouteStore
	BotMessages    store.BotMessageStore
	Echo           *EchoTracker
	Sender         Sender
	ModelWhitelist []string
	Lang           i18n.Lang
	Log            *slog.Logger
}

// Dispatcher handles one inbound event at a time per goroutine. Dispatch
// never returns an error to the adapter; every failure is logged.
type Dispatcher struct {
	opts Options
	now  func() time.Time
	rng  *rand.Rand
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		opts: opts,
		now:  time.Now,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the time source for tests.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch runs the event through the pipeline: validate, authorize,
// trigger-match, command-parse, then gate + enqueue or echo.
func (d *Dispatcher) Dispatch(ctx context.Context, raw *event.Event) {
	if raw == nil || raw.Type != event.TypeMessage {
		return
	}
	ev := raw.Clone()
	traceID := ev.EnsureTrace(d.now())
	log := d.opts.Log.With("trace_id", traceID)

	// Envelope validation.
	groupID := ev.Extras[event.ExtraForceGroupID]
	if groupID == "" {
		groupID = ev.GuildID
	}
	if groupID == "" {
		groupID = "0" // direct message scope
	}
	for _, seg := range []string{groupID, ev.SelfID, ev.UserID} {
		if !ident.IsSafePathSegment(seg) {
			log.Error("invalid envelope segment", "segment", seg, "platform", ev.Platform)
			return
		}
	}

	// Drop our own echoed messages.
	if ev.MessageID != "" {
		sent, err := d.opts.BotMessages.WasSent(ctx, ev.Platform, ev.SelfID, ev.MessageID)
		if err != nil {
			log.Warn("sent-message lookup failed", "error", err)
		} else if sent {
			return
		}
	}

	botID, err := ident.BotID(d.opts.Aliases, ev.Platform, ev.SelfID)
	if err != nil {
		log.Error("bot id derivation failed", "platform", ev.Platform, "self_id", ev.SelfID, "error", err)
		return
	}

	if err := d.opts.Router.EnsureBotConfig(botID); err != nil {
		log.Warn("ensure bot config failed", "bot", botID, "error", err)
		return
	}
	group, err := d.opts.Groups.Group(groupID)
	if err != nil {
		log.Warn("load group failed", "group", groupID, "error", err)
		return
	}
	if !group.Enabled {
		log.Debug("group disabled", "group", groupID)
		return
	}

	snap, err := d.opts.Router.Snapshot()
	if err != nil {
		log.Warn("router snapshot failed", "error", err)
		return
	}

	// Remember where this group lives for the push scheduler.
	if !ev.IsDirect() {
		route := store.GroupRoute{
			Platform:  ev.Platform,
			SelfID:    ev.SelfID,
			ChannelID: ev.ChannelID,
			UpdatedAt: d.now().UnixMilli(),
		}
		if err := d.opts.Routes.Put(ctx, groupID, route); err != nil {
			log.Warn("record group route failed", "group", groupID, "error", err)
		}
	}

	bot := snap.BotConfigs[botID]
	keywords := EffectiveKeywords(snap, group, bot)

	if !ShouldEnqueue(ev, ev.SelfID, group.TriggerMode, keywords) {
		d.passiveEcho(ctx, ev, group, bot, snap, log)
		return
	}

	// Session-key extraction, with a wake-word strip on both sides.
	content := StripWakeWord(ev.Content, keywords)
	key, rest, hadKey := ExtractSessionKey(content)
	content = StripWakeWord(rest, keywords)
	ev.Content = content
	if hadKey {
		stripKeyFromFirstText(ev)
	}
	if key >= group.MaxSessions {
		log.Warn("session key beyond group limit", "key", key, "max", group.MaxSessions)
		return
	}

	cmdText := strings.TrimSpace(StripMentions(content, ev.Platform, ev.SelfID))
	if cmd, ok := ParseCommand(cmdText); ok {
		d.runCommand(ctx, ev, cmd, botID, groupID, key, group, log)
		return
	}

	sessionID, err := d.opts.Sessions.Resolve(botID, groupID, ev.UserID, key)
	if err != nil {
		log.Error("session resolve failed", "bot", botID, "group", groupID, "error", err)
		return
	}

	if t, ok := d.opts.Sender.(TypingSender); ok {
		if err := t.SendTyping(ctx, ev); err != nil {
			log.Debug("typing indicator failed", "error", err)
		}
	}

	bufKey := store.BufferKey{BotID: botID, GroupID: groupID, SessionID: sessionID}
	token := uuid.NewString()
	owns, err := d.opts.Buffer.AppendAndRequestJob(ctx, bufKey, ev, token)
	if err != nil {
		log.Error("buffer append failed", "key", bufKey, "error", err)
		return
	}
	if !owns {
		// Another owner's job will drain this event.
		log.Debug("gate held, event buffered", "key", bufKey)
		return
	}

	job := &store.SessionJob{
		BotID:      botID,
		GroupID:    groupID,
		UserID:     ev.UserID,
		SessionID:  sessionID,
		Key:        key,
		GateToken:  token,
		TraceID:    traceID,
		EnqueuedAt: d.now().UnixMilli(),
	}
	if ms := ev.Extras[event.ExtraTraceStartedAt]; ms != "" {
		job.TraceStartedAt, _ = strconv.ParseInt(ms, 10, 64)
	}
	if _, err := d.opts.Queue.Enqueue(ctx, job); err != nil {
		// Release unconditionally so the key is not stuck behind a dead gate.
		if rerr := d.opts.Buffer.ReleaseGate(ctx, bufKey, token); rerr != nil {
			log.Error("gate release after enqueue failure failed", "key", bufKey, "error", rerr)
		}
		log.Error("enqueue failed", "key", bufKey, "error", err)
		return
	}
	log.Info("session job enqueued", "bot", botID, "group", groupID, "session", sessionID, "key", key)
}

// stripKeyFromFirstText removes the "#N " prefix from the first text element
// so elements keep reconstructing the content.
func stripKeyFromFirstText(ev *event.Event) {
	for i := range ev.Elements {
		if ev.Elements[i].Type != event.ElemText {
			continue
		}
		ev.Elements[i].Text = sessionKeyRe.ReplaceAllString(ev.Elements[i].Text, "")
		return
	}
}

func (d *Dispatcher) passiveEcho(ctx context.Context, ev *event.Event, group *cfgstore.GroupConfig, bot cfgstore.BotKeywordConfig, snap *cfgstore.RouterSnapshot, log *slog.Logger) {
	rate := snap.GlobalEchoRate
	if bot.EchoRate != nil {
		rate = *bot.EchoRate
	}
	if group.EchoRate != nil {
		rate = *group.EchoRate
	}

	echo, err := d.opts.Echo.ShouldEcho(ctx, ev, rate)
	if err != nil {
		log.Warn("echo check failed", "error", err)
		return
	}
	if !echo {
		return
	}
	// One echo per signature per channel, even across replicas.
	fresh, err := d.opts.BotMessages.MarkReply(ctx, ev.ChannelID, ev.Signature())
	if err != nil {
		log.Warn("echo dedup failed", "error", err)
		return
	}
	if !fresh {
		return
	}
	if err := d.opts.Sender.SendMessage(ctx, ev, ev.Content, ev.Elements); err != nil {
		log.Warn("echo send failed", "channel", ev.ChannelID, "error", err)
		return
	}
	log.Info("echoed channel streak", "channel", ev.ChannelID)
}

func (d *Dispatcher) runCommand(ctx context.Context, ev *event.Event, cmd *Command, botID, groupID string, key int, group *cfgstore.GroupConfig, log *slog.Logger) {
	lang := d.opts.Lang
	admin := d.isAdmin(ev, group)

	reply := func(text string) {
		if err := d.opts.Sender.SendMessage(ctx, ev, text, nil); err != nil {
			log.Warn("command reply failed", "command", cmd.Kind, "error", err)
		}
	}

	switch cmd.Kind {
	case CmdResetSelf:
		target := ev.FirstMentionExcept(ev.SelfID)
		userID := ev.UserID
		if target != "" {
			if !admin {
				reply(lang.PermissionDenied())
				return
			}
			userID = target
		}
		if _, err := d.opts.Sessions.ResetUser(botID, groupID, userID, key); err != nil {
			log.Error("reset failed", "user", userID, "error", err)
			return
		}
		log.Info("session reset", "bot", botID, "group", groupID, "user", userID, "key", key)
		reply(lang.ResetDone())

	case CmdResetAll:
		if !admin {
			reply(lang.PermissionDenied())
			return
		}
		users, err := d.opts.Sessions.ListUsers(botID, groupID)
		if err != nil {
			log.Error("list users failed", "group", groupID, "error", err)
			return
		}
		if len(users) == 0 {
			reply(lang.ResetAllEmpty())
			return
		}
		res, err := d.opts.Sessions.ResetAll(botID, groupID)
		if err != nil {
			log.Error("reset all failed", "group", groupID, "error", err)
			return
		}
		log.Info("group sessions reset", "bot", botID, "group", groupID,
			"users", res.Users, "archived", res.Archived, "failed", res.Failed)
		reply(lang.ResetAllDone(res.Users, res.Archived, res.Failed))

	case CmdModel:
		if !admin {
			reply(lang.PermissionDenied())
			return
		}
		if IsModelClear(cmd.Model) {
			if err := d.opts.Groups.SetGroupModel(groupID, ""); err != nil {
				log.Error("clear model failed", "group", groupID, "error", err)
				return
			}
			reply(lang.ModelCleared())
			return
		}
		if !d.modelAllowed(cmd.Model) {
			reply(lang.UnknownModel(cmd.Model))
			return
		}
		if err := d.opts.Groups.SetGroupModel(groupID, cmd.Model); err != nil {
			log.Error("set model failed", "group", groupID, "model", cmd.Model, "error", err)
			return
		}
		log.Info("group model set", "group", groupID, "model", cmd.Model)
		reply(lang.ModelSet(cmd.Model))

	case CmdRoll:
		n, m, err := ParseDiceSpec(cmd.Dice)
		if err != nil {
			reply(lang.DiceMalformed())
			return
		}
		rolls, total := RollDice(d.rng, n, m)
		reply(lang.DiceResult(cmd.Dice, rolls, total))
	}
}

func (d *Dispatcher) isAdmin(ev *event.Event, group *cfgstore.GroupConfig) bool {
	for _, u := range group.AdminUsers {
		if u == ev.UserID {
			return true
		}
	}
	if ev.Platform == "discord" {
		return ev.ExtraBool(event.ExtraIsGuildOwner) || ev.ExtraBool(event.ExtraIsGuildAdmin)
	}
	return false
}

func (d *Dispatcher) modelAllowed(name string) bool {
	if strings.Contains(name, "/") {
		return false
	}
	for _, m := range d.opts.ModelWhitelist {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
