// Package push drives scheduled group pushes: a periodic tick walks the group
// directories and, when a group's push time comes up in its timezone, feeds a
// synthetic self-mention event into the dispatcher. A shared daily lock keeps
// the push to once per group per day across replicas.
package push

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/llbot-im/llgate/internal/cfgstore"
	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/store"
)

// DefaultInterval is the tick period. Pushes match at minute granularity, so
// anything below 60s works; the daily lock absorbs double-fires.
const DefaultInterval = 30 * time.Second

// Dispatcher consumes synthesized events. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.Event)
}

// Options wires a Scheduler.
type Options struct {
	Groups     *cfgstore.GroupStore
	Routes     store.GroupRouteStore
	Locks      store.DailyLocker
	Dispatcher Dispatcher
	Prompt     string         // push message text
	Location   *time.Location // fallback when a group names no timezone
	Interval   time.Duration
	Log        *slog.Logger
}

// Scheduler fires group pushes. Ticks are single-flight: a tick that finds the
// previous one still running returns immediately.
type Scheduler struct {
	opts    Options
	gron    *gronx.Gronx
	now     func() time.Time
	ticking atomic.Bool
}

func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		opts: opts,
		gron: gronx.New(),
		now:  time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick walks all groups once and fires any that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.opts.Log.Debug("push tick still running, skipping")
		return
	}
	defer s.ticking.Store(false)

	ids, err := s.opts.Groups.ListGroups()
	if err != nil {
		s.opts.Log.Warn("list groups failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.tickGroup(ctx, id); err != nil {
			s.opts.Log.Warn("group push failed", "group", id, "error", err)
		}
	}
}

func (s *Scheduler) tickGroup(ctx context.Context, groupID string) error {
	cfg, err := s.opts.Groups.Group(groupID)
	if err != nil {
		return err
	}
	p := cfg.Push
	if p == nil || !p.Enabled {
		return nil
	}

	loc := s.opts.Location
	if p.Timezone != "" {
		l, err := time.LoadLocation(p.Timezone)
		if err != nil {
			s.opts.Log.Warn("bad push timezone", "group", groupID, "timezone", p.Timezone, "error", err)
			return nil
		}
		loc = l
	}
	now := s.now().In(loc)

	if !s.due(groupID, p, now) {
		return nil
	}

	date := now.Format("2006-01-02")
	got, err := s.opts.Locks.AcquireDaily(ctx, "push:"+groupID, date)
	if err != nil {
		return err
	}
	if !got {
		return nil // already fired today
	}

	route, err := s.opts.Routes.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if route == nil {
		s.opts.Log.Warn("push due but group has no route", "group", groupID)
		return nil
	}

	ev := &event.Event{
		Type:      event.TypeMessage,
		Platform:  route.Platform,
		SelfID:    route.SelfID,
		UserID:    route.SelfID,
		GuildID:   groupID,
		ChannelID: route.ChannelID,
		Content:   s.opts.Prompt,
		Elements: []event.Element{
			event.Mention(route.SelfID),
			event.Text(s.opts.Prompt),
		},
		Timestamp: now.UnixMilli(),
		Extras: map[string]string{
			event.ExtraIsScheduledPush: "true",
			event.ExtraForceGroupID:    groupID,
		},
	}
	s.opts.Log.Info("scheduled push fired", "group", groupID, "platform", route.Platform, "channel", route.ChannelID)
	s.opts.Dispatcher.Dispatch(ctx, ev)
	return nil
}

// due reports whether the group's schedule matches now. A cron expression
// takes precedence over the fixed HH:MM time.
func (s *Scheduler) due(groupID string, p *cfgstore.PushConfig, now time.Time) bool {
	if p.Cron != "" {
		ok, err := s.gron.IsDue(p.Cron, now)
		if err != nil {
			s.opts.Log.Warn("bad push cron", "group", groupID, "cron", p.Cron, "error", err)
			return false
		}
		return ok
	}
	if p.Time == "" {
		return false
	}
	return now.Format("15:04") == p.Time
}
