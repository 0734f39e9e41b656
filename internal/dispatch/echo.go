package dispatch

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/store"
)

// EchoTracker implements the single-channel streak echo: when a channel
// repeats the same message enough times, the bot may join in once. Streak
// state lives in the shared KV so replicas agree and idle streaks expire.
type EchoTracker struct {
	streaks store.EchoStreakStore
	randF   func() float64
}

func NewEchoTracker(streaks store.EchoStreakStore) *EchoTracker {
	return &EchoTracker{streaks: streaks, randF: rand.Float64}
}

// SetRand overrides the coin-flip source for tests.
func (t *EchoTracker) SetRand(f func() float64) { t.randF = f }

// ShouldEcho decides whether to echo the event verbatim. rate is the echo
// probability in percent once a streak is established.
func (t *EchoTracker) ShouldEcho(ctx context.Context, ev *event.Event, rate int) (bool, error) {
	if ev.IsDirect() {
		return false, nil
	}
	if ev.UserID == ev.SelfID {
		return false, nil
	}
	// Addressed messages never echo, and they break the streak.
	if ev.HasAnyMention() {
		if err := t.streaks.Clear(ctx, ev.SelfID, ev.ChannelID); err != nil {
			return false, fmt.Errorf("clear streak: %w", err)
		}
		return false, nil
	}

	sig := ev.Signature()
	st, err := t.streaks.Load(ctx, ev.SelfID, ev.ChannelID)
	if err != nil {
		return false, fmt.Errorf("load streak: %w", err)
	}

	if st == nil || st.Signature != sig {
		fresh := &store.EchoStreak{Signature: sig, Count: 1}
		if err := t.streaks.Save(ctx, ev.SelfID, ev.ChannelID, fresh); err != nil {
			return false, fmt.Errorf("save streak: %w", err)
		}
		return false, nil
	}

	if st.Count < 2 {
		st.Count++
		if err := t.streaks.Save(ctx, ev.SelfID, ev.ChannelID, st); err != nil {
			return false, fmt.Errorf("save streak: %w", err)
		}
		return false, nil
	}

	if st.Echoed {
		return false, nil
	}
	if rate > 100 {
		rate = 100
	}
	if t.randF() < float64(rate)/100 {
		st.Echoed = true
		if err := t.streaks.Save(ctx, ev.SelfID, ev.ChannelID, st); err != nil {
			return false, fmt.Errorf("save streak: %w", err)
		}
		return true, nil
	}
	// Streak stays; re-save to keep it alive while the channel repeats.
	if err := t.streaks.Save(ctx, ev.SelfID, ev.ChannelID, st); err != nil {
		return false, fmt.Errorf("save streak: %w", err)
	}
	return false, nil
}
