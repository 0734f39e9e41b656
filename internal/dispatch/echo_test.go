package dispatch

import (
	"context"
	"testing"

	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/store"
	"github.com/llbot-im/llgate/internal/store/memory"
)

func chatMsg(content string) *event.Event {
	return &event.Event{
		Type:      event.TypeMessage,
		Platform:  "milky",
		SelfID:    "bot1",
		UserID:    "u1",
		GuildID:   "g1",
		ChannelID: "c1",
		Content:   content,
	}
}

func alwaysEcho() *EchoTracker {
	t := NewEchoTracker(memory.NewStreaks(0))
	t.SetRand(func() float64 { return 0 }) // coin always lands
	return t
}

func TestEchoNeedsStreakOfThree(t *testing.T) {
	ctx := context.Background()
	tr := alwaysEcho()

	for i, want := range []bool{false, false, true} {
		got, err := tr.ShouldEcho(ctx, chatMsg("gg"), 100)
		if err != nil {
			t.Fatalf("ShouldEcho: %v", err)
		}
		if got != want {
			t.Errorf("repeat %d: echo = %v, want %v", i+1, got, want)
		}
	}

	// Already echoed: the same streak never echoes twice.
	if got, _ := tr.ShouldEcho(ctx, chatMsg("gg"), 100); got {
		t.Error("streak echoed twice")
	}
}

func TestEchoResetOnNewSignature(t *testing.T) {
	ctx := context.Background()
	tr := alwaysEcho()

	tr.ShouldEcho(ctx, chatMsg("gg"), 100)
	tr.ShouldEcho(ctx, chatMsg("gg"), 100)
	// Different message restarts the count.
	if got, _ := tr.ShouldEcho(ctx, chatMsg("brb"), 100); got {
		t.Error("fresh signature must not echo")
	}
	if got, _ := tr.ShouldEcho(ctx, chatMsg("brb"), 100); got {
		t.Error("second repeat must not echo")
	}
	if got, _ := tr.ShouldEcho(ctx, chatMsg("brb"), 100); !got {
		t.Error("third repeat should echo")
	}
}

func TestEchoSuppressedForDMsAndMentions(t *testing.T) {
	ctx := context.Background()
	tr := alwaysEcho()

	dm := chatMsg("gg")
	dm.GuildID = ""
	if got, _ := tr.ShouldEcho(ctx, dm, 100); got {
		t.Error("DMs never echo")
	}

	own := chatMsg("gg")
	own.UserID = own.SelfID
	if got, _ := tr.ShouldEcho(ctx, own, 100); got {
		t.Error("own messages never echo")
	}

	mentioned := chatMsg("gg @bot1")
	if got, _ := tr.ShouldEcho(ctx, mentioned, 100); got {
		t.Error("addressed messages never echo")
	}
}

func TestMentionBreaksStreak(t *testing.T) {
	ctx := context.Background()
	tr := alwaysEcho()

	tr.ShouldEcho(ctx, chatMsg("gg"), 100)
	tr.ShouldEcho(ctx, chatMsg("gg"), 100)
	// A mention clears the stored streak.
	tr.ShouldEcho(ctx, chatMsg("hey @bot1"), 100)
	if got, _ := tr.ShouldEcho(ctx, chatMsg("gg"), 100); got {
		t.Error("streak must restart after a mention")
	}
}

func TestEchoRateZeroNeverEchoes(t *testing.T) {
	ctx := context.Background()
	tr := NewEchoTracker(memory.NewStreaks(0))
	tr.SetRand(func() float64 { return 0.999 })

	for i := 0; i < 5; i++ {
		if got, _ := tr.ShouldEcho(ctx, chatMsg("gg"), 0); got {
			t.Fatal("rate 0 echoed")
		}
	}
}

var _ store.EchoStreakStore = (*memory.Streaks)(nil)
