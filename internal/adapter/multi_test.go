package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/llbot-im/llgate/internal/event"
)

func TestMultiConnectNeedsOneSuccess(t *testing.T) {
	good := newFakeAdapter("discord", "", "bot-1")
	bad := newFakeAdapter("milky", "", "bot-2")
	bad.connectErr = errors.New("dial failed")

	m := NewMulti(discard(), good, bad)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with one healthy child: %v", err)
	}

	allBad := newFakeAdapter("discord", "", "bot-1")
	allBad.connectErr = errors.New("dial failed")
	m2 := NewMulti(discard(), allBad)
	if err := m2.Connect(context.Background()); err == nil {
		t.Error("Connect must fail when every child fails")
	}
}

func TestMultiRoutesByPlatform(t *testing.T) {
	discord := newFakeAdapter("discord", "", "bot-1")
	milky := newFakeAdapter("milky", "", "bot-2")
	m := NewMulti(discard(), discord, milky)

	ev := &event.Event{Platform: "milky", ChannelID: "c1"}
	if err := m.SendMessage(context.Background(), ev, "hi", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(milky.sent) != 1 {
		t.Errorf("milky sent = %v", milky.sent)
	}
	if len(discord.sent) != 0 {
		t.Errorf("discord must not receive the send")
	}

	if err := m.SendMessage(context.Background(), &event.Event{Platform: "slack"}, "hi", nil); err == nil {
		t.Error("unknown platform must error")
	}
}
