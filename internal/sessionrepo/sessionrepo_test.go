package sessionrepo

import (
	"testing"
)

func TestResolveReturnsSameActiveSession(t *testing.T) {
	r := New(t.TempDir())

	first, err := r.Resolve("discord-bot-1", "g1", "u1", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first == "" {
		t.Fatal("empty session id")
	}
	second, err := r.Resolve("discord-bot-1", "g1", "u1", 0)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second != first {
		t.Errorf("active session changed: %q then %q", first, second)
	}

	// Different keys multiplex into different sessions.
	other, _ := r.Resolve("discord-bot-1", "g1", "u1", 3)
	if other == first {
		t.Error("key 3 must not share key 0's session")
	}
}

func TestResetUserRotates(t *testing.T) {
	r := New(t.TempDir())

	old, _ := r.Resolve("discord-bot-1", "g1", "u1", 0)
	archived, err := r.ResetUser("discord-bot-1", "g1", "u1", 0)
	if err != nil {
		t.Fatalf("ResetUser: %v", err)
	}
	if archived != 1 {
		t.Errorf("archived = %d, want 1", archived)
	}
	fresh, _ := r.Resolve("discord-bot-1", "g1", "u1", 0)
	if fresh == old {
		t.Error("reset must produce a new active session")
	}
}

func TestResetUserWithoutPriorSession(t *testing.T) {
	r := New(t.TempDir())
	archived, err := r.ResetUser("discord-bot-1", "g1", "u1", 0)
	if err != nil {
		t.Fatalf("ResetUser: %v", err)
	}
	if archived != 0 {
		t.Errorf("archived = %d, want 0", archived)
	}
	// The fresh session is active now.
	if id, _ := r.Resolve("discord-bot-1", "g1", "u1", 0); id == "" {
		t.Error("no active session after reset")
	}
}

func TestResetAllCountsUsers(t *testing.T) {
	r := New(t.TempDir())

	res, err := r.ResetAll("discord-bot-1", "g1")
	if err != nil {
		t.Fatalf("ResetAll on empty group: %v", err)
	}
	if res.Users != 0 || res.Archived != 0 {
		t.Errorf("empty group result = %+v", res)
	}

	r.Resolve("discord-bot-1", "g1", "u1", 0)
	r.Resolve("discord-bot-1", "g1", "u2", 0)
	r.Resolve("discord-bot-1", "g1", "u2", 1)

	res, err = r.ResetAll("discord-bot-1", "g1")
	if err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if res.Users != 2 {
		t.Errorf("Users = %d, want 2", res.Users)
	}
	if res.Archived != 3 {
		t.Errorf("Archived = %d, want 3", res.Archived)
	}
	if res.Failed != 0 {
		t.Errorf("Failed = %d, want 0", res.Failed)
	}
}

func TestUnsafeSegmentsRejected(t *testing.T) {
	r := New(t.TempDir())
	if _, err := r.Resolve("discord-bot-1", "../evil", "u1", 0); err == nil {
		t.Error("unsafe group id must be rejected")
	}
	if _, err := r.Resolve("discord-bot-1", "g1", "..", 0); err == nil {
		t.Error("unsafe user id must be rejected")
	}
}
