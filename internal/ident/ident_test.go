package ident

import "testing"

func TestIsSafePathSegment(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"discord-bot-1", true},
		{"0", true},
		{"a.b_c-d", true},
		{"A1", true},
		{"", false},
		{".hidden", false},
		{"-lead", false},
		{"has space", false},
		{"a/../b", false},
		{"a..b", false},
		{"..", false},
		{"名前", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsSafePathSegment(tt.in); got != tt.want {
				t.Errorf("IsSafePathSegment(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseAliases(t *testing.T) {
	m, err := ParseAliases("123=bot-a, 456=bot-b ,")
	if err != nil {
		t.Fatalf("ParseAliases: %v", err)
	}
	if m["123"] != "bot-a" || m["456"] != "bot-b" {
		t.Errorf("unexpected map: %v", m)
	}

	if _, err := ParseAliases("oops"); err == nil {
		t.Error("expected error for malformed alias")
	}
	if m, err := ParseAliases("  "); err != nil || m != nil {
		t.Errorf("blank spec should yield nil map, got %v, %v", m, err)
	}
}

// Resolution must be idempotent: resolving a resolved id is a no-op, and
// unknown ids resolve to themselves.
func TestResolveIdempotent(t *testing.T) {
	m := AliasMap{"raw": "canonical"}

	for _, id := range []string{"raw", "canonical", "unknown"} {
		once := m.Resolve(id)
		twice := m.Resolve(once)
		if once != twice {
			t.Errorf("Resolve not idempotent for %q: %q then %q", id, once, twice)
		}
	}
	if m.Resolve("unknown") != "unknown" {
		t.Error("unknown id should resolve to itself")
	}
}

func TestBotID(t *testing.T) {
	m := AliasMap{"123456": "bot-1"}

	got, err := BotID(m, "Discord", "123456")
	if err != nil {
		t.Fatalf("BotID: %v", err)
	}
	if got != "discord-bot-1" {
		t.Errorf("BotID = %q, want discord-bot-1", got)
	}

	if _, err := BotID(nil, "qq", "../evil"); err == nil {
		t.Error("expected error for unsafe self id")
	}
}
