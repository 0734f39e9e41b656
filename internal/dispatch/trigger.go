package dispatch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/llbot-im/llgate/internal/cfgstore"
	"github.com/llbot-im/llgate/internal/event"
)

// sessionKeyRe matches a leading "#N " session-key prefix.
var sessionKeyRe = regexp.MustCompile(`^\s*#(\d+)(\s+|$)`)

// EffectiveKeywords composes the keyword list for one bot in one group,
// honoring the bot's routing switches.
func EffectiveKeywords(snap *cfgstore.RouterSnapshot, group *cfgstore.GroupConfig, bot cfgstore.BotKeywordConfig) []string {
	var out []string
	if bot.KeywordRouting.EnableGlobal {
		out = append(out, snap.GlobalKeywords...)
	}
	if bot.KeywordRouting.EnableGroup && group != nil {
		out = append(out, group.Keywords...)
	}
	if bot.KeywordRouting.EnableBot {
		out = append(out, bot.Keywords...)
	}
	return out
}

// MentionsSelf reports whether the event addresses the bot, either through a
// mention element or the platform's raw mention text.
func MentionsSelf(ev *event.Event, selfID string) bool {
	if selfID == "" {
		return false
	}
	if ev.MentionsUser(selfID) {
		return true
	}
	if ev.Platform == "discord" {
		return strings.Contains(ev.Content, "<@"+selfID+">") ||
			strings.Contains(ev.Content, "<@!"+selfID+">")
	}
	return strings.Contains(ev.Content, "@"+selfID)
}

// MatchKeyword returns the first keyword appearing in content,
// case-insensitive.
func MatchKeyword(content string, keywords []string) (string, bool) {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// ShouldEnqueue decides whether the event wakes the bot: a self mention
// always does; under keyword trigger mode a matching keyword does too.
func ShouldEnqueue(ev *event.Event, selfID, triggerMode string, keywords []string) bool {
	if MentionsSelf(ev, selfID) {
		return true
	}
	if triggerMode == "keyword" {
		_, ok := MatchKeyword(ev.Content, keywords)
		return ok
	}
	return false
}

// StripWakeWord removes one leading keyword (case-insensitive) plus the
// whitespace after it.
func StripWakeWord(content string, keywords []string) string {
	trimmed := strings.TrimLeft(content, " \t")
	lower := strings.ToLower(trimmed)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.HasPrefix(lower, strings.ToLower(kw)) {
			return strings.TrimLeft(trimmed[len(kw):], " \t")
		}
	}
	return content
}

// ExtractSessionKey parses a leading "#N " prefix. It returns the key, the
// content with the prefix removed, and whether a key was present.
func ExtractSessionKey(content string) (int, string, bool) {
	loc := sessionKeyRe.FindStringSubmatchIndex(content)
	if loc == nil {
		return 0, content, false
	}
	key, err := strconv.Atoi(content[loc[2]:loc[3]])
	if err != nil {
		return 0, content, false
	}
	return key, content[loc[1]:], true
}

// StripMentions removes the platform raw-mention text for selfID from
// content, so commands parse cleanly after a wake mention.
func StripMentions(content, platform, selfID string) string {
	if selfID == "" {
		return content
	}
	if platform == "discord" {
		content = strings.ReplaceAll(content, "<@"+selfID+">", "")
		content = strings.ReplaceAll(content, "<@!"+selfID+">", "")
	} else {
		content = strings.ReplaceAll(content, "@"+selfID, "")
	}
	return strings.TrimSpace(content)
}
