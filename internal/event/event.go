// Package event defines the platform-normalized event model shared by
// adapters, the dispatcher, and the session buffer. Adapters translate
// upstream payloads (Discord gateway events, Telegram updates, Milky frames)
// into Events; everything downstream is platform-agnostic.
package event

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types. Only messages flow through the pipeline today.
const TypeMessage = "message"

// Well-known extras keys. Extras values are strings; booleans are "true"/"false".
const (
	ExtraTraceID         = "traceId"
	ExtraTraceStartedAt  = "traceStartedAt"
	ExtraIsGuildOwner    = "isGuildOwner"
	ExtraIsGuildAdmin    = "isGuildAdmin"
	ExtraIsScheduledPush = "isScheduledPush"
	ExtraForceGroupID    = "forceGroupId"
)

// Element kinds.
const (
	ElemText    = "text"
	ElemImage   = "image"
	ElemMention = "mention"
	ElemQuote   = "quote"
)

// Element is one typed fragment of a message. Exactly one of the payload
// fields is meaningful for a given Type.
type Element struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`       // ElemText
	URL       string `json:"url,omitempty"`        // ElemImage
	UserID    string `json:"user_id,omitempty"`    // ElemMention
	MessageID string `json:"message_id,omitempty"` // ElemQuote
}

// Event is a normalized inbound chat event.
// GuildID is empty for direct messages. Platform is always lowercase.
type Event struct {
	Type      string            `json:"type"`
	Platform  string            `json:"platform"`
	SelfID    string            `json:"self_id"`
	UserID    string            `json:"user_id"`
	GuildID   string            `json:"guild_id,omitempty"`
	ChannelID string            `json:"channel_id"`
	MessageID string            `json:"message_id,omitempty"`
	Content   string            `json:"content"`
	Elements  []Element         `json:"elements,omitempty"`
	Timestamp int64             `json:"timestamp"` // epoch ms
	Extras    map[string]string `json:"extras,omitempty"`
}

// Text returns a text element.
func Text(s string) Element { return Element{Type: ElemText, Text: s} }

// Image returns an image element.
func Image(url string) Element { return Element{Type: ElemImage, URL: url} }

// Mention returns a mention element.
func Mention(userID string) Element { return Element{Type: ElemMention, UserID: userID} }

// Quote returns a quote element.
func Quote(messageID string) Element { return Element{Type: ElemQuote, MessageID: messageID} }

// NewTraceID returns a 128-bit hex trace id.
func NewTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Clone returns a copy of the event with its own Extras and Elements so the
// dispatcher can annotate without mutating the adapter's value.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Extras != nil {
		cp.Extras = make(map[string]string, len(e.Extras)+2)
		for k, v := range e.Extras {
			cp.Extras[k] = v
		}
	} else {
		cp.Extras = make(map[string]string, 2)
	}
	if len(e.Elements) > 0 {
		cp.Elements = make([]Element, len(e.Elements))
		copy(cp.Elements, e.Elements)
	}
	return &cp
}

// EnsureTrace seeds Extras with a trace id and start time if absent.
// Returns the effective trace id. Call on a Clone, never on the original.
func (e *Event) EnsureTrace(now time.Time) string {
	if e.Extras == nil {
		e.Extras = make(map[string]string, 2)
	}
	id := e.Extras[ExtraTraceID]
	if id == "" {
		id = NewTraceID()
		e.Extras[ExtraTraceID] = id
	}
	if e.Extras[ExtraTraceStartedAt] == "" {
		e.Extras[ExtraTraceStartedAt] = strconv.FormatInt(now.UnixMilli(), 10)
	}
	return id
}

// ExtraBool reads a boolean extras value ("true"/"1").
func (e *Event) ExtraBool(key string) bool {
	v := e.Extras[key]
	return v == "true" || v == "1"
}

// IsDirect reports whether the event is a direct message.
func (e *Event) IsDirect() bool { return e.GuildID == "" }

// MentionsUser reports whether any mention element targets userID.
func (e *Event) MentionsUser(userID string) bool {
	for _, el := range e.Elements {
		if el.Type == ElemMention && el.UserID == userID {
			return true
		}
	}
	return false
}

// HasAnyMention reports whether the event carries any mention element or a
// bare '@' in its content. Used by the echo tracker to suppress echoes of
// addressed messages.
func (e *Event) HasAnyMention() bool {
	for _, el := range e.Elements {
		if el.Type == ElemMention {
			return true
		}
	}
	return strings.Contains(e.Content, "@")
}

// FirstMentionExcept returns the user id of the first mention element whose
// target differs from selfID, or "" when there is none. Management commands
// use it to capture a target user.
func (e *Event) FirstMentionExcept(selfID string) string {
	for _, el := range e.Elements {
		if el.Type == ElemMention && el.UserID != selfID {
			return el.UserID
		}
	}
	return ""
}

// PlainText reconstructs the textual content from text elements, falling back
// to Content when the event has no elements.
func (e *Event) PlainText() string {
	if len(e.Elements) == 0 {
		return e.Content
	}
	var sb strings.Builder
	for _, el := range e.Elements {
		if el.Type == ElemText {
			sb.WriteString(el.Text)
		}
	}
	return sb.String()
}

// Signature returns a normalized signature for duplicate detection: the JSON
// form of the elements, or the trimmed content when there are none.
func (e *Event) Signature() string {
	if len(e.Elements) == 0 {
		return strings.TrimSpace(e.Content)
	}
	norm := make([]Element, len(e.Elements))
	for i, el := range e.Elements {
		el.Text = strings.TrimSpace(el.Text)
		norm[i] = el
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return strings.TrimSpace(e.Content)
	}
	return string(data)
}
