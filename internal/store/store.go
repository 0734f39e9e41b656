// Package store defines the shared-state contracts of the gateway: the
// session buffer with its exclusive gate, the job queue feeding LLM workers,
// and the small KV helpers (group routes, echo streaks, bot-message dedup,
// daily push locks).
//
// Two implementations exist: store/redis for multi-process deployments and
// store/memory for single-process mode and tests. Both preserve the same
// atomicity guarantees; the memory variant holds them within one process.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/llbot-im/llgate/internal/event"
)

// DefaultGateTTL is the liveness backstop for gate owners: if the owning
// process dies mid-job, the gate expires and the next enqueue unblocks the key.
const DefaultGateTTL = 60 * time.Second

// DefaultStreakTTL bounds how long an idle echo streak survives.
const DefaultStreakTTL = 30 * time.Second

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// BufferKey names one logical serial stream inside the session buffer.
type BufferKey struct {
	BotID     string
	GroupID   string
	SessionID string
}

// SessionJob is the unit of work handed to an LLM worker. The worker drains
// the buffer for the key, processes the events, and releases the gate.
type SessionJob struct {
	BotID          string `json:"bot_id"`
	GroupID        string `json:"group_id"`
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	Key            int    `json:"key"`
	GateToken      string `json:"gate_token"`
	TraceID        string `json:"trace_id,omitempty"`
	TraceStartedAt int64  `json:"trace_started_at,omitempty"`
	EnqueuedAt     int64  `json:"enqueued_at"`
}

// SessionBuffer is the per-key FIFO of pending events plus the exclusive gate
// that admits at most one in-flight job per key.
//
// Gate semantics: between AppendAndRequestJob returning true for a token and
// the matching ReleaseGate/TryReleaseGate, no other token can be installed for
// the same key. Gates expire after their TTL unless refreshed.
type SessionBuffer interface {
	// Append pushes the event to the FIFO tail.
	Append(ctx context.Context, key BufferKey, ev *event.Event) error

	// RequeueFront pushes events to the FIFO head preserving their order.
	// Workers use it to put back drained-but-unprocessed events on failure.
	RequeueFront(ctx context.Context, key BufferKey, evs []*event.Event) error

	// AppendAndRequestJob atomically appends the event and attempts to install
	// token as the gate. True means the caller owns the gate and must enqueue
	// exactly one job; false means another owner will drain this event.
	AppendAndRequestJob(ctx context.Context, key BufferKey, ev *event.Event, token string) (bool, error)

	// Drain atomically takes and clears the FIFO contents in append order.
	Drain(ctx context.Context, key BufferKey) ([]*event.Event, error)

	// ClaimGate installs token if the gate is free.
	ClaimGate(ctx context.Context, key BufferKey, token string) (bool, error)

	// RefreshGate extends the TTL of a gate still owned by token.
	RefreshGate(ctx context.Context, key BufferKey, token string) error

	// TryReleaseGate releases the gate only when the buffer is empty and the
	// gate is still owned by token. False means the owner must keep draining.
	TryReleaseGate(ctx context.Context, key BufferKey, token string) (bool, error)

	// ReleaseGate unconditionally releases the gate if owned by token.
	// A stale token is a no-op.
	ReleaseGate(ctx context.Context, key BufferKey, token string) error
}

// SessionQueue is an at-least-once job queue. Delivery order across different
// buffer keys is unspecified; the gate keeps at most one job outstanding per
// key, so no per-key ordering is needed here.
type SessionQueue interface {
	// Enqueue adds a job and returns its queue id.
	Enqueue(ctx context.Context, job *SessionJob) (string, error)

	// Reserve blocks until a job is available or the context is done.
	// Reserved jobs must be acknowledged; unacked jobs are redelivered.
	Reserve(ctx context.Context) (*SessionJob, error)

	// Ack marks a reserved job as done.
	Ack(ctx context.Context, job *SessionJob) error
}

// GroupRoute records the last known delivery target of a group.
type GroupRoute struct {
	Platform  string `json:"platform"`
	SelfID    string `json:"self_id"`
	ChannelID string `json:"channel_id"`
	UpdatedAt int64  `json:"updated_at"`
}

// GroupRouteStore keeps GroupRoutes with a long TTL (30 days).
type GroupRouteStore interface {
	Put(ctx context.Context, groupID string, route GroupRoute) error
	Get(ctx context.Context, groupID string) (*GroupRoute, error) // nil when absent
}

// EchoStreak is the repeated-message state of one (selfId, channelId) pair.
type EchoStreak struct {
	Signature string `json:"signature"`
	Count     int    `json:"count"`
	Echoed    bool   `json:"echoed"`
}

// EchoStreakStore keeps streaks with a short TTL so idle streaks expire and
// replicas share state.
type EchoStreakStore interface {
	Load(ctx context.Context, selfID, channelID string) (*EchoStreak, error) // nil when absent
	Save(ctx context.Context, selfID, channelID string, s *EchoStreak) error
	Clear(ctx context.Context, selfID, channelID string) error
}

// BotMessageStore deduplicates the bot's own traffic: ids of messages the bot
// sent (so adapters can drop their own echoes) and recent reply signatures
// per channel (so identical replies are not double-sent).
type BotMessageStore interface {
	MarkSent(ctx context.Context, platform, selfID, messageID string) error
	WasSent(ctx context.Context, platform, selfID, messageID string) (bool, error)

	// MarkReply records a reply signature; false means the same signature was
	// already recorded within the dedup window.
	MarkReply(ctx context.Context, channelID, signature string) (bool, error)
}

// DailyLocker issues at-most-one lock per (name, date) across processes.
// Used by the push scheduler to fire a group's push once per day.
type DailyLocker interface {
	AcquireDaily(ctx context.Context, name, date string) (bool, error)
}
