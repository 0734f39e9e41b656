package memory

import (
	"context"
	"sync"
	"time"

	"github.com/llbot-im/llgate/internal/store"
)

// Routes is the in-memory GroupRouteStore. Routes never expire in-process;
// the 30-day TTL only matters for the Redis variant.
type Routes struct {
	mu sync.RWMutex
	m  map[string]store.GroupRoute
}

func NewRoutes() *Routes {
	return &Routes{m: make(map[string]store.GroupRoute)}
}

func (r *Routes) Put(_ context.Context, groupID string, route store.GroupRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[groupID] = route
	return nil
}

func (r *Routes) Get(_ context.Context, groupID string) (*store.GroupRoute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.m[groupID]
	if !ok {
		return nil, nil
	}
	return &route, nil
}

type streakEntry struct {
	streak    store.EchoStreak
	expiresAt time.Time
}

// Streaks is the in-memory EchoStreakStore with lazy TTL expiry.
type Streaks struct {
	mu  sync.Mutex
	m   map[string]streakEntry
	ttl time.Duration
	now func() time.Time
}

func NewStreaks(ttl time.Duration) *Streaks {
	if ttl <= 0 {
		ttl = store.DefaultStreakTTL
	}
	return &Streaks{m: make(map[string]streakEntry), ttl: ttl, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Streaks) SetClock(now func() time.Time) { s.now = now }

func streakKey(selfID, channelID string) string { return selfID + ":" + channelID }

func (s *Streaks) Load(_ context.Context, selfID, channelID string) (*store.EchoStreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[streakKey(selfID, channelID)]
	if !ok || s.now().After(e.expiresAt) {
		return nil, nil
	}
	st := e.streak
	return &st, nil
}

func (s *Streaks) Save(_ context.Context, selfID, channelID string, st *store.EchoStreak) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[streakKey(selfID, channelID)] = streakEntry{streak: *st, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *Streaks) Clear(_ context.Context, selfID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, streakKey(selfID, channelID))
	return nil
}

// BotMessages is the in-memory BotMessageStore. Entries are capped rather
// than TTL'd; the cap is generous enough for dedup windows.
type BotMessages struct {
	mu      sync.Mutex
	sent    map[string]struct{}
	replies map[string]struct{}
	order   []string
	max     int
}

func NewBotMessages() *BotMessages {
	return &BotMessages{
		sent:    make(map[string]struct{}),
		replies: make(map[string]struct{}),
		max:     4096,
	}
}

func (b *BotMessages) MarkSent(_ context.Context, platform, selfID, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := platform + ":" + selfID + ":" + messageID
	b.sent[k] = struct{}{}
	b.remember(k)
	return nil
}

func (b *BotMessages) WasSent(_ context.Context, platform, selfID, messageID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sent[platform+":"+selfID+":"+messageID]
	return ok, nil
}

func (b *BotMessages) MarkReply(_ context.Context, channelID, signature string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := channelID + ":" + signature
	if _, dup := b.replies[k]; dup {
		return false, nil
	}
	b.replies[k] = struct{}{}
	b.remember(k)
	return true, nil
}

func (b *BotMessages) remember(k string) {
	b.order = append(b.order, k)
	for len(b.order) > b.max {
		old := b.order[0]
		b.order = b.order[1:]
		delete(b.sent, old)
		delete(b.replies, old)
	}
}

// Locks is the in-memory DailyLocker.
type Locks struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func NewLocks() *Locks { return &Locks{m: make(map[string]struct{})} }

func (l *Locks) AcquireDaily(_ context.Context, name, date string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := name + ":" + date
	if _, held := l.m[k]; held {
		return false, nil
	}
	l.m[k] = struct{}{}
	return true, nil
}
