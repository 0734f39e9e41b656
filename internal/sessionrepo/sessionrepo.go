// Package sessionrepo resolves and rotates per-user chat sessions. Each
// (bot, group, user) triple owns one JSON file listing its sessions; the
// dispatcher asks for the active session of a key and never mints ids itself.
package sessionrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llbot-im/llgate/internal/ident"
)

// Session states.
const (
	StatusActive   = "active"
	StatusArchived = "archived"

	StateIdle = "idle"
	StateBusy = "busy"
)

// ErrUnsafeSegment rejects ids that could escape the data directory.
var ErrUnsafeSegment = errors.New("sessionrepo: unsafe path segment")

// SessionMeta is one logical conversation of a user.
type SessionMeta struct {
	ID         string `json:"id"`
	Key        int    `json:"key"`
	Status     string `json:"status"`
	State      string `json:"state"`
	CreatedAt  int64  `json:"created_at"`
	ArchivedAt int64  `json:"archived_at,omitempty"`
}

type userFile struct {
	Sessions []SessionMeta `json:"sessions"`
}

// Repo is the file-backed session repository under <data>/sessions.
type Repo struct {
	dataDir string
	mu      sync.Mutex
	now     func() time.Time
}

func New(dataDir string) *Repo {
	return &Repo{dataDir: dataDir, now: time.Now}
}

// SetClock overrides the time source for tests.
func (r *Repo) SetClock(now func() time.Time) { r.now = now }

func (r *Repo) userPath(botID, groupID, userID string) (string, error) {
	for _, seg := range []string{botID, groupID, userID} {
		if !ident.IsSafePathSegment(seg) {
			return "", fmt.Errorf("%w: %q", ErrUnsafeSegment, seg)
		}
	}
	return filepath.Join(r.dataDir, "sessions", botID, groupID, userID+".json"), nil
}

func (r *Repo) load(path string) (*userFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &userFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	var f userFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sessions %s: %w", path, err)
	}
	return &f, nil
}

func (r *Repo) save(path string, f *userFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename sessions: %w", err)
	}
	return nil
}

// Resolve returns the active session id for the key, creating a fresh idle
// session when none exists.
func (r *Repo) Resolve(botID, groupID, userID string, key int) (string, error) {
	path, err := r.userPath(botID, groupID, userID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.load(path)
	if err != nil {
		return "", err
	}
	for _, s := range f.Sessions {
		if s.Key == key && s.Status == StatusActive {
			return s.ID, nil
		}
	}
	fresh := SessionMeta{
		ID:        uuid.NewString(),
		Key:       key,
		Status:    StatusActive,
		State:     StateIdle,
		CreatedAt: r.now().UnixMilli(),
	}
	f.Sessions = append(f.Sessions, fresh)
	if err := r.save(path, f); err != nil {
		return "", err
	}
	return fresh.ID, nil
}

// ResetUser archives any active session for the key and creates a fresh one.
// Returns the number of sessions archived (0 when the user had none).
func (r *Repo) ResetUser(botID, groupID, userID string, key int) (int, error) {
	path, err := r.userPath(botID, groupID, userID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.load(path)
	if err != nil {
		return 0, err
	}
	archived := 0
	nowMs := r.now().UnixMilli()
	for i := range f.Sessions {
		if f.Sessions[i].Key == key && f.Sessions[i].Status == StatusActive {
			f.Sessions[i].Status = StatusArchived
			f.Sessions[i].ArchivedAt = nowMs
			archived++
		}
	}
	f.Sessions = append(f.Sessions, SessionMeta{
		ID:        uuid.NewString(),
		Key:       key,
		Status:    StatusActive,
		State:     StateIdle,
		CreatedAt: nowMs,
	})
	if err := r.save(path, f); err != nil {
		return archived, err
	}
	return archived, nil
}

// ListUsers returns the user ids known in (bot, group).
func (r *Repo) ListUsers(botID, groupID string) ([]string, error) {
	for _, seg := range []string{botID, groupID} {
		if !ident.IsSafePathSegment(seg) {
			return nil, fmt.Errorf("%w: %q", ErrUnsafeSegment, seg)
		}
	}
	dir := filepath.Join(r.dataDir, "sessions", botID, groupID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var users []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		users = append(users, name[:len(name)-len(".json")])
	}
	return users, nil
}

// ResetAllResult counts the outcome of a group-wide rotation.
type ResetAllResult struct {
	Users    int
	Archived int
	Failed   int
}

// ResetAll rotates every user known in the group across all their active
// sessions. Per-user failures are counted, not fatal.
func (r *Repo) ResetAll(botID, groupID string) (ResetAllResult, error) {
	var res ResetAllResult
	users, err := r.ListUsers(botID, groupID)
	if err != nil {
		return res, err
	}
	for _, userID := range users {
		keys, err := r.activeKeys(botID, groupID, userID)
		if err != nil {
			res.Failed++
			continue
		}
		res.Users++
		for _, key := range keys {
			n, err := r.ResetUser(botID, groupID, userID, key)
			if err != nil {
				res.Failed++
				continue
			}
			res.Archived += n
		}
	}
	return res, nil
}

func (r *Repo) activeKeys(botID, groupID, userID string) ([]int, error) {
	path, err := r.userPath(botID, groupID, userID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]struct{})
	var keys []int
	for _, s := range f.Sessions {
		if s.Status != StatusActive {
			continue
		}
		if _, dup := seen[s.Key]; dup {
			continue
		}
		seen[s.Key] = struct{}{}
		keys = append(keys, s.Key)
	}
	return keys, nil
}
