// Package room manages the lifecycle of per-user session rooms: a TTL cache
// over the provider so rapid rejoins reuse the same room, capability
// validation of remote rooms, and advisory expiry housekeeping.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parley-live/parley/pkg/provider"
)

// ErrUnknownRoom is returned by Delete when the room id is not cached and
// cannot be resolved to a provider room name.
var ErrUnknownRoom = errors.New("room: unknown room id")

// DefaultMaxSessionDuration bounds the absolute lifetime of a created room.
const DefaultMaxSessionDuration = time.Hour

// SessionRoom is the registry's view of a live room handed to callers.
type SessionRoom struct {
	// RoomID is the provider-assigned identifier.
	RoomID string

	// RoomName is the deterministic per-user name.
	RoomName string

	// RoomURL is the join address.
	RoomURL string

	// CreatedAt is when the provider created the room.
	CreatedAt time.Time

	// ExpiresAt is the cache expiry: lookups past this point stop reusing
	// the room. It is advisory and re-derived on every successful lookup.
	ExpiresAt time.Time

	// HardExpiresAt is the provider-side absolute expiry of the room, used
	// to bound credential lifetimes. Zero when the provider recorded none.
	HardExpiresAt time.Time

	// Reused is true when the room existed before this call.
	Reused bool
}

// Config configures a Registry.
type Config struct {
	// Provider performs the remote room operations. Required.
	Provider provider.Provider

	// Prefix for deterministic room names. Defaults to "parley".
	Prefix string

	// RequiredCapabilities that a reusable room must carry. Remote rooms
	// missing any of them are deleted and recreated. Defaults to
	// ["screenshare"].
	RequiredCapabilities []string

	// MaxSessionDuration is the absolute lifetime applied to created rooms.
	// Defaults to DefaultMaxSessionDuration.
	MaxSessionDuration time.Duration

	// MaxParticipants for created rooms. Values below 2 are rejected.
	// Defaults to 2.
	MaxParticipants int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

type cacheEntry struct {
	room      SessionRoom
	expiresAt time.Time
}

// Registry owns the per-user room cache. All state is scoped to the Registry
// instance; concurrent sessions use separate registries.
type Registry struct {
	provider     provider.Provider
	prefix       string
	requiredCaps []string
	maxDuration  time.Duration
	maxUsers     int
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry // keyed by application user id
}

// NewRegistry validates the configuration and creates an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.MaxParticipants != 0 && cfg.MaxParticipants < 2 {
		return nil, fmt.Errorf("max participants must be at least 2, got %d", cfg.MaxParticipants)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "parley"
	}
	caps := cfg.RequiredCapabilities
	if caps == nil {
		caps = []string{"screenshare"}
	}
	maxDuration := cfg.MaxSessionDuration
	if maxDuration <= 0 {
		maxDuration = DefaultMaxSessionDuration
	}
	maxUsers := cfg.MaxParticipants
	if maxUsers == 0 {
		maxUsers = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Registry{
		provider:     cfg.Provider,
		prefix:       prefix,
		requiredCaps: caps,
		maxDuration:  maxDuration,
		maxUsers:     maxUsers,
		logger:       logger,
		now:          now,
		cache:        make(map[string]cacheEntry),
	}, nil
}

// GetOrCreate returns the live room for userID, reusing the cached or remote
// room when it is still valid and creating a fresh one otherwise. The result
// stays cached for the persistence window.
//
// Provider failures while creating propagate to the caller. Failures while
// validating or deleting a stale remote room are logged and treated as "room
// is invalid, create a new one".
func (r *Registry) GetOrCreate(ctx context.Context, userID string, persistence time.Duration) (SessionRoom, error) {
	if userID == "" {
		return SessionRoom{}, fmt.Errorf("user id is required")
	}

	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		room := entry.room
		room.Reused = true
		room.ExpiresAt = entry.expiresAt
		return room, nil
	}

	name := r.roomName(userID)

	remote, err := r.provider.GetRoom(ctx, name)
	switch {
	case err == nil:
		if valid, reason := r.validate(remote, now); valid {
			room := r.store(userID, remote, now, persistence, true)
			return room, nil
		} else {
			r.logger.Info("Existing room is not reusable, recreating",
				slog.String("room_name", name),
				slog.String("reason", reason))
			if derr := r.provider.DeleteRoom(ctx, name); derr != nil {
				r.logger.Warn("Failed to delete stale room, creating replacement anyway",
					slog.String("room_name", name),
					slog.String("error", derr.Error()))
			}
		}
	case errors.Is(err, provider.ErrRoomNotFound):
		// No room yet, fall through to creation.
	default:
		r.logger.Warn("Room lookup failed, assuming room is invalid",
			slog.String("room_name", name),
			slog.String("error", err.Error()))
	}

	props := provider.RoomProperties{
		Privacy:         "private",
		MaxParticipants: r.maxUsers,
		Knocking:        false,
		Recording:       true,
		Capabilities:    r.requiredCaps,
		ExpiresAt:       now.Add(r.maxDuration).Unix(),
	}
	remote, err = r.provider.CreateRoom(ctx, name, props)
	if err != nil {
		return SessionRoom{}, fmt.Errorf("failed to create room for %s: %w", userID, err)
	}

	room := r.store(userID, remote, now, persistence, false)
	r.logger.Info("Created session room",
		slog.String("user_id", userID),
		slog.String("room_id", room.RoomID),
		slog.Time("cache_expires_at", room.ExpiresAt))
	return room, nil
}

// MarkLeft re-anchors the cached expiry of the room with the given URL to
// now + delay, keeping the room available for a brief reconnection without
// touching the remote side.
func (r *Registry) MarkLeft(roomURL string, delay time.Duration) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, entry := range r.cache {
		if entry.room.RoomURL != roomURL {
			continue
		}
		entry.expiresAt = now.Add(delay)
		entry.room.ExpiresAt = entry.expiresAt
		r.cache[userID] = entry
		r.logger.Debug("Room marked left",
			slog.String("user_id", userID),
			slog.Time("cache_expires_at", entry.expiresAt))
		return
	}
	r.logger.Debug("MarkLeft for unknown room URL", slog.String("room_url", roomURL))
}

// Delete removes the remote room and evicts its cache entry regardless of
// session state. The id is resolved through the cache; ids the registry has
// never seen return ErrUnknownRoom.
func (r *Registry) Delete(ctx context.Context, roomID string) error {
	r.mu.Lock()
	var name, userID string
	for uid, entry := range r.cache {
		if entry.room.RoomID == roomID {
			name = entry.room.RoomName
			userID = uid
			break
		}
	}
	if userID != "" {
		delete(r.cache, userID)
	}
	r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	if err := r.provider.DeleteRoom(ctx, name); err != nil {
		return fmt.Errorf("failed to delete room %s: %w", roomID, err)
	}
	return nil
}

// StartSweep evicts expired cache entries on the given interval until ctx is
// cancelled. The sweep is housekeeping only: lookups re-validate expiry
// themselves and never depend on it.
func (r *Registry) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := r.sweep(r.now()); evicted > 0 {
					r.logger.Debug("Swept expired rooms", slog.Int("evicted", evicted))
				}
			}
		}
	}()
}

// sweep removes entries whose expiry has passed and reports how many.
func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for userID, entry := range r.cache {
		if !now.Before(entry.expiresAt) {
			delete(r.cache, userID)
			evicted++
		}
	}
	return evicted
}

// Cached returns the cached room for userID when its persistence window is
// still open.
func (r *Registry) Cached(userID string) (SessionRoom, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache[userID]
	if !ok || !r.now().Before(entry.expiresAt) {
		return SessionRoom{}, false
	}
	room := entry.room
	room.ExpiresAt = entry.expiresAt
	return room, true
}

func (r *Registry) validate(remote provider.Room, now time.Time) (bool, string) {
	if remote.Properties.Expired(now) {
		return false, "room expired"
	}
	for _, cap := range r.requiredCaps {
		if !remote.Properties.HasCapability(cap) {
			return false, "missing capability " + cap
		}
	}
	return true, ""
}

func (r *Registry) store(userID string, remote provider.Room, now time.Time, persistence time.Duration, reused bool) SessionRoom {
	room := SessionRoom{
		RoomID:    remote.ID,
		RoomName:  remote.Name,
		RoomURL:   remote.URL,
		CreatedAt: remote.CreatedAt,
		ExpiresAt: now.Add(persistence),
		Reused:    reused,
	}
	if remote.Properties.ExpiresAt > 0 {
		room.HardExpiresAt = time.Unix(remote.Properties.ExpiresAt, 0)
	}

	r.mu.Lock()
	r.cache[userID] = cacheEntry{room: room, expiresAt: room.ExpiresAt}
	r.mu.Unlock()
	return room
}

// roomName derives the deterministic per-user room name: the prefix joined
// with the sanitized user id, lowercased, with runs of non-alphanumerics
// folded to single dashes.
func (r *Registry) roomName(userID string) string {
	var b strings.Builder
	b.WriteString(r.prefix)
	b.WriteByte('-')

	dash := false
	for _, c := range strings.ToLower(userID) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			dash = false
		default:
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
