// Package provider defines the capability interface the session core uses to
// manage rooms and join credentials on the hosting service, along with the
// LiveKit implementation and an in-memory fake for tests. Callers above this
// package never see provider SDK types.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrRoomNotFound is returned by GetRoom when no room with the requested name
// exists on the provider.
var ErrRoomNotFound = errors.New("provider: room not found")

// Room is the provider-side view of a session room.
type Room struct {
	// ID is the provider-assigned identifier, distinct from the name.
	ID string

	// Name is the deterministic name the room was created under.
	Name string

	// URL is the address clients use to join the room.
	URL string

	// CreatedAt is when the provider created the room.
	CreatedAt time.Time

	// Properties are the room properties round-tripped through the provider.
	Properties RoomProperties
}

// RoomProperties is the fixed property set applied to rooms at creation time.
// The LiveKit implementation carries these in room metadata so later lookups
// can validate them.
type RoomProperties struct {
	// Privacy is the room visibility, normally "private".
	Privacy string `json:"privacy"`

	// MaxParticipants caps how many participants may join.
	MaxParticipants int `json:"max_participants"`

	// Knocking controls whether join requests need approval.
	Knocking bool `json:"knocking"`

	// Recording enables session recording.
	Recording bool `json:"recording"`

	// Capabilities lists named features the room must support.
	Capabilities []string `json:"capabilities,omitempty"`

	// ExpiresAt is the absolute room expiry as a unix timestamp in seconds.
	// Zero means no expiry was recorded.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// HasCapability reports whether the property set lists the named capability.
func (p RoomProperties) HasCapability(name string) bool {
	for _, c := range p.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Expired reports whether the room's absolute expiry has passed. Rooms with
// no recorded expiry never report expired.
func (p RoomProperties) Expired(now time.Time) bool {
	return p.ExpiresAt > 0 && !now.Before(time.Unix(p.ExpiresAt, 0))
}

// TokenProperties describes the credential requested from IssueToken.
type TokenProperties struct {
	// UserID becomes the join identity embedded in the credential.
	UserID string

	// DisplayName is the human-readable name shown to other participants.
	DisplayName string

	// Owner grants room administration rights.
	Owner bool

	// TTL bounds the credential's validity.
	TTL time.Duration
}

// Provider is the capability interface for room and credential operations.
// Implementations must be safe for concurrent use.
type Provider interface {
	// CreateRoom creates a room under the given name with the given
	// properties. Creating a name that already exists is provider-defined;
	// the LiveKit implementation returns the existing room.
	CreateRoom(ctx context.Context, name string, props RoomProperties) (Room, error)

	// GetRoom fetches a room by name. Returns ErrRoomNotFound when absent.
	GetRoom(ctx context.Context, name string) (Room, error)

	// DeleteRoom removes the room by name. Deleting an absent room is not
	// an error.
	DeleteRoom(ctx context.Context, name string) error

	// IssueToken mints a fresh join credential scoped to exactly one room
	// and one user. Credentials are never cached by implementations.
	IssueToken(ctx context.Context, roomName string, props TokenProperties) (string, error)
}
