// Package token mints single-room join credentials through the provider.
// Issuance is stateless: every call produces a fresh credential, never a
// cached one, so permissions and expiry always reflect the current request.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parley-live/parley/pkg/provider"
)

// ErrRoomExpired is returned when the target room's absolute expiry has
// already passed and no credential could be valid for it.
var ErrRoomExpired = errors.New("token: room has expired")

const (
	// DefaultTTL is the credential lifetime when the request does not set one.
	DefaultTTL = time.Hour

	// DefaultExpiryGrace is how far a credential may outlive the room's
	// absolute expiry.
	DefaultExpiryGrace = 5 * time.Minute
)

// Request describes one credential to mint.
type Request struct {
	// RoomName is the provider room the credential joins. Required.
	RoomName string

	// RoomID is carried through to the credential for correlation.
	RoomID string

	// UserID becomes the token identity. Required.
	UserID string

	// DisplayName is the human-readable participant name.
	DisplayName string

	// Owner requests room-admin capability.
	Owner bool

	// TTL is the requested lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// RoomExpiresAt is the room's absolute expiry, used to clamp the TTL.
	// Zero means the room expiry is unknown and no clamping happens.
	RoomExpiresAt time.Time
}

// Credential is a minted join token plus what the issuer knows about it.
type Credential struct {
	Token  string
	RoomID string
	UserID string
	Owner  bool

	// ExpiresAt is decoded from the token itself on a best-effort basis.
	// Zero when the token format did not yield a readable expiry.
	ExpiresAt time.Time
}

// Config configures an Issuer.
type Config struct {
	// Provider mints the actual tokens. Required.
	Provider provider.Provider

	// DefaultTTL applies when a request has no TTL. Defaults to DefaultTTL.
	DefaultTTL time.Duration

	// ExpiryGrace is how far past the room expiry a credential may remain
	// valid. Defaults to DefaultExpiryGrace.
	ExpiryGrace time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Issuer mints join credentials. Safe for concurrent use.
type Issuer struct {
	provider   provider.Provider
	defaultTTL time.Duration
	grace      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewIssuer validates the configuration and creates an issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	grace := cfg.ExpiryGrace
	if grace <= 0 {
		grace = DefaultExpiryGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Issuer{
		provider:   cfg.Provider,
		defaultTTL: defaultTTL,
		grace:      grace,
		logger:     logger,
		now:        now,
	}, nil
}

// Issue mints a fresh credential for the request. The effective TTL is the
// requested one clamped so the credential does not outlive the room's
// absolute expiry by more than the grace period.
func (i *Issuer) Issue(ctx context.Context, req Request) (Credential, error) {
	if req.RoomName == "" {
		return Credential{}, fmt.Errorf("room name is required")
	}
	if req.UserID == "" {
		return Credential{}, fmt.Errorf("user id is required")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	if !req.RoomExpiresAt.IsZero() {
		max := req.RoomExpiresAt.Add(i.grace).Sub(i.now())
		if max <= 0 {
			return Credential{}, fmt.Errorf("%w: room expired at %s", ErrRoomExpired, req.RoomExpiresAt.Format(time.RFC3339))
		}
		if ttl > max {
			i.logger.Debug("Clamped token TTL to room expiry",
				slog.Duration("requested", ttl),
				slog.Duration("effective", max))
			ttl = max
		}
	}

	token, err := i.provider.IssueToken(ctx, req.RoomName, provider.TokenProperties{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Owner:       req.Owner,
		TTL:         ttl,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("failed to issue token for %s: %w", req.RoomName, err)
	}

	cred := Credential{
		Token:  token,
		RoomID: req.RoomID,
		UserID: req.UserID,
		Owner:  req.Owner,
	}
	if exp, ok := decodeExpiry(token); ok {
		cred.ExpiresAt = exp
	} else {
		i.logger.Debug("Token carries no readable expiry", slog.String("room_name", req.RoomName))
	}
	return cred, nil
}

// decodeExpiry extracts the exp claim from a JWT-shaped token without
// verifying anything. Tokens in any other format report no expiry.
func decodeExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
