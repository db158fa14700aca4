package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
)

// LiveKitConfig configures the LiveKit-backed provider.
type LiveKitConfig struct {
	// URL of the LiveKit server, http(s) or ws(s) scheme.
	URL string

	// APIKey and APISecret authenticate server API calls and sign join
	// credentials.
	APIKey    string
	APISecret string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// LiveKit implements Provider against a LiveKit server. Rooms are managed
// through the room service API; credentials are JWTs signed locally with the
// API secret.
type LiveKit struct {
	client    *lksdk.RoomServiceClient
	serverURL string
	apiKey    string
	apiSecret string
	logger    *slog.Logger
}

// NewLiveKit creates a LiveKit provider.
func NewLiveKit(cfg LiveKitConfig) (*LiveKit, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("API key and secret are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LiveKit{
		client:    lksdk.NewRoomServiceClient(lksdk.ToHttpURL(cfg.URL), cfg.APIKey, cfg.APISecret),
		serverURL: lksdk.ToWebsocketURL(cfg.URL),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		logger:    logger,
	}, nil
}

// CreateRoom creates a room named name carrying props in its metadata. The
// provider-side empty timeout is derived from the absolute expiry so
// abandoned rooms are reaped even if this process never deletes them.
func (p *LiveKit) CreateRoom(ctx context.Context, name string, props RoomProperties) (Room, error) {
	meta, err := json.Marshal(props)
	if err != nil {
		return Room{}, fmt.Errorf("failed to encode room properties: %w", err)
	}

	req := &livekit.CreateRoomRequest{
		Name:     name,
		Metadata: string(meta),
	}
	if props.MaxParticipants > 0 {
		req.MaxParticipants = uint32(props.MaxParticipants)
	}
	if props.ExpiresAt > 0 {
		until := time.Until(time.Unix(props.ExpiresAt, 0))
		if until > 0 {
			req.EmptyTimeout = uint32(until / time.Second)
		}
	}

	room, err := p.client.CreateRoom(ctx, req)
	if err != nil {
		return Room{}, fmt.Errorf("failed to create room: %w", err)
	}

	p.logger.Info("Created room",
		slog.String("room_name", name),
		slog.String("room_id", room.Sid))

	return p.toRoom(room), nil
}

// GetRoom looks the room up by name. Metadata that fails to decode yields a
// room with empty properties so callers treat it as missing its capabilities.
func (p *LiveKit) GetRoom(ctx context.Context, name string) (Room, error) {
	resp, err := p.client.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{name}})
	if err != nil {
		return Room{}, fmt.Errorf("failed to list rooms: %w", err)
	}

	for _, room := range resp.Rooms {
		if room.Name == name {
			return p.toRoom(room), nil
		}
	}
	return Room{}, ErrRoomNotFound
}

// DeleteRoom removes the room by name.
func (p *LiveKit) DeleteRoom(ctx context.Context, name string) error {
	if _, err := p.client.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name}); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}

	p.logger.Info("Deleted room", slog.String("room_name", name))
	return nil
}

// IssueToken mints a room-scoped join JWT. Owner credentials additionally
// carry room administration rights.
func (p *LiveKit) IssueToken(ctx context.Context, roomName string, props TokenProperties) (string, error) {
	if props.UserID == "" {
		return "", fmt.Errorf("user id is required")
	}

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	if props.Owner {
		grant.RoomAdmin = true
	}

	at := auth.NewAccessToken(p.apiKey, p.apiSecret).
		AddGrant(grant).
		SetIdentity(props.UserID).
		SetName(props.DisplayName)
	if props.TTL > 0 {
		at.SetValidFor(props.TTL)
	}

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (p *LiveKit) toRoom(room *livekit.Room) Room {
	var props RoomProperties
	if room.Metadata != "" {
		if err := json.Unmarshal([]byte(room.Metadata), &props); err != nil {
			p.logger.Debug("Room metadata is not valid JSON, treating properties as absent",
				slog.String("room_name", room.Name),
				slog.String("error", err.Error()))
			props = RoomProperties{}
		}
	}

	return Room{
		ID:         room.Sid,
		Name:       room.Name,
		URL:        joinURL(p.serverURL, room.Name),
		CreatedAt:  time.Unix(room.CreationTime, 0),
		Properties: props,
	}
}

// joinURL builds a room-scoped address so callers can key state by URL.
func joinURL(serverURL, roomName string) string {
	return strings.TrimSuffix(serverURL, "/") + "/" + roomName
}
