package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Provider for tests and offline demos. Errors can be
// injected per operation and every mutation is recorded.
type Fake struct {
	mu      sync.Mutex
	rooms   map[string]Room
	nextID  int
	tokens  int
	deleted []string

	// CreateErr, GetErr, DeleteErr and TokenErr, when set, are returned by
	// the corresponding operation.
	CreateErr error
	GetErr    error
	DeleteErr error
	TokenErr  error

	// Now is the clock used for room creation times and token expiry.
	// Defaults to time.Now.
	Now func() time.Time
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{rooms: make(map[string]Room)}
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// CreateRoom stores a new room. Creating a name that already exists returns
// the stored room, mirroring the LiveKit behavior.
func (f *Fake) CreateRoom(ctx context.Context, name string, props RoomProperties) (Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return Room{}, f.CreateErr
	}
	if room, ok := f.rooms[name]; ok {
		return room, nil
	}

	f.nextID++
	room := Room{
		ID:         fmt.Sprintf("RM_%04d", f.nextID),
		Name:       name,
		URL:        "wss://fake.test/" + name,
		CreatedAt:  f.now(),
		Properties: props,
	}
	f.rooms[name] = room
	return room, nil
}

// GetRoom returns the stored room or ErrRoomNotFound.
func (f *Fake) GetRoom(ctx context.Context, name string) (Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GetErr != nil {
		return Room{}, f.GetErr
	}
	room, ok := f.rooms[name]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return room, nil
}

// DeleteRoom removes the stored room and records the deletion.
func (f *Fake) DeleteRoom(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.rooms, name)
	f.deleted = append(f.deleted, name)
	return nil
}

// IssueToken mints a structurally valid but unsigned JWT whose payload
// carries a real exp claim, so expiry introspection can be exercised against
// fake credentials.
func (f *Fake) IssueToken(ctx context.Context, roomName string, props TokenProperties) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.TokenErr != nil {
		return "", f.TokenErr
	}
	f.tokens++

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims := map[string]any{
		"sub":   props.UserID,
		"name":  props.DisplayName,
		"video": map[string]any{"room": roomName, "roomAdmin": props.Owner},
		"jti":   f.tokens,
	}
	if props.TTL > 0 {
		claims["exp"] = f.now().Add(props.TTL).Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".fake", nil
}

// SetRoom seeds a room directly, bypassing CreateRoom bookkeeping.
func (f *Fake) SetRoom(room Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.Name] = room
}

// Deleted returns the names passed to DeleteRoom, in order.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// RoomCount returns the number of stored rooms.
func (f *Fake) RoomCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

// TokensIssued returns how many credentials have been minted.
func (f *Fake) TokensIssued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}
