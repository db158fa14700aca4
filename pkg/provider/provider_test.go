package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRoomPropertiesHasCapability(t *testing.T) {
	props := RoomProperties{Capabilities: []string{"screenshare", "recording"}}

	tests := []struct {
		name string
		cap  string
		want bool
	}{
		{"present", "screenshare", true},
		{"present second", "recording", true},
		{"absent", "whiteboard", false},
		{"empty name", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := props.HasCapability(tt.cap); got != tt.want {
				t.Errorf("HasCapability(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestRoomPropertiesExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt int64
		want      bool
	}{
		{"no expiry recorded", 0, false},
		{"future expiry", now.Add(time.Hour).Unix(), false},
		{"past expiry", now.Add(-time.Minute).Unix(), true},
		{"exactly now", now.Unix(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := RoomProperties{ExpiresAt: tt.expiresAt}
			if got := props.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFakeRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	props := RoomProperties{Privacy: "private", MaxParticipants: 2, Capabilities: []string{"screenshare"}}
	created, err := fake.CreateRoom(ctx, "parley-u1", props)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if created.Name != "parley-u1" {
		t.Errorf("room name = %q, want %q", created.Name, "parley-u1")
	}
	if !created.Properties.HasCapability("screenshare") {
		t.Error("created room should carry requested capabilities")
	}

	got, err := fake.GetRoom(ctx, "parley-u1")
	if err != nil {
		t.Fatalf("GetRoom() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("GetRoom id = %q, want %q", got.ID, created.ID)
	}

	if err := fake.DeleteRoom(ctx, "parley-u1"); err != nil {
		t.Fatalf("DeleteRoom() error = %v", err)
	}
	if _, err := fake.GetRoom(ctx, "parley-u1"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("GetRoom after delete error = %v, want ErrRoomNotFound", err)
	}
	if deleted := fake.Deleted(); len(deleted) != 1 || deleted[0] != "parley-u1" {
		t.Errorf("Deleted() = %v, want [parley-u1]", deleted)
	}
}

func TestFakeCreateRoomIsIdempotentPerName(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()

	first, err := fake.CreateRoom(ctx, "parley-u1", RoomProperties{})
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	second, err := fake.CreateRoom(ctx, "parley-u1", RoomProperties{})
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("second create returned id %q, want existing id %q", second.ID, first.ID)
	}
	if fake.RoomCount() != 1 {
		t.Errorf("RoomCount() = %d, want 1", fake.RoomCount())
	}
}

func TestFakeInjectedErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	fake := NewFake()
	fake.CreateErr = boom
	if _, err := fake.CreateRoom(ctx, "r", RoomProperties{}); !errors.Is(err, boom) {
		t.Errorf("CreateRoom error = %v, want injected error", err)
	}

	fake = NewFake()
	fake.TokenErr = boom
	if _, err := fake.IssueToken(ctx, "r", TokenProperties{UserID: "u"}); !errors.Is(err, boom) {
		t.Errorf("IssueToken error = %v, want injected error", err)
	}
}

func TestFakeIssueTokenCarriesExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	fake := NewFake()
	fake.Now = func() time.Time { return now }

	tok, err := fake.IssueToken(ctx, "parley-u1", TokenProperties{
		UserID:      "u1",
		DisplayName: "Pat",
		TTL:         30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	var claims struct {
		Exp int64  `json:"exp"`
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("payload unmarshal error = %v", err)
	}
	if claims.Sub != "u1" {
		t.Errorf("sub = %q, want %q", claims.Sub, "u1")
	}
	if want := now.Add(30 * time.Minute).Unix(); claims.Exp != want {
		t.Errorf("exp = %d, want %d", claims.Exp, want)
	}

	// A second issue must mint a distinct credential.
	tok2, err := fake.IssueToken(ctx, "parley-u1", TokenProperties{UserID: "u1", TTL: time.Minute})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if tok2 == tok {
		t.Error("consecutive credentials should never be identical")
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		server string
		room   string
		want   string
	}{
		{"wss://media.example.com", "parley-u1", "wss://media.example.com/parley-u1"},
		{"wss://media.example.com/", "parley-u1", "wss://media.example.com/parley-u1"},
	}
	for _, tt := range tests {
		if got := joinURL(tt.server, tt.room); got != tt.want {
			t.Errorf("joinURL(%q, %q) = %q, want %q", tt.server, tt.room, got, tt.want)
		}
	}
}
