// Package control composes and sends out-of-band instructions to the agent
// over the transport's generic application-message channel. Messages are
// correlated by room identifier rather than participant id, so sending works
// even before the agent participant has been resolved.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MessageType is the wire discriminator for control messages.
const MessageType = "llm-context-message"

var (
	// ErrInvalidRole is returned for roles outside the closed enum.
	ErrInvalidRole = errors.New("control: invalid role")

	// ErrInvalidMode is returned for modes outside the closed enum.
	ErrInvalidMode = errors.New("control: invalid mode")
)

// Role is the conversational role a prompt is injected under.
type Role string

const (
	// RoleSystem injects the prompt as system context.
	RoleSystem Role = "system"

	// RoleAssistant injects the prompt as if the agent had produced it.
	RoleAssistant Role = "assistant"
)

func (r Role) valid() bool {
	return r == RoleSystem || r == RoleAssistant
}

// Mode selects when the agent acts on a prompt.
type Mode string

const (
	// ModeImmediate interrupts the agent's current processing.
	ModeImmediate Mode = "immediate"

	// ModeQueued appends the prompt for the agent's next processing cycle.
	ModeQueued Mode = "queued"
)

func (m Mode) valid() bool {
	return m == ModeImmediate || m == ModeQueued
}

// Message is the wire shape of one control instruction. Timestamp is unix
// milliseconds.
type Message struct {
	Type       string `json:"type"`
	Prompt     string `json:"prompt"`
	Role       Role   `json:"role"`
	Mode       Mode   `json:"mode"`
	SessionID  string `json:"sessionId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  int64  `json:"timestamp"`
}

// Sender is the slice of the transport the dispatcher needs.
type Sender interface {
	SendData(ctx context.Context, payload []byte) error
}

// Config configures a Dispatcher.
type Config struct {
	// Sender delivers composed payloads. Required.
	Sender Sender

	// SessionID correlates messages with the session's room. Required.
	SessionID string

	// SenderID identifies this client on the wire. Defaults to a generated
	// UUID.
	SenderID string

	// SenderName is the human-readable sender label.
	SenderName string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Dispatcher sends control messages. It has no retry policy: delivery
// failures are reported to the caller, who decides whether to try again.
type Dispatcher struct {
	sender     Sender
	sessionID  string
	senderID   string
	senderName string
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher validates the configuration and creates a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	senderID := cfg.SenderID
	if senderID == "" {
		senderID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Dispatcher{
		sender:     cfg.Sender,
		sessionID:  cfg.SessionID,
		senderID:   senderID,
		senderName: cfg.SenderName,
		logger:     logger,
		now:        now,
	}, nil
}

// Send composes and transmits one instruction to the agent.
func (d *Dispatcher) Send(ctx context.Context, prompt string, role Role, mode Mode) error {
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if !role.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if !mode.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	msg := Message{
		Type:       MessageType,
		Prompt:     prompt,
		Role:       role,
		Mode:       mode,
		SessionID:  d.sessionID,
		SenderID:   d.senderID,
		SenderName: d.senderName,
		Timestamp:  d.now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}

	if err := d.sender.SendData(ctx, payload); err != nil {
		d.logger.Warn("Control message delivery failed",
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to deliver control message: %w", err)
	}

	d.logger.Debug("Control message sent",
		slog.String("role", string(role)),
		slog.String("mode", string(mode)),
		slog.Int("bytes", len(payload)))
	return nil
}
