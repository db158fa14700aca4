// Package session assembles the realtime conversation stack behind one
// façade: room acquisition, credential minting, the raw-event bridge with
// identity tracking and speech detection, the outbound control channel, and
// the optional relay side channel and Prometheus metrics. A Session owns all
// per-conversation state; nothing is process-global.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parley-live/parley/internal/observability"
	"github.com/parley-live/parley/internal/relay"
	"github.com/parley-live/parley/pkg/bridge"
	"github.com/parley-live/parley/pkg/control"
	"github.com/parley-live/parley/pkg/identity"
	"github.com/parley-live/parley/pkg/provider"
	"github.com/parley-live/parley/pkg/room"
	"github.com/parley-live/parley/pkg/rtc"
	"github.com/parley-live/parley/pkg/token"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")

	// ErrNotStarted is returned by operations that need a room before
	// Start has acquired one.
	ErrNotStarted = errors.New("session: not started")

	// ErrNotAttached is returned by Send and Leave before a transport is
	// attached.
	ErrNotAttached = errors.New("session: no transport attached")

	// ErrAttached is returned by Attach while a transport is already live.
	ErrAttached = errors.New("session: transport already attached")
)

// Options configures a Session. Provider is the only required field; zero
// values elsewhere fall back to the component defaults.
type Options struct {
	// Provider is the room and token backend. Required.
	Provider provider.Provider

	// PersonaName is the display name the agent is expected to join under.
	// Optional; empty disables persona matching.
	PersonaName string

	// RoomPrefix namespaces provider room names.
	RoomPrefix string

	// AudioThreshold, SpeechDebounce and LevelThrottle tune the speaking
	// detectors. Zero values use the speech package defaults.
	AudioThreshold float64
	SpeechDebounce time.Duration
	LevelThrottle  time.Duration

	// MaxSessionDuration bounds the lifetime of rooms the session creates.
	MaxSessionDuration time.Duration

	// RoomPersistence is how long an acquired room stays reusable in the
	// registry cache. Zero keeps nothing: Close deletes the room.
	RoomPersistence time.Duration

	// ReconnectWindow is how long a room stays reusable after Leave, so a
	// quick rejoin lands in the same room.
	ReconnectWindow time.Duration

	// MaxParticipants caps room size. Zero means the registry default;
	// values below 2 are rejected.
	MaxParticipants int

	// SweepInterval is the registry cache sweep cadence. Zero means the
	// registry default.
	SweepInterval time.Duration

	// RelayURL enables the websocket side channel when non-empty.
	RelayURL string

	// RelayToken authenticates the relay connection.
	RelayToken string

	// Registerer receives the session metrics. Nil runs unmetered.
	Registerer prometheus.Registerer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Session is the top-level handle for one user's realtime conversation. All
// methods are safe for concurrent use.
type Session struct {
	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.Metrics

	provider provider.Provider
	rooms    *room.Registry
	tokens   *token.Issuer
	identity *identity.Registry
	bridge   *bridge.Bridge
	relay    *relay.Relay

	persistence time.Duration
	reconnect   time.Duration

	runCtx    context.Context
	cancel    context.CancelFunc
	relayOnce sync.Once

	mu            sync.Mutex
	started       bool
	closed        bool
	bridgeStarted bool
	userID        string
	displayName   string
	room          room.SessionRoom
	transport     rtc.Transport
	dispatcher    *control.Dispatcher
}

// New validates the options and assembles a session. The returned session
// holds no remote resources until Start.
func New(opts Options) (*Session, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var metrics *observability.Metrics
	if opts.Registerer != nil {
		metrics = observability.NewMetrics(opts.Registerer)
	}

	rooms, err := room.NewRegistry(room.Config{
		Provider:           opts.Provider,
		Prefix:             opts.RoomPrefix,
		MaxSessionDuration: opts.MaxSessionDuration,
		MaxParticipants:    opts.MaxParticipants,
		Logger:             logger,
		Now:                now,
	})
	if err != nil {
		return nil, fmt.Errorf("room registry: %w", err)
	}

	tokens, err := token.NewIssuer(token.Config{
		Provider: opts.Provider,
		Logger:   logger,
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	ident := identity.NewRegistry(identity.Config{
		PersonaName: opts.PersonaName,
		Logger:      logger,
	})

	br, err := bridge.New(bridge.Config{
		Identity:      ident,
		Threshold:     opts.AudioThreshold,
		Debounce:      opts.SpeechDebounce,
		LevelThrottle: opts.LevelThrottle,
		OnControl: func(msg control.Message) {
			logger.Debug("Control message observed on inbound stream",
				slog.String("sender_id", msg.SenderID))
		},
		OnDuplicate: metrics.RecordDuplicate,
		OnError: func(class bridge.Class) {
			metrics.RecordTransportError(string(class))
		},
		OnParticipant: func(joined bool) {
			if joined {
				metrics.ParticipantJoined()
			} else {
				metrics.ParticipantLeft()
			}
		},
		Logger: logger,
		Now:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if metrics != nil {
		br.SubscribeAll(func(ev bridge.Event) {
			metrics.RecordAppEvent(string(ev.Kind))
		})
	}

	var rly *relay.Relay
	if opts.RelayURL != "" {
		rly, err = relay.New(relay.Config{
			URL:         opts.RelayURL,
			Token:       opts.RelayToken,
			OnReconnect: metrics.RecordRelayReconnect,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rooms.StartSweep(runCtx, opts.SweepInterval)

	return &Session{
		logger:      logger,
		now:         now,
		metrics:     metrics,
		provider:    opts.Provider,
		rooms:       rooms,
		tokens:      tokens,
		identity:    ident,
		bridge:      br,
		relay:       rly,
		persistence: opts.RoomPersistence,
		reconnect:   opts.ReconnectWindow,
		runCtx:      runCtx,
		cancel:      cancel,
	}, nil
}

// Start acquires a session room for the user and mints a fresh join
// credential. Within the persistence window repeated starts land in the same
// room; the credential is always new. Start may be called again after Leave
// to rejoin.
func (s *Session) Start(ctx context.Context, userID, displayName string) (room.SessionRoom, token.Credential, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return room.SessionRoom{}, token.Credential{}, ErrClosed
	}
	if s.transport != nil {
		s.mu.Unlock()
		return room.SessionRoom{}, token.Credential{}, ErrAttached
	}
	s.mu.Unlock()

	rm, err := s.rooms.GetOrCreate(ctx, userID, s.persistence)
	if err != nil {
		return room.SessionRoom{}, token.Credential{}, fmt.Errorf("failed to acquire room: %w", err)
	}
	s.metrics.RecordRoom(rm.Reused)

	cred, err := s.tokens.Issue(ctx, token.Request{
		RoomName:      rm.RoomName,
		RoomID:        rm.RoomID,
		UserID:        userID,
		DisplayName:   displayName,
		Owner:         true,
		RoomExpiresAt: rm.HardExpiresAt,
	})
	if err != nil {
		return room.SessionRoom{}, token.Credential{}, fmt.Errorf("failed to issue credential: %w", err)
	}
	s.metrics.RecordToken()

	s.mu.Lock()
	s.started = true
	s.userID = userID
	s.displayName = displayName
	s.room = rm
	s.mu.Unlock()

	s.logger.Info("Session started",
		slog.String("user_id", userID),
		slog.String("room_id", rm.RoomID),
		slog.Bool("reused", rm.Reused))
	return rm, cred, nil
}

// Attach wires a connected transport into the session: its events feed the
// bridge and its data channel carries outbound control messages. The relay
// side channel, when configured, starts on first attach. One transport at a
// time; Leave detaches.
func (s *Session) Attach(transport rtc.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	if s.transport != nil {
		return ErrAttached
	}

	dispatcher, err := control.NewDispatcher(control.Config{
		Sender:     transport,
		SessionID:  s.room.RoomID,
		SenderID:   s.userID,
		SenderName: s.displayName,
		Logger:     s.logger,
		Now:        s.now,
	})
	if err != nil {
		return fmt.Errorf("control dispatcher: %w", err)
	}

	s.transport = transport
	s.dispatcher = dispatcher
	s.bridge.AddSource(transport.Events())

	if s.relay != nil {
		s.relayOnce.Do(func() {
			s.bridge.AddSource(s.relay.Events())
			go func() {
				if err := s.relay.Run(s.runCtx); err != nil {
					s.logger.Warn("Relay stopped",
						slog.String("error", err.Error()))
				}
			}()
		})
	}

	s.bridge.Start(s.runCtx)
	s.bridgeStarted = true

	s.logger.Info("Transport attached",
		slog.String("room_id", s.room.RoomID))
	return nil
}

// Send publishes a control message on the attached transport's data channel.
func (s *Session) Send(ctx context.Context, content string, role control.Role, mode control.Mode) error {
	s.mu.Lock()
	dispatcher := s.dispatcher
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if dispatcher == nil {
		return ErrNotAttached
	}
	return dispatcher.Send(ctx, content, role, mode)
}

// Subscribe registers a handler for one application event kind and returns
// its cancel function.
func (s *Session) Subscribe(kind bridge.Kind, fn func(bridge.Event)) func() {
	return s.bridge.Subscribe(kind, fn)
}

// SubscribeAll registers a handler for every application event and returns
// its cancel function.
func (s *Session) SubscribeAll(fn func(bridge.Event)) func() {
	return s.bridge.SubscribeAll(fn)
}

// Agent reports the resolved agent identity of the connected session, if one
// has been detected.
func (s *Session) Agent() (identity.Identity, bool) {
	return s.identity.Agent()
}

// Room returns the session room acquired by Start.
func (s *Session) Room() (room.SessionRoom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.started
}

// Leave detaches the transport and re-anchors the room's cache expiry to the
// reconnect window, so an immediate Start/Attach rejoins the same room. The
// remote room is left alone.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	transport := s.transport
	if transport == nil {
		s.mu.Unlock()
		return ErrNotAttached
	}
	s.transport = nil
	s.dispatcher = nil
	roomURL := s.room.RoomURL
	s.mu.Unlock()

	err := transport.Close()
	s.rooms.MarkLeft(roomURL, s.reconnect)

	s.logger.Info("Left session",
		slog.String("room_url", roomURL),
		slog.Duration("reconnect_window", s.reconnect))
	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Close tears the session down: the transport is closed, the bridge, relay
// and sweep goroutines stop, and with zero room persistence the remote room
// is deleted. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	transport := s.transport
	s.transport = nil
	s.dispatcher = nil
	started := s.started
	bridgeStarted := s.bridgeStarted
	rm := s.room
	s.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			s.logger.Warn("Transport close failed",
				slog.String("error", err.Error()))
		}
	}
	s.cancel()

	if bridgeStarted {
		select {
		case <-s.bridge.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if started && s.persistence == 0 {
		err := s.rooms.Delete(ctx, rm.RoomID)
		switch {
		case err == nil:
		case errors.Is(err, room.ErrUnknownRoom):
			// The zero-persistence cache entry may already be swept, so
			// resolve the delete against the provider directly.
			derr := s.provider.DeleteRoom(ctx, rm.RoomName)
			if derr != nil && !errors.Is(derr, provider.ErrRoomNotFound) {
				return fmt.Errorf("failed to delete room on close: %w", derr)
			}
		default:
			return fmt.Errorf("failed to delete room on close: %w", err)
		}
	}

	s.logger.Info("Session closed", slog.String("room_id", rm.RoomID))
	return nil
}
