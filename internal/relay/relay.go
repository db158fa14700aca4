// Package relay maintains a receive-only websocket mirror of the agent's
// application-message stream. Relayed messages feed the event bridge as a
// second raw-event source; the bridge's envelope deduplication collapses
// anything that also arrived over the media transport.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-live/parley/pkg/rtc"
)

// Config configures a Relay.
type Config struct {
	// URL is the relay endpoint (ws:// or wss://). Required.
	URL string

	// Token authenticates the connection via query parameter. Optional.
	Token string

	// OnReconnect is invoked before each reconnection attempt. Optional.
	OnReconnect func()

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Relay is the websocket side channel. Create it with New, consume Events,
// and drive it with Run.
type Relay struct {
	url         string
	token       string
	onReconnect func()
	logger      *slog.Logger
	events      chan *rtc.RawEvent

	// backoffAttempt is only touched from the Run goroutine.
	backoffAttempt int
}

// frame is the relay wire envelope. The bridge deduplicates on (seq, ts,
// type), so the raw bytes are forwarded untouched.
type frame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	Ts   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// New validates the configuration and creates a relay.
func New(cfg Config) (*Relay, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		url:         cfg.URL,
		token:       cfg.Token,
		onReconnect: cfg.OnReconnect,
		logger:      logger,
		events:      make(chan *rtc.RawEvent, 100),
	}, nil
}

// Events is the relay's raw-event output. It closes when Run returns.
func (r *Relay) Events() <-chan *rtc.RawEvent {
	return r.events
}

// Run connects and reads until ctx is cancelled, reconnecting with capped
// exponential backoff after every failure.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.events)

	r.logger.Info("Starting relay", slog.String("url", r.url))

	for {
		err := r.connectAndRead(ctx)
		if ctx.Err() != nil {
			r.logger.Info("Relay shutting down")
			return nil
		}
		r.logger.Warn("Relay connection lost", slog.String("error", err.Error()))

		if err := r.backoffDelay(ctx); err != nil {
			r.logger.Info("Relay shutting down")
			return nil
		}
		if r.onReconnect != nil {
			r.onReconnect()
		}
	}
}

func (r *Relay) connectAndRead(ctx context.Context) error {
	u, err := url.Parse(r.url)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}
	if r.token != "" {
		q := u.Query()
		q.Set("token", r.token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer conn.Close()

	r.backoffAttempt = 0
	r.logger.Info("Relay connected", slog.String("url", r.url))

	// ReadMessage has no context support; closing the connection is how a
	// cancelled context unblocks it.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay read failed: %w", err)
		}

		ev, ok := r.mapFrame(payload)
		if !ok {
			continue
		}
		select {
		case r.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mapFrame turns one wire frame into a raw event. Malformed frames are
// skipped, not fatal.
func (r *Relay) mapFrame(payload []byte) (*rtc.RawEvent, bool) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		r.logger.Warn("Skipping malformed relay frame", slog.String("error", err.Error()))
		return nil, false
	}

	switch f.Type {
	case "error":
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &body); err != nil {
				r.logger.Warn("Skipping malformed relay error frame", slog.String("error", err.Error()))
				return nil, false
			}
		}
		return rtc.NewRawEvent(rtc.EventError).WithError(body.Code, body.Message), true

	case "transcription":
		return rtc.NewRawEvent(rtc.EventTranscription).WithPayload(payload), true

	default:
		return rtc.NewRawEvent(rtc.EventAppMessage).WithPayload(payload), true
	}
}

func (r *Relay) backoffDelay(ctx context.Context) error {
	r.backoffAttempt++
	delay := backoffFor(r.backoffAttempt)

	r.logger.Info("Reconnecting to relay",
		slog.Int("attempt", r.backoffAttempt),
		slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffFor is the reconnect schedule: 1s, 2s, 4s, ... capped at 10s.
func backoffFor(attempt int) time.Duration {
	return time.Duration(math.Min(math.Pow(2, float64(attempt-1)), 10)) * time.Second
}
