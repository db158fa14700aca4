// Package bridge consumes raw transport events from one or more sources,
// deduplicates and classifies them, and republishes a small fixed vocabulary
// of application events. It owns the per-participant speaking detectors and
// demultiplexes the control sub-protocol out of generic messages.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-live/parley/pkg/control"
	"github.com/parley-live/parley/pkg/identity"
	"github.com/parley-live/parley/pkg/rtc"
	"github.com/parley-live/parley/pkg/speech"
)

// Config configures a Bridge.
type Config struct {
	// Identity receives participant observations and resolves transcript
	// sources. Required.
	Identity *identity.Registry

	// Threshold, Debounce and LevelThrottle configure the per-participant
	// speaking detectors. Zero values use the speech package defaults.
	Threshold     float64
	Debounce      time.Duration
	LevelThrottle time.Duration

	// OnControl receives demultiplexed control messages. Optional.
	OnControl func(control.Message)

	// OnDuplicate is invoked once per suppressed duplicate. Optional.
	OnDuplicate func()

	// OnError is invoked with the class of every transport error. Optional.
	OnError func(Class)

	// OnParticipant is invoked when a remote participant joins (true) or
	// leaves (false). Optional.
	OnParticipant func(joined bool)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Bridge merges raw event sources into one inbox and processes them on a
// single goroutine, so per-source ordering is preserved and the handler
// state (dedup window, detectors, joined flag) needs no locking. Speech
// transitions can surface from detector timers; emission is serialized under
// the subscriber lock either way.
type Bridge struct {
	identity      *identity.Registry
	threshold     float64
	debounce      time.Duration
	levelThrottle time.Duration
	onControl     func(control.Message)
	onDuplicate   func()
	onError       func(Class)
	onParticipant func(joined bool)
	logger        *slog.Logger
	now           func() time.Time

	inbox     chan *rtc.RawEvent
	stop      chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once

	subsMu  sync.Mutex
	subs    map[Kind]map[int]func(Event)
	subsAll map[int]func(Event)
	nextSub int

	// Owned by the run goroutine.
	joined    bool
	dedup     *dedupWindow
	detectors map[string]*speech.Detector
}

// envelope is the shared header of relayed and data-channel messages.
type envelope struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	Ts   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// New creates a bridge. Add sources with AddSource, then Start it.
func New(cfg Config) (*Bridge, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Bridge{
		identity:      cfg.Identity,
		threshold:     cfg.Threshold,
		debounce:      cfg.Debounce,
		levelThrottle: cfg.LevelThrottle,
		onControl:     cfg.OnControl,
		onDuplicate:   cfg.OnDuplicate,
		onError:       cfg.OnError,
		onParticipant: cfg.OnParticipant,
		logger:        logger,
		now:           now,
		inbox:         make(chan *rtc.RawEvent, 64),
		stop:          make(chan struct{}),
		doneCh:        make(chan struct{}),
		subs:          make(map[Kind]map[int]func(Event)),
		subsAll:       make(map[int]func(Event)),
		dedup:         newDedupWindow(dedupCapacity, dedupTTL, now),
		detectors:     make(map[string]*speech.Detector),
	}, nil
}

// AddSource merges a raw event source into the bridge inbox, preserving that
// source's ordering. Sources may be added before or while the bridge runs;
// the forwarder exits when the source closes or the bridge stops.
func (b *Bridge) AddSource(src <-chan *rtc.RawEvent) {
	go func() {
		for ev := range src {
			select {
			case b.inbox <- ev:
			case <-b.stop:
				return
			}
		}
	}()
}

// Start launches the bridge goroutine. The bridge runs until ctx is
// cancelled; Done reports when it has fully stopped.
func (b *Bridge) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.run(ctx)
	})
}

// Done is closed once the bridge goroutine has exited and every detector is
// stopped.
func (b *Bridge) Done() <-chan struct{} {
	return b.doneCh
}

// Subscribe registers a handler for one event kind and returns its cancel
// function. Handlers run on the emitting goroutine in delivery order and
// must not subscribe or unsubscribe from within the handler.
func (b *Bridge) Subscribe(kind Kind, fn func(Event)) func() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.nextSub++
	id := b.nextSub
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]func(Event))
	}
	b.subs[kind][id] = fn

	return func() {
		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		delete(b.subs[kind], id)
	}
}

// SubscribeAll registers a handler for every event kind.
func (b *Bridge) SubscribeAll(fn func(Event)) func() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.nextSub++
	id := b.nextSub
	b.subsAll[id] = fn

	return func() {
		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		delete(b.subsAll, id)
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.doneCh)
	defer b.stopDetectors()
	defer close(b.stop)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.inbox:
			b.handle(ev)
		}
	}
}

func (b *Bridge) handle(ev *rtc.RawEvent) {
	if ev == nil {
		return
	}

	switch ev.Kind {
	case rtc.EventJoined:
		b.joined = true
		b.logger.Info("Joined meeting")

	case rtc.EventLeft:
		if !b.joined {
			// Some transports emit a disconnect during failed connection
			// setup; without a preceding join there is nothing to tear down.
			b.logger.Warn("Ignoring spurious left-meeting event")
			return
		}
		b.joined = false
		b.finishDetectors()
		b.identity.Reset()
		b.logger.Info("Left meeting")

	case rtc.EventParticipantJoined:
		if ev.Participant == nil {
			return
		}
		id := b.identity.Observe(*ev.Participant)
		b.logger.Info("Participant joined",
			slog.String("participant_id", id.ParticipantID),
			slog.Bool("is_agent", id.IsAgent))
		if b.onParticipant != nil && !ev.Participant.Local {
			b.onParticipant(true)
		}

	case rtc.EventParticipantUpdated:
		if ev.Participant == nil {
			return
		}
		b.identity.Observe(*ev.Participant)

	case rtc.EventParticipantLeft:
		if ev.Participant == nil {
			return
		}
		pid := ev.Participant.ParticipantID
		if d, ok := b.detectors[pid]; ok {
			d.Finish()
			delete(b.detectors, pid)
		}
		b.identity.Forget(pid)
		b.logger.Info("Participant left", slog.String("participant_id", pid))
		if b.onParticipant != nil && !ev.Participant.Local {
			b.onParticipant(false)
		}

	case rtc.EventActiveSpeakers:
		for _, l := range ev.Levels {
			b.detectorFor(l.ParticipantID).Process(l.Level)
		}

	case rtc.EventAppMessage:
		b.handleMessage(ev)

	case rtc.EventTranscription:
		b.handleTranscription(ev)

	case rtc.EventError:
		b.handleError(ev)

	default:
		b.logger.Debug("Ignoring unhandled raw event", slog.String("kind", string(ev.Kind)))
	}
}

func (b *Bridge) handleMessage(ev *rtc.RawEvent) {
	if ev.Participant != nil {
		b.identity.Observe(*ev.Participant)
	}

	env := parseEnvelope(ev.Payload)
	if b.isDuplicate(env, string(ev.Kind)) {
		return
	}

	if env.Type == control.MessageType {
		var msg control.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			b.logger.Warn("Malformed control message", slog.String("error", err.Error()))
			return
		}
		if b.onControl != nil {
			b.onControl(msg)
		}
		return
	}

	b.emit(Event{
		Kind:          KindMessage,
		ParticipantID: participantID(ev),
		Payload:       ev.Payload,
		Seq:           env.Seq,
		Timestamp:     eventTime(env, ev, b.now),
	})
}

func (b *Bridge) handleTranscription(ev *rtc.RawEvent) {
	if ev.Participant != nil {
		b.identity.Observe(*ev.Participant)
	}

	env := parseEnvelope(ev.Payload)
	if b.isDuplicate(env, string(rtc.EventTranscription)) {
		return
	}

	text, final := parseTranscript(ev.Payload, env.Data)
	source := SourceUser
	pid := participantID(ev)
	if id, ok := b.identity.Lookup(pid); ok && id.IsAgent {
		source = SourceAgent
	}

	b.emit(Event{
		Kind:          KindTranscript,
		ParticipantID: pid,
		Transcript:    &Transcript{Source: source, Text: text, Final: final},
		Seq:           env.Seq,
		Timestamp:     eventTime(env, ev, b.now),
	})
}

func (b *Bridge) handleError(ev *rtc.RawEvent) {
	class := Classify(ev.Code, ev.Message)
	if class == ClassBenign {
		b.logger.Info("Benign transport error",
			slog.String("code", ev.Code),
			slog.String("message", ev.Message))
	} else {
		b.logger.Error("Transport error",
			slog.String("code", ev.Code),
			slog.String("message", ev.Message))
	}
	if b.onError != nil {
		b.onError(class)
	}

	b.emit(Event{
		Kind:      KindError,
		Err:       &ErrorInfo{Class: class, Code: ev.Code, Message: ev.Message},
		Timestamp: eventTime(envelope{}, ev, b.now),
	})
}

// isDuplicate runs the dedup window over an envelope. Messages without an
// envelope (no sequence, no timestamp) are never deduplicated.
func (b *Bridge) isDuplicate(env envelope, fallbackKind string) bool {
	if env.Seq == 0 && env.Ts == 0 {
		return false
	}
	kind := env.Type
	if kind == "" {
		kind = fallbackKind
	}
	if !b.dedup.Seen(env.Seq, env.Ts, kind) {
		return false
	}
	b.logger.Debug("Dropped duplicate message",
		slog.Uint64("seq", env.Seq),
		slog.String("kind", kind))
	if b.onDuplicate != nil {
		b.onDuplicate()
	}
	return true
}

// detectorFor returns the speaking detector for a participant, creating it
// on first sight.
func (b *Bridge) detectorFor(participantID string) *speech.Detector {
	if d, ok := b.detectors[participantID]; ok {
		return d
	}
	d := speech.NewDetector(speech.Config{
		ParticipantID: participantID,
		Threshold:     b.threshold,
		Debounce:      b.debounce,
		LevelThrottle: b.levelThrottle,
		OnTransition:  b.speechTransition,
		Logger:        b.logger,
		Now:           b.now,
	})
	b.detectors[participantID] = d
	return d
}

func (b *Bridge) speechTransition(tr speech.Transition) {
	kind := KindSpeechEnd
	if tr.Speaking {
		kind = KindSpeechStart
	}
	b.emit(Event{
		Kind:          kind,
		ParticipantID: tr.ParticipantID,
		Level:         tr.Level,
		Timestamp:     tr.At,
	})
}

// stopDetectors silences every detector without emitting closing events,
// for bridge shutdown.
func (b *Bridge) stopDetectors() {
	for pid, d := range b.detectors {
		d.Stop()
		delete(b.detectors, pid)
	}
}

// finishDetectors tears every detector down for session departure, emitting
// closing speech-end events for anyone still speaking.
func (b *Bridge) finishDetectors() {
	for pid, d := range b.detectors {
		d.Finish()
		delete(b.detectors, pid)
	}
}

// emit delivers an event to subscribers. Serialized under the subscriber
// lock because speech transitions arrive from detector timer goroutines.
func (b *Bridge) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, fn := range b.subs[ev.Kind] {
		fn(ev)
	}
	for _, fn := range b.subsAll {
		fn(ev)
	}
}

func parseEnvelope(payload []byte) envelope {
	var env envelope
	if len(payload) == 0 || json.Unmarshal(payload, &env) != nil {
		return envelope{}
	}
	return env
}

// parseTranscript pulls text and finality out of a transcription payload,
// preferring the nested data object when the envelope carries one.
func parseTranscript(payload []byte, data json.RawMessage) (string, bool) {
	var body struct {
		Text  string `json:"text"`
		Final bool   `json:"final"`
	}
	if len(data) > 0 && json.Unmarshal(data, &body) == nil && body.Text != "" {
		return body.Text, body.Final
	}
	body.Text, body.Final = "", false
	if json.Unmarshal(payload, &body) == nil {
		return body.Text, body.Final
	}
	return "", false
}

func participantID(ev *rtc.RawEvent) string {
	if ev.Participant == nil {
		return ""
	}
	return ev.Participant.ParticipantID
}

// eventTime picks the envelope timestamp when one is present, then the raw
// event's own stamp, then the clock.
func eventTime(env envelope, ev *rtc.RawEvent, now func() time.Time) time.Time {
	if env.Ts != 0 {
		return time.UnixMilli(env.Ts)
	}
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return now()
}
