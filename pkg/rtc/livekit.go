package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"
)

// LiveKitConfig configures a LiveKit-backed transport.
type LiveKitConfig struct {
	// URL of the LiveKit server, e.g. wss://host.
	URL string

	// Token is the access token minted for this participant.
	Token string

	// BufferSize bounds the event channel. Defaults to 100. When the buffer
	// is full events are dropped with a warning rather than blocking SDK
	// callback goroutines.
	BufferSize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// LiveKitTransport adapts a LiveKit room connection to the Transport
// interface. SDK callbacks only normalize and enqueue; all session logic
// lives upstream.
type LiveKitTransport struct {
	logger *slog.Logger
	events chan *RawEvent

	mu      sync.Mutex
	room    *lksdk.Room
	tracks  map[string]TrackState
	active  map[string]bool
	closing bool
	closed  bool
}

var _ Transport = (*LiveKitTransport)(nil)

// ConnectLiveKit connects to a LiveKit room and returns the transport. A
// joined_meeting event and one participant_joined per already-present remote
// participant are emitted before any callback-driven events.
func ConnectLiveKit(cfg LiveKitConfig) (*LiveKitTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &LiveKitTransport{
		logger: logger,
		events: make(chan *RawEvent, bufferSize),
		tracks: make(map[string]TrackState),
		active: make(map[string]bool),
	}

	callback := &lksdk.RoomCallback{
		OnParticipantConnected:    t.onParticipantConnected,
		OnParticipantDisconnected: t.onParticipantDisconnected,
		OnActiveSpeakersChanged:   t.onActiveSpeakers,
		OnDisconnected:            t.onDisconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished:          t.onTrackPublished,
			OnTrackUnpublished:        t.onTrackUnpublished,
			OnTrackSubscribed:         t.onTrackSubscribed,
			OnTrackUnsubscribed:       t.onTrackUnsubscribed,
			OnTrackSubscriptionFailed: t.onTrackSubscriptionFailed,
			OnMetadataChanged:         t.onMetadataChanged,
			OnIsSpeakingChanged:       t.onIsSpeaking,
			OnDataReceived:            t.onDataReceived,
		},
	}

	wsURL := lksdk.ToWebsocketURL(cfg.URL)
	room, err := lksdk.ConnectToRoomWithToken(wsURL, cfg.Token, callback, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to room: %w", err)
	}

	t.mu.Lock()
	t.room = room
	t.mu.Unlock()

	logger.Info("Connected to LiveKit room", slog.String("url", wsURL))

	t.send(NewRawEvent(EventJoined))
	for _, rp := range room.GetParticipants() {
		t.send(NewRawEvent(EventParticipantJoined).WithParticipant(t.snapshotOf(rp)))
	}

	return t, nil
}

// Events returns the raw event stream.
func (t *LiveKitTransport) Events() <-chan *RawEvent {
	return t.events
}

// SendData publishes reliable data-channel bytes through the local
// participant.
func (t *LiveKitTransport) SendData(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	room := t.room
	closing := t.closing
	t.mu.Unlock()

	if room == nil || closing {
		return ErrNotConnected
	}
	if err := room.LocalParticipant.PublishData(payload, livekit.DataPacket_RELIABLE, nil); err != nil {
		return fmt.Errorf("failed to publish data: %w", err)
	}
	return nil
}

// Close disconnects from the room, emits the closing left_meeting event, and
// closes the event channel. Safe to call more than once.
func (t *LiveKitTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	room := t.room
	t.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	t.finish()

	t.logger.Info("Disconnected from LiveKit room")
	return nil
}

func (t *LiveKitTransport) onDisconnected() {
	t.mu.Lock()
	if t.closing {
		// An explicit Close is in flight and owns the closing event.
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.mu.Unlock()

	t.logger.Info("LiveKit connection ended")
	t.finish()
}

// finish emits left_meeting and closes the stream. The caller must have won
// the closing flag.
func (t *LiveKitTransport) finish() {
	t.send(NewRawEvent(EventLeft))

	t.mu.Lock()
	t.closed = true
	close(t.events)
	t.mu.Unlock()
}

func (t *LiveKitTransport) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	t.logger.Debug("Participant connected",
		slog.String("participant_id", rp.SID()),
		slog.String("identity", rp.Identity()))
	t.send(NewRawEvent(EventParticipantJoined).WithParticipant(t.snapshotOf(rp)))
}

func (t *LiveKitTransport) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	snap := t.snapshotOf(rp)

	t.mu.Lock()
	delete(t.tracks, rp.SID())
	delete(t.active, rp.SID())
	t.mu.Unlock()

	t.logger.Debug("Participant disconnected",
		slog.String("participant_id", rp.SID()),
		slog.String("identity", rp.Identity()))
	t.send(NewRawEvent(EventParticipantLeft).WithParticipant(snap))
}

func (t *LiveKitTransport) onTrackPublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !isAudio(pub) {
		return
	}
	t.setTrackState(rp, TrackLoading)
}

func (t *LiveKitTransport) onTrackUnpublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !isAudio(pub) {
		return
	}
	t.setTrackState(rp, TrackStopped)
}

func (t *LiveKitTransport) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !isAudio(pub) {
		return
	}
	t.setTrackState(rp, TrackPlayable)
}

func (t *LiveKitTransport) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !isAudio(pub) {
		return
	}
	t.setTrackState(rp, TrackLoading)
}

func (t *LiveKitTransport) onTrackSubscriptionFailed(sid string, rp *lksdk.RemoteParticipant) {
	t.logger.Warn("Track subscription failed",
		slog.String("track_sid", sid),
		slog.String("participant_id", rp.SID()))
	t.send(NewRawEvent(EventError).
		WithParticipant(t.snapshotOf(rp)).
		WithError("track_subscription_failed", fmt.Sprintf("track %s of %s failed to subscribe", sid, rp.Identity())))
}

func (t *LiveKitTransport) setTrackState(rp *lksdk.RemoteParticipant, state TrackState) {
	t.mu.Lock()
	t.tracks[rp.SID()] = state
	t.mu.Unlock()

	t.logger.Debug("Audio track state changed",
		slog.String("participant_id", rp.SID()),
		slog.String("state", state.String()))
	t.send(NewRawEvent(EventParticipantUpdated).WithParticipant(t.snapshotOf(rp)))
}

func (t *LiveKitTransport) onMetadataChanged(oldMetadata string, p lksdk.Participant) {
	t.send(NewRawEvent(EventParticipantUpdated).WithParticipant(t.snapshotOf(p)))
}

func (t *LiveKitTransport) onIsSpeaking(p lksdk.Participant) {
	if _, local := p.(*lksdk.LocalParticipant); local {
		return
	}
	level := 0.0
	if p.IsSpeaking() {
		level = float64(p.AudioLevel())
	}
	t.send(NewRawEvent(EventActiveSpeakers).WithLevels([]SpeakerLevel{
		{ParticipantID: p.SID(), Level: clampLevel(level)},
	}))
}

// onActiveSpeakers reports levels for current speakers plus explicit zeros
// for participants that dropped out of the active set, so downstream
// detectors always observe the falling edge.
func (t *LiveKitTransport) onActiveSpeakers(speakers []lksdk.Participant) {
	var levels []SpeakerLevel
	current := make(map[string]bool, len(speakers))

	for _, sp := range speakers {
		if _, local := sp.(*lksdk.LocalParticipant); local {
			continue
		}
		current[sp.SID()] = true
		levels = append(levels, SpeakerLevel{
			ParticipantID: sp.SID(),
			Level:         clampLevel(float64(sp.AudioLevel())),
		})
	}

	t.mu.Lock()
	for sid := range t.active {
		if !current[sid] {
			levels = append(levels, SpeakerLevel{ParticipantID: sid})
		}
	}
	t.active = current
	t.mu.Unlock()

	if len(levels) == 0 {
		return
	}
	t.send(NewRawEvent(EventActiveSpeakers).WithLevels(levels))
}

func (t *LiveKitTransport) onDataReceived(data []byte, rp *lksdk.RemoteParticipant) {
	kind := EventAppMessage
	var sniff struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &sniff); err == nil && sniff.Type == "transcription" {
		kind = EventTranscription
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	t.send(NewRawEvent(kind).WithParticipant(t.snapshotOf(rp)).WithPayload(payload))
}

// send enqueues without blocking; SDK callbacks must never stall on a slow
// consumer.
func (t *LiveKitTransport) send(ev *RawEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("Event buffer full, dropping event", slog.String("kind", string(ev.Kind)))
	}
}

// snapshotOf normalizes an SDK participant, lifting the self-published
// user identity out of the metadata JSON.
func (t *LiveKitTransport) snapshotOf(p lksdk.Participant) ParticipantSnapshot {
	_, local := p.(*lksdk.LocalParticipant)
	meta := decodeMetadata(p.Metadata())

	t.mu.Lock()
	track := t.tracks[p.SID()]
	t.mu.Unlock()

	name := p.Name()
	if name == "" {
		name = p.Identity()
	}

	return ParticipantSnapshot{
		ParticipantID: p.SID(),
		UserID:        firstMetaValue(meta, "user_id", "userId"),
		UserName:      firstMetaValue(meta, "user_name", "userName"),
		DisplayName:   name,
		Local:         local,
		Metadata:      meta,
		AudioTrack:    track,
	}
}

// decodeMetadata flattens a metadata JSON object to string values. Nested
// values carry nothing the heuristics read and are dropped.
func decodeMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstMetaValue(meta map[string]string, keys ...string) string {
	for _, key := range keys {
		if v, ok := meta[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

func isAudio(pub *lksdk.RemoteTrackPublication) bool {
	return pub.Kind().ProtoType() == livekit.TrackType_AUDIO
}

func clampLevel(level float64) float64 {
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}
