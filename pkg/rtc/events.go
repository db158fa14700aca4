package rtc

import (
	"time"
)

// EventKind identifies a raw transport event.
type EventKind string

const (
	// EventParticipantJoined is fired when a remote participant joins the room.
	EventParticipantJoined EventKind = "participant_joined"

	// EventParticipantLeft is fired when a remote participant leaves the room.
	EventParticipantLeft EventKind = "participant_left"

	// EventParticipantUpdated is fired when a participant's metadata or track
	// state changes materially.
	EventParticipantUpdated EventKind = "participant_updated"

	// EventActiveSpeakers is fired when the transport reports new audio levels
	// for one or more participants.
	EventActiveSpeakers EventKind = "active_speaker_change"

	// EventAppMessage is fired when a generic application message arrives on
	// the data channel.
	EventAppMessage EventKind = "app_message"

	// EventTranscription is fired when a transcription payload arrives.
	EventTranscription EventKind = "transcription"

	// EventError is fired when the transport reports an error condition.
	EventError EventKind = "error"

	// EventJoined is fired once the local connection is established.
	EventJoined EventKind = "joined_meeting"

	// EventLeft is fired when the local connection ends.
	EventLeft EventKind = "left_meeting"
)

// TrackState describes the lifecycle of a participant's audio track as far as
// the session core cares about it.
type TrackState int

const (
	// TrackNone means no audio track has been announced.
	TrackNone TrackState = iota

	// TrackLoading means a track is published but not yet flowing.
	TrackLoading

	// TrackPlayable means a subscribed track is delivering media.
	TrackPlayable

	// TrackStopped means a previously announced track was removed.
	TrackStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackNone:
		return "none"
	case TrackLoading:
		return "loading"
	case TrackPlayable:
		return "playable"
	case TrackStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ParticipantSnapshot is the typed view of a participant at the moment an
// event was produced. Identity heuristics run over snapshots, never over the
// underlying SDK objects, so every adapter normalizes to this shape.
//
// UserID and UserName are lifted from the side-channel metadata a human
// client publishes about itself; they are empty for participants that carry
// no such metadata.
type ParticipantSnapshot struct {
	ParticipantID string
	UserID        string
	UserName      string
	DisplayName   string
	Local         bool
	Metadata      map[string]string
	AudioTrack    TrackState
}

// Clone returns a deep copy of the snapshot.
func (s ParticipantSnapshot) Clone() ParticipantSnapshot {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// SpeakerLevel pairs a participant with a normalized audio level in [0,1].
type SpeakerLevel struct {
	ParticipantID string
	Level         float64
}

// RawEvent is a single normalized transport event. Only the fields relevant
// to the Kind are populated.
type RawEvent struct {
	// Kind of the event
	Kind EventKind

	// Timestamp when the event was produced
	Timestamp time.Time

	// Participant associated with the event (if applicable)
	Participant *ParticipantSnapshot

	// Payload carries app-message and transcription bytes
	Payload []byte

	// Levels carries per-participant audio levels for speaker events
	Levels []SpeakerLevel

	// Code and Message describe error events
	Code    string
	Message string
}

// NewRawEvent creates a new event of the given kind stamped with the current
// time.
func NewRawEvent(kind EventKind) *RawEvent {
	return &RawEvent{
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

// WithParticipant attaches a participant snapshot to the event.
func (e *RawEvent) WithParticipant(p ParticipantSnapshot) *RawEvent {
	e.Participant = &p
	return e
}

// WithPayload attaches message bytes to the event.
func (e *RawEvent) WithPayload(payload []byte) *RawEvent {
	e.Payload = payload
	return e
}

// WithLevels attaches audio levels to the event.
func (e *RawEvent) WithLevels(levels []SpeakerLevel) *RawEvent {
	e.Levels = levels
	return e
}

// WithError attaches an error code and message to the event.
func (e *RawEvent) WithError(code, message string) *RawEvent {
	e.Code = code
	e.Message = message
	return e
}
