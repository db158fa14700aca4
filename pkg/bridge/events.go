package bridge

import (
	"time"
)

// Kind identifies an application event published by the bridge.
type Kind string

const (
	// KindSpeechStart is published when a participant starts speaking.
	KindSpeechStart Kind = "speech-start"

	// KindSpeechEnd is published when a participant stops speaking.
	KindSpeechEnd Kind = "speech-end"

	// KindTranscript carries one transcription fragment, tagged with its
	// source.
	KindTranscript Kind = "transcript"

	// KindMessage carries a generic application message that matched no
	// more specific shape.
	KindMessage Kind = "generic-message"

	// KindError carries a classified transport error.
	KindError Kind = "error"
)

// Source tags who produced a transcript.
type Source string

const (
	SourceUser  Source = "user"
	SourceAgent Source = "agent"
)

// Transcript is the payload of a KindTranscript event.
type Transcript struct {
	Source Source
	Text   string
	Final  bool
}

// ErrorInfo is the payload of a KindError event.
type ErrorInfo struct {
	Class   Class
	Code    string
	Message string
}

// Event is one application event. Events are immutable once emitted;
// consumers must not modify them.
type Event struct {
	Kind Kind

	// ParticipantID is the source participant, when the event has one.
	ParticipantID string

	// Level is the audio level at the transition for speech events.
	Level float64

	// Payload carries the raw bytes of generic messages.
	Payload []byte

	// Transcript is set for KindTranscript events.
	Transcript *Transcript

	// Err is set for KindError events.
	Err *ErrorInfo

	// Seq is the inbound envelope sequence number, when one was present.
	Seq uint64

	// Timestamp is the envelope timestamp when present, otherwise when the
	// bridge produced the event.
	Timestamp time.Time
}
