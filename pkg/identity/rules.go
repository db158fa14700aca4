package identity

import (
	"strings"

	"github.com/parley-live/parley/pkg/rtc"
)

// Verdict is one rule's opinion about a participant.
type Verdict int

const (
	// Unknown means the rule has no opinion and the next rule decides.
	Unknown Verdict = iota

	// Yes means the participant is the agent.
	Yes

	// No means the participant is definitely not the agent.
	No
)

func (v Verdict) String() string {
	switch v {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "unknown"
	}
}

// rule is one named heuristic over a participant snapshot. Rules are
// evaluated in priority order and the first definite verdict wins.
type rule struct {
	name  string
	apply func(rtc.ParticipantSnapshot) Verdict
}

// automationPatterns are substrings that mark an identity as automated.
var automationPatterns = []string{"bot", "agent", "assistant"}

// sessionMetadataKeys are the metadata keys a human client's session
// plumbing publishes about itself.
var sessionMetadataKeys = []string{
	"user_id", "userId",
	"user_name", "userName",
	"session_id", "sessionId",
}

// defaultRules builds the heuristic chain for one session. personaName is
// the display name the caller expects the agent to join under; empty
// disables the persona rule.
func defaultRules(personaName string) []rule {
	return []rule{
		{name: "explicit-flag", apply: explicitFlag},
		{name: "user-metadata", apply: userMetadata},
		{name: "persona-name", apply: personaNameRule(personaName)},
		{name: "automation-pattern", apply: automationPattern},
		{name: "anonymous-audio", apply: anonymousAudio},
	}
}

// explicitFlag honors a bot/human marker published in the participant's
// metadata. A marker is authoritative in both directions.
func explicitFlag(snap rtc.ParticipantSnapshot) Verdict {
	for _, key := range []string{"is_bot", "isBot"} {
		switch strings.ToLower(snap.Metadata[key]) {
		case "true", "1", "yes":
			return Yes
		case "false", "0", "no":
			return No
		}
	}
	for _, key := range []string{"type", "participant_type"} {
		switch strings.ToLower(snap.Metadata[key]) {
		case "bot", "agent", "assistant":
			return Yes
		case "human", "user", "person":
			return No
		}
	}
	return Unknown
}

// userMetadata rules out participants that published the identity metadata
// human clients carry. Identities that themselves look automated fall
// through to the pattern rule instead.
func userMetadata(snap rtc.ParticipantSnapshot) Verdict {
	if !hasIdentityMetadata(snap) {
		return Unknown
	}
	if looksAutomated(snap.UserID) || looksAutomated(snap.UserName) {
		return Unknown
	}
	return No
}

// personaNameRule matches the display name the agent is expected to join
// under, exactly but case-insensitively.
func personaNameRule(personaName string) func(rtc.ParticipantSnapshot) Verdict {
	return func(snap rtc.ParticipantSnapshot) Verdict {
		if personaName == "" || snap.DisplayName == "" {
			return Unknown
		}
		if strings.EqualFold(snap.DisplayName, personaName) {
			return Yes
		}
		return Unknown
	}
}

// automationPattern matches automated-role substrings in the identifiers a
// transport assigns or a client publishes.
func automationPattern(snap rtc.ParticipantSnapshot) Verdict {
	if looksAutomated(snap.UserName) || looksAutomated(snap.UserID) || looksAutomated(snap.ParticipantID) {
		return Yes
	}
	return Unknown
}

// anonymousAudio is the coverage fallback: a remote participant that
// published none of the identity metadata a human client would, yet has an
// audio track up or coming up, is taken to be the agent. Custom persona
// display names defeat the earlier rules, so this accepts a small
// false-positive risk.
func anonymousAudio(snap rtc.ParticipantSnapshot) Verdict {
	if snap.Local || hasIdentityMetadata(snap) {
		return Unknown
	}
	if snap.AudioTrack == rtc.TrackLoading || snap.AudioTrack == rtc.TrackPlayable {
		return Yes
	}
	return Unknown
}

func hasIdentityMetadata(snap rtc.ParticipantSnapshot) bool {
	if snap.UserID != "" || snap.UserName != "" {
		return true
	}
	for _, key := range sessionMetadataKeys {
		if _, ok := snap.Metadata[key]; ok {
			return true
		}
	}
	return false
}

func looksAutomated(s string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, pattern := range automationPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
