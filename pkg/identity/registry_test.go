package identity

import (
	"testing"

	"github.com/matryer/is"

	"github.com/parley-live/parley/pkg/rtc"
)

func TestObserveResolvesAgent(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry(Config{PersonaName: "Samantha"})

	user := reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-user", UserID: "u-1", DisplayName: "Alice"})
	is.Equal(user.IsAgent, false)

	agent := reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-agent", DisplayName: "Samantha"})
	is.True(agent.IsAgent)

	resolved, ok := reg.Agent()
	is.True(ok)
	is.Equal(resolved.ParticipantID, "p-agent")
	is.Equal(reg.Len(), 2)
}

func TestFirstStableAgentWins(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry(Config{PersonaName: "Samantha"})

	first := reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1", DisplayName: "Samantha"})
	is.True(first.IsAgent)

	// A second candidate matching a lower-priority rule is discarded.
	second := reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-2", AudioTrack: rtc.TrackPlayable})
	is.Equal(second.IsAgent, false)

	resolved, ok := reg.Agent()
	is.True(ok)
	is.Equal(resolved.ParticipantID, "p-1")
}

func TestMaterialChangeReevaluates(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry(Config{})

	// No audio track yet: inconclusive.
	id := reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1"})
	is.Equal(id.IsAgent, false)
	_, ok := reg.Agent()
	is.Equal(ok, false)

	// Track coming up is a material change and triggers the fallback rule.
	id = reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1", AudioTrack: rtc.TrackLoading})
	is.True(id.IsAgent)
}

func TestImmaterialUpdateKeepsCachedVerdict(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry(Config{})

	snap := rtc.ParticipantSnapshot{ParticipantID: "p-1", AudioTrack: rtc.TrackPlayable}
	first := reg.Observe(snap)
	is.True(first.IsAgent)

	second := reg.Observe(snap)
	is.True(second.IsAgent)
	is.Equal(reg.Len(), 1)
}

func TestAgentReclassifiedOnUserMetadata(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry(Config{})

	id := reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1", AudioTrack: rtc.TrackPlayable})
	is.True(id.IsAgent)

	// The participant turns out to be a human client publishing its
	// identity late.
	id = reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1", UserID: "u-7", AudioTrack: rtc.TrackPlayable})
	is.Equal(id.IsAgent, false)

	_, ok := reg.Agent()
	is.Equal(ok, false)
}

func TestAgentSurvivesInconclusiveUpdate(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry(Config{PersonaName: "Samantha"})

	id := reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1", DisplayName: "Samantha"})
	is.True(id.IsAgent)

	// Display name change away from the persona is material but yields no
	// definite verdict; the resolved agent stays resolved.
	id = reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1", DisplayName: "Sam"})
	is.True(id.IsAgent)

	resolved, ok := reg.Agent()
	is.True(ok)
	is.Equal(resolved.DisplayName, "Sam")
}

func TestForgetClearsAgentSlot(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry(Config{PersonaName: "Samantha"})

	reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1", DisplayName: "Samantha"})
	reg.Forget("p-1")

	_, ok := reg.Agent()
	is.Equal(ok, false)
	_, ok = reg.Lookup("p-1")
	is.Equal(ok, false)

	// The slot is free for the next candidate.
	id := reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-2", AudioTrack: rtc.TrackPlayable})
	is.True(id.IsAgent)
}

func TestResetClearsEverything(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry(Config{PersonaName: "Samantha"})

	reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-1", DisplayName: "Samantha"})
	reg.Observe(rtc.ParticipantSnapshot{ParticipantID: "p-2", UserID: "u-1"})
	reg.Reset()

	is.Equal(reg.Len(), 0)
	_, ok := reg.Agent()
	is.Equal(ok, false)
}
