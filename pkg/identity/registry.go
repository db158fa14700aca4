// Package identity maps transport participant ids to application identities
// and decides, per session, which participant is the agent. Agent detection
// is heuristic: an ordered chain of rules evaluated against a participant
// snapshot, with the first definite verdict winning.
package identity

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/parley-live/parley/pkg/rtc"
)

// Identity is the application view of one connected participant.
type Identity struct {
	// ParticipantID is transport-scoped and ephemeral.
	ParticipantID string

	// UserID is the durable application identity, when published.
	UserID string

	// DisplayName is the human-readable name.
	DisplayName string

	// IsAgent marks the session's resolved agent.
	IsAgent bool
}

// Config configures a Registry.
type Config struct {
	// PersonaName is the display name the agent is expected to join under.
	// Optional; empty disables the persona rule.
	PersonaName string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Registry holds the participant identities of one connected session. All
// state clears on Reset; nothing persists across connections.
type Registry struct {
	logger *slog.Logger
	rules  []rule

	mu      sync.RWMutex
	entries map[string]*entry
	agentID string
}

type entry struct {
	identity Identity
	snapshot rtc.ParticipantSnapshot
	ruleName string
}

// NewRegistry creates an empty registry for one session.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		rules:   defaultRules(cfg.PersonaName),
		entries: make(map[string]*entry),
	}
}

// Observe records or updates the identity for a participant snapshot and
// returns the resulting identity. The heuristic runs on first sight and
// again only when the snapshot changed materially; otherwise the cached
// verdict stands for the life of the connection.
func (r *Registry) Observe(snap rtc.ParticipantSnapshot) Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[snap.ParticipantID]; ok && !materialChange(existing.snapshot, snap) {
		return existing.identity
	}

	verdict, ruleName := r.evaluate(snap)
	id := Identity{
		ParticipantID: snap.ParticipantID,
		UserID:        snap.UserID,
		DisplayName:   snap.DisplayName,
	}

	switch verdict {
	case Yes:
		switch r.agentID {
		case "", snap.ParticipantID:
			if r.agentID == "" {
				r.logger.Info("Resolved agent participant",
					slog.String("participant_id", snap.ParticipantID),
					slog.String("display_name", snap.DisplayName),
					slog.String("rule", ruleName))
			}
			r.agentID = snap.ParticipantID
			id.IsAgent = true
		default:
			// First stable match wins; later candidates are discarded.
			r.logger.Warn("Conflicting agent candidate discarded",
				slog.String("participant_id", snap.ParticipantID),
				slog.String("agent_id", r.agentID),
				slog.String("rule", ruleName))
		}
	case No:
		if r.agentID == snap.ParticipantID {
			r.logger.Info("Agent participant reclassified as non-agent",
				slog.String("participant_id", snap.ParticipantID),
				slog.String("rule", ruleName))
			r.agentID = ""
		}
	case Unknown:
		// Keep a previously resolved agent through inconclusive updates.
		if r.agentID == snap.ParticipantID {
			id.IsAgent = true
		}
	}

	r.entries[snap.ParticipantID] = &entry{
		identity: id,
		snapshot: snap.Clone(),
		ruleName: ruleName,
	}
	return id
}

// Forget drops a participant, clearing the agent slot if it was the agent.
func (r *Registry) Forget(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, participantID)
	if r.agentID == participantID {
		r.logger.Debug("Agent participant left", slog.String("participant_id", participantID))
		r.agentID = ""
	}
}

// Agent returns the resolved agent identity, if any.
func (r *Registry) Agent() (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.agentID == "" {
		return Identity{}, false
	}
	e, ok := r.entries[r.agentID]
	if !ok {
		return Identity{}, false
	}
	return e.identity, true
}

// Lookup returns the identity recorded for a participant id.
func (r *Registry) Lookup(participantID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[participantID]
	if !ok {
		return Identity{}, false
	}
	return e.identity, true
}

// Len reports how many participants are currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset clears every identity and the agent slot, for session disconnect.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*entry)
	r.agentID = ""
}

// evaluate runs the rule chain. Local participants are never the agent.
func (r *Registry) evaluate(snap rtc.ParticipantSnapshot) (Verdict, string) {
	if snap.Local {
		return No, "local"
	}
	for _, rule := range r.rules {
		if v := rule.apply(snap); v != Unknown {
			r.logger.Debug("Agent heuristic decided",
				slog.String("participant_id", snap.ParticipantID),
				slog.String("rule", rule.name),
				slog.String("verdict", v.String()))
			return v, rule.name
		}
	}
	return Unknown, ""
}

// materialChange reports whether a snapshot update is significant enough to
// re-run the heuristic.
func materialChange(old, new rtc.ParticipantSnapshot) bool {
	return old.DisplayName != new.DisplayName ||
		old.UserID != new.UserID ||
		old.UserName != new.UserName ||
		old.Local != new.Local ||
		old.AudioTrack != new.AudioTrack ||
		!maps.Equal(old.Metadata, new.Metadata)
}
