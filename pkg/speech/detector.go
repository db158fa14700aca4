// Package speech turns streams of audio-level samples into speaking state
// transitions. Entry into the speaking state is immediate; exit is debounced
// so short pauses inside an utterance do not fragment it. When the transport
// has no native level observation, Analyzer derives levels from raw audio.
package speech

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the level above which a participant counts as
	// speaking.
	DefaultThreshold = 0.012

	// DefaultDebounce is how long the level must stay at or below the
	// threshold before a speaker counts as silent.
	DefaultDebounce = 500 * time.Millisecond
)

// State is the detector's speaking state.
type State int

const (
	Silent State = iota
	Speaking
)

func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "silent"
}

// Transition describes one state change.
type Transition struct {
	ParticipantID string
	Speaking      bool
	Level         float64
	At            time.Time
}

// Status is a read-only snapshot of a detector.
type Status struct {
	ParticipantID    string
	Speaking         bool
	Level            float64
	LastTransitionAt time.Time
}

// Config configures a Detector.
type Config struct {
	// ParticipantID tags transitions with their source.
	ParticipantID string

	// Threshold above which a sample counts as speech. Defaults to
	// DefaultThreshold.
	Threshold float64

	// Debounce is the silence countdown before Speaking flips back to
	// Silent. Defaults to DefaultDebounce.
	Debounce time.Duration

	// LevelThrottle rate-limits OnLevel callbacks. Zero disables throttling.
	// The transition logic always evaluates every sample regardless.
	LevelThrottle time.Duration

	// OnTransition is invoked for every state change, in transition order.
	// It runs under the detector lock and must not call back into the
	// detector.
	OnTransition func(Transition)

	// OnLevel is invoked for accepted (non-throttled) samples. Same
	// reentrancy constraint as OnTransition.
	OnLevel func(participantID string, level float64)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Detector is the per-participant speaking state machine. Safe for
// concurrent use; the deferred silence transition fires from a timer
// goroutine and is re-checked under lock, so stale timers never flip state.
type Detector struct {
	participantID string
	threshold     float64
	debounce      time.Duration
	throttle      time.Duration
	onTransition  func(Transition)
	onLevel       func(string, float64)
	logger        *slog.Logger
	now           func() time.Time

	mu             sync.Mutex
	state          State
	level          float64
	lastTransition time.Time
	lastLevelAt    time.Time
	silenceTimer   *time.Timer
	silenceSeq     uint64
	stopped        bool
}

// NewDetector creates a detector in the Silent state.
func NewDetector(cfg Config) *Detector {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Detector{
		participantID: cfg.ParticipantID,
		threshold:     threshold,
		debounce:      debounce,
		throttle:      cfg.LevelThrottle,
		onTransition:  cfg.OnTransition,
		onLevel:       cfg.OnLevel,
		logger:        logger,
		now:           now,
	}
}

// Process feeds one audio-level sample in [0,1] through the state machine.
func (d *Detector) Process(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := d.now()
	d.level = level

	if d.onLevel != nil && (d.throttle <= 0 || d.lastLevelAt.IsZero() || now.Sub(d.lastLevelAt) >= d.throttle) {
		d.lastLevelAt = now
		d.onLevel(d.participantID, level)
	}

	if level > d.threshold {
		d.cancelSilenceLocked()
		if d.state == Silent {
			d.transitionLocked(Speaking, now)
		}
		return
	}

	if d.state == Speaking && d.silenceTimer == nil {
		d.armSilenceLocked()
	}
}

// Snapshot returns the current speaking state.
func (d *Detector) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Status{
		ParticipantID:    d.participantID,
		Speaking:         d.state == Speaking,
		Level:            d.level,
		LastTransitionAt: d.lastTransition,
	}
}

// Stop cancels any pending silence countdown and stops the detector without
// emitting further transitions.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.cancelSilenceLocked()
	d.stopped = true
}

// Finish tears the detector down for a departing participant, first emitting
// the closing speech-end transition if it was still speaking.
func (d *Detector) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.cancelSilenceLocked()
	if d.state == Speaking {
		d.transitionLocked(Silent, d.now())
	}
	d.stopped = true
}

// armSilenceLocked starts the deferred Speaking -> Silent countdown. An
// already-running countdown keeps its original deadline.
func (d *Detector) armSilenceLocked() {
	d.silenceSeq++
	seq := d.silenceSeq
	d.silenceTimer = time.AfterFunc(d.debounce, func() {
		d.silenceExpired(seq)
	})
}

// cancelSilenceLocked stops the countdown and invalidates any fire already
// in flight.
func (d *Detector) cancelSilenceLocked() {
	if d.silenceTimer != nil {
		d.silenceTimer.Stop()
		d.silenceTimer = nil
	}
	d.silenceSeq++
}

func (d *Detector) silenceExpired(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || seq != d.silenceSeq || d.state != Speaking {
		return
	}
	d.silenceTimer = nil
	d.transitionLocked(Silent, d.now())
}

func (d *Detector) transitionLocked(state State, at time.Time) {
	d.state = state
	d.lastTransition = at

	d.logger.Debug("Speaking state changed",
		slog.String("participant_id", d.participantID),
		slog.String("state", state.String()),
		slog.Float64("level", d.level))

	if d.onTransition != nil {
		d.onTransition(Transition{
			ParticipantID: d.participantID,
			Speaking:      state == Speaking,
			Level:         d.level,
			At:            at,
		})
	}
}
