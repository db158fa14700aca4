// Package config loads session tuning and provider credentials from the
// environment. All keys carry the PARLEY_ prefix; unset keys fall back to the
// package defaults of the component they configure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parley-live/parley/pkg/room"
	"github.com/parley-live/parley/pkg/speech"
)

// Config contains all runtime settings recognized by the session stack.
type Config struct {
	// Provider connection.
	URL       string
	APIKey    string
	APISecret string

	// Session tuning.
	PersonaName        string
	RoomPrefix         string
	AudioThreshold     float64
	SpeechDebounce     time.Duration
	LevelThrottle      time.Duration
	MaxSessionDuration time.Duration
	RoomPersistence    time.Duration
	ReconnectWindow    time.Duration
	MaxParticipants    int
	SweepInterval      time.Duration

	// Relay side channel, optional.
	RelayURL   string
	RelayToken string

	// Metrics/health listener, optional.
	MetricsAddr string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		URL:                envTrimmed("PARLEY_URL"),
		APIKey:             envTrimmed("PARLEY_API_KEY"),
		APISecret:          envTrimmed("PARLEY_API_SECRET"),
		PersonaName:        envTrimmed("PARLEY_PERSONA_NAME"),
		RoomPrefix:         envOrDefault("PARLEY_ROOM_PREFIX", "parley"),
		AudioThreshold:     speech.DefaultThreshold,
		SpeechDebounce:     speech.DefaultDebounce,
		LevelThrottle:      0,
		MaxSessionDuration: room.DefaultMaxSessionDuration,
		RoomPersistence:    5 * time.Minute,
		ReconnectWindow:    2 * time.Minute,
		MaxParticipants:    2,
		SweepInterval:      time.Minute,
		RelayURL:           envTrimmed("PARLEY_RELAY_URL"),
		RelayToken:         envTrimmed("PARLEY_RELAY_TOKEN"),
		MetricsAddr:        envTrimmed("PARLEY_METRICS_ADDR"),
	}

	var err error
	cfg.AudioThreshold, err = floatFromEnv("PARLEY_AUDIO_THRESHOLD", cfg.AudioThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechDebounce, err = durationFromEnv("PARLEY_SPEECH_DEBOUNCE", cfg.SpeechDebounce)
	if err != nil {
		return Config{}, err
	}
	cfg.LevelThrottle, err = durationFromEnv("PARLEY_LEVEL_THROTTLE", cfg.LevelThrottle)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessionDuration, err = durationFromEnv("PARLEY_MAX_SESSION_DURATION", cfg.MaxSessionDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.RoomPersistence, err = durationFromEnv("PARLEY_ROOM_PERSISTENCE", cfg.RoomPersistence)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectWindow, err = durationFromEnv("PARLEY_RECONNECT_WINDOW", cfg.ReconnectWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxParticipants, err = intFromEnv("PARLEY_MAX_PARTICIPANTS", cfg.MaxParticipants)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("PARLEY_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.AudioThreshold <= 0 || cfg.AudioThreshold >= 1 {
		return Config{}, fmt.Errorf("PARLEY_AUDIO_THRESHOLD must be in (0, 1)")
	}
	if cfg.SpeechDebounce <= 0 {
		return Config{}, fmt.Errorf("PARLEY_SPEECH_DEBOUNCE must be positive")
	}
	if cfg.LevelThrottle < 0 {
		return Config{}, fmt.Errorf("PARLEY_LEVEL_THROTTLE must be >= 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("PARLEY_MAX_SESSION_DURATION must be positive")
	}
	if cfg.RoomPersistence < 0 {
		return Config{}, fmt.Errorf("PARLEY_ROOM_PERSISTENCE must be >= 0")
	}
	if cfg.ReconnectWindow < 0 {
		return Config{}, fmt.Errorf("PARLEY_RECONNECT_WINDOW must be >= 0")
	}
	if cfg.MaxParticipants < 2 {
		return Config{}, fmt.Errorf("PARLEY_MAX_PARTICIPANTS must be at least 2")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("PARLEY_SWEEP_INTERVAL must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := envTrimmed(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
