package config

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/parley-live/parley/pkg/room"
	"github.com/parley-live/parley/pkg/speech"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PARLEY_URL",
		"PARLEY_API_KEY",
		"PARLEY_API_SECRET",
		"PARLEY_PERSONA_NAME",
		"PARLEY_ROOM_PREFIX",
		"PARLEY_AUDIO_THRESHOLD",
		"PARLEY_SPEECH_DEBOUNCE",
		"PARLEY_LEVEL_THROTTLE",
		"PARLEY_MAX_SESSION_DURATION",
		"PARLEY_ROOM_PERSISTENCE",
		"PARLEY_RECONNECT_WINDOW",
		"PARLEY_MAX_PARTICIPANTS",
		"PARLEY_SWEEP_INTERVAL",
		"PARLEY_RELAY_URL",
		"PARLEY_RELAY_TOKEN",
		"PARLEY_METRICS_ADDR",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	is := is.New(t)
	clearEnv(t)

	cfg, err := Load()
	is.NoErr(err)

	is.Equal(cfg.URL, "")
	is.Equal(cfg.RoomPrefix, "parley")
	is.Equal(cfg.AudioThreshold, speech.DefaultThreshold)
	is.Equal(cfg.SpeechDebounce, speech.DefaultDebounce)
	is.Equal(cfg.LevelThrottle, time.Duration(0))
	is.Equal(cfg.MaxSessionDuration, room.DefaultMaxSessionDuration)
	is.Equal(cfg.RoomPersistence, 5*time.Minute)
	is.Equal(cfg.ReconnectWindow, 2*time.Minute)
	is.Equal(cfg.MaxParticipants, 2)
	is.Equal(cfg.SweepInterval, time.Minute)
	is.Equal(cfg.RelayURL, "")
	is.Equal(cfg.MetricsAddr, "")
}

func TestLoadReadsOverrides(t *testing.T) {
	is := is.New(t)
	clearEnv(t)

	t.Setenv("PARLEY_URL", "https://api.example.com")
	t.Setenv("PARLEY_API_KEY", "key")
	t.Setenv("PARLEY_API_SECRET", "secret")
	t.Setenv("PARLEY_PERSONA_NAME", "Samantha")
	t.Setenv("PARLEY_ROOM_PREFIX", "demo")
	t.Setenv("PARLEY_AUDIO_THRESHOLD", "0.05")
	t.Setenv("PARLEY_SPEECH_DEBOUNCE", "750ms")
	t.Setenv("PARLEY_LEVEL_THROTTLE", "100ms")
	t.Setenv("PARLEY_MAX_SESSION_DURATION", "30m")
	t.Setenv("PARLEY_ROOM_PERSISTENCE", "10m")
	t.Setenv("PARLEY_RECONNECT_WINDOW", "45s")
	t.Setenv("PARLEY_MAX_PARTICIPANTS", "4")
	t.Setenv("PARLEY_SWEEP_INTERVAL", "5m")
	t.Setenv("PARLEY_RELAY_URL", "wss://relay.example.com")
	t.Setenv("PARLEY_RELAY_TOKEN", "relay-token")
	t.Setenv("PARLEY_METRICS_ADDR", ":9102")

	cfg, err := Load()
	is.NoErr(err)

	is.Equal(cfg.URL, "https://api.example.com")
	is.Equal(cfg.APIKey, "key")
	is.Equal(cfg.APISecret, "secret")
	is.Equal(cfg.PersonaName, "Samantha")
	is.Equal(cfg.RoomPrefix, "demo")
	is.Equal(cfg.AudioThreshold, 0.05)
	is.Equal(cfg.SpeechDebounce, 750*time.Millisecond)
	is.Equal(cfg.LevelThrottle, 100*time.Millisecond)
	is.Equal(cfg.MaxSessionDuration, 30*time.Minute)
	is.Equal(cfg.RoomPersistence, 10*time.Minute)
	is.Equal(cfg.ReconnectWindow, 45*time.Second)
	is.Equal(cfg.MaxParticipants, 4)
	is.Equal(cfg.SweepInterval, 5*time.Minute)
	is.Equal(cfg.RelayURL, "wss://relay.example.com")
	is.Equal(cfg.RelayToken, "relay-token")
	is.Equal(cfg.MetricsAddr, ":9102")
}

func TestLoadTrimsWhitespace(t *testing.T) {
	is := is.New(t)
	clearEnv(t)

	t.Setenv("PARLEY_API_SECRET", "  secret \n")

	cfg, err := Load()
	is.NoErr(err)
	is.Equal(cfg.APISecret, "secret")
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PARLEY_AUDIO_THRESHOLD", "abc"},
		{"PARLEY_AUDIO_THRESHOLD", "0"},
		{"PARLEY_AUDIO_THRESHOLD", "1.5"},
		{"PARLEY_SPEECH_DEBOUNCE", "soon"},
		{"PARLEY_SPEECH_DEBOUNCE", "-1s"},
		{"PARLEY_LEVEL_THROTTLE", "-5ms"},
		{"PARLEY_MAX_SESSION_DURATION", "0"},
		{"PARLEY_ROOM_PERSISTENCE", "-1m"},
		{"PARLEY_RECONNECT_WINDOW", "-30s"},
		{"PARLEY_MAX_PARTICIPANTS", "1"},
		{"PARLEY_MAX_PARTICIPANTS", "two"},
		{"PARLEY_SWEEP_INTERVAL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			is := is.New(t)
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			is.True(err != nil)
		})
	}
}
