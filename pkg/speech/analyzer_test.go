package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/parley-live/parley/pkg/rtc"
)

// toneFrame synthesizes 10 ms of a full-scale sine at the given frequency.
func toneFrame(t *testing.T, freq float64, sampleRate int) rtc.AudioFrame {
	t.Helper()
	samples := sampleRate / 100
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	frame, err := rtc.NewAudioFrame(data, sampleRate, 1, 0)
	if err != nil {
		t.Fatalf("NewAudioFrame: %v", err)
	}
	return *frame
}

func silenceFrame(t *testing.T, sampleRate int) rtc.AudioFrame {
	t.Helper()
	frame, err := rtc.NewAudioFrame(make([]byte, sampleRate/100*2), sampleRate, 1, 0)
	if err != nil {
		t.Fatalf("NewAudioFrame: %v", err)
	}
	return *frame
}

func TestLevelOfSpeechBandTone(t *testing.T) {
	is := is.New(t)

	frame := toneFrame(t, 1000, 16000)
	level := Level(frame.Mono(), 16000)
	is.True(level > 0.9) // full-scale in-band tone reads near 1.0
	is.True(level <= 1.0)
}

func TestLevelOfSilence(t *testing.T) {
	is := is.New(t)

	frame := silenceFrame(t, 16000)
	is.Equal(Level(frame.Mono(), 16000), 0.0)
	is.Equal(Level(nil, 16000), 0.0)
}

func TestLevelIgnoresOutOfBandTone(t *testing.T) {
	is := is.New(t)

	// 6 kHz sits outside the probed speech band.
	frame := toneFrame(t, 6000, 16000)
	level := Level(frame.Mono(), 16000)
	is.True(level < DefaultThreshold)
}

func TestLevelSkipsBandsAboveNyquist(t *testing.T) {
	is := is.New(t)

	// At 4 kHz sampling, the 2 kHz and 3 kHz probes exceed Nyquist and are
	// skipped without distorting the result.
	frame := toneFrame(t, 1000, 4000)
	level := Level(frame.Mono(), 4000)
	is.True(level > 0.9)
}

func TestAnalyzeDrivesDetector(t *testing.T) {
	is := is.New(t)

	events := make(chan Transition, 16)
	detector := NewDetector(Config{
		ParticipantID: "p-1",
		Debounce:      50 * time.Millisecond,
		OnTransition:  func(tr Transition) { events <- tr },
	})
	defer detector.Stop()

	analyzer, err := NewAnalyzer(AnalyzerConfig{Detector: detector})
	is.NoErr(err)

	frames := make(chan rtc.AudioFrame, 8)
	done := make(chan error, 1)
	go func() { done <- analyzer.Analyze(context.Background(), frames) }()

	frames <- toneFrame(t, 1000, 16000)
	tr := waitTransition(t, events, time.Second)
	is.True(tr.Speaking)

	frames <- silenceFrame(t, 16000)
	tr = waitTransition(t, events, time.Second)
	is.Equal(tr.Speaking, false)

	close(frames)
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(time.Second):
		t.Fatal("Analyze did not return after channel close")
	}
}

func TestAnalyzeStopsOnCancel(t *testing.T) {
	is := is.New(t)

	detector := NewDetector(Config{ParticipantID: "p-1"})
	defer detector.Stop()
	analyzer, err := NewAnalyzer(AnalyzerConfig{Detector: detector})
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- analyzer.Analyze(ctx, make(chan rtc.AudioFrame)) }()

	cancel()
	select {
	case err := <-done:
		is.True(errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Analyze did not return after cancel")
	}
}

func TestAnalyzeSkipsMalformedFrames(t *testing.T) {
	is := is.New(t)

	events := make(chan Transition, 16)
	detector := NewDetector(Config{
		ParticipantID: "p-1",
		OnTransition:  func(tr Transition) { events <- tr },
	})
	defer detector.Stop()
	analyzer, err := NewAnalyzer(AnalyzerConfig{Detector: detector})
	is.NoErr(err)

	frames := make(chan rtc.AudioFrame, 2)
	frames <- rtc.AudioFrame{} // no data, no sample rate
	frames <- toneFrame(t, 1000, 16000)
	close(frames)

	is.NoErr(analyzer.Analyze(context.Background(), frames))

	tr := waitTransition(t, events, time.Second)
	is.True(tr.Speaking) // the good frame still got through
}

func TestNewAnalyzerRequiresDetector(t *testing.T) {
	is := is.New(t)
	_, err := NewAnalyzer(AnalyzerConfig{})
	is.True(err != nil)
}
