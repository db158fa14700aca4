package speech

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/parley-live/parley/pkg/rtc"
)

// speechBands are the frequencies probed for voice energy, spanning the
// classic telephony speech band.
var speechBands = []float64{300, 500, 1000, 2000, 3000}

// AnalyzerConfig configures an Analyzer.
type AnalyzerConfig struct {
	// Detector receives one level sample per analyzed frame. Required.
	Detector *Detector

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Analyzer is the fallback level source for transports with no native level
// observation: it measures normalized speech-band energy in raw audio frames
// and feeds the detector on the frame cadence.
type Analyzer struct {
	detector *Detector
	logger   *slog.Logger
}

// NewAnalyzer creates an analyzer feeding the given detector.
func NewAnalyzer(cfg AnalyzerConfig) (*Analyzer, error) {
	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{detector: cfg.Detector, logger: logger}, nil
}

// Analyze consumes frames until the channel closes or the context is
// cancelled, feeding one level per frame to the detector. A closed channel
// returns nil; cancellation returns the context error. The detector is left
// running either way so the caller controls its teardown.
func (a *Analyzer) Analyze(ctx context.Context, frames <-chan rtc.AudioFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if frame.SampleRate <= 0 || len(frame.Data) == 0 {
				a.logger.Warn("Skipping malformed audio frame",
					slog.Int("sample_rate", frame.SampleRate),
					slog.Int("bytes", len(frame.Data)))
				continue
			}
			a.detector.Process(Level(frame.Mono(), frame.SampleRate))
		}
	}
}

// Level measures the normalized speech-band energy of one block of mono
// samples: the strongest band magnitude scaled so a full-scale tone inside
// the band reads 1.0.
func Level(samples []int16, sampleRate int) float64 {
	if len(samples) == 0 {
		return 0
	}

	var max float64
	for _, freq := range speechBands {
		if freq >= float64(sampleRate)/2 {
			continue
		}
		if m := goertzel(samples, sampleRate, freq); m > max {
			max = m
		}
	}

	level := max / (float64(len(samples)) / 2)
	if level > 1 {
		level = 1
	}
	return level
}

// goertzel returns the spectral magnitude of the bin nearest freq. Cheaper
// than a full FFT when only a handful of bands matter.
func goertzel(samples []int16, sampleRate int, freq float64) float64 {
	n := float64(len(samples))
	k := math.Round(n * freq / float64(sampleRate))
	w := 2 * math.Pi * k / n
	coeff := 2 * math.Cos(w)

	var s1, s2 float64
	for _, sample := range samples {
		s0 := coeff*s1 - s2 + float64(sample)/32768
		s2 = s1
		s1 = s0
	}
	return math.Sqrt(s1*s1 + s2*s2 - coeff*s1*s2)
}
