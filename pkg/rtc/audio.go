package rtc

import (
	"encoding/binary"
	"fmt"
	"time"
)

// AudioFrame represents exactly 10 ms of PCM audio.
// Len(Data) == SamplesPerChannel * NumChannels * 2.
//
// A zero Timestamp means "live"; otherwise it is the offset from the start of
// the stream the frame was taken from.
type AudioFrame struct {
	Data              []byte        // 16-bit PCM, little-endian
	SampleRate        int           // e.g. 16000 or 48000
	SamplesPerChannel int           // SampleRate / 100
	NumChannels       int           // 1 or 2
	Timestamp         time.Duration // optional
}

// NewAudioFrame creates a new AudioFrame and validates that the data length
// matches 10 ms of audio at the given rate and channel count.
func NewAudioFrame(data []byte, sampleRate, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	samplesPerChannel := sampleRate / 100
	expectedLen := samplesPerChannel * numChannels * 2

	if len(data) != expectedLen {
		return nil, fmt.Errorf("audio frame length mismatch: got %d bytes, want %d for %dHz %d-channel 10ms audio",
			len(data), expectedLen, sampleRate, numChannels)
	}

	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: samplesPerChannel,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// Clone creates a deep copy of the frame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	return &AudioFrame{
		Data:              data,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		Timestamp:         f.Timestamp,
	}
}

// Duration returns the duration represented by this frame (always 10ms).
func (f *AudioFrame) Duration() time.Duration {
	return 10 * time.Millisecond
}

// Samples decodes the frame's PCM data into interleaved int16 samples.
func (f *AudioFrame) Samples() []int16 {
	n := len(f.Data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// Mono folds the frame down to a single channel by averaging interleaved
// samples. Frames that are already mono are decoded as-is.
func (f *AudioFrame) Mono() []int16 {
	samples := f.Samples()
	if f.NumChannels <= 1 {
		return samples
	}

	out := make([]int16, f.SamplesPerChannel)
	for i := 0; i < f.SamplesPerChannel; i++ {
		var sum int
		for c := 0; c < f.NumChannels; c++ {
			sum += int(samples[i*f.NumChannels+c])
		}
		out[i] = int16(sum / f.NumChannels)
	}
	return out
}
