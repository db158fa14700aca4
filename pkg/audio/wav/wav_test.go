package wav

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/parley-live/parley/pkg/rtc"
	"github.com/parley-live/parley/pkg/speech"
)

func TestToneRoundTrip(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "tone.wav")

	w, err := NewWriter(path, 16000, 1)
	is.NoErr(err)
	is.NoErr(w.WriteSilence(100 * time.Millisecond))
	is.NoErr(w.WriteTone(1000, 200*time.Millisecond, 0.8))
	is.NoErr(w.WriteSilence(100 * time.Millisecond))
	is.NoErr(w.Close())

	r, err := NewReader(path)
	is.NoErr(err)
	defer r.Close()

	h := r.Header()
	is.Equal(h.SampleRate, uint32(16000))
	is.Equal(h.NumChannels, uint16(1))
	is.Equal(h.BitsPerSample, uint16(16))
	is.Equal(h.DataSize, uint32(12800))
	is.Equal(h.Duration(), 400*time.Millisecond)

	frames, err := r.ReadFrames()
	is.NoErr(err)
	is.Equal(len(frames), 40)
	is.Equal(frames[0].SamplesPerChannel, 160)
	is.Equal(frames[0].NumChannels, 1)
	is.Equal(frames[0].Timestamp, time.Duration(0))
	is.Equal(frames[39].Timestamp, 390*time.Millisecond)

	// Quiet lead-in, loud tone, quiet tail.
	is.True(speech.Level(frames[0].Mono(), 16000) < 0.01)
	is.True(speech.Level(frames[20].Mono(), 16000) > 0.5)
	is.True(speech.Level(frames[39].Mono(), 16000) < 0.01)
}

func TestStereoRoundTrip(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "stereo.wav")

	w, err := NewWriter(path, 48000, 2)
	is.NoErr(err)
	is.NoErr(w.WriteTone(1000, 50*time.Millisecond, 0.5))
	is.NoErr(w.Close())

	r, err := NewReader(path)
	is.NoErr(err)
	defer r.Close()

	frames, err := r.ReadFrames()
	is.NoErr(err)
	is.Equal(len(frames), 5)
	is.Equal(frames[0].NumChannels, 2)
	is.Equal(len(frames[0].Data), 480*2*2)
	is.Equal(len(frames[0].Mono()), 480)
}

func TestFinalFramePadding(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "short.wav")

	w, err := NewWriter(path, 16000, 1)
	is.NoErr(err)
	is.NoErr(w.WriteTone(1000, 15*time.Millisecond, 0.5))
	is.NoErr(w.Close())

	r, err := NewReader(path)
	is.NoErr(err)
	defer r.Close()

	frames, err := r.ReadFrames()
	is.NoErr(err)
	is.Equal(len(frames), 2)
	is.Equal(len(frames[1].Data), 320)
	for _, s := range frames[1].Samples()[80:] {
		if s != 0 {
			t.Fatalf("expected zero padding in final frame, got %d", s)
		}
	}
}

func TestWriteFrameRoundTrip(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.wav")
	dst := filepath.Join(dir, "dst.wav")

	w, err := NewWriter(src, 24000, 1)
	is.NoErr(err)
	is.NoErr(w.WriteTone(1000, 30*time.Millisecond, 0.7))
	is.NoErr(w.Close())

	r, err := NewReader(src)
	is.NoErr(err)
	frames, err := r.ReadFrames()
	is.NoErr(err)
	is.NoErr(r.Close())

	w2, err := NewWriter(dst, 24000, 1)
	is.NoErr(err)
	for _, frame := range frames {
		is.NoErr(w2.WriteFrame(frame))
	}
	is.NoErr(w2.Close())

	r2, err := NewReader(dst)
	is.NoErr(err)
	defer r2.Close()
	copied, err := r2.ReadFrames()
	is.NoErr(err)
	is.Equal(len(copied), len(frames))
	is.Equal(copied[0].Data, frames[0].Data)
	is.Equal(copied[len(copied)-1].Data, frames[len(frames)-1].Data)
}

func TestWriteFrameFormatMismatch(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "mismatch.wav")

	w, err := NewWriter(path, 16000, 1)
	is.NoErr(err)
	defer w.Close()

	frame := rtc.AudioFrame{
		Data:              make([]byte, 960),
		SampleRate:        48000,
		SamplesPerChannel: 480,
		NumChannels:       1,
	}
	err = w.WriteFrame(frame)
	is.True(err != nil)
}

func TestWriterRejectsUnsupportedFormats(t *testing.T) {
	cases := []struct {
		name     string
		rate     uint32
		channels uint16
	}{
		{"odd sample rate", 11025, 1},
		{"too many channels", 16000, 3},
		{"zero channels", 16000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)
			_, err := NewWriter(filepath.Join(t.TempDir(), "bad.wav"), tc.rate, tc.channels)
			is.True(err != nil)
		})
	}
}

func TestReaderRejectsMalformedFiles(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"not riff", []byte("this is not a wav file at all")},
		{"truncated", []byte("RIFF\x04\x00\x00\x00WAVE")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)
			path := filepath.Join(t.TempDir(), "bad.wav")
			is.NoErr(os.WriteFile(path, tc.data, 0o644))

			_, err := NewReader(path)
			is.True(err != nil)
		})
	}
}
