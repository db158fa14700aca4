package wav

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/parley-live/parley/pkg/rtc"
)

// Writer synthesizes 16-bit PCM WAV files. The RIFF sizes are patched on
// Close, so an unclosed file is not a valid WAV.
type Writer struct {
	file           *os.File
	sampleRate     uint32
	numChannels    uint16
	samplesWritten uint32
}

// NewWriter creates filename and writes a provisional header.
func NewWriter(filename string, sampleRate uint32, numChannels uint16) (*Writer, error) {
	if !supportedRates[sampleRate] {
		return nil, fmt.Errorf("unsupported sample rate %d Hz", sampleRate)
	}
	if numChannels != 1 && numChannels != 2 {
		return nil, fmt.Errorf("only mono and stereo are supported, got %d channels", numChannels)
	}

	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create wav file: %w", err)
	}

	w := &Writer{file: file, sampleRate: sampleRate, numChannels: numChannels}
	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write wav header: %w", err)
	}
	return w, nil
}

// WriteFrame appends one frame. Its format must match the writer's.
func (w *Writer) WriteFrame(frame rtc.AudioFrame) error {
	if frame.SampleRate != int(w.sampleRate) || frame.NumChannels != int(w.numChannels) {
		return fmt.Errorf("frame format %d Hz/%dch does not match writer %d Hz/%dch",
			frame.SampleRate, frame.NumChannels, w.sampleRate, w.numChannels)
	}
	if _, err := w.file.Write(frame.Data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	w.samplesWritten += uint32(frame.SamplesPerChannel)
	return nil
}

// WriteTone appends a sine tone. Amplitude is the fraction of full scale in
// [0,1]. The phase continues from the samples already written, so abutting
// tone segments stay click-free.
func (w *Writer) WriteTone(frequency float64, d time.Duration, amplitude float64) error {
	if amplitude < 0 || amplitude > 1 {
		return fmt.Errorf("amplitude must be within [0,1], got %g", amplitude)
	}

	n := w.sampleCount(d)
	buf := make([]byte, n*int(w.numChannels)*2)
	for i := 0; i < n; i++ {
		t := float64(w.samplesWritten+uint32(i)) / float64(w.sampleRate)
		sample := int16(math.Sin(2*math.Pi*frequency*t) * amplitude * math.MaxInt16)
		for ch := 0; ch < int(w.numChannels); ch++ {
			binary.LittleEndian.PutUint16(buf[(i*int(w.numChannels)+ch)*2:], uint16(sample))
		}
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	w.samplesWritten += uint32(n)
	return nil
}

// WriteSilence appends zero samples.
func (w *Writer) WriteSilence(d time.Duration) error {
	n := w.sampleCount(d)
	buf := make([]byte, n*int(w.numChannels)*2)
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write silence: %w", err)
	}
	w.samplesWritten += uint32(n)
	return nil
}

// Close patches the RIFF sizes and closes the file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	defer func() { w.file = nil }()

	dataSize := w.samplesWritten * uint32(w.numChannels) * 2
	var u32 [4]byte

	binary.LittleEndian.PutUint32(u32[:], 36+dataSize)
	if _, err := w.file.WriteAt(u32[:], 4); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(u32[:], dataSize)
	if _, err := w.file.WriteAt(u32[:], 40); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to patch data size: %w", err)
	}
	return w.file.Close()
}

func (w *Writer) sampleCount(d time.Duration) int {
	return int(d * time.Duration(w.sampleRate) / time.Second)
}

func (w *Writer) writeHeader() error {
	var h [44]byte
	copy(h[0:4], "RIFF")
	// RIFF size at offset 4 is patched on Close.
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], w.numChannels)
	binary.LittleEndian.PutUint32(h[24:28], w.sampleRate)
	binary.LittleEndian.PutUint32(h[28:32], w.sampleRate*uint32(w.numChannels)*2)
	binary.LittleEndian.PutUint16(h[32:34], w.numChannels*2)
	binary.LittleEndian.PutUint16(h[34:36], 16)
	copy(h[36:40], "data")
	// Data size at offset 40 is patched on Close.

	_, err := w.file.Write(h[:])
	return err
}
