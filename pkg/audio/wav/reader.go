// Package wav reads and writes RIFF/PCM WAV files as 10 ms audio frames, for
// fixture synthesis and offline level analysis.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parley-live/parley/pkg/rtc"
)

// supportedRates are the accepted sample rates. Each divides evenly into
// 10 ms frames.
var supportedRates = map[uint32]bool{
	16000: true,
	24000: true,
	44100: true,
	48000: true,
}

// Header holds the format of a parsed WAV file.
type Header struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Duration reports the audio length described by the header.
func (h Header) Duration() time.Duration {
	bytesPerSecond := h.SampleRate * uint32(h.NumChannels) * uint32(h.BitsPerSample) / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(h.DataSize) * time.Second / time.Duration(bytesPerSecond)
}

// Reader decodes a PCM WAV file into 10 ms frames.
type Reader struct {
	file       *os.File
	header     Header
	remaining  uint32
	frameIndex int
}

// NewReader opens filename and parses the RIFF header. Only 16-bit PCM at
// 16, 24, 44.1 or 48 kHz, mono or stereo, is accepted.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav file: %w", err)
	}

	r := &Reader{file: file}
	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to parse wav header: %w", err)
	}
	r.remaining = r.header.DataSize
	return r, nil
}

// Header returns the parsed format description.
func (r *Reader) Header() Header {
	return r.header
}

// Next reads one 10 ms frame, stamped with its offset from the start of the
// file. The final frame is zero-padded to full length. io.EOF signals the
// end of the audio data.
func (r *Reader) Next() (rtc.AudioFrame, error) {
	if r.remaining == 0 {
		return rtc.AudioFrame{}, io.EOF
	}

	samples := int(r.header.SampleRate) / 100
	size := samples * int(r.header.NumChannels) * 2
	buf := make([]byte, size)

	want := size
	if int(r.remaining) < want {
		want = int(r.remaining)
	}
	if _, err := io.ReadFull(r.file, buf[:want]); err != nil {
		return rtc.AudioFrame{}, fmt.Errorf("failed to read audio data: %w", err)
	}
	r.remaining -= uint32(want)

	frame := rtc.AudioFrame{
		Data:              buf,
		SampleRate:        int(r.header.SampleRate),
		SamplesPerChannel: samples,
		NumChannels:       int(r.header.NumChannels),
		Timestamp:         time.Duration(r.frameIndex) * 10 * time.Millisecond,
	}
	r.frameIndex++
	return frame, nil
}

// ReadFrames drains the remaining audio data into frames.
func (r *Reader) ReadFrames() ([]rtc.AudioFrame, error) {
	var frames []rtc.AudioFrame
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Reader) readHeader() error {
	var riff [12]byte
	if _, err := io.ReadFull(r.file, riff[:]); err != nil {
		return fmt.Errorf("failed to read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return fmt.Errorf("not a riff/wave file")
	}

	if err := r.readFmtChunk(); err != nil {
		return err
	}
	if err := r.seekDataChunk(); err != nil {
		return err
	}

	switch {
	case r.header.BitsPerSample != 16:
		return fmt.Errorf("only 16-bit samples are supported, got %d-bit", r.header.BitsPerSample)
	case r.header.NumChannels != 1 && r.header.NumChannels != 2:
		return fmt.Errorf("only mono and stereo are supported, got %d channels", r.header.NumChannels)
	case !supportedRates[r.header.SampleRate]:
		return fmt.Errorf("unsupported sample rate %d Hz", r.header.SampleRate)
	}
	return nil
}

// readFmtChunk scans chunks until "fmt " and decodes the PCM format fields.
func (r *Reader) readFmtChunk() error {
	for {
		id, size, err := r.nextChunk()
		if err != nil {
			return err
		}
		if id != "fmt " {
			if err := r.skip(size); err != nil {
				return err
			}
			continue
		}

		if size < 16 {
			return fmt.Errorf("fmt chunk too small: %d bytes", size)
		}
		var data [16]byte
		if _, err := io.ReadFull(r.file, data[:]); err != nil {
			return fmt.Errorf("failed to read fmt chunk: %w", err)
		}
		if format := binary.LittleEndian.Uint16(data[0:2]); format != 1 {
			return fmt.Errorf("only pcm is supported, got format %d", format)
		}
		r.header.NumChannels = binary.LittleEndian.Uint16(data[2:4])
		r.header.SampleRate = binary.LittleEndian.Uint32(data[4:8])
		r.header.BitsPerSample = binary.LittleEndian.Uint16(data[14:16])
		return r.skip(size - 16)
	}
}

// seekDataChunk scans chunks until "data", leaving the file positioned at the
// first audio byte.
func (r *Reader) seekDataChunk() error {
	for {
		id, size, err := r.nextChunk()
		if err != nil {
			return err
		}
		if id == "data" {
			r.header.DataSize = size
			return nil
		}
		if err := r.skip(size); err != nil {
			return err
		}
	}
}

func (r *Reader) nextChunk() (string, uint32, error) {
	var header [8]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		return "", 0, fmt.Errorf("failed to read chunk header: %w", err)
	}
	return string(header[0:4]), binary.LittleEndian.Uint32(header[4:8]), nil
}

func (r *Reader) skip(n uint32) error {
	if n == 0 {
		return nil
	}
	if _, err := r.file.Seek(int64(n), io.SeekCurrent); err != nil {
		return fmt.Errorf("failed to skip chunk: %w", err)
	}
	return nil
}
