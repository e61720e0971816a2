package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/youpy/go-wav"
)

// Decoder reads PCM WAV files through go-wav and emits little-endian PCM
// at the file's own bit depth. Implements types.AudioDecoder.
type Decoder struct {
	file     *os.File
	reader   *wav.Reader
	rate     int
	channels int
	bps      int
}

// NewDecoder creates a new WAV decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Open opens a WAV file for decoding
func (d *Decoder) Open(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("failed to open WAV file: %w", err)
	}

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to read WAV format: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM {
		file.Close()
		return fmt.Errorf("unsupported WAV format: %d (only PCM supported)", format.AudioFormat)
	}
	switch format.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		file.Close()
		return fmt.Errorf("unsupported bits per sample: %d", format.BitsPerSample)
	}
	// go-wav carries at most two channel values per sample.
	if format.NumChannels < 1 || format.NumChannels > 2 {
		file.Close()
		return fmt.Errorf("unsupported channel count: %d", format.NumChannels)
	}

	d.file = file
	d.reader = reader
	d.rate = int(format.SampleRate)
	d.channels = int(format.NumChannels)
	d.bps = int(format.BitsPerSample)
	return nil
}

// Close closes the WAV file
func (d *Decoder) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file, d.reader = nil, nil
	return err
}

// GetFormat returns sample rate, channels and bits per sample.
func (d *Decoder) GetFormat() (rate, channels, bitsPerSample int) {
	return d.rate, d.channels, d.bps
}

// DecodeSamples decodes up to samples frames into audio. The final call
// returns the remaining frames together with io.EOF.
func (d *Decoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.reader == nil {
		return 0, fmt.Errorf("decoder not initialized")
	}

	width := d.bps / 8
	frameBytes := width * d.channels
	samples = min(samples, len(audio)/frameBytes)
	if samples == 0 {
		return 0, nil
	}

	frames, err := d.reader.ReadSamples(uint32(samples))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	for i, frame := range frames {
		for ch := 0; ch < d.channels; ch++ {
			putSample(audio[i*frameBytes+ch*width:], frame.Values[ch], width)
		}
	}
	if len(frames) == 0 && err == nil {
		err = io.EOF
	}
	return len(frames), err
}

func putSample(dst []byte, v int, width int) {
	switch width {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	case 3:
		dst[0] = byte(v)
		dst[1] = byte(v >> 8)
		dst[2] = byte(v >> 16)
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	}
}
