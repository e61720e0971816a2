// Package aiff decodes AIFF files to little-endian PCM.
package aiff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
)

// Decoder reads AIFF through go-audio. Implements types.AudioDecoder.
// Output keeps the file's bit depth; 8-bit samples are emitted unsigned
// like WAV.
type Decoder struct {
	file     *os.File
	dec      *aiff.Decoder
	buf      *audio.IntBuffer
	rate     int
	channels int
	bps      int
}

// NewDecoder creates an AIFF decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Open opens an AIFF file and reads its COMM chunk.
func (d *Decoder) Open(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("failed to open AIFF file: %w", err)
	}

	dec := aiff.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return fmt.Errorf("not a valid AIFF file: %s", fileName)
	}
	// IsValidFile consumed the header; start over for ReadInfo.
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to rewind AIFF file: %w", err)
	}
	dec = aiff.NewDecoder(file)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		file.Close()
		return fmt.Errorf("failed to read AIFF header: %w", err)
	}

	format := dec.Format()
	if format == nil || format.NumChannels < 1 || format.SampleRate <= 0 {
		file.Close()
		return errors.New("unsupported AIFF layout")
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		file.Close()
		return fmt.Errorf("unsupported bits per sample: %d", dec.BitDepth)
	}

	d.file = file
	d.dec = dec
	d.rate = format.SampleRate
	d.channels = format.NumChannels
	d.bps = int(dec.BitDepth)
	d.buf = &audio.IntBuffer{Format: format}
	return nil
}

// Close closes the file.
func (d *Decoder) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file, d.dec = nil, nil
	return err
}

// GetFormat returns sample rate, channels and bits per sample.
func (d *Decoder) GetFormat() (rate, channels, bitsPerSample int) {
	return d.rate, d.channels, d.bps
}

// DecodeSamples decodes up to samples frames into audio. io.EOF is
// returned once no frames are left.
func (d *Decoder) DecodeSamples(samples int, out []byte) (int, error) {
	if d.dec == nil {
		return 0, errors.New("decoder not initialized")
	}

	width := d.bps / 8
	frameBytes := width * d.channels
	samples = min(samples, len(out)/frameBytes)
	if samples == 0 {
		return 0, nil
	}

	want := samples * d.channels
	if cap(d.buf.Data) < want {
		d.buf.Data = make([]int, want)
	}
	d.buf.Data = d.buf.Data[:want]

	n, err := d.dec.PCMBuffer(d.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("failed to decode AIFF: %w", err)
	}
	frames := n / d.channels
	if frames == 0 {
		return 0, io.EOF
	}
	for i, v := range d.buf.Data[:frames*d.channels] {
		putSample(out[i*width:], v, width)
	}
	return frames, nil
}

func putSample(dst []byte, v int, width int) {
	switch width {
	case 1:
		dst[0] = byte(v + 128)
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
