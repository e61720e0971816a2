// Package vorbis decodes Ogg Vorbis files to 16-bit PCM.
package vorbis

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/jfreymuth/oggvorbis"
)

const bitsPerSample = 16

// Decoder wraps oggvorbis. Implements types.AudioDecoder.
type Decoder struct {
	file     *os.File
	reader   *oggvorbis.Reader
	rate     int
	channels int
	buf      []float32
}

// NewDecoder creates a new Vorbis decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Open opens an Ogg Vorbis file.
func (d *Decoder) Open(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("failed to open Ogg file: %w", err)
	}
	r, err := oggvorbis.NewReader(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to read Vorbis headers: %w", err)
	}
	d.file = file
	d.reader = r
	d.rate = r.SampleRate()
	d.channels = r.Channels()
	return nil
}

// Close closes the underlying file.
func (d *Decoder) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file, d.reader = nil, nil
	return err
}

// GetFormat returns sample rate, channels and bits per sample.
func (d *Decoder) GetFormat() (rate, channels, bps int) {
	if d.reader == nil {
		return 0, 0, 0
	}
	return d.rate, d.channels, bitsPerSample
}

// DecodeSamples decodes up to samples frames into audio as 16-bit PCM.
func (d *Decoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.reader == nil {
		return 0, errors.New("decoder not initialized")
	}
	frameBytes := d.channels * 2
	samples = min(samples, len(audio)/frameBytes)
	want := samples * d.channels
	if cap(d.buf) < want {
		d.buf = make([]float32, want)
	}
	d.buf = d.buf[:want]

	filled := 0
	var err error
	for filled < want {
		var n int
		n, err = d.reader.Read(d.buf[filled:])
		filled += n
		if err != nil || n == 0 {
			break
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	frames := filled / d.channels
	for i, v := range d.buf[:frames*d.channels] {
		binary.LittleEndian.PutUint16(audio[i*2:], uint16(toInt16(v)))
	}
	if frames == 0 && err == nil {
		err = io.EOF
	}
	return frames, err
}

func toInt16(v float32) int16 {
	s := math.Round(float64(v) * 32767)
	return int16(max(-32768, min(32767, s)))
}
