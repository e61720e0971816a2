package mp3

import (
	"errors"
	"fmt"
	"io"
	"os"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

// go-mp3 always emits 16-bit little-endian stereo.
const (
	channels      = 2
	bitsPerSample = 16
	frameBytes    = channels * bitsPerSample / 8
)

// Decoder decodes MP3 with the pure Go go-mp3 decoder. Implements
// types.AudioDecoder.
type Decoder struct {
	file    *os.File
	decoder *gomp3.Decoder
	rate    int
}

// NewDecoder creates a new MP3 decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// GetFormat returns the audio format (rate, channels, bits per sample)
func (d *Decoder) GetFormat() (int, int, int) {
	if d.decoder == nil {
		return 0, 0, 0
	}
	return d.rate, channels, bitsPerSample
}

// Length returns the decoded stream length in frames, or -1 if unknown.
func (d *Decoder) Length() int64 {
	if d.decoder == nil || d.decoder.Length() < 0 {
		return -1
	}
	return d.decoder.Length() / frameBytes
}

// DecodeSamples decodes up to samples frames into audio.
func (d *Decoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.decoder == nil {
		return 0, errors.New("decoder not initialized")
	}
	want := min(samples*frameBytes, len(audio)-len(audio)%frameBytes)
	n, err := io.ReadFull(d.decoder, audio[:want])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n / frameBytes, err
}

// Open opens and initializes an MP3 file for decoding
func (d *Decoder) Open(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("failed to open MP3 file: %w", err)
	}
	dec, err := gomp3.NewDecoder(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	d.file = file
	d.decoder = dec
	d.rate = dec.SampleRate()
	return nil
}

// Close closes the decoder and releases resources
func (d *Decoder) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file, d.decoder = nil, nil
	return err
}
