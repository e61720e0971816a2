// Package stream decodes headerless PCM from any io.Reader, such as stdin
// or a network connection.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// AudioFormat describes the raw stream format.
type AudioFormat struct {
	SampleRate     int
	Channels       int
	BytesPerSample int
}

// FrameBytes is the size of one interleaved frame.
func (f AudioFormat) FrameBytes() int { return f.Channels * f.BytesPerSample }

func (f AudioFormat) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid stream format %+v", f)
	}
	switch f.BytesPerSample {
	case 1, 2, 3, 4:
		return nil
	}
	return fmt.Errorf("unsupported sample width %d bytes", f.BytesPerSample)
}

// Decoder implements types.AudioDecoder over a reader of little-endian
// interleaved PCM. Partial trailing frames are carried to the next call.
type Decoder struct {
	mu      sync.Mutex
	r       io.Reader
	format  AudioFormat
	partial []byte
	closer  io.Closer
}

// NewDecoder creates a decoder reading r in format. If r is an
// io.Closer, Close closes it.
func NewDecoder(r io.Reader, format AudioFormat) (*Decoder, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	d := &Decoder{r: r, format: format}
	if c, ok := r.(io.Closer); ok {
		d.closer = c
	}
	return d, nil
}

// Open is a no-op; the reader is supplied at construction.
func (d *Decoder) Open(string) error { return nil }

// Close closes the reader if it is closable.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}

// GetFormat returns sample rate, channels and bits per sample.
func (d *Decoder) GetFormat() (rate, channels, bitsPerSample int) {
	return d.format.SampleRate, d.format.Channels, d.format.BytesPerSample * 8
}

// DecodeSamples reads up to samples whole frames into audio.
func (d *Decoder) DecodeSamples(samples int, audio []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fb := d.format.FrameBytes()
	want := min(samples*fb, len(audio)-len(audio)%fb)
	if want == 0 {
		return 0, nil
	}

	n := copy(audio[:want], d.partial)
	d.partial = d.partial[n:]

	m, err := io.ReadAtLeast(d.r, audio[n:want], min(fb, want-n))
	n += m
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}

	whole := n - n%fb
	if rest := n - whole; rest > 0 {
		d.partial = append(d.partial[:0], audio[whole:n]...)
	}
	if whole > 0 && errors.Is(err, io.EOF) {
		// Deliver what we have; EOF comes on the next call.
		return whole / fb, nil
	}
	return whole / fb, err
}
