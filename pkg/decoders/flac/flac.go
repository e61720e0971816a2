package flac

import (
	"errors"
	"fmt"

	goflac "github.com/drgolem/go-flac/flac"
)

// DefaultBitsPerSample is the output depth requested from libFLAC.
const DefaultBitsPerSample = 16

// Decoder decodes FLAC through go-flac. Implements types.AudioDecoder.
type Decoder struct {
	decoder  *goflac.FlacDecoder
	outBits  int
	rate     int
	channels int
	bps      int
}

// NewDecoder creates a FLAC decoder producing 16-bit PCM.
func NewDecoder() *Decoder {
	return &Decoder{outBits: DefaultBitsPerSample}
}

// NewDecoderBits creates a FLAC decoder producing bits-wide PCM
// (16, 24 or 32).
func NewDecoderBits(bits int) *Decoder {
	return &Decoder{outBits: bits}
}

// GetFormat returns the audio format (rate, channels, bits per sample)
func (d *Decoder) GetFormat() (int, int, int) {
	return d.rate, d.channels, d.bps
}

// DecodeSamples decodes up to samples frames into audio.
func (d *Decoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.decoder == nil {
		return 0, errors.New("decoder not initialized")
	}
	return d.decoder.DecodeSamples(samples, audio)
}

// Open opens and initializes a FLAC file for decoding
func (d *Decoder) Open(fileName string) error {
	switch d.outBits {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported output depth %d", d.outBits)
	}

	decoder, err := goflac.NewFlacFrameDecoder(d.outBits)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Open(fileName); err != nil {
		decoder.Delete()
		return fmt.Errorf("failed to open file %s: %w", fileName, err)
	}

	d.decoder = decoder
	d.rate, d.channels, d.bps = decoder.GetFormat()
	return nil
}

// Close closes the decoder and releases resources
func (d *Decoder) Close() error {
	if d.decoder != nil {
		d.decoder.Close()
		d.decoder.Delete()
		d.decoder = nil
	}
	return nil
}

// Rate returns the sample rate in Hz
func (d *Decoder) Rate() int { return d.rate }

// Channels returns the number of audio channels
func (d *Decoder) Channels() int { return d.channels }

// BitsPerSample returns the bits per sample
func (d *Decoder) BitsPerSample() int { return d.bps }
