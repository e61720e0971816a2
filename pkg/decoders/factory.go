// Package decoders picks a file decoder by extension.
package decoders

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/drgolem/audiorouter/pkg/decoders/aiff"
	"github.com/drgolem/audiorouter/pkg/decoders/flac"
	"github.com/drgolem/audiorouter/pkg/decoders/mp3"
	"github.com/drgolem/audiorouter/pkg/decoders/vorbis"
	"github.com/drgolem/audiorouter/pkg/decoders/wav"
	"github.com/drgolem/audiorouter/pkg/types"
)

// Extensions lists the supported file extensions.
var Extensions = []string{".mp3", ".flac", ".fla", ".wav", ".ogg", ".oga", ".aiff", ".aif"}

// NewDecoder creates and opens the decoder matching fileName's extension.
func NewDecoder(fileName string) (types.AudioDecoder, error) {
	ext := strings.ToLower(filepath.Ext(fileName))

	var decoder types.AudioDecoder
	switch ext {
	case ".mp3":
		decoder = mp3.NewDecoder()
	case ".flac", ".fla":
		decoder = flac.NewDecoder()
	case ".wav":
		decoder = wav.NewDecoder()
	case ".ogg", ".oga":
		decoder = vorbis.NewDecoder()
	case ".aiff", ".aif":
		decoder = aiff.NewDecoder()
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported: %s)", ext, strings.Join(Extensions, ", "))
	}

	if err := decoder.Open(fileName); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fileName, err)
	}
	return decoder, nil
}
