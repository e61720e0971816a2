//go:build js

package backend

import (
	"log/slog"

	"github.com/drgolem/audiorouter/pkg/types"
)

// Native returns one instance of each backend usable on this platform,
// keyed by kind. Only WebAudio exists in the browser.
func Native(log *slog.Logger) map[types.BackendKind]Backend {
	return map[types.BackendKind]Backend{
		types.BackendBrowser: NewBrowserBackend(log),
	}
}
