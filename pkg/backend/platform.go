//go:build !js

package backend

import (
	"log/slog"

	"github.com/drgolem/audiorouter/pkg/types"
)

// Native returns one instance of each backend usable on this platform,
// keyed by kind.
func Native(log *slog.Logger) map[types.BackendKind]Backend {
	return map[types.BackendKind]Backend{
		types.BackendExclusiveMode: NewExclusiveBackend(log),
		types.BackendSharedMode:    NewSharedBackend(log),
		types.BackendBrowser:       NewBrowserBackend(log),
	}
}
