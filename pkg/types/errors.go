package types

import "errors"

// Backend and stream errors. The first three are recoverable: the caller
// retries with the next candidate device, backend or fallback config.
var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceUnavailable   = errors.New("device unavailable")
	ErrConfigUnsupported   = errors.New("audio config unsupported")
	ErrStream              = errors.New("stream error")
	ErrBackendNotAvailable = errors.New("backend not available")
)

// Routing and scheduling errors.
var (
	ErrTaskFailed      = errors.New("task failed")
	ErrUnknownEndpoint = errors.New("unknown source or destination")
	ErrUnknownRoute    = errors.New("unknown route")
	ErrDuplicateRoute  = errors.New("route already exists")
	ErrInvalidEndpoint = errors.New("endpoint kind not valid on this side of a route")
	ErrPoolClosed      = errors.New("worker pool closed")
	ErrNoWorkers       = errors.New("no live workers")
)

// IsRecoverable reports whether err should be retried against another
// device, backend or configuration.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrConfigUnsupported)
}
