package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrTransport         = errors.New("transport failure")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrUpstreamServer    = errors.New("upstream server error")
	ErrUpstreamClient    = errors.New("upstream client error")
	ErrStore             = errors.New("store failure")
	ErrCallbackDelivery  = errors.New("callback delivery failure")
	ErrInternal          = errors.New("internal error")
)

// Retryable reports whether an error may succeed on a later attempt.
// Validation failures, unknown tools, and non-429 upstream 4xx are terminal;
// transport faults, 429 and 5xx are worth retrying. Errors outside the
// taxonomy are treated as non-retryable so a poisoned job cannot loop.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransport),
		errors.Is(err, ErrUpstreamRateLimit),
		errors.Is(err, ErrUpstreamServer),
		errors.Is(err, ErrStore):
		return true
	default:
		return false
	}
}
