package recorder

import (
	"context"
)

// StreamSource is the media transport collaborator. Connect begins
// connecting to the given URI and returns immediately; lifecycle and
// data callbacks are delivered through the handler, possibly from a
// different goroutine than the one that called Connect.
type StreamSource interface {
	Connect(ctx context.Context, uri string, h SourceHandler) error
	Close(ctx context.Context) error
}

// SourceHandler receives stream source callbacks. Implementations must
// be safe to call from any goroutine.
type SourceHandler interface {
	OnConnected(ctx context.Context)

	// OnDisconnected reports the stream going away. A non-nil error is
	// surfaced as a StreamError; the disconnect handling is the same
	// either way.
	OnDisconnected(ctx context.Context, err error)

	OnData(ctx context.Context, unit DataUnit)
}
