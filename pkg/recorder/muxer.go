package recorder

import (
	"context"
)

// Muxer is the container multiplexing collaborator: it owns exactly one
// output file between OpenFile and CloseFile and appends data units to
// it. A Muxer instance is used for a single segment file.
type Muxer interface {
	OpenFile(ctx context.Context, path string) error
	WriteUnit(ctx context.Context, unit DataUnit) error
	CloseFile(ctx context.Context) error
}

// MuxerFactory creates a fresh Muxer per segment file.
type MuxerFactory interface {
	NewMuxer(ctx context.Context, container Container) (Muxer, error)
}

type MuxerFactoryFunc func(ctx context.Context, container Container) (Muxer, error)

func (fn MuxerFactoryFunc) NewMuxer(
	ctx context.Context,
	container Container,
) (Muxer, error) {
	return fn(ctx, container)
}
