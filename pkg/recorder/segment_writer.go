package recorder

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// SegmentWriter owns at most one open output file at a time. It
// delegates the actual container writing to a Muxer (a fresh one per
// segment) and does the bookkeeping: the SegmentHandle, the
// at-most-one-open invariant, and the file-created/file-completed
// notifications, which it emits synchronously on open and close.
//
// File naming is caller-supplied.
type SegmentWriter struct {
	muxerFactory MuxerFactory
	onCreated    func(ctx context.Context, path string)
	onCompleted  func(ctx context.Context, path string)

	muxer   Muxer
	current *SegmentHandle
}

func NewSegmentWriter(
	muxerFactory MuxerFactory,
	onCreated func(ctx context.Context, path string),
	onCompleted func(ctx context.Context, path string),
) *SegmentWriter {
	return &SegmentWriter{
		muxerFactory: muxerFactory,
		onCreated:    onCreated,
		onCompleted:  onCompleted,
	}
}

// Current returns the handle of the open segment, or nil.
func (w *SegmentWriter) Current() *SegmentHandle {
	return w.current
}

// OpenSegment opens a new output file. It fails with an IOError when
// the path is not creatable, and with a plain error when a segment is
// already open (which is a caller bug, not an I/O condition).
func (w *SegmentWriter) OpenSegment(
	ctx context.Context,
	path string,
	container Container,
) (_ret *SegmentHandle, _err error) {
	logger.Debugf(ctx, "OpenSegment(ctx, '%s', %v)", path, container)
	defer func() { logger.Debugf(ctx, "/OpenSegment(ctx, '%s', %v): %v %v", path, container, _ret, _err) }()

	if w.current != nil {
		return nil, fmt.Errorf("segment '%s' is still open", w.current.Path)
	}

	muxer, err := w.muxerFactory.NewMuxer(ctx, container)
	if err != nil {
		return nil, IOError{Op: "open", Path: path, Err: err}
	}
	if err := muxer.OpenFile(ctx, path); err != nil {
		return nil, IOError{Op: "open", Path: path, Err: err}
	}

	w.muxer = muxer
	w.current = &SegmentHandle{
		Path:     path,
		OpenedAt: NoTimestamp,
		IsOpen:   true,
	}
	w.onCreated(ctx, path)
	return w.current, nil
}

// AppendUnit appends one data unit to the open segment. A write
// failure is fatal for the current segment: the caller is expected to
// finalize it immediately; there is no partial-unit retry.
func (w *SegmentWriter) AppendUnit(
	ctx context.Context,
	unit DataUnit,
) error {
	if w.current == nil {
		return fmt.Errorf("no open segment to append to")
	}
	if err := w.muxer.WriteUnit(ctx, unit); err != nil {
		return IOError{Op: "append to", Path: w.current.Path, Err: err}
	}
	if w.current.OpenedAt == NoTimestamp {
		w.current.OpenedAt = unit.PTS
	}
	w.current.BytesWritten += uint64(len(unit.Payload))
	w.current.UnitCount++
	return nil
}

// CloseSegment finalizes the open segment. Flush errors are surfaced,
// but the handle is released regardless, so that a next segment can
// always be opened. Closing with no open segment is a no-op.
func (w *SegmentWriter) CloseSegment(
	ctx context.Context,
) (_err error) {
	logger.Debugf(ctx, "CloseSegment")
	defer func() { logger.Debugf(ctx, "/CloseSegment: %v", _err) }()

	if w.current == nil {
		return nil
	}

	handle, muxer := w.current, w.muxer
	w.current, w.muxer = nil, nil
	handle.IsOpen = false

	var result error
	if err := muxer.CloseFile(ctx); err != nil {
		result = IOError{Op: "close", Path: handle.Path, Err: err}
	}
	w.onCompleted(ctx, handle.Path)
	return result
}
