package recorder

import (
	"errors"
	"fmt"
)

// ErrAlreadyRecording is returned by StartRecording when a recording
// session is already active on this Recorder.
var ErrAlreadyRecording = errors.New("a recording is already in progress")

// IOError is a segment open/append/close failure. It is fatal for the
// affected segment only: the session finalizes the segment and keeps
// running.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e IOError) Error() string {
	return fmt.Sprintf("unable to %s segment '%s': %v", e.Op, e.Path, e.Err)
}

func (e IOError) Unwrap() error {
	return e.Err
}

// StreamError is an error propagated from the stream source. It is
// treated identically to a disconnect and is not fatal to the session.
type StreamError struct {
	Err error
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream source error: %v", e.Err)
}

func (e StreamError) Unwrap() error {
	return e.Err
}
