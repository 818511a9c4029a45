package recorder

import (
	"fmt"
	"math"
	"time"
)

// State describes the lifecycle of a recording session.
type State int

const (
	StateIdle State = iota
	StateWaitingForStream
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForStream:
		return "waiting_for_stream"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown_state_%d", int(s))
	}
}

// Container is the output container format of the segment files.
type Container int

const (
	ContainerMPEGTS Container = iota
	ContainerMP4
)

func (c Container) String() string {
	switch c {
	case ContainerMPEGTS:
		return "mpegts"
	case ContainerMP4:
		return "mp4"
	default:
		return fmt.Sprintf("unknown_container_%d", int(c))
	}
}

// FileExtension returns the extension (without the dot) of segment
// files in this container.
func (c Container) FileExtension() string {
	switch c {
	case ContainerMPEGTS:
		return "ts"
	case ContainerMP4:
		return "mp4"
	default:
		return "bin"
	}
}

func ParseContainer(s string) (Container, error) {
	switch s {
	case "mpegts", "ts":
		return ContainerMPEGTS, nil
	case "mp4":
		return ContainerMP4, nil
	}
	return 0, fmt.Errorf("unknown container format '%s' (expected 'mpegts' or 'mp4')", s)
}

// NoTimestamp marks a presentation timestamp that was not set, yet.
const NoTimestamp = time.Duration(math.MinInt64)

// DataUnit is one opaque chunk of encoded media, as delivered by a
// StreamSource. It is transient: not retained after the segment writer
// consumed it.
type DataUnit struct {
	Payload []byte

	// PTS is the presentation timestamp on the output timeline.
	PTS time.Duration

	// KeyBoundary reports whether it is safe to start a new decodable
	// file at this unit.
	KeyBoundary bool

	// Raw is an optional source-specific attachment understood by the
	// matching Muxer implementation.
	Raw any
}

// Releaser is implemented by Raw attachments that own resources the
// garbage collector cannot reclaim (native allocations). The engine
// releases every unit it drops without handing it to a Muxer; a unit
// that reached a Muxer is owned, and freed, by the Muxer.
type Releaser interface {
	Release()
}

func (u DataUnit) release() {
	if r, ok := u.Raw.(Releaser); ok {
		r.Release()
	}
}

// SegmentHandle describes the currently open output file. It is owned
// exclusively by the SegmentWriter; at most one handle is open at any
// moment.
type SegmentHandle struct {
	Path         string
	OpenedAt     time.Duration // PTS of the first data unit; NoTimestamp until then
	BytesWritten uint64
	UnitCount    uint64
	IsOpen       bool
}

// Elapsed returns the stream time covered by the segment so far.
func (h *SegmentHandle) Elapsed(now time.Duration) time.Duration {
	if h == nil || h.OpenedAt == NoTimestamp {
		return 0
	}
	return now - h.OpenedAt
}
