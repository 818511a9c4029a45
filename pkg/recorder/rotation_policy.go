package recorder

import (
	"time"
)

// RotationPolicy decides whether the current segment reached one of its
// configured limits. Either trigger is sufficient; when neither limit
// is set the policy never fires (a single unbounded file).
//
// The policy only reports that a cut is due; the session decides where
// exactly to cut (at a key boundary, or anywhere once the boundary
// grace period ran out).
type RotationPolicy struct {
	MaxDuration time.Duration // 0 == unlimited
	MaxBytes    uint64        // 0 == unlimited
}

// Due reports whether the segment must end, given the current
// output-timeline position. A segment that received no data units yet
// is never due: an empty pending rotation is deferred until data
// arrives.
func (p RotationPolicy) Due(seg *SegmentHandle, now time.Duration) bool {
	if seg == nil || seg.UnitCount == 0 {
		return false
	}
	if p.MaxDuration > 0 && seg.Elapsed(now) >= p.MaxDuration {
		return true
	}
	if p.MaxBytes > 0 && seg.BytesWritten >= p.MaxBytes {
		return true
	}
	return false
}
