package recorder

import (
	"context"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/xsync"
)

// GapInterval is one connection-loss interval on the output timeline of
// the current segment file.
type GapInterval struct {
	Start time.Duration
	End   time.Duration
}

func (g GapInterval) Duration() time.Duration {
	return g.End - g.Start
}

// GapTracker keeps the connection-loss intervals within a single output
// file. Calls are monotonic (disconnect/reconnect strictly alternate),
// so overlapping gaps are impossible by construction.
type GapTracker struct {
	locker xsync.Mutex
	gaps   []GapInterval
	open   bool
}

func NewGapTracker() *GapTracker {
	return &GapTracker{}
}

// RecordDisconnect opens a gap at the given output-timeline position.
// A repeated disconnect without a reconnect in between is ignored.
func (t *GapTracker) RecordDisconnect(ctx context.Context, ts time.Duration) {
	t.locker.Do(ctx, func() {
		if t.open {
			logger.Warnf(ctx, "duplicate disconnect at %v, ignoring", ts)
			return
		}
		t.gaps = append(t.gaps, GapInterval{Start: ts, End: NoTimestamp})
		t.open = true
	})
}

// RecordReconnect closes the currently open gap at the given position.
func (t *GapTracker) RecordReconnect(ctx context.Context, ts time.Duration) {
	t.locker.Do(ctx, func() {
		if !t.open {
			logger.Warnf(ctx, "reconnect at %v without a preceding disconnect, ignoring", ts)
			return
		}
		t.gaps[len(t.gaps)-1].End = ts
		t.open = false
	})
}

// CurrentFileGaps returns the ordered closed gaps of the current file.
func (t *GapTracker) CurrentFileGaps(ctx context.Context) []GapInterval {
	return xsync.DoR1(ctx, &t.locker, func() []GapInterval {
		result := make([]GapInterval, 0, len(t.gaps))
		for _, gap := range t.gaps {
			if gap.End == NoTimestamp {
				continue
			}
			result = append(result, gap)
		}
		return result
	})
}

// Reset clears the tracker on rotation or new file. Rotation happens
// only while data flows, so there is never an open gap to carry over.
func (t *GapTracker) Reset(ctx context.Context) {
	t.locker.Do(ctx, func() {
		t.gaps = nil
		t.open = false
	})
}
