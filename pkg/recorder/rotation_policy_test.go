package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRotationPolicyDue(t *testing.T) {
	for _, tc := range []struct {
		name   string
		policy RotationPolicy
		seg    *SegmentHandle
		now    time.Duration
		due    bool
	}{
		{
			name:   "nil segment",
			policy: RotationPolicy{MaxDuration: time.Second},
			seg:    nil,
			now:    time.Hour,
			due:    false,
		},
		{
			name:   "empty segment never due",
			policy: RotationPolicy{MaxDuration: time.Second},
			seg:    &SegmentHandle{OpenedAt: NoTimestamp},
			now:    time.Hour,
			due:    false,
		},
		{
			name:   "no limits configured",
			policy: RotationPolicy{},
			seg:    &SegmentHandle{OpenedAt: 0, UnitCount: 1000, BytesWritten: 1 << 30},
			now:    time.Hour,
			due:    false,
		},
		{
			name:   "below both limits",
			policy: RotationPolicy{MaxDuration: 5 * time.Second, MaxBytes: 5000},
			seg:    &SegmentHandle{OpenedAt: 0, UnitCount: 4, BytesWritten: 4000},
			now:    4 * time.Second,
			due:    false,
		},
		{
			name:   "duration limit reached",
			policy: RotationPolicy{MaxDuration: 5 * time.Second},
			seg:    &SegmentHandle{OpenedAt: 0, UnitCount: 5, BytesWritten: 100},
			now:    5 * time.Second,
			due:    true,
		},
		{
			name:   "duration counts from the first unit",
			policy: RotationPolicy{MaxDuration: 5 * time.Second},
			seg:    &SegmentHandle{OpenedAt: 10 * time.Second, UnitCount: 5},
			now:    14 * time.Second,
			due:    false,
		},
		{
			name:   "size limit reached",
			policy: RotationPolicy{MaxBytes: 5000},
			seg:    &SegmentHandle{OpenedAt: 0, UnitCount: 5, BytesWritten: 5000},
			now:    time.Second,
			due:    true,
		},
		{
			name:   "either limit suffices",
			policy: RotationPolicy{MaxDuration: time.Hour, MaxBytes: 5000},
			seg:    &SegmentHandle{OpenedAt: 0, UnitCount: 5, BytesWritten: 6000},
			now:    time.Second,
			due:    true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.due, tc.policy.Due(tc.seg, tc.now))
		})
	}
}
