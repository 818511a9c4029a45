package recorder

import (
	"os"
	"time"
)

// DefaultBoundaryGracePeriod is how long the session waits for a key
// boundary once rotation is due, before cutting at the next unit
// regardless. Bounded segment length wins over perfect boundary
// alignment.
const DefaultBoundaryGracePeriod = 3 * time.Second

// Config is the recording configuration. It is applied atomically when
// a session starts; the rotation limits and the container are re-read
// at rotation time, so a setter called mid-segment takes effect on the
// next segment, never retroactively.
type Config struct {
	Container           Container     `yaml:"container"`
	RecordingDir        string        `yaml:"recording_dir"`
	MaxSegmentDuration  time.Duration `yaml:"max_segment_duration"`
	MaxSegmentBytes     uint64        `yaml:"max_segment_bytes"`
	BoundaryGracePeriod time.Duration `yaml:"boundary_grace_period"`
}

func DefaultConfig() Config {
	return Config{
		Container:           ContainerMPEGTS,
		RecordingDir:        os.TempDir(),
		BoundaryGracePeriod: DefaultBoundaryGracePeriod,
	}
}

func (cfg Config) rotationPolicy() RotationPolicy {
	return RotationPolicy{
		MaxDuration: cfg.MaxSegmentDuration,
		MaxBytes:    cfg.MaxSegmentBytes,
	}
}
