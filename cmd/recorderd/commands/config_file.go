package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"

	"github.com/xaionaro-go/streamrecorder/pkg/recorder"
	"github.com/xaionaro-go/streamrecorder/pkg/recorder/libav"
)

// fileConfig is the YAML config file of the `record` command. Durations
// and byte amounts are human-readable strings ("5m", "100MB").
type fileConfig struct {
	Container           string `yaml:"container"`
	RecordingDir        string `yaml:"recording_dir"`
	MaxSegmentDuration  string `yaml:"max_segment_duration"`
	MaxSegmentBytes     string `yaml:"max_segment_bytes"`
	BoundaryGracePeriod string `yaml:"boundary_grace_period"`
	ReconnectInterval   string `yaml:"reconnect_interval"`
}

func applyConfigFile(
	path string,
	cfg *recorder.Config,
	srcCfg *libav.SourceConfig,
) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unable to read the config file '%s': %w", path, err)
	}

	var fileCfg fileConfig
	if err := yaml.Unmarshal(b, &fileCfg); err != nil {
		return fmt.Errorf("unable to parse the config file '%s': %w", path, err)
	}

	if fileCfg.Container != "" {
		container, err := recorder.ParseContainer(fileCfg.Container)
		if err != nil {
			return err
		}
		cfg.Container = container
	}
	if fileCfg.RecordingDir != "" {
		cfg.RecordingDir = fileCfg.RecordingDir
	}
	if fileCfg.MaxSegmentDuration != "" {
		d, err := time.ParseDuration(fileCfg.MaxSegmentDuration)
		if err != nil {
			return fmt.Errorf("unable to parse 'max_segment_duration': %w", err)
		}
		cfg.MaxSegmentDuration = d
	}
	if fileCfg.MaxSegmentBytes != "" {
		v, err := humanize.ParseBytes(fileCfg.MaxSegmentBytes)
		if err != nil {
			return fmt.Errorf("unable to parse 'max_segment_bytes': %w", err)
		}
		cfg.MaxSegmentBytes = v
	}
	if fileCfg.BoundaryGracePeriod != "" {
		d, err := time.ParseDuration(fileCfg.BoundaryGracePeriod)
		if err != nil {
			return fmt.Errorf("unable to parse 'boundary_grace_period': %w", err)
		}
		cfg.BoundaryGracePeriod = d
	}
	if fileCfg.ReconnectInterval != "" {
		d, err := time.ParseDuration(fileCfg.ReconnectInterval)
		if err != nil {
			return fmt.Errorf("unable to parse 'reconnect_interval': %w", err)
		}
		srcCfg.ReconnectInterval = d
	}
	return nil
}
