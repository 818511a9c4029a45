package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/spf13/cobra"
	"github.com/xaionaro-go/observability"

	"github.com/xaionaro-go/streamrecorder/pkg/recorder"
	"github.com/xaionaro-go/streamrecorder/pkg/recorder/libav"
	"github.com/xaionaro-go/streamrecorder/pkg/relay"
)

var (
	// Access these variables only from a main package:

	Root = &cobra.Command{
		Use: os.Args[0],
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			l := logger.FromCtx(ctx).WithLevel(LoggerLevel)
			ctx = logger.CtxWithLogger(ctx, l)
			cmd.SetContext(ctx)
			logger.Debugf(ctx, "log-level: %v", LoggerLevel)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			logger.Debug(ctx, "end")
		},
	}

	Record = &cobra.Command{
		Use:  "record <uri>",
		Args: cobra.ExactArgs(1),
		Run:  record,
	}

	Relay = &cobra.Command{
		Use:  "relay",
		Args: cobra.ExactArgs(0),
		Run:  relayRun,
	}

	LoggerLevel = logger.LevelInfo
)

func init() {
	Root.AddCommand(Record)
	Root.AddCommand(Relay)

	Root.PersistentFlags().Var(&LoggerLevel, "log-level", "")

	Record.PersistentFlags().String("config", "", "the path to the config file")
	Record.PersistentFlags().String("recording-dir", os.TempDir(), "the directory to put segment files into")
	Record.PersistentFlags().String("container", "mpegts", "the container format of segment files: 'mpegts' or 'mp4'")
	Record.PersistentFlags().Duration("max-segment-duration", 0, "rotate the segment file after this much stream time (0: never)")
	Record.PersistentFlags().String("max-segment-bytes", "0", "rotate the segment file after this much payload, e.g. '100MB' (0: never)")
	Record.PersistentFlags().Duration("boundary-grace", recorder.DefaultBoundaryGracePeriod, "how long to wait for a keyframe once a rotation is due")
	Record.PersistentFlags().Duration("reconnect-interval", libav.DefaultReconnectInterval, "the pause between connection attempts while the stream is away")

	Relay.PersistentFlags().String("sink-addr", "127.0.0.1:8888", "the address to accept the publisher on")
	Relay.PersistentFlags().String("source-addr", "127.0.0.1:9999", "the address to serve subscribers on")
	Relay.PersistentFlags().String("passphrase", "", "the SRT passphrase")
}

func assertNoError(ctx context.Context, err error) {
	if err != nil {
		logger.Panic(ctx, err)
	}
}

func record(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	uri := args[0]

	cfg, srcCfg := recordConfig(cmd)

	src := libav.NewSource(srcCfg)
	r := recorder.New(src, libav.MuxerFactory{}, cfg)

	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	eventsCh, err := r.EventsChan(ctx)
	assertNoError(ctx, err)
	observability.Go(ctx, func(ctx context.Context) {
		logEvents(ctx, eventsCh)
	})

	assertNoError(ctx, r.StartRecording(ctx, uri))
	logger.Infof(ctx, "recording '%s' into '%s'", uri, cfg.RecordingDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof(ctx, "received %v, finalizing the recording", sig)

	assertNoError(ctx, r.StopRecording(ctx))
}

func recordConfig(cmd *cobra.Command) (recorder.Config, libav.SourceConfig) {
	ctx := cmd.Context()
	flags := cmd.Flags()

	cfg := recorder.DefaultConfig()
	srcCfg := libav.SourceConfig{}

	configPath, err := flags.GetString("config")
	assertNoError(ctx, err)
	if configPath != "" {
		assertNoError(ctx, applyConfigFile(configPath, &cfg, &srcCfg))
	}

	// Explicitly passed flags win over the config file.
	if flags.Changed("recording-dir") || cfg.RecordingDir == "" {
		cfg.RecordingDir, err = flags.GetString("recording-dir")
		assertNoError(ctx, err)
	}
	if flags.Changed("container") {
		containerName, err := flags.GetString("container")
		assertNoError(ctx, err)
		cfg.Container, err = recorder.ParseContainer(containerName)
		assertNoError(ctx, err)
	}
	if flags.Changed("max-segment-duration") {
		cfg.MaxSegmentDuration, err = flags.GetDuration("max-segment-duration")
		assertNoError(ctx, err)
	}
	if flags.Changed("max-segment-bytes") {
		maxBytes, err := flags.GetString("max-segment-bytes")
		assertNoError(ctx, err)
		cfg.MaxSegmentBytes, err = humanize.ParseBytes(maxBytes)
		assertNoError(ctx, err)
	}
	if flags.Changed("boundary-grace") {
		cfg.BoundaryGracePeriod, err = flags.GetDuration("boundary-grace")
		assertNoError(ctx, err)
	}
	if flags.Changed("reconnect-interval") {
		srcCfg.ReconnectInterval, err = flags.GetDuration("reconnect-interval")
		assertNoError(ctx, err)
	}

	return cfg, srcCfg
}

func logEvents(ctx context.Context, ch <-chan recorder.Event) {
	for ev := range ch {
		switch ev := ev.(type) {
		case recorder.EventStreamConnected:
			logger.Infof(ctx, "the stream connected")
		case recorder.EventStreamDisconnected:
			logger.Infof(ctx, "the stream disconnected")
		case recorder.EventFileCreated:
			logger.Infof(ctx, "started segment file '%s'", ev.Path)
		case recorder.EventFileCompleted:
			size := "size unknown"
			if st, err := os.Stat(ev.Path); err == nil {
				size = humanize.Bytes(uint64(st.Size()))
			}
			logger.Infof(ctx, "completed segment file '%s' (%s)", ev.Path, size)
		case recorder.EventError:
			logger.Errorf(ctx, "%v", ev.Err)
		default:
			logger.Warnf(ctx, "unexpected event type %T", ev)
		}
	}
}

func relayRun(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	sinkAddr, err := cmd.Flags().GetString("sink-addr")
	assertNoError(ctx, err)
	sourceAddr, err := cmd.Flags().GetString("source-addr")
	assertNoError(ctx, err)
	passphrase, err := cmd.Flags().GetString("passphrase")
	assertNoError(ctx, err)

	r := relay.New(relay.Config{
		SinkAddr:   sinkAddr,
		SourceAddr: sourceAddr,
		Passphrase: passphrase,
	})
	assertNoError(ctx, r.Start(ctx))
	logger.Infof(ctx, "relaying %s -> %s", r.SinkURI(), r.SourceURI())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof(ctx, "received %v, stopping the relay", sig)

	assertNoError(ctx, r.Stop(ctx))
}
