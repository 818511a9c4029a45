package recorder

import (
	"context"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/eventbus"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/streamrecorder/pkg/clock"
)

// Recorder is the recording engine: it consumes one stream from a
// StreamSource and persists it as a sequence of rotated container
// files, tracking connection gaps and emitting lifecycle events.
//
// One recording session is active at a time. All session state is
// mutated by a single loop goroutine; source callbacks and control
// calls are marshaled onto it through a message queue.
type Recorder struct {
	EventBus *eventbus.EventBus

	source       StreamSource
	muxerFactory MuxerFactory
	clk          clock.Clock

	locker xsync.Mutex
	state  State
	cfg    Config
	sess   *session
}

type Option interface {
	apply(*Recorder)
}

type optionClock struct {
	clk clock.Clock
}

func (opt optionClock) apply(r *Recorder) {
	r.clk = opt.clk
}

// WithClock overrides the wall clock, which drives the gap duration
// measurement and the boundary grace period.
func WithClock(clk clock.Clock) Option {
	return optionClock{clk: clk}
}

func New(
	source StreamSource,
	muxerFactory MuxerFactory,
	cfg Config,
	opts ...Option,
) *Recorder {
	if cfg.BoundaryGracePeriod == 0 {
		cfg.BoundaryGracePeriod = DefaultBoundaryGracePeriod
	}
	r := &Recorder{
		EventBus:     eventbus.New(),
		source:       source,
		muxerFactory: muxerFactory,
		clk:          clock.Get(),
		state:        StateIdle,
		cfg:          cfg,
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// State returns the current session state.
func (r *Recorder) State(ctx context.Context) State {
	return xsync.DoR1(ctx, &r.locker, func() State {
		return r.state
	})
}

// Config returns a copy of the currently pending configuration.
func (r *Recorder) Config(ctx context.Context) Config {
	return xsync.DoR1(ctx, &r.locker, func() Config {
		return r.cfg
	})
}

// SetContainer selects the container format of subsequently opened
// segments. It does not affect the currently open one.
func (r *Recorder) SetContainer(ctx context.Context, container Container) {
	r.locker.Do(ctx, func() {
		r.cfg.Container = container
	})
}

// SetMaxSegmentDuration sets the duration rotation limit; 0 disables
// it. Takes effect at the next rotation.
func (r *Recorder) SetMaxSegmentDuration(ctx context.Context, d time.Duration) {
	r.locker.Do(ctx, func() {
		r.cfg.MaxSegmentDuration = d
	})
}

// SetMaxSegmentBytes sets the size rotation limit; 0 disables it.
// Takes effect at the next rotation.
func (r *Recorder) SetMaxSegmentBytes(ctx context.Context, b uint64) {
	r.locker.Do(ctx, func() {
		r.cfg.MaxSegmentBytes = b
	})
}

// SetBoundaryGracePeriod sets how long a due rotation waits for a key
// boundary before cutting anyway.
func (r *Recorder) SetBoundaryGracePeriod(ctx context.Context, d time.Duration) {
	r.locker.Do(ctx, func() {
		r.cfg.BoundaryGracePeriod = d
	})
}

// CurrentFileGaps returns the closed connection-loss intervals of the
// currently open segment file.
func (r *Recorder) CurrentFileGaps(ctx context.Context) []GapInterval {
	sess := xsync.DoR1(ctx, &r.locker, func() *session {
		return r.sess
	})
	if sess == nil {
		return nil
	}
	return sess.gaps.CurrentFileGaps(ctx)
}

// StartRecording requests the stream source to begin connecting to uri
// and transitions the recorder to WaitingForStream. It fails with
// ErrAlreadyRecording while a session is active. A stopped recorder
// may be started again.
func (r *Recorder) StartRecording(
	ctx context.Context,
	uri string,
) (_err error) {
	logger.Debugf(ctx, "StartRecording(ctx, '%s')", uri)
	defer func() { logger.Debugf(ctx, "/StartRecording(ctx, '%s'): %v", uri, _err) }()

	return xsync.DoA2R1(ctx, &r.locker, r.startRecording, ctx, uri)
}

func (r *Recorder) startRecording(
	ctx context.Context,
	uri string,
) error {
	switch r.state {
	case StateIdle, StateStopped:
	default:
		return ErrAlreadyRecording
	}

	sess := newSession(r, uri, r.cfg)
	r.sess = sess
	r.state = StateWaitingForStream
	observability.Go(ctx, sess.run)
	return nil
}

// StopRecording finalizes the open segment (emitting file-completed),
// closes the source, emits stream-disconnected if a stream was ever
// attached, and transitions to Stopped. It returns after the session
// loop finished finalizing. Calling it with no active session is a
// no-op.
func (r *Recorder) StopRecording(
	ctx context.Context,
) (_err error) {
	logger.Debugf(ctx, "StopRecording")
	defer func() { logger.Debugf(ctx, "/StopRecording: %v", _err) }()

	sess := xsync.DoR1(ctx, &r.locker, func() *session {
		switch r.state {
		case StateIdle, StateStopped:
			return nil
		}
		return r.sess
	})
	if sess == nil {
		logger.Debugf(ctx, "nothing to stop")
		return nil
	}
	return sess.stop(ctx)
}

func (r *Recorder) setState(ctx context.Context, newState State) {
	r.locker.Do(ctx, func() {
		if r.state == newState {
			return
		}
		logger.Debugf(ctx, "state: %v -> %v", r.state, newState)
		r.state = newState
	})
}
