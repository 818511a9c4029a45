package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/xcontext"
)

const sessionQueueLen = 256

type sessionMessage interface {
	sessionMessage()
}

type msgConnected struct{}
type msgDisconnected struct{ err error }
type msgData struct{ unit DataUnit }

func (msgConnected) sessionMessage()    {}
func (msgDisconnected) sessionMessage() {}
func (msgData) sessionMessage()         {}

// session is one recording run of a Recorder. Its fields below the
// queue are owned by the loop goroutine exclusively; everything else
// reaches them as a sessionMessage.
type session struct {
	recorder *Recorder
	id       uuid.UUID
	uri      string
	cfg      Config
	policy   RotationPolicy
	writer   *SegmentWriter
	gaps     *GapTracker

	queue    chan sessionMessage
	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}

	stopResult error

	// loop-owned state:
	startedAt        time.Time
	seq              int
	everConnected    bool
	connected        bool
	firstUnitPending bool
	ptsOffset        time.Duration
	resumePTS        time.Duration
	lastPTS          time.Duration
	disconnectedAt   time.Time
	rotationDueAt    time.Time
}

func newSession(r *Recorder, uri string, cfg Config) *session {
	s := &session{
		recorder:  r,
		id:        uuid.New(),
		uri:       uri,
		cfg:       cfg,
		policy:    cfg.rotationPolicy(),
		gaps:      NewGapTracker(),
		queue:     make(chan sessionMessage, sessionQueueLen),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		startedAt: r.clk.Now(),
		lastPTS:   NoTimestamp,
	}
	s.writer = NewSegmentWriter(
		r.muxerFactory,
		func(ctx context.Context, path string) {
			r.publishEvent(ctx, EventFileCreated{Path: path})
		},
		func(ctx context.Context, path string) {
			r.publishEvent(ctx, EventFileCompleted{Path: path})
		},
	)
	return s
}

var _ SourceHandler = (*session)(nil)

func (s *session) OnConnected(ctx context.Context) {
	s.enqueue(ctx, msgConnected{})
}

func (s *session) OnDisconnected(ctx context.Context, err error) {
	s.enqueue(ctx, msgDisconnected{err: err})
}

func (s *session) OnData(ctx context.Context, unit DataUnit) {
	s.enqueue(ctx, msgData{unit: unit})
}

// enqueue marshals a source callback onto the session loop. Callbacks
// may arrive from any goroutine; they never mutate session state
// directly.
func (s *session) enqueue(ctx context.Context, m sessionMessage) {
	select {
	case s.queue <- m:
	case <-s.doneChan:
		logger.Tracef(ctx, "session %s is finished, dropping %T", s.id, m)
		if m, ok := m.(msgData); ok {
			m.unit.release()
		}
	}
}

func (s *session) run(ctx context.Context) {
	logger.Debugf(ctx, "run: session %s: recording '%s'", s.id, s.uri)
	defer logger.Debugf(ctx, "/run: session %s", s.id)
	defer func() {
		close(s.doneChan)
		s.discardQueue(ctx)
	}()

	if err := s.recorder.source.Connect(ctx, s.uri, s); err != nil {
		s.recorder.publishEvent(ctx, EventError{Err: StreamError{Err: err}})
	}

	for {
		select {
		case <-s.stopChan:
			s.drainQueue(ctx)
			s.finalize(ctx)
			return
		case m := <-s.queue:
			s.handleMessage(ctx, m)
		}
	}
}

// drainQueue processes the messages that were already queued when the
// stop request arrived, so that no delivered data unit is lost.
func (s *session) drainQueue(ctx context.Context) {
	for {
		select {
		case m := <-s.queue:
			s.handleMessage(ctx, m)
		default:
			return
		}
	}
}

// discardQueue releases whatever was still queued when the session
// finished; nothing consumes these messages anymore.
func (s *session) discardQueue(ctx context.Context) {
	for {
		select {
		case m := <-s.queue:
			logger.Tracef(ctx, "session %s is finished, discarding %T", s.id, m)
			if m, ok := m.(msgData); ok {
				m.unit.release()
			}
		default:
			return
		}
	}
}

// stop is idempotent and safe to call from any goroutine and any
// state, including mid-disconnect. It returns only after the loop
// deterministically finalized the open segment.
func (s *session) stop(ctx context.Context) error {
	logger.Debugf(ctx, "stop: session %s", s.id)
	defer logger.Debugf(ctx, "/stop: session %s", s.id)

	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.doneChan
	return s.stopResult
}

func (s *session) handleMessage(ctx context.Context, m sessionMessage) {
	switch m := m.(type) {
	case msgConnected:
		s.handleConnected(ctx)
	case msgDisconnected:
		s.handleDisconnected(ctx, m.err)
	case msgData:
		s.handleData(ctx, m.unit)
	default:
		logger.Errorf(ctx, "unexpected session message type %T", m)
	}
}

func (s *session) handleConnected(ctx context.Context) {
	logger.Debugf(ctx, "handleConnected")
	defer logger.Debugf(ctx, "/handleConnected")

	if s.connected {
		logger.Warnf(ctx, "duplicate connect notification, ignoring")
		return
	}
	s.connected = true
	s.firstUnitPending = true

	if !s.everConnected {
		s.everConnected = true
		s.recorder.setState(ctx, StateRecording)
		s.recorder.publishEvent(ctx, EventStreamConnected{})
		if err := s.openNextSegment(ctx); err != nil {
			s.recorder.publishEvent(ctx, EventError{Err: err})
			s.recorder.setState(ctx, StateWaitingForStream)
		}
		return
	}

	// A reconnect continues the same segment. The time spent offline
	// stays in the output timeline as a gap. Advancing lastPTS to the
	// resume position keeps consecutive gaps accumulating even when the
	// stream flaps before delivering a single unit.
	if s.lastPTS != NoTimestamp {
		gap := s.recorder.clk.Now().Sub(s.disconnectedAt)
		s.resumePTS = s.lastPTS + gap
		s.gaps.RecordReconnect(ctx, s.resumePTS)
		s.lastPTS = s.resumePTS
		logger.Debugf(ctx, "reconnected after %v, resuming at %v", gap, s.resumePTS)
	}
	s.recorder.setState(ctx, StateRecording)
}

func (s *session) handleDisconnected(ctx context.Context, err error) {
	logger.Debugf(ctx, "handleDisconnected(ctx, %v)", err)
	defer logger.Debugf(ctx, "/handleDisconnected(ctx, %v)", err)

	if !s.connected {
		logger.Warnf(ctx, "disconnect notification while not connected, ignoring")
		return
	}
	s.connected = false
	s.disconnectedAt = s.recorder.clk.Now()
	if s.lastPTS != NoTimestamp {
		s.gaps.RecordDisconnect(ctx, s.lastPTS)
	}

	// The segment intentionally stays open: a short interruption
	// becomes a timestamp gap inside one container instead of a pile
	// of tiny files. Only rotation or stop ends the file.
	s.recorder.setState(ctx, StateWaitingForStream)

	if err != nil {
		s.recorder.publishEvent(ctx, EventError{Err: StreamError{Err: err}})
	}
}

func (s *session) handleData(ctx context.Context, unit DataUnit) {
	if !s.connected {
		logger.Tracef(ctx, "data unit while not connected, dropping")
		unit.release()
		return
	}

	if s.firstUnitPending {
		s.firstUnitPending = false
		if s.lastPTS == NoTimestamp {
			// First unit of the session: the output timeline starts at
			// zero.
			s.ptsOffset = -unit.PTS
		} else {
			s.ptsOffset = s.resumePTS - unit.PTS
		}
	}
	unit.PTS += s.ptsOffset

	if s.writer.Current() == nil {
		// Fresh segment after an IOError finalized the previous one
		// (or after the initial open failed).
		if err := s.openNextSegment(ctx); err != nil {
			s.recorder.publishEvent(ctx, EventError{Err: err})
			s.recorder.setState(ctx, StateWaitingForStream)
			unit.release()
			return
		}
		s.recorder.setState(ctx, StateRecording)
	}

	if s.policy.Due(s.writer.Current(), unit.PTS) {
		if s.rotationDueAt.IsZero() {
			s.rotationDueAt = s.recorder.clk.Now()
		}
		graceExpired := s.recorder.clk.Now().Sub(s.rotationDueAt) >= s.cfg.BoundaryGracePeriod
		if unit.KeyBoundary || graceExpired {
			if err := s.rotate(ctx); err != nil {
				s.recorder.publishEvent(ctx, EventError{Err: err})
				s.recorder.setState(ctx, StateWaitingForStream)
				unit.release()
				return
			}
		}
	}

	if err := s.writer.AppendUnit(ctx, unit); err != nil {
		s.recorder.publishEvent(ctx, EventError{Err: err})
		if closeErr := s.writer.CloseSegment(ctx); closeErr != nil {
			s.recorder.publishEvent(ctx, EventError{Err: closeErr})
		}
		s.gaps.Reset(ctx)
		s.recorder.setState(ctx, StateWaitingForStream)
		return
	}
	s.lastPTS = unit.PTS
}

// rotate finalizes the current segment and opens the next one. The
// pending configuration is re-read here, so setters called mid-segment
// take effect now.
func (s *session) rotate(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "rotate")
	defer func() { logger.Debugf(ctx, "/rotate: %v", _err) }()

	if err := s.writer.CloseSegment(ctx); err != nil {
		s.recorder.publishEvent(ctx, EventError{Err: err})
	}
	s.gaps.Reset(ctx)
	s.rotationDueAt = time.Time{}

	s.cfg = s.recorder.Config(ctx)
	s.policy = s.cfg.rotationPolicy()

	return s.openNextSegment(ctx)
}

func (s *session) openNextSegment(ctx context.Context) error {
	s.seq++
	name := fmt.Sprintf(
		"rec-%s-%05d.%s",
		s.startedAt.Format("20060102-150405"),
		s.seq,
		s.cfg.Container.FileExtension(),
	)
	path := filepath.Join(s.cfg.RecordingDir, name)
	_, err := s.writer.OpenSegment(ctx, path, s.cfg.Container)
	return err
}

// finalize runs on the loop goroutine, once, when the session stops.
// Event order: the final file-completed first, stream-disconnected
// last.
func (s *session) finalize(ctx context.Context) {
	logger.Debugf(ctx, "finalize")
	defer logger.Debugf(ctx, "/finalize")

	// The stop must complete even if the caller's context got
	// canceled meanwhile.
	ctx = xcontext.DetachDone(ctx)

	var result *multierror.Error

	if s.writer.Current() != nil {
		if err := s.writer.CloseSegment(ctx); err != nil {
			result = multierror.Append(result, err)
			s.recorder.publishEvent(ctx, EventError{Err: err})
		}
	}

	if err := s.recorder.source.Close(ctx); err != nil {
		logger.Errorf(ctx, "unable to close the stream source: %v", err)
		result = multierror.Append(result, err)
	}

	if s.everConnected {
		s.recorder.publishEvent(ctx, EventStreamDisconnected{})
	}

	s.recorder.setState(ctx, StateStopped)
	s.stopResult = result.ErrorOrNil()
}
