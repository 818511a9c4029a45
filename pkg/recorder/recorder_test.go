package recorder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/streamrecorder/pkg/clock"
)

type fakeSource struct {
	mu         sync.Mutex
	handler    SourceHandler
	connectErr error
	closeCount int
}

var _ StreamSource = (*fakeSource)(nil)

func (s *fakeSource) Connect(
	ctx context.Context,
	uri string,
	h SourceHandler,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.handler = h
	return nil
}

func (s *fakeSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	s.closeCount++
	return nil
}

func (s *fakeSource) waitHandler(t *testing.T) SourceHandler {
	t.Helper()
	var h SourceHandler
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		h = s.handler
		return h != nil
	}, time.Second, time.Millisecond)
	return h
}

func (s *fakeSource) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

type fakeFile struct {
	path   string
	units  []DataUnit
	closed bool
}

type fakeMuxerFactory struct {
	mu        sync.Mutex
	files     []*fakeFile
	failOpen  bool
	failWrite bool
}

var _ MuxerFactory = (*fakeMuxerFactory)(nil)

func (f *fakeMuxerFactory) NewMuxer(
	ctx context.Context,
	container Container,
) (Muxer, error) {
	return &fakeMuxer{factory: f}, nil
}

func (f *fakeMuxerFactory) setFailOpen(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpen = v
}

func (f *fakeMuxerFactory) setFailWrite(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite = v
}

func (f *fakeMuxerFactory) snapshot() []fakeFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]fakeFile, 0, len(f.files))
	for _, file := range f.files {
		result = append(result, *file)
	}
	return result
}

func (f *fakeMuxerFactory) totalUnits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, file := range f.files {
		total += len(file.units)
	}
	return total
}

type fakeMuxer struct {
	factory *fakeMuxerFactory
	file    *fakeFile
}

var _ Muxer = (*fakeMuxer)(nil)

func (m *fakeMuxer) OpenFile(ctx context.Context, path string) error {
	m.factory.mu.Lock()
	defer m.factory.mu.Unlock()
	if m.factory.failOpen {
		return fmt.Errorf("injected open failure")
	}
	m.file = &fakeFile{path: path}
	m.factory.files = append(m.factory.files, m.file)
	return nil
}

func (m *fakeMuxer) WriteUnit(ctx context.Context, unit DataUnit) error {
	m.factory.mu.Lock()
	defer m.factory.mu.Unlock()
	if m.factory.failWrite {
		return fmt.Errorf("injected write failure")
	}
	m.file.units = append(m.file.units, unit)
	return nil
}

func (m *fakeMuxer) CloseFile(ctx context.Context) error {
	m.factory.mu.Lock()
	defer m.factory.mu.Unlock()
	m.file.closed = true
	return nil
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func collectEvents(ctx context.Context, t *testing.T, r *Recorder) *eventCollector {
	t.Helper()
	c := &eventCollector{}
	require.NoError(t, r.SubscribeEvents(ctx, func(ev Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
	}))
	return c
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// waitLen waits until at least n events were delivered. The delivery is
// asynchronous (a goroutine pumps the subscription), but the count is
// deterministic once the session finished publishing.
func (c *eventCollector) waitLen(t *testing.T, n int) []Event {
	t.Helper()
	var got []Event
	require.Eventually(t, func() bool {
		got = c.snapshot()
		return len(got) >= n
	}, time.Second, time.Millisecond)
	require.Len(t, got, n)
	return got
}

func testUnit(pts time.Duration, key bool, size int) DataUnit {
	return DataUnit{
		Payload:     make([]byte, size),
		PTS:         pts,
		KeyBoundary: key,
	}
}

func newTestRecorder(
	t *testing.T,
	cfg Config,
) (*Recorder, *fakeSource, *fakeMuxerFactory, *clock.Mock) {
	t.Helper()
	if cfg.RecordingDir == "" {
		cfg.RecordingDir = t.TempDir()
	}
	src := &fakeSource{}
	factory := &fakeMuxerFactory{}
	mock := clock.NewMock()
	r := New(src, factory, cfg, WithClock(mock))
	return r, src, factory, mock
}

func TestRecorderRotatesByDuration(t *testing.T) {
	ctx := context.Background()
	r, src, factory, _ := newTestRecorder(t, Config{
		MaxSegmentDuration: 5 * time.Second,
	})
	events := collectEvents(ctx, t, r)

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	require.Equal(t, StateWaitingForStream, r.State(ctx))

	h := src.waitHandler(t)
	h.OnConnected(ctx)
	for i := 0; i < 15; i++ {
		h.OnData(ctx, testUnit(time.Duration(i)*time.Second, true, 188))
	}

	require.NoError(t, r.StopRecording(ctx))
	require.Equal(t, StateStopped, r.State(ctx))

	files := factory.snapshot()
	require.Len(t, files, 3)
	for i, file := range files {
		require.Len(t, file.units, 5, "file #%d", i)
		require.True(t, file.closed, "file #%d", i)
	}

	require.Equal(t, []Event{
		EventStreamConnected{},
		EventFileCreated{Path: files[0].path},
		EventFileCompleted{Path: files[0].path},
		EventFileCreated{Path: files[1].path},
		EventFileCompleted{Path: files[1].path},
		EventFileCreated{Path: files[2].path},
		EventFileCompleted{Path: files[2].path},
		EventStreamDisconnected{},
	}, events.waitLen(t, 8))
}

func TestRecorderRotatesBySize(t *testing.T) {
	ctx := context.Background()
	r, src, factory, _ := newTestRecorder(t, Config{
		MaxSegmentBytes: 5000,
	})

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)
	for i := 0; i < 12; i++ {
		h.OnData(ctx, testUnit(time.Duration(i)*100*time.Millisecond, true, 1000))
	}

	require.NoError(t, r.StopRecording(ctx))

	files := factory.snapshot()
	require.Len(t, files, 3)
	require.Len(t, files[0].units, 5)
	require.Len(t, files[1].units, 5)
	require.Len(t, files[2].units, 2)
}

func TestRecorderKeepsSegmentAcrossReconnect(t *testing.T) {
	ctx := context.Background()
	r, src, factory, mock := newTestRecorder(t, Config{})
	events := collectEvents(ctx, t, r)

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)

	// The raw timestamps start at 100s; the output timeline at zero.
	for i := 0; i < 5; i++ {
		h.OnData(ctx, testUnit((100+time.Duration(i))*time.Second, true, 188))
	}
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 5
	}, time.Second, time.Millisecond)

	h.OnDisconnected(ctx, nil)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateWaitingForStream
	}, time.Second, time.Millisecond)

	mock.Add(5 * time.Second)
	h.OnConnected(ctx)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateRecording
	}, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		h.OnData(ctx, testUnit((105+time.Duration(i))*time.Second, true, 188))
	}
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 10
	}, time.Second, time.Millisecond)

	gaps := r.CurrentFileGaps(ctx)
	require.Equal(t, []GapInterval{{
		Start: 4 * time.Second,
		End:   9 * time.Second,
	}}, gaps)
	require.Equal(t, 5*time.Second, gaps[0].Duration())

	require.NoError(t, r.StopRecording(ctx))

	// One file across the interruption; the time offline stays in the
	// timeline as a discontinuity.
	files := factory.snapshot()
	require.Len(t, files, 1)
	require.Len(t, files[0].units, 10)
	require.Equal(t, 4*time.Second, files[0].units[4].PTS)
	require.Equal(t, 9*time.Second, files[0].units[5].PTS)

	connected, disconnected := 0, 0
	for _, ev := range events.waitLen(t, 4) {
		switch ev.(type) {
		case EventStreamConnected:
			connected++
		case EventStreamDisconnected:
			disconnected++
		}
	}
	require.Equal(t, 1, connected)
	require.Equal(t, 1, disconnected)
}

func TestRecorderWaitsForKeyBoundary(t *testing.T) {
	ctx := context.Background()
	r, src, factory, mock := newTestRecorder(t, Config{
		MaxSegmentDuration:  5 * time.Second,
		BoundaryGracePeriod: 3 * time.Second,
	})

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)

	h.OnData(ctx, testUnit(0, true, 188))
	for i := 1; i <= 6; i++ {
		h.OnData(ctx, testUnit(time.Duration(i)*time.Second, false, 188))
	}
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 7
	}, time.Second, time.Millisecond)

	// The rotation was due at 5s of stream time, but without a key
	// boundary the segment keeps growing within the grace period.
	require.Len(t, factory.snapshot(), 1)

	mock.Add(4 * time.Second)
	h.OnData(ctx, testUnit(7*time.Second, false, 188))
	require.Eventually(t, func() bool {
		return len(factory.snapshot()) == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, r.StopRecording(ctx))

	files := factory.snapshot()
	require.Len(t, files, 2)
	require.Len(t, files[0].units, 7)
	require.Len(t, files[1].units, 1)
	require.False(t, files[1].units[0].KeyBoundary)
}

func TestRecorderRecoversFromWriteFailure(t *testing.T) {
	ctx := context.Background()
	r, src, factory, _ := newTestRecorder(t, Config{})
	events := collectEvents(ctx, t, r)

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)
	h.OnData(ctx, testUnit(0, true, 188))
	h.OnData(ctx, testUnit(time.Second, false, 188))
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 2
	}, time.Second, time.Millisecond)

	factory.setFailWrite(true)
	h.OnData(ctx, testUnit(2*time.Second, false, 188))
	require.Eventually(t, func() bool {
		files := factory.snapshot()
		return len(files) == 1 && files[0].closed
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateWaitingForStream
	}, time.Second, time.Millisecond)

	// The next delivered data unit starts a fresh segment.
	factory.setFailWrite(false)
	h.OnData(ctx, testUnit(3*time.Second, true, 188))
	require.Eventually(t, func() bool {
		files := factory.snapshot()
		return len(files) == 2 && len(files[1].units) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, StateRecording, r.State(ctx))

	require.NoError(t, r.StopRecording(ctx))

	files := factory.snapshot()
	got := events.waitLen(t, 7)
	require.Equal(t, EventStreamConnected{}, got[0])
	require.Equal(t, EventFileCreated{Path: files[0].path}, got[1])
	errEvent, ok := got[2].(EventError)
	require.True(t, ok, "expected an error event, got %#+v", got[2])
	var ioErr IOError
	require.True(t, errors.As(errEvent.Err, &ioErr))
	require.Equal(t, "append to", ioErr.Op)
	require.Equal(t, files[0].path, ioErr.Path)
	require.Equal(t, EventFileCompleted{Path: files[0].path}, got[3])
	require.Equal(t, EventFileCreated{Path: files[1].path}, got[4])
	require.Equal(t, EventFileCompleted{Path: files[1].path}, got[5])
	require.Equal(t, EventStreamDisconnected{}, got[6])
}

func TestRecorderSurfacesOpenFailure(t *testing.T) {
	ctx := context.Background()
	r, src, factory, _ := newTestRecorder(t, Config{})
	events := collectEvents(ctx, t, r)

	factory.setFailOpen(true)
	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateWaitingForStream
	}, time.Second, time.Millisecond)

	factory.setFailOpen(false)
	h.OnData(ctx, testUnit(0, true, 188))
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, StateRecording, r.State(ctx))

	require.NoError(t, r.StopRecording(ctx))

	// Connected, the open error, then the successful segment pair and
	// the final disconnect.
	var ioErrs int
	for _, ev := range events.waitLen(t, 5) {
		if errEvent, ok := ev.(EventError); ok {
			var ioErr IOError
			require.True(t, errors.As(errEvent.Err, &ioErr))
			require.Equal(t, "open", ioErr.Op)
			ioErrs++
		}
	}
	require.Equal(t, 1, ioErrs)
}

func TestStartRecordingWhileActive(t *testing.T) {
	ctx := context.Background()
	r, src, _, _ := newTestRecorder(t, Config{})

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	require.ErrorIs(t, r.StartRecording(ctx, "srt://127.0.0.1:7002"), ErrAlreadyRecording)

	h := src.waitHandler(t)
	h.OnConnected(ctx)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateRecording
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, r.StartRecording(ctx, "srt://127.0.0.1:7002"), ErrAlreadyRecording)

	require.NoError(t, r.StopRecording(ctx))
}

func TestStopRecordingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, src, _, _ := newTestRecorder(t, Config{})
	events := collectEvents(ctx, t, r)

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)
	h.OnData(ctx, testUnit(0, true, 188))

	require.NoError(t, r.StopRecording(ctx))
	require.NoError(t, r.StopRecording(ctx))
	require.Equal(t, StateStopped, r.State(ctx))
	require.Equal(t, 1, src.closed())

	disconnected := 0
	for _, ev := range events.waitLen(t, 4) {
		if _, ok := ev.(EventStreamDisconnected); ok {
			disconnected++
		}
	}
	require.Equal(t, 1, disconnected)
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newTestRecorder(t, Config{})
	events := collectEvents(ctx, t, r)

	require.NoError(t, r.StopRecording(ctx))
	require.Equal(t, StateIdle, r.State(ctx))
	require.Never(t, func() bool {
		return len(events.snapshot()) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestStopBeforeStreamArrives(t *testing.T) {
	ctx := context.Background()
	r, src, factory, _ := newTestRecorder(t, Config{})
	events := collectEvents(ctx, t, r)

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	src.waitHandler(t)
	require.NoError(t, r.StopRecording(ctx))

	// The stream never connected: no files, no events.
	require.Equal(t, StateStopped, r.State(ctx))
	require.Empty(t, factory.snapshot())
	require.Equal(t, 1, src.closed())
	require.Never(t, func() bool {
		return len(events.snapshot()) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRecorderRestartsAfterStop(t *testing.T) {
	ctx := context.Background()
	r, src, factory, _ := newTestRecorder(t, Config{})

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)
	h.OnData(ctx, testUnit(0, true, 188))
	require.NoError(t, r.StopRecording(ctx))

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h = src.waitHandler(t)
	h.OnConnected(ctx)
	h.OnData(ctx, testUnit(0, true, 188))
	require.NoError(t, r.StopRecording(ctx))

	files := factory.snapshot()
	require.Len(t, files, 2)
	require.Len(t, files[0].units, 1)
	require.Len(t, files[1].units, 1)
}

func TestSetContainerTakesEffectNextSegment(t *testing.T) {
	ctx := context.Background()
	r, src, factory, _ := newTestRecorder(t, Config{
		Container:          ContainerMPEGTS,
		MaxSegmentDuration: 2 * time.Second,
	})

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)
	h.OnData(ctx, testUnit(0, true, 188))
	h.OnData(ctx, testUnit(time.Second, true, 188))
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 2
	}, time.Second, time.Millisecond)

	r.SetContainer(ctx, ContainerMP4)
	h.OnData(ctx, testUnit(2*time.Second, true, 188))
	require.NoError(t, r.StopRecording(ctx))

	files := factory.snapshot()
	require.Len(t, files, 2)
	require.Equal(t, ".ts", filepath.Ext(files[0].path))
	require.Equal(t, ".mp4", filepath.Ext(files[1].path))
}

func TestEventsDeliveredInOrderToEachSubscriber(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newTestRecorder(t, Config{})
	c1 := collectEvents(ctx, t, r)
	c2 := collectEvents(ctx, t, r)

	var want []Event
	for i := 0; i < 100; i++ {
		ev := EventFileCreated{Path: fmt.Sprintf("seg-%03d", i)}
		want = append(want, ev)
		r.publishEvent(ctx, ev)
	}

	require.Equal(t, want, c1.waitLen(t, 100))
	require.Equal(t, want, c2.waitLen(t, 100))
}

func TestRecorderAccumulatesGapsAcrossFlaps(t *testing.T) {
	ctx := context.Background()
	r, src, factory, mock := newTestRecorder(t, Config{})

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)
	h.OnData(ctx, testUnit(0, true, 188))
	h.OnData(ctx, testUnit(time.Second, true, 188))
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 2
	}, time.Second, time.Millisecond)

	h.OnDisconnected(ctx, nil)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateWaitingForStream
	}, time.Second, time.Millisecond)

	mock.Add(5 * time.Second)
	h.OnConnected(ctx)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateRecording
	}, time.Second, time.Millisecond)

	// The stream flaps again before delivering a single unit; the first
	// outage must not be erased by the second.
	h.OnDisconnected(ctx, nil)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateWaitingForStream
	}, time.Second, time.Millisecond)

	mock.Add(7 * time.Second)
	h.OnConnected(ctx)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateRecording
	}, time.Second, time.Millisecond)

	h.OnData(ctx, testUnit(2*time.Second, true, 188))
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 3
	}, time.Second, time.Millisecond)

	require.Equal(t, []GapInterval{
		{Start: time.Second, End: 6 * time.Second},
		{Start: 6 * time.Second, End: 13 * time.Second},
	}, r.CurrentFileGaps(ctx))

	require.NoError(t, r.StopRecording(ctx))

	files := factory.snapshot()
	require.Len(t, files, 1)
	require.Len(t, files[0].units, 3)
	require.Equal(t, 13*time.Second, files[0].units[2].PTS)
}

type fakeAttachment struct {
	mu       sync.Mutex
	released bool
}

var _ Releaser = (*fakeAttachment)(nil)

func (a *fakeAttachment) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
}

func (a *fakeAttachment) isReleased() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

func TestRecorderReleasesDroppedUnits(t *testing.T) {
	ctx := context.Background()
	r, src, factory, _ := newTestRecorder(t, Config{})

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)

	// A consumed unit is owned by the muxer, not released by the
	// session.
	consumed := &fakeAttachment{}
	unit := testUnit(0, true, 188)
	unit.Raw = consumed
	h.OnData(ctx, unit)
	require.Eventually(t, func() bool {
		return factory.totalUnits() == 1
	}, time.Second, time.Millisecond)
	require.False(t, consumed.isReleased())

	// A unit delivered while the stream is considered disconnected is
	// dropped and released.
	h.OnDisconnected(ctx, nil)
	require.Eventually(t, func() bool {
		return r.State(ctx) == StateWaitingForStream
	}, time.Second, time.Millisecond)
	droppedOffline := &fakeAttachment{}
	unit = testUnit(time.Second, true, 188)
	unit.Raw = droppedOffline
	h.OnData(ctx, unit)
	require.Eventually(t, droppedOffline.isReleased, time.Second, time.Millisecond)

	// A unit delivered after the session finished is dropped and
	// released too.
	require.NoError(t, r.StopRecording(ctx))
	droppedAfterStop := &fakeAttachment{}
	unit = testUnit(2*time.Second, true, 188)
	unit.Raw = droppedAfterStop
	h.OnData(ctx, unit)
	require.Eventually(t, droppedAfterStop.isReleased, time.Second, time.Millisecond)
	require.False(t, consumed.isReleased())
}

func TestEventsChan(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	r, src, _, _ := newTestRecorder(t, Config{})

	ch, err := r.EventsChan(ctx)
	require.NoError(t, err)

	require.NoError(t, r.StartRecording(ctx, "srt://127.0.0.1:7001"))
	h := src.waitHandler(t)
	h.OnConnected(ctx)
	h.OnData(ctx, testUnit(0, true, 188))
	require.NoError(t, r.StopRecording(ctx))

	var got []Event
	for ev := range ch {
		got = append(got, ev)
		if _, ok := ev.(EventStreamDisconnected); ok {
			break
		}
	}
	require.Len(t, got, 4)
	require.Equal(t, EventStreamConnected{}, got[0])
	require.IsType(t, EventFileCreated{}, got[1])
	require.IsType(t, EventFileCompleted{}, got[2])
}
