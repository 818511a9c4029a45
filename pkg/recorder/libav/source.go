package libav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"

	"github.com/xaionaro-go/streamrecorder/pkg/recorder"
)

const DefaultReconnectInterval = time.Second

type CustomOption struct {
	Key   string
	Value string
}

type SourceConfig struct {
	// ReconnectInterval is the pause between connection attempts while
	// the stream is away. The source retries indefinitely; giving up
	// is the session's call (by stopping the recording).
	ReconnectInterval time.Duration

	CustomOptions []CustomOption
}

// Source is a recorder.StreamSource on top of libav: it opens any
// ffmpeg-supported URI (SRT included), maps packets to data units and
// keeps reconnecting until closed.
type Source struct {
	cfg SourceConfig

	locker     xsync.Mutex
	cancelFunc context.CancelFunc
}

var _ recorder.StreamSource = (*Source)(nil)

func NewSource(cfg SourceConfig) *Source {
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	return &Source{
		cfg: cfg,
	}
}

func (s *Source) Connect(
	ctx context.Context,
	uri string,
	h recorder.SourceHandler,
) (_err error) {
	logger.Debugf(ctx, "Connect(ctx, '%s')", uri)
	defer func() { logger.Debugf(ctx, "/Connect(ctx, '%s'): %v", uri, _err) }()

	return xsync.DoR1(ctx, &s.locker, func() error {
		if s.cancelFunc != nil {
			return fmt.Errorf("the source is already connecting")
		}
		ctx, cancelFn := context.WithCancel(ctx)
		s.cancelFunc = cancelFn
		observability.Go(ctx, func(ctx context.Context) {
			s.connectLoop(ctx, uri, h)
		})
		return nil
	})
}

func (s *Source) Close(
	ctx context.Context,
) error {
	return xsync.DoR1(ctx, &s.locker, func() error {
		if s.cancelFunc == nil {
			return nil
		}
		s.cancelFunc()
		s.cancelFunc = nil
		return nil
	})
}

func (s *Source) connectLoop(
	ctx context.Context,
	uri string,
	h recorder.SourceHandler,
) {
	logger.Debugf(ctx, "connectLoop: '%s'", uri)
	defer logger.Debugf(ctx, "/connectLoop: '%s'", uri)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		input, err := s.openInput(ctx, uri)
		if err != nil {
			logger.Debugf(ctx, "unable to open input '%s': %v; retrying in %v", uri, err, s.cfg.ReconnectInterval)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectInterval):
			}
			continue
		}

		h.OnConnected(ctx)
		err = s.readLoop(ctx, input, h)
		input.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
		if errors.Is(err, io.EOF) {
			err = nil
		}
		h.OnDisconnected(ctx, err)
	}
}

type input struct {
	*astikit.Closer
	FormatContext *astiav.FormatContext
	Dictionary    *astiav.Dictionary
}

func (s *Source) openInput(
	ctx context.Context,
	uri string,
) (_ret *input, _err error) {
	logger.Tracef(ctx, "openInput(ctx, '%s')", uri)
	defer func() { logger.Tracef(ctx, "/openInput(ctx, '%s'): %v", uri, _err) }()

	if uri == "" {
		return nil, fmt.Errorf("the provided URI is empty")
	}

	in := &input{
		Closer: astikit.NewCloser(),
	}

	in.FormatContext = astiav.AllocFormatContext()
	if in.FormatContext == nil {
		return nil, fmt.Errorf("unable to allocate a format context")
	}
	in.Closer.Add(in.FormatContext.Free)

	if len(s.cfg.CustomOptions) > 0 {
		in.Dictionary = astiav.NewDictionary()
		in.Closer.Add(in.Dictionary.Free)

		for _, opt := range s.cfg.CustomOptions {
			logger.Debugf(ctx, "input.Dictionary['%s'] = '%s'", opt.Key, opt.Value)
			in.Dictionary.Set(opt.Key, opt.Value, 0)
		}
	}

	if err := in.FormatContext.OpenInput(uri, nil, in.Dictionary); err != nil {
		in.Close()
		return nil, fmt.Errorf("unable to open input by URI '%s': %w", uri, err)
	}
	in.Closer.Add(in.FormatContext.CloseInput)

	if err := in.FormatContext.FindStreamInfo(nil); err != nil {
		in.Close()
		return nil, fmt.Errorf("unable to get stream info: %w", err)
	}
	return in, nil
}

func (s *Source) readLoop(
	ctx context.Context,
	in *input,
	h recorder.SourceHandler,
) (_err error) {
	logger.Debugf(ctx, "readLoop")
	defer func() { logger.Debugf(ctx, "/readLoop: %v", _err) }()

	packet := astiav.AllocPacket()
	defer packet.Free()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := in.FormatContext.ReadFrame(packet)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEof):
			return io.EOF
		default:
			return fmt.Errorf("unable to read a frame: %w", err)
		}

		unit, err := s.packetToUnit(ctx, in, packet)
		packet.Unref()
		if err != nil {
			logger.Errorf(ctx, "dropping a packet: %v", err)
			continue
		}
		h.OnData(ctx, unit)
	}
}

func (s *Source) packetToUnit(
	ctx context.Context,
	in *input,
	packet *astiav.Packet,
) (recorder.DataUnit, error) {
	streams := in.FormatContext.Streams()

	var stream *astiav.Stream
	for _, candidate := range streams {
		if candidate.Index() == packet.StreamIndex() {
			stream = candidate
			break
		}
	}
	if stream == nil {
		return recorder.DataUnit{}, fmt.Errorf("unable to find a stream with index #%d", packet.StreamIndex())
	}

	clone, err := clonePacketWritable(packet)
	if err != nil {
		return recorder.DataUnit{}, fmt.Errorf("unable to clone the packet: %w", err)
	}

	isVideo := stream.CodecParameters().MediaType() == astiav.MediaTypeVideo
	unit := recorder.DataUnit{
		Payload:     append([]byte(nil), packet.Data()...),
		PTS:         ptsToDuration(packet.Pts(), stream.TimeBase()),
		KeyBoundary: isVideo && packet.Flags().Has(astiav.PacketFlagKey),
		Raw: &PacketRef{
			Packet:  clone,
			Stream:  stream,
			Streams: streams,
		},
	}
	return unit, nil
}

func ptsToDuration(pts int64, timeBase astiav.Rational) time.Duration {
	if timeBase.Den() == 0 {
		return 0
	}
	seconds := float64(pts) * float64(timeBase.Num()) / float64(timeBase.Den())
	return time.Duration(seconds * float64(time.Second))
}
