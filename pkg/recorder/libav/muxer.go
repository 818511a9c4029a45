package libav

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"

	"github.com/xaionaro-go/streamrecorder/pkg/recorder"
)

// Muxer is a recorder.Muxer that remuxes data units produced by a
// libav Source into one MP4 or MPEG-TS segment file. One Muxer
// instance serves exactly one file.
type Muxer struct {
	format string

	closer        *astikit.Closer
	formatContext *astiav.FormatContext
	outStreams    map[int]*outStream
	headerWritten bool
	path          string
}

type outStream struct {
	*astiav.Stream
	lastDTS int64
}

var _ recorder.Muxer = (*Muxer)(nil)

// MuxerFactory creates a libav Muxer per segment file.
type MuxerFactory struct{}

var _ recorder.MuxerFactory = MuxerFactory{}

func (MuxerFactory) NewMuxer(
	ctx context.Context,
	container recorder.Container,
) (recorder.Muxer, error) {
	var format string
	switch container {
	case recorder.ContainerMP4:
		format = "mp4"
	case recorder.ContainerMPEGTS:
		format = "mpegts"
	default:
		return nil, fmt.Errorf("unsupported container format: %v", container)
	}
	return &Muxer{
		format: format,
	}, nil
}

func (m *Muxer) OpenFile(
	ctx context.Context,
	path string,
) (_err error) {
	logger.Debugf(ctx, "OpenFile(ctx, '%s')", path)
	defer func() { logger.Debugf(ctx, "/OpenFile(ctx, '%s'): %v", path, _err) }()

	if m.formatContext != nil {
		return fmt.Errorf("the muxer already writes to '%s'", m.path)
	}

	m.closer = astikit.NewCloser()

	formatContext, err := astiav.AllocOutputFormatContext(nil, m.format, path)
	if err != nil {
		return fmt.Errorf("allocating output format context failed: %w", err)
	}
	if formatContext == nil {
		return fmt.Errorf("unable to allocate the output format context")
	}
	m.formatContext = formatContext
	m.closer.Add(m.formatContext.Free)

	if !m.formatContext.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		ioContext, err := astiav.OpenIOContext(
			path,
			astiav.NewIOContextFlags(astiav.IOContextFlagWrite),
		)
		if err != nil {
			m.closer.Close()
			m.formatContext = nil
			return fmt.Errorf("opening io context failed: %w", err)
		}
		m.closer.Add(func() {
			if err := ioContext.Close(); err != nil {
				logger.Errorf(ctx, "unable to close the IO context of '%s': %v", path, err)
			}
		})
		m.formatContext.SetPb(ioContext)
	}

	m.outStreams = map[int]*outStream{}
	m.headerWritten = false
	m.path = path
	return nil
}

func (m *Muxer) WriteUnit(
	ctx context.Context,
	unit recorder.DataUnit,
) (_err error) {
	ref, ok := unit.Raw.(*PacketRef)
	if !ok {
		return fmt.Errorf("expected a %T attachment, got %T", &PacketRef{}, unit.Raw)
	}
	defer ref.Release()
	packet := ref.Packet

	if m.formatContext == nil {
		return fmt.Errorf("no open file")
	}

	if !m.headerWritten {
		if err := m.initStreams(ctx, ref.Streams); err != nil {
			return err
		}
		if err := m.formatContext.WriteHeader(nil); err != nil {
			return fmt.Errorf("unable to write the header: %w", err)
		}
		m.headerWritten = true
	}

	out := m.outStreams[packet.StreamIndex()]
	if out == nil {
		return fmt.Errorf("unable to find an output stream for input stream #%d", packet.StreamIndex())
	}

	// Retime to the gap-adjusted output timeline the session computed.
	target := durationToPTS(unit.PTS, out.TimeBase())
	delta := target - packet.Pts()
	packet.SetPts(target)
	packet.SetDts(packet.Dts() + delta)
	packet.SetStreamIndex(out.Index())

	if packet.Dts() < out.lastDTS {
		logger.Errorf(ctx, "received a DTS from the past, ignoring the packet: %d < %d", packet.Dts(), out.lastDTS)
		return nil
	}
	dts := packet.Dts()

	if err := m.formatContext.WriteInterleavedFrame(packet); err != nil {
		return fmt.Errorf("unable to write the frame: %w", err)
	}
	out.lastDTS = dts
	return nil
}

func (m *Muxer) initStreams(
	ctx context.Context,
	inStreams []*astiav.Stream,
) error {
	for _, inStream := range inStreams {
		logger.Debugf(
			ctx,
			"new output stream: %s: %s: %s",
			inStream.CodecParameters().MediaType(),
			inStream.CodecParameters().CodecID(),
			inStream.TimeBase(),
		)
		out := &outStream{
			Stream:  m.formatContext.NewStream(nil),
			lastDTS: math.MinInt64,
		}
		if out.Stream == nil {
			return fmt.Errorf("unable to initialize an output stream")
		}
		if err := inStream.CodecParameters().Copy(out.CodecParameters()); err != nil {
			return fmt.Errorf("unable to copy the codec parameters of stream #%d: %w", inStream.Index(), err)
		}
		out.SetDiscard(inStream.Discard())
		out.SetAvgFrameRate(inStream.AvgFrameRate())
		out.SetRFrameRate(inStream.RFrameRate())
		out.SetSampleAspectRatio(inStream.SampleAspectRatio())
		out.SetTimeBase(inStream.TimeBase())
		out.SetEventFlags(inStream.EventFlags())
		out.SetPTSWrapBits(inStream.PTSWrapBits())
		m.outStreams[inStream.Index()] = out
	}
	return nil
}

func (m *Muxer) CloseFile(
	ctx context.Context,
) (_err error) {
	logger.Debugf(ctx, "CloseFile: '%s'", m.path)
	defer func() { logger.Debugf(ctx, "/CloseFile: '%s': %v", m.path, _err) }()

	if m.formatContext == nil {
		return nil
	}

	var result *multierror.Error
	if m.headerWritten {
		if err := m.formatContext.WriteTrailer(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to write the trailer: %w", err))
		}
	}
	if err := m.closer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	m.formatContext = nil
	m.outStreams = nil
	m.headerWritten = false
	return result.ErrorOrNil()
}

func durationToPTS(d time.Duration, timeBase astiav.Rational) int64 {
	if timeBase.Num() == 0 {
		return 0
	}
	seconds := float64(d) / float64(time.Second)
	return int64(seconds * float64(timeBase.Den()) / float64(timeBase.Num()))
}
