package recorder

import (
	"context"
	"os"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/datacounter"
)

// FileMuxer writes already-containerized data units to a file verbatim.
// It is the right sink for passthrough recording of a stream that is a
// container byte stream by itself (e.g. MPEG-TS over SRT).
type FileMuxer struct {
	file    *os.File
	counter *datacounter.WriterCounter
}

var _ Muxer = (*FileMuxer)(nil)

func NewFileMuxerFactory() MuxerFactory {
	return MuxerFactoryFunc(func(
		ctx context.Context,
		container Container,
	) (Muxer, error) {
		return &FileMuxer{}, nil
	})
}

func (m *FileMuxer) OpenFile(
	ctx context.Context,
	path string,
) (_err error) {
	logger.Debugf(ctx, "OpenFile(ctx, '%s')", path)
	defer func() { logger.Debugf(ctx, "/OpenFile(ctx, '%s'): %v", path, _err) }()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	m.file = f
	m.counter = datacounter.NewWriterCounter(f)
	return nil
}

func (m *FileMuxer) WriteUnit(
	ctx context.Context,
	unit DataUnit,
) error {
	_, err := m.counter.Write(unit.Payload)
	return err
}

func (m *FileMuxer) CloseFile(
	ctx context.Context,
) (_err error) {
	logger.Debugf(ctx, "CloseFile")
	defer func() { logger.Debugf(ctx, "/CloseFile: %v", _err) }()

	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// BytesWritten reports the amount of payload bytes written so far.
func (m *FileMuxer) BytesWritten() uint64 {
	if m.counter == nil {
		return 0
	}
	return m.counter.Count()
}
