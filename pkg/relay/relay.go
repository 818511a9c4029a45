package relay

import (
	"context"
	"fmt"

	srt "github.com/datarhei/gosrt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
)

const (
	// SRT payloads are at most 7 TS packets long.
	chunkSize = 7 * 188

	subscriberQueueLen = 1024
)

type Config struct {
	// SinkAddr is where the stream source publishes to (host:port).
	SinkAddr string `yaml:"sink_addr"`

	// SourceAddr is where subscribers (the recorder included) read the
	// relayed stream from (host:port).
	SourceAddr string `yaml:"source_addr"`

	Passphrase string `yaml:"passphrase"`
}

// Relay is a minimal SRT relay: it accepts one publisher on the sink
// listener and fans the byte stream out to any number of subscribers
// on the source listener. It does not parse the stream.
type Relay struct {
	cfg Config

	locker       xsync.Mutex
	cancelFunc   context.CancelFunc
	sinkListener srt.Listener
	srcListener  srt.Listener
	hasPublisher bool
	subscribers  map[uint64]chan []byte
	nextSubID    uint64
	bytesIn      *datacounter.ReaderCounter
}

func New(cfg Config) *Relay {
	return &Relay{
		cfg:         cfg,
		subscribers: map[uint64]chan []byte{},
	}
}

// SinkURI is the URI a stream source should publish to.
func (r *Relay) SinkURI() string {
	return fmt.Sprintf("srt://%s?mode=caller", r.cfg.SinkAddr)
}

// SourceURI is the URI subscribers should read the stream from.
func (r *Relay) SourceURI() string {
	return fmt.Sprintf("srt://%s?mode=caller", r.cfg.SourceAddr)
}

func (r *Relay) Start(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Start")
	defer func() { logger.Debugf(ctx, "/Start: %v", _err) }()

	return xsync.DoR1(ctx, &r.locker, func() error {
		if r.cancelFunc != nil {
			return fmt.Errorf("the relay is already running")
		}

		srtConfig := srt.DefaultConfig()
		srtConfig.Passphrase = r.cfg.Passphrase

		sinkListener, err := srt.Listen("srt", r.cfg.SinkAddr, srtConfig)
		if err != nil {
			return fmt.Errorf("unable to listen on sink address '%s': %w", r.cfg.SinkAddr, err)
		}
		srcListener, err := srt.Listen("srt", r.cfg.SourceAddr, srtConfig)
		if err != nil {
			sinkListener.Close()
			return fmt.Errorf("unable to listen on source address '%s': %w", r.cfg.SourceAddr, err)
		}

		ctx, cancelFn := context.WithCancel(ctx)
		r.cancelFunc = cancelFn
		r.sinkListener = sinkListener
		r.srcListener = srcListener

		observability.Go(ctx, func(ctx context.Context) {
			r.acceptLoop(ctx, sinkListener, srt.PUBLISH)
		})
		observability.Go(ctx, func(ctx context.Context) {
			r.acceptLoop(ctx, srcListener, srt.SUBSCRIBE)
		})
		return nil
	})
}

func (r *Relay) Stop(ctx context.Context) error {
	logger.Debugf(ctx, "Stop")
	defer logger.Debugf(ctx, "/Stop")

	return xsync.DoR1(ctx, &r.locker, func() error {
		if r.cancelFunc == nil {
			return nil
		}
		r.cancelFunc()
		r.cancelFunc = nil

		r.sinkListener.Close()
		r.srcListener.Close()
		r.sinkListener, r.srcListener = nil, nil
		return nil
	})
}

// BytesReceived reports the amount of bytes received from publishers
// so far.
func (r *Relay) BytesReceived(ctx context.Context) uint64 {
	return xsync.DoR1(ctx, &r.locker, func() uint64 {
		if r.bytesIn == nil {
			return 0
		}
		return r.bytesIn.Count()
	})
}

func (r *Relay) acceptLoop(
	ctx context.Context,
	listener srt.Listener,
	connType srt.ConnType,
) {
	logger.Debugf(ctx, "acceptLoop: %v", connType)
	defer logger.Debugf(ctx, "/acceptLoop: %v", connType)

	for {
		conn, mode, err := listener.Accept(func(req srt.ConnRequest) srt.ConnType {
			return connType
		})
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				logger.Errorf(ctx, "unable to accept a connection: %v", err)
			}
			return
		}
		if conn == nil {
			continue
		}

		switch mode {
		case srt.PUBLISH:
			observability.Go(ctx, func(ctx context.Context) {
				r.servePublisher(ctx, conn)
			})
		case srt.SUBSCRIBE:
			observability.Go(ctx, func(ctx context.Context) {
				r.serveSubscriber(ctx, conn)
			})
		default:
			conn.Close()
		}
	}
}

func (r *Relay) servePublisher(
	ctx context.Context,
	conn srt.Conn,
) {
	logger.Infof(ctx, "publisher connected from %v", conn.RemoteAddr())
	defer logger.Infof(ctx, "publisher from %v is gone", conn.RemoteAddr())
	defer conn.Close()

	accepted := xsync.DoR1(ctx, &r.locker, func() bool {
		if r.hasPublisher {
			return false
		}
		r.hasPublisher = true
		r.bytesIn = datacounter.NewReaderCounter(conn)
		return true
	})
	if !accepted {
		logger.Warnf(ctx, "rejecting a second publisher from %v", conn.RemoteAddr())
		return
	}
	defer r.locker.Do(ctx, func() {
		r.hasPublisher = false
	})

	reader := xsync.DoR1(ctx, &r.locker, func() *datacounter.ReaderCounter {
		return r.bytesIn
	})

	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := reader.Read(buf)
		if err != nil {
			logger.Debugf(ctx, "unable to read from the publisher: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		r.broadcast(ctx, chunk)
	}
}

func (r *Relay) broadcast(ctx context.Context, chunk []byte) {
	r.locker.Do(ctx, func() {
		for subID, ch := range r.subscribers {
			select {
			case ch <- chunk:
			default:
				// A subscriber that cannot keep up loses data instead
				// of stalling the publisher.
				logger.Tracef(ctx, "subscriber %d is too slow, dropping a chunk", subID)
			}
		}
	})
}

func (r *Relay) serveSubscriber(
	ctx context.Context,
	conn srt.Conn,
) {
	logger.Infof(ctx, "subscriber connected from %v", conn.RemoteAddr())
	defer logger.Infof(ctx, "subscriber from %v is gone", conn.RemoteAddr())
	defer conn.Close()

	ch := make(chan []byte, subscriberQueueLen)
	subID := xsync.DoR1(ctx, &r.locker, func() uint64 {
		r.nextSubID++
		r.subscribers[r.nextSubID] = ch
		return r.nextSubID
	})
	defer r.locker.Do(ctx, func() {
		delete(r.subscribers, subID)
	})

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-ch:
			if _, err := conn.Write(chunk); err != nil {
				logger.Debugf(ctx, "unable to write to subscriber %d: %v", subID, err)
				return
			}
		}
	}
}
