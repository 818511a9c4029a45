package recorder

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/eventbus"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
)

// Event is one recording lifecycle notification. All events of a
// session are published on a single topic in emission order, and the
// publisher delivers to every subscription synchronously, so the
// ordering guarantees hold per subscriber: file-created always precedes
// its matching file-completed, stream-connected precedes the first
// file-created, stream-disconnected arrives once, last.
type Event any

type EventStreamConnected struct{}

type EventStreamDisconnected struct{}

type EventFileCreated struct {
	Path string
}

type EventFileCompleted struct {
	Path string
}

// EventError carries a non-fatal session error: an IOError or a
// StreamError. No error is silently dropped.
type EventError struct {
	Err error
}

const (
	eventsTopic = "recorder-events"

	// eventsQueueSize is the per-subscription buffer. When it is full
	// the publisher waits instead of skipping the event, so the buffer
	// only needs to absorb a subscriber that is briefly busy, e.g. one
	// that calls back into StopRecording.
	eventsQueueSize = 16
)

func (r *Recorder) publishEvent(
	ctx context.Context,
	event Event,
) {
	if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
		logger.Tracef(ctx, "publishEvent(ctx, %s)", spew.Sdump(event))
		defer logger.Tracef(ctx, "/publishEvent(ctx, %s)", spew.Sdump(event))
	}
	eventbus.SendEventWithCustomTopic[string, Event](ctx, r.EventBus, eventsTopic, event)
}

// subscribe registers a subscription on the events topic. Every
// subscriber must use the same topic and event type arguments, because
// the bus matches subscriptions by both.
func (r *Recorder) subscribe(
	ctx context.Context,
) (*eventbus.Subscription[string, Event], error) {
	sub := eventbus.SubscribeWithCustomTopic[string, Event](
		ctx,
		r.EventBus,
		eventsTopic,
		eventbus.OptionQueueSize(eventsQueueSize),
	)
	if sub == nil {
		return nil, fmt.Errorf("unable to subscribe to topic '%s'", eventsTopic)
	}
	return sub, nil
}

// SubscribeEvents invokes the callback sequentially, in emission order,
// for every event of this Recorder, until ctx is done. The callback
// runs on a dedicated goroutine, never on the session loop, so it may
// safely call back into the Recorder (including StopRecording).
func (r *Recorder) SubscribeEvents(
	ctx context.Context,
	callback func(Event),
) error {
	sub, err := r.subscribe(ctx)
	if err != nil {
		return err
	}
	observability.Go(ctx, func(ctx context.Context) {
		defer sub.Finish(xcontext.DetachDone(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.EventChan():
				if !ok {
					return
				}
				callback(ev)
			}
		}
	})
	return nil
}

// EventsChan adapts the event subscription to a channel. The channel is
// closed after ctx is done.
func (r *Recorder) EventsChan(
	ctx context.Context,
) (<-chan Event, error) {
	sub, err := r.subscribe(ctx)
	if err != nil {
		return nil, err
	}
	observability.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		// Finishing the subscription is what closes the channel; the
		// detached context lets that happen even though ctx is already
		// canceled.
		sub.Finish(xcontext.DetachDone(ctx))
	})
	return sub.EventChan(), nil
}
