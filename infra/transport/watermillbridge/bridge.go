// Package watermillbridge adapts a watermill Pub/Sub to the numeric-endpoint
// transport contract. The default backing is the in-memory GoChannel Pub/Sub;
// any watermill subscriber/publisher pair can be substituted.
//
// Routing detection is weaker than the channel exchange: publishing to a
// topic nobody subscribes to succeeds and the frame is lost, so a consumer
// subscribing ahead of its producer relies on the subscription protocol's
// reply rather than a send error.
//
// Per-endpoint bounds also differ: Options.CapacitySlots is only checked to
// be positive, buffering being the bridge-wide size given to NewGoChannel,
// and Options.MaxFrameBytes is enforced on Receive, which consumes an
// oversized frame and returns ErrFrameTooLarge, rather than on Send.
package watermillbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/mattih11/commrat/infra/transport"
)

// Bridge exposes a watermill Pub/Sub as a transport.Opener.
type Bridge struct {
	publisher  wmmessage.Publisher
	subscriber wmmessage.Subscriber
	logger     *slog.Logger

	mu   sync.Mutex
	open map[uint32]struct{}
}

// New wraps an existing publisher/subscriber pair.
func New(pub wmmessage.Publisher, sub wmmessage.Subscriber, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		publisher:  pub,
		subscriber: sub,
		logger:     logger,
		open:       make(map[uint32]struct{}),
	}
}

// NewGoChannel builds a bridge over an in-memory GoChannel Pub/Sub with the
// given per-subscriber buffer.
func NewGoChannel(bufferSlots int, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ps := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: int64(bufferSlots)},
		watermill.NewSlogLogger(logger),
	)
	return New(ps, ps, logger)
}

func topicFor(id uint32) string { return fmt.Sprintf("commrat.mbx.%08x", id) }

// Open subscribes the endpoint's topic.
func (b *Bridge) Open(id uint32, opts transport.Options) (transport.Endpoint, error) {
	if opts.CapacitySlots <= 0 {
		return nil, fmt.Errorf("watermillbridge: endpoint %#x: capacity must be positive", id)
	}

	b.mu.Lock()
	if _, dup := b.open[id]; dup {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %#x", transport.ErrAlreadyOpen, id)
	}
	b.open[id] = struct{}{}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := b.subscriber.Subscribe(ctx, topicFor(id))
	if err != nil {
		cancel()
		b.forget(id)
		return nil, fmt.Errorf("watermillbridge: subscribe %#x: %w", id, err)
	}

	b.logger.Debug("watermillbridge: endpoint open",
		"id", fmt.Sprintf("%#x", id), "name", opts.Name)
	return &endpoint{bridge: b, id: id, opts: opts, msgs: msgs, cancel: cancel, done: ctx.Done()}, nil
}

func (b *Bridge) forget(id uint32) {
	b.mu.Lock()
	delete(b.open, id)
	b.mu.Unlock()
}

type endpoint struct {
	bridge *Bridge
	id     uint32
	opts   transport.Options
	msgs   <-chan *wmmessage.Message
	cancel context.CancelFunc
	done   <-chan struct{}

	closeMu sync.Mutex
	closed  bool
}

func (e *endpoint) ID() uint32 { return e.id }

func (e *endpoint) Send(dest uint32, frame []byte) error {
	if e.isClosed() {
		return transport.ErrClosed
	}
	msg := wmmessage.NewMessage(watermill.NewUUID(), frame)
	if err := e.bridge.publisher.Publish(topicFor(dest), msg); err != nil {
		return fmt.Errorf("watermillbridge: publish to %#x: %w", dest, err)
	}
	return nil
}

func (e *endpoint) Receive(timeout time.Duration) ([]byte, error) {
	select {
	case <-e.done:
		return nil, transport.ErrClosed
	default:
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case msg, ok := <-e.msgs:
		if !ok {
			return nil, transport.ErrClosed
		}
		msg.Ack()
		frame := msg.Payload
		if e.opts.MaxFrameBytes > 0 && len(frame) > e.opts.MaxFrameBytes {
			return nil, fmt.Errorf("%w: %d > %d", transport.ErrFrameTooLarge, len(frame), e.opts.MaxFrameBytes)
		}
		return frame, nil
	case <-e.done:
		return nil, transport.ErrClosed
	case <-timeoutC:
		return nil, transport.ErrTimeout
	}
}

func (e *endpoint) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.bridge.forget(e.id)
	e.cancel()
	return nil
}

func (e *endpoint) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}
