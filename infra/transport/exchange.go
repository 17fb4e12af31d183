package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Exchange is the in-process transport backend. It maintains an active
// registry of id -> endpoint and routes frames between them.
type Exchange struct {
	endpoints sync.Map // uint32 -> *exchangeEndpoint
	logger    *slog.Logger
}

// NewExchange creates an empty exchange.
func NewExchange(logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{logger: logger}
}

// Open allocates the endpoint's FIFO and publishes it in the routing table.
func (x *Exchange) Open(id uint32, opts Options) (Endpoint, error) {
	if opts.CapacitySlots <= 0 {
		return nil, fmt.Errorf("transport: endpoint %#x: capacity must be positive", id)
	}

	ep := &exchangeEndpoint{
		exchange: x,
		id:       id,
		opts:     opts,
		frames:   make(chan []byte, opts.CapacitySlots),
		done:     make(chan struct{}),
	}
	if _, loaded := x.endpoints.LoadOrStore(id, ep); loaded {
		return nil, fmt.Errorf("%w: %#x", ErrAlreadyOpen, id)
	}

	x.logger.Debug("transport: endpoint open",
		"id", fmt.Sprintf("%#x", id), "name", opts.Name,
		"slots", opts.CapacitySlots, "realtime", opts.Realtime)
	return ep, nil
}

func (x *Exchange) route(dest uint32, frame []byte) error {
	val, ok := x.endpoints.Load(dest)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNoRoute, dest)
	}
	return val.(*exchangeEndpoint).deliver(frame)
}

func (x *Exchange) remove(id uint32) {
	x.endpoints.Delete(id)
}

// Shutdown closes every open endpoint, unblocking all receivers.
func (x *Exchange) Shutdown() {
	x.endpoints.Range(func(_, value any) bool {
		value.(*exchangeEndpoint).Close()
		return true
	})
}

// exchangeEndpoint is a buffered frame channel with a close signal. The
// frames channel is never closed; the done channel unblocks receivers.
type exchangeEndpoint struct {
	exchange *Exchange
	id       uint32
	opts     Options
	frames   chan []byte
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

func (e *exchangeEndpoint) ID() uint32 { return e.id }

func (e *exchangeEndpoint) Send(dest uint32, frame []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.exchange.route(dest, frame)
}

// deliver enqueues a frame. A full FIFO drops its oldest queued frame to
// admit the new one, so receivers always see the most recent history.
func (e *exchangeEndpoint) deliver(frame []byte) error {
	if e.isClosed() {
		return fmt.Errorf("%w: %#x", ErrNoRoute, e.id)
	}
	if e.opts.MaxFrameBytes > 0 && len(frame) > e.opts.MaxFrameBytes {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), e.opts.MaxFrameBytes)
	}
	for {
		select {
		case e.frames <- frame:
			return nil
		default:
		}
		// Displace the oldest entry; a concurrent receiver may have
		// freed a slot already, in which case nothing is dropped.
		select {
		case <-e.frames:
		default:
		}
	}
}

func (e *exchangeEndpoint) Receive(timeout time.Duration) ([]byte, error) {
	// Check the close signal first so a stopped endpoint reports Closed
	// rather than draining leftovers.
	select {
	case <-e.done:
		return nil, ErrClosed
	default:
	}

	if timeout <= 0 {
		select {
		case frame := <-e.frames:
			return frame, nil
		case <-e.done:
			return nil, ErrClosed
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-e.frames:
		return frame, nil
	case <-e.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (e *exchangeEndpoint) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.exchange.remove(e.id)
	close(e.done)
	return nil
}

func (e *exchangeEndpoint) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}
