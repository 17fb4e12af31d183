// Package mailbox layers typed send/receive over the transport primitive:
// the typed facade (serialize, deserialize, dispatch by type), the per-output
// mailbox set, and the historical input used for temporal synchronization.
package mailbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/internal/domain/message"
)

// ErrAlreadyStarted is returned by Start on a started mailbox.
var ErrAlreadyStarted = errors.New("mailbox: already started")

// ErrNotStarted is returned for operations before Start.
var ErrNotStarted = errors.New("mailbox: not started")

// WrongTypeError reports a typed receive hitting a different permitted type.
type WrongTypeError struct {
	Expected uint32
	Got      uint32
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("mailbox: wrong type: expected %#x, got %#x", e.Expected, e.Got)
}

// Envelope is one received frame with its decoded payload.
type Envelope struct {
	Header  message.Header
	Payload any
}

// Typed is the typed facade over one transport endpoint. It is constructed
// with the set of permitted payload types, which sizes the receive buffer
// tightly and discriminates arrivals.
type Typed struct {
	registry  *message.Registry
	opener    transport.Opener
	id        uint32
	permitted map[uint32]struct{}
	opts      transport.Options
	logger    *slog.Logger

	mu  sync.Mutex
	ep  transport.Endpoint
	seq atomic.Uint32

	// onDiscard, when set, observes every frame ReceiveAny drops:
	// malformed, unpermitted, or undecodable.
	onDiscard func()
}

// NewTyped prepares a typed mailbox; the transport endpoint is allocated by
// Start. Frame buffers are sized from the permitted subset, not the registry
// maximum.
func NewTyped(reg *message.Registry, opener transport.Opener, id uint32, permittedIDs []uint32, opts transport.Options, logger *slog.Logger) (*Typed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	permitted := make(map[uint32]struct{}, len(permittedIDs))
	for _, pid := range permittedIDs {
		if _, ok := reg.Lookup(pid); !ok {
			return nil, fmt.Errorf("mailbox: permitted id %#x not registered", pid)
		}
		permitted[pid] = struct{}{}
	}
	if len(permittedIDs) > 0 {
		maxFrame, err := reg.MaxSizeFor(permittedIDs...)
		if err != nil {
			return nil, err
		}
		opts.MaxFrameBytes = maxFrame
	}
	return &Typed{
		registry:  reg,
		opener:    opener,
		id:        id,
		permitted: permitted,
		opts:      opts,
		logger:    logger,
	}, nil
}

// ID returns the mailbox address.
func (m *Typed) ID() uint32 { return m.id }

// OnDiscard installs an observer for dropped frames. Set before Start.
func (m *Typed) OnDiscard(fn func()) { m.onDiscard = fn }

func (m *Typed) discarded() {
	if m.onDiscard != nil {
		m.onDiscard()
	}
}

// Start allocates the transport endpoint.
func (m *Typed) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ep != nil {
		return ErrAlreadyStarted
	}
	ep, err := m.opener.Open(m.id, m.opts)
	if err != nil {
		return fmt.Errorf("mailbox %s: transport init: %w", m.opts.Name, err)
	}
	m.ep = ep
	m.logger.Debug("mailbox started", "name", m.opts.Name, "id", fmt.Sprintf("%#x", m.id))
	return nil
}

// Stop closes the endpoint; nothing is drained. Idempotent.
func (m *Typed) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ep == nil {
		return nil
	}
	err := m.ep.Close()
	m.ep = nil
	return err
}

func (m *Typed) endpoint() (transport.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ep == nil {
		return nil, ErrNotStarted
	}
	return m.ep, nil
}

// Send serializes the message with a header carrying the given timestamp and
// this mailbox's next sequence number, then delivers it to dest.
func (m *Typed) Send(dest uint32, msg any, timestampNS uint64) error {
	ep, err := m.endpoint()
	if err != nil {
		return err
	}
	id, payload, err := m.registry.Encode(msg)
	if err != nil {
		return fmt.Errorf("mailbox %s: serialize: %w", m.opts.Name, err)
	}
	frame, err := message.BuildFrame(message.Header{
		MsgType:     id,
		TimestampNS: timestampNS,
		SeqNumber:   m.seq.Add(1) - 1,
	}, payload)
	if err != nil {
		return err
	}
	return ep.Send(dest, frame)
}

// ReceiveAny blocks up to timeout for the next frame of any permitted type.
// Frames of unknown or unpermitted types and frames that fail to decode are
// logged and discarded without consuming the caller's patience: the wait
// continues until the deadline.
func (m *Typed) ReceiveAny(timeout time.Duration) (*Envelope, error) {
	ep, err := m.endpoint()
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		wait := timeout
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, transport.ErrTimeout
			}
		}

		frame, err := ep.Receive(wait)
		if err != nil {
			return nil, err
		}

		h, payload, err := message.SplitFrame(frame)
		if err != nil {
			m.logger.Warn("mailbox: malformed frame discarded", "name", m.opts.Name, "err", err)
			m.discarded()
			continue
		}
		if _, ok := m.permitted[h.MsgType]; !ok {
			m.logger.Warn("mailbox: unpermitted type discarded",
				"name", m.opts.Name, "msg_type", fmt.Sprintf("%#x", h.MsgType))
			m.discarded()
			continue
		}
		decoded, err := m.registry.Decode(h.MsgType, payload)
		if err != nil {
			m.logger.Warn("mailbox: undecodable frame discarded", "name", m.opts.Name, "err", err)
			m.discarded()
			continue
		}
		return &Envelope{Header: h, Payload: decoded}, nil
	}
}

// Receive is the typed single-type receive: the next permitted frame must be
// a T or a WrongTypeError is returned.
func Receive[T any](m *Typed, timeout time.Duration) (*T, message.Header, error) {
	env, err := m.ReceiveAny(timeout)
	if err != nil {
		return nil, message.Header{}, err
	}
	v, ok := env.Payload.(*T)
	if !ok {
		return nil, env.Header, &WrongTypeError{
			Expected: message.MustID[T](m.registry),
			Got:      env.Header.MsgType,
		}
	}
	return v, env.Header, nil
}
