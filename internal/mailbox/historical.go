package mailbox

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/internal/history"
)

// Historical pairs a DATA mailbox with a timestamped ring buffer. A receive
// goroutine owned by the module pumps arrivals into history; the driving
// loop samples by timestamp.
type Historical struct {
	Mailbox *Typed
	ring    *history.Ring[*Envelope]
	logger  *slog.Logger
}

// NewHistorical wraps a DATA mailbox with a history of the given depth.
func NewHistorical(mb *Typed, depth int, logger *slog.Logger) *Historical {
	if logger == nil {
		logger = slog.Default()
	}
	return &Historical{
		Mailbox: mb,
		ring:    history.NewRing[*Envelope](depth, logger),
		logger:  logger,
	}
}

// Pump blocks on the mailbox, storing each arrival keyed by its header
// timestamp. It returns when the mailbox closes.
func (h *Historical) Pump() {
	for {
		env, err := h.Mailbox.ReceiveAny(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, ErrNotStarted) {
				return
			}
			h.logger.Warn("historical input: receive", "err", err)
			continue
		}
		h.ring.Push(env.Header.TimestampNS, env)
	}
}

// Get samples the history at the requested timestamp.
func (h *Historical) Get(requestedNS uint64, tolerance time.Duration, mode history.Mode) (*Envelope, bool) {
	e, ok := h.ring.Get(requestedNS, tolerance, mode)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// TimestampRange exposes the stored bounds.
func (h *Historical) TimestampRange() (oldest, newest uint64) {
	return h.ring.TimestampRange()
}

// Clear empties the history.
func (h *Historical) Clear() { h.ring.Clear() }
