package module

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/internal/domain/address"
	"github.com/mattih11/commrat/internal/domain/message"
	"github.com/mattih11/commrat/internal/mailbox"
)

const (
	subscribeAttempts = 5
	subscribeBackoff  = 100 * time.Millisecond
	replyWait         = 500 * time.Millisecond
)

// subscriptionState tracks one configured source on the consumer side.
// Transient; reset by unsubscribe and on every start.
type subscriptionState struct {
	requested      bool
	replyReceived  bool
	actualPeriodMS int64
	nonce          string
}

// producerWorkAddr computes the WORK mailbox of the producer whose output
// type equals input k's type.
func (m *Module) producerWorkAddr(k int) (uint32, error) {
	src := m.cfg.Inputs[k]
	return address.Encode(message.TypeIDLow(m.spec.Inputs[k].ID),
		src.SystemID, src.InstanceID, address.KindWork)
}

// subscribeAll runs the consumer side of the protocol for every configured
// source: send the request (retrying while the producer is absent or its
// queue is full), then wait briefly for the nonce-matched reply. A source
// that never replies leaves the module running with an invalid input slot.
func (m *Module) subscribeAll() {
	for k := range m.spec.Inputs {
		dest, err := m.producerWorkAddr(k)
		if err != nil {
			m.logger.Error("subscribe: bad producer address", "input", k, "err", err)
			continue
		}

		nonce := uuid.NewString()
		req := &message.SubscribeRequest{
			SubscriberBaseAddr: m.inputBase[k],
			MailboxIndex:       uint8(address.KindDataBase) + m.dataIndex[k],
			RequestedPeriodMS:  m.cfg.Inputs[k].RequestedPeriodMS,
			Nonce:              nonce,
		}
		m.subs[k] = subscriptionState{requested: true, nonce: nonce}

		if !m.sendWithRetry(k, dest, req) {
			m.logger.Error("subscribe: giving up",
				"input", k, "dest", fmt.Sprintf("%#x", dest), "attempts", subscribeAttempts)
			continue
		}
		m.awaitReply(k)
	}
}

func (m *Module) sendWithRetry(k int, dest uint32, req *message.SubscribeRequest) bool {
	for attempt := 1; attempt <= subscribeAttempts; attempt++ {
		err := m.workBoxes[k].Send(dest, req, m.deps.Clock.NowNS())
		if err == nil {
			return true
		}
		if !errors.Is(err, transport.ErrQueueFull) && !errors.Is(err, transport.ErrNoRoute) {
			m.logger.Error("subscribe: send failed", "input", k, "err", err)
			return false
		}
		m.logger.Info("subscribe: producer not ready, retrying",
			"input", k, "attempt", attempt, "of", subscribeAttempts)
		m.deps.Clock.Sleep(subscribeBackoff)
	}
	return false
}

// awaitReply consumes the consumer-side WORK mailbox until the reply whose
// nonce matches the outstanding request arrives, or the wait elapses.
func (m *Module) awaitReply(k int) {
	deadline := time.Now().Add(replyWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.logger.Warn("subscribe: no reply", "input", k)
			return
		}
		env, err := m.workBoxes[k].ReceiveAny(remaining)
		if err != nil {
			if !errors.Is(err, transport.ErrTimeout) {
				m.logger.Warn("subscribe: reply receive", "input", k, "err", err)
			} else {
				m.logger.Warn("subscribe: no reply", "input", k)
			}
			return
		}
		reply, ok := env.Payload.(*message.SubscribeReply)
		if !ok {
			m.logger.Debug("subscribe: unexpected frame while awaiting reply",
				"input", k, "msg_type", fmt.Sprintf("%#x", env.Header.MsgType))
			continue
		}
		if reply.Nonce != m.subs[k].nonce {
			m.logger.Debug("subscribe: stale reply nonce ignored", "input", k)
			continue
		}
		m.subs[k].replyReceived = true
		m.subs[k].actualPeriodMS = reply.ActualPeriodMS
		if !reply.Success {
			m.logger.Error("subscribe: rejected by producer",
				"input", k, "error_code", reply.ErrorCode)
			return
		}
		m.logger.Info("subscribed", "input", k, "actual_period_ms", reply.ActualPeriodMS)
		return
	}
}

// unsubscribeAll notifies every source once, best-effort without retry.
func (m *Module) unsubscribeAll() {
	for k := range m.spec.Inputs {
		if !m.subs[k].requested {
			continue
		}
		dest, err := m.producerWorkAddr(k)
		if err != nil {
			continue
		}
		req := &message.UnsubscribeRequest{SubscriberBaseAddr: m.inputBase[k]}
		if err := m.workBoxes[k].Send(dest, req, m.deps.Clock.NowNS()); err != nil {
			m.logger.Debug("unsubscribe: send failed", "input", k, "err", err)
		}
		m.subs[k] = subscriptionState{}
	}
}

// runWorkLoop is the producer-side protocol handler for output k. It blocks
// on the output's WORK mailbox and dispatches each frame until the mailbox
// closes.
func (m *Module) runWorkLoop(k int) {
	set := m.sets[k]
	for {
		env, err := set.Work.ReceiveAny(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, mailbox.ErrNotStarted) {
				return
			}
			m.logger.Warn("work loop: receive", "output", k, "err", err)
			continue
		}
		switch req := env.Payload.(type) {
		case *message.SubscribeRequest:
			m.handleSubscribe(k, req)
		case *message.UnsubscribeRequest:
			m.handleUnsubscribe(k, req)
		default:
			// Replies belong on consumer-side mailboxes; a stray one
			// here is dropped.
			m.logger.Debug("work loop: stray frame",
				"output", k, "msg_type", fmt.Sprintf("%#x", env.Header.MsgType))
		}
	}
}

func (m *Module) handleSubscribe(k int, req *message.SubscribeRequest) {
	replyTo := req.SubscriberBaseAddr + uint32(address.KindWork)
	reply := &message.SubscribeReply{
		Nonce:          req.Nonce,
		ActualPeriodMS: m.cfg.Period.Milliseconds(),
	}

	idx := req.MailboxIndex
	if idx < uint8(address.KindDataBase) || idx > uint8(address.KindDataBase)+address.MaxInputIndex {
		reply.ErrorCode = message.SubscribeErrOther
		m.sendReply(k, replyTo, reply)
		return
	}

	// Retries with backoff can redeliver a request; a nonce seen before
	// is acknowledged again without touching the list.
	if req.Nonce != "" {
		if _, dup := m.nonceSeen.Get(req.Nonce); dup {
			reply.Success = true
			m.sendReply(k, replyTo, reply)
			return
		}
	}

	sub := Subscriber{
		BaseAddr:   req.SubscriberBaseAddr,
		InputIndex: idx - uint8(address.KindDataBase),
	}
	switch err := m.router.add(k, sub); {
	case err == nil, errors.Is(err, errSubscriberDuplicate):
		reply.Success = true
		if req.Nonce != "" {
			m.nonceSeen.Add(req.Nonce, struct{}{})
		}
		m.logger.Info("subscriber added",
			"output", k, "subscriber", fmt.Sprintf("%#x", sub.BaseAddr),
			"input_index", sub.InputIndex)
	case errors.Is(err, errSubscriberCapacity):
		reply.ErrorCode = message.SubscribeErrCapacity
		m.logger.Warn("subscriber rejected: capacity",
			"output", k, "subscriber", fmt.Sprintf("%#x", sub.BaseAddr))
	default:
		reply.ErrorCode = message.SubscribeErrOther
	}
	m.sendReply(k, replyTo, reply)
}

func (m *Module) handleUnsubscribe(k int, req *message.UnsubscribeRequest) {
	removed := m.router.removeAll(req.SubscriberBaseAddr)
	m.logger.Info("subscriber removed",
		"subscriber", fmt.Sprintf("%#x", req.SubscriberBaseAddr), "records", removed)
	m.sendReply(k, req.SubscriberBaseAddr+uint32(address.KindWork),
		&message.UnsubscribeReply{Success: true})
}

func (m *Module) sendReply(k int, dest uint32, reply any) {
	if err := m.sets[k].Work.Send(dest, reply, m.deps.Clock.NowNS()); err != nil {
		m.logger.Debug("work loop: reply send failed",
			"dest", fmt.Sprintf("%#x", dest), "err", err)
	}
}
