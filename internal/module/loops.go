package module

import (
	"errors"
	"fmt"

	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/internal/domain/address"
	"github.com/mattih11/commrat/internal/history"
	"github.com/mattih11/commrat/internal/mailbox"
)

// The four loop behaviors. Every loop follows the same invocation contract:
// metadata update, then Process, then publication of the staged outputs, all
// carrying one timestamp — generated for no-input loops, propagated from the
// triggering input otherwise.

func (m *Module) newInvocation(ts uint64) *Invocation {
	return &Invocation{
		timestampNS: ts,
		inputs:      make([]any, len(m.spec.Inputs)),
		meta:        m.meta,
		outputs:     make([]any, len(m.spec.Outputs)),
	}
}

func (m *Module) invoke(inv *Invocation) {
	if err := m.handler.Process(inv); err != nil {
		m.logger.Warn("process failed, outputs discarded", "err", err)
		return
	}
	m.stats.processed.Add(1)
	m.publish(inv)
}

// runPeriodic sleeps exactly the configured period between iterations; an
// overrunning Process drifts rather than triggering catch-up.
func (m *Module) runPeriodic() {
	period := m.cfg.Period
	for m.running.get() {
		ts := m.deps.Clock.NowNS()
		m.invoke(m.newInvocation(ts))
		m.deps.Clock.Sleep(period)
	}
}

// runFree emits as fast as Process produces.
func (m *Module) runFree() {
	for m.running.get() {
		ts := m.deps.Clock.NowNS()
		m.invoke(m.newInvocation(ts))
	}
}

// runContinuous blocks on the single DATA mailbox and propagates the input
// timestamp to every output.
func (m *Module) runContinuous() {
	box := m.dataBoxes[0]
	for {
		env, err := box.ReceiveAny(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, mailbox.ErrNotStarted) {
				return
			}
			m.logger.Warn("data loop: receive", "err", err)
			continue
		}
		if !m.running.get() {
			return
		}

		m.meta.ageAll()
		m.meta.markFresh(0, env.Header.TimestampNS, env.Header.SeqNumber, env.Header.MsgType)

		inv := m.newInvocation(env.Header.TimestampNS)
		inv.inputs[0] = env.Payload
		m.invoke(inv)
	}
}

// runPrimaryDriven blocks on the primary input; each arrival samples every
// secondary history at the primary timestamp. A secondary outside the sync
// tolerance aborts the iteration.
func (m *Module) runPrimaryDriven() {
	primary := m.dataBoxes[0]
	for {
		env, err := primary.ReceiveAny(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, mailbox.ErrNotStarted) {
				return
			}
			m.logger.Warn("primary loop: receive", "err", err)
			continue
		}
		if !m.running.get() {
			return
		}

		ts := env.Header.TimestampNS
		m.meta.ageAll()
		m.meta.markFresh(0, ts, env.Header.SeqNumber, env.Header.MsgType)

		inv := m.newInvocation(ts)
		inv.inputs[0] = env.Payload

		synced := true
		for k := 1; k < len(m.spec.Inputs); k++ {
			sec, ok := m.histories[k].Get(ts, m.cfg.SyncTolerance, history.Nearest)
			if !ok {
				m.meta.markMissed(k)
				m.stats.syncMisses.Add(1)
				synced = false
				break
			}
			m.meta.markFresh(k, sec.Header.TimestampNS, sec.Header.SeqNumber, sec.Header.MsgType)
			inv.inputs[k] = sec.Payload
		}
		if !synced {
			continue
		}
		m.invoke(inv)
	}
}

// publish routes each staged output to the subscribers of that specific
// output type. Send failures are logged per subscriber; the record stays in
// the list, removal only ever happens via UnsubscribeRequest.
func (m *Module) publish(inv *Invocation) {
	for k, payload := range inv.outputs {
		if payload == nil {
			continue
		}
		set := m.sets[k]
		for _, sub := range m.router.snapshot(k) {
			dest := sub.BaseAddr | uint32(address.KindDataBase+address.Kind(sub.InputIndex))
			err := m.router.send(k, sub, func() error {
				return set.Publish.Send(dest, payload, inv.timestampNS)
			})
			if err != nil {
				m.stats.publishDrops.Add(1)
				m.logger.Debug("publish drop",
					"output", k, "dest", fmt.Sprintf("%#x", dest), "err", err)
				continue
			}
			m.stats.published.Add(1)
		}
	}
}
