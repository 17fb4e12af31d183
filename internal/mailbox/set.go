package mailbox

import (
	"fmt"
	"log/slog"

	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/internal/domain/address"
	"github.com/mattih11/commrat/internal/domain/message"
)

// SetConfig describes the mailbox set of one output type.
type SetConfig struct {
	// OutputID is the message id of the output type T; its low 16 bits
	// seed the base address.
	OutputID   uint32
	SystemID   uint8
	InstanceID uint8

	// CommandIDs are the module's declared command types, permitted on
	// the CMD mailbox (empty when the module declares none).
	CommandIDs []uint32

	Slots    int
	Priority uint8
	Realtime bool
	Name     string
}

// Set bundles the three mailboxes of one output type: CMD for user commands,
// WORK for the subscription protocol, PUBLISH outgoing to subscribers. All
// three share one base address derived from the output type.
type Set struct {
	Base    uint32
	Cmd     *Typed
	Work    *Typed
	Publish *Typed
}

// NewSet allocates the three typed mailboxes (buffers only; endpoints open
// at Start).
func NewSet(reg *message.Registry, opener transport.Opener, cfg SetConfig, logger *slog.Logger) (*Set, error) {
	base, err := address.Base(message.TypeIDLow(cfg.OutputID), cfg.SystemID, cfg.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("mailbox set %s: %w", cfg.Name, err)
	}

	cmd, err := NewTyped(reg, opener, base+uint32(address.KindCmd), cfg.CommandIDs,
		transport.Options{
			CapacitySlots: cfg.Slots,
			Priority:      cfg.Priority,
			Realtime:      cfg.Realtime,
			Name:          cfg.Name + "/cmd",
		}, logger)
	if err != nil {
		return nil, err
	}

	work, err := NewTyped(reg, opener, base+uint32(address.KindWork), message.WorkMailboxIDs(reg),
		transport.Options{
			CapacitySlots: cfg.Slots,
			Priority:      cfg.Priority,
			Realtime:      cfg.Realtime,
			Name:          cfg.Name + "/work",
		}, logger)
	if err != nil {
		return nil, err
	}

	publish, err := NewTyped(reg, opener, base+uint32(address.KindPublish), []uint32{cfg.OutputID},
		transport.Options{
			CapacitySlots: cfg.Slots,
			Priority:      cfg.Priority,
			Realtime:      cfg.Realtime,
			Name:          cfg.Name + "/publish",
		}, logger)
	if err != nil {
		return nil, err
	}

	return &Set{Base: base, Cmd: cmd, Work: work, Publish: publish}, nil
}

// Start opens all three mailboxes; on failure the already-opened ones are
// closed so no set is left half-started.
func (s *Set) Start() error {
	opened := make([]*Typed, 0, 3)
	for _, mb := range []*Typed{s.Cmd, s.Work, s.Publish} {
		if err := mb.Start(); err != nil {
			for _, o := range opened {
				o.Stop()
			}
			return err
		}
		opened = append(opened, mb)
	}
	return nil
}

// Stop closes all three mailboxes.
func (s *Set) Stop() {
	s.Publish.Stop()
	s.Work.Stop()
	s.Cmd.Stop()
}
