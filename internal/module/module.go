package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mattih11/commrat/config"
	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/internal/clock"
	"github.com/mattih11/commrat/internal/domain/address"
	"github.com/mattih11/commrat/internal/domain/message"
	"github.com/mattih11/commrat/internal/mailbox"
)

// State is the lifecycle position of a module.
type State int32

const (
	StateConstructed State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("module: already started")
	// ErrNotStarted is returned by Stop on a module that never started.
	ErrNotStarted = errors.New("module: not started")
)

// startupSettleDelay gives spawned threads time to enter their receive
// loops before subscription requests go out.
const startupSettleDelay = 10 * time.Millisecond

// Deps are the collaborators a module runs against.
type Deps struct {
	Registry  *message.Registry
	Transport transport.Opener
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Module binds a user handler and its I/O declaration to the runtime:
// mailbox infrastructure, subscription protocol, execution loop, command
// dispatch and lifecycle.
//
// Start after Stop is a complete re-run: mailboxes reopen, threads respawn
// and subscriptions fire again.
type Module struct {
	name    string
	cfg     config.Module
	spec    Spec
	handler Handler
	deps    Deps
	logger  *slog.Logger

	// Producer side: one mailbox set per declared output.
	sets []*mailbox.Set
	// cmdBox hosts user commands: output 0's CMD mailbox, or a
	// standalone mailbox for modules without outputs.
	cmdBox        *mailbox.Typed
	standaloneCmd bool

	// Consumer side, one per declared input: the DATA mailbox, the WORK
	// mailbox replies arrive on, and the history for secondary inputs.
	dataBoxes []*mailbox.Typed
	workBoxes []*mailbox.Typed
	histories []*mailbox.Historical
	dataIndex []uint8
	inputBase []uint32

	router    *router
	nonceSeen *lru.Cache[string, struct{}]
	subs      []subscriptionState

	// lifeMu serializes Start and Stop; mu guards state reads.
	lifeMu  sync.Mutex
	mu      sync.Mutex
	state   State
	running *flag

	grpData      *errgroup.Group
	grpSecondary *errgroup.Group
	grpWork      *errgroup.Group
	grpCmd       *errgroup.Group

	meta  *metadataTable
	stats Stats
}

// flag is the shared running indicator threads poll between iterations.
type flag struct {
	mu  sync.Mutex
	set bool
}

func (f *flag) get() bool  { f.mu.Lock(); defer f.mu.Unlock(); return f.set }
func (f *flag) put(v bool) { f.mu.Lock(); f.set = v; f.mu.Unlock() }

// New validates the configuration against the declaration and allocates the
// mailbox infrastructure. Endpoints open at Start.
func New(cfg config.Module, spec Spec, handler Handler, deps Deps) (*Module, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("module: handler is required")
	}
	if len(spec.Outputs) == 0 && len(spec.Inputs) == 0 {
		return nil, errors.New("module: declaration has neither inputs nor outputs")
	}
	if len(spec.Inputs) == 0 && spec.Mode == ModePeriodic && cfg.Period <= 0 {
		return nil, fmt.Errorf("module %s: periodic mode requires a period", cfg.Name)
	}
	if len(cfg.Inputs) != len(spec.Inputs) {
		return nil, fmt.Errorf("module %s: %d input sources configured for %d declared inputs",
			cfg.Name, len(cfg.Inputs), len(spec.Inputs))
	}
	if len(cfg.Outputs) > len(spec.Outputs) {
		return nil, fmt.Errorf("module %s: %d output overrides for %d declared outputs",
			cfg.Name, len(cfg.Outputs), len(spec.Outputs))
	}
	if deps.Registry == nil || deps.Transport == nil {
		return nil, errors.New("module: registry and transport are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewMonotonic()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", cfg.Name)

	m := &Module{
		name:    cfg.Name,
		cfg:     cfg,
		spec:    spec,
		handler: handler,
		deps:    deps,
		logger:  logger,
		running: &flag{},
		meta:    newMetadataTable(len(spec.Inputs)),
		subs:    make([]subscriptionState, len(spec.Inputs)),
		router:  newRouter(len(spec.Outputs), cfg.MaxSubscribers, cfg.PublishBreaker, cfg.Name),
	}

	seen := make(map[uint32]string)
	claimBase := func(base uint32, what string) error {
		if prev, dup := seen[base]; dup {
			return fmt.Errorf("module %s: %s collides with %s at base %#x", cfg.Name, what, prev, base)
		}
		seen[base] = what
		return nil
	}

	for i, out := range spec.Outputs {
		sys, inst := cfg.SystemID, cfg.InstanceID
		if i < len(cfg.Outputs) {
			if cfg.Outputs[i].SystemID != nil {
				sys = *cfg.Outputs[i].SystemID
			}
			if cfg.Outputs[i].InstanceID != nil {
				inst = *cfg.Outputs[i].InstanceID
			}
		}
		set, err := mailbox.NewSet(deps.Registry, deps.Transport, mailbox.SetConfig{
			OutputID:   out.ID,
			SystemID:   sys,
			InstanceID: inst,
			CommandIDs: spec.Commands,
			Slots:      cfg.MessageSlots,
			Priority:   cfg.Priority,
			Realtime:   cfg.Realtime,
			Name:       fmt.Sprintf("%s/out%d", cfg.Name, i),
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := claimBase(set.Base, fmt.Sprintf("output %d", i)); err != nil {
			return nil, err
		}
		m.sets = append(m.sets, set)
	}

	for k, in := range spec.Inputs {
		idx := uint8(k)
		if cfg.Inputs[k].InputIndex != nil {
			idx = *cfg.Inputs[k].InputIndex
		}
		dataKind, err := address.DataKind(idx)
		if err != nil {
			return nil, err
		}
		base, err := address.Base(message.TypeIDLow(in.ID), cfg.SystemID, cfg.InstanceID)
		if err != nil {
			return nil, err
		}
		if err := claimBase(base, fmt.Sprintf("input %d", k)); err != nil {
			return nil, err
		}

		dataBox, err := mailbox.NewTyped(deps.Registry, deps.Transport, base|uint32(dataKind),
			[]uint32{in.ID}, transport.Options{
				CapacitySlots: cfg.MessageSlots,
				Priority:      cfg.Priority,
				Realtime:      cfg.Realtime,
				Name:          fmt.Sprintf("%s/in%d", cfg.Name, k),
			}, logger)
		if err != nil {
			return nil, err
		}
		workBox, err := mailbox.NewTyped(deps.Registry, deps.Transport, base+uint32(address.KindWork),
			message.WorkMailboxIDs(deps.Registry), transport.Options{
				CapacitySlots: cfg.MessageSlots,
				Name:          fmt.Sprintf("%s/in%d/work", cfg.Name, k),
			}, logger)
		if err != nil {
			return nil, err
		}
		m.dataBoxes = append(m.dataBoxes, dataBox)
		m.workBoxes = append(m.workBoxes, workBox)
		m.dataIndex = append(m.dataIndex, idx)
		m.inputBase = append(m.inputBase, base)

		if len(spec.Inputs) > 1 && k > 0 {
			m.histories = append(m.histories, mailbox.NewHistorical(dataBox, cfg.HistoryDepth, logger))
		} else {
			m.histories = append(m.histories, nil)
		}
	}

	if len(m.sets) > 0 {
		m.cmdBox = m.sets[0].Cmd
	} else {
		cmdBox, err := mailbox.NewTyped(deps.Registry, deps.Transport,
			m.inputBase[0]+uint32(address.KindCmd), spec.Commands, transport.Options{
				CapacitySlots: cfg.MessageSlots,
				Name:          cfg.Name + "/cmd",
			}, logger)
		if err != nil {
			return nil, err
		}
		m.cmdBox = cmdBox
		m.standaloneCmd = true
	}

	// Frames dropped on the DATA path surface as a steady-state counter;
	// protocol mailboxes only log.
	for _, box := range m.dataBoxes {
		box.OnDiscard(func() { m.stats.decodeDrops.Add(1) })
	}

	nonceSeen, err := lru.New[string, struct{}](256)
	if err != nil {
		return nil, err
	}
	m.nonceSeen = nonceSeen
	return m, nil
}

// Name returns the configured module name.
func (m *Module) Name() string { return m.name }

// State reports the lifecycle position.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns the steady-state counters.
func (m *Module) Stats() StatsSnapshot { return m.stats.snapshot() }

// SubscriberCounts reports the per-output subscriber list sizes.
func (m *Module) SubscriberCounts() []int { return m.router.counts() }

// InputMetadata returns a copy of the per-input metadata slots.
func (m *Module) InputMetadata() []Metadata { return m.meta.snapshot() }

// Start runs the full startup sequence: init hook, mailbox opening, thread
// spawning, and the subscription exchange. On failure nothing is left half
// open.
func (m *Module) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.state == StateStarted {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.mu.Unlock()

	if h, ok := m.handler.(InitHook); ok {
		if err := h.OnInit(ctx); err != nil {
			return fmt.Errorf("module %s: on_init: %w", m.name, err)
		}
	}

	if err := m.openMailboxes(); err != nil {
		return err
	}

	m.running.put(true)
	if h, ok := m.handler.(StartHook); ok {
		if err := h.OnStart(ctx); err != nil {
			m.running.put(false)
			m.closeMailboxes()
			return fmt.Errorf("module %s: on_start: %w", m.name, err)
		}
	}

	m.spawnThreads()
	m.deps.Clock.Sleep(startupSettleDelay)
	m.subscribeAll()

	m.mu.Lock()
	m.state = StateStarted
	m.mu.Unlock()
	m.logger.Info("module started",
		"system_id", m.cfg.SystemID, "instance_id", m.cfg.InstanceID,
		"outputs", len(m.spec.Outputs), "inputs", len(m.spec.Inputs))
	return nil
}

// Stop tears the module down: unsubscribe, thread joins in lifecycle order,
// mailbox closing, cleanup hook. Stopping a stopped module is a no-op.
func (m *Module) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case StateConstructed:
		m.mu.Unlock()
		return ErrNotStarted
	case StateStopped:
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopped
	m.mu.Unlock()

	if h, ok := m.handler.(StopHook); ok {
		if err := h.OnStop(ctx); err != nil {
			m.logger.Warn("on_stop hook failed", "err", err)
		}
	}

	m.unsubscribeAll()
	m.running.put(false)

	// Each thread class is unblocked by closing the mailbox it waits on,
	// then joined, preserving the teardown order.
	if len(m.dataBoxes) > 0 {
		m.dataBoxes[0].Stop()
	}
	m.grpData.Wait()

	for k := 1; k < len(m.dataBoxes); k++ {
		m.dataBoxes[k].Stop()
	}
	m.grpSecondary.Wait()

	for _, set := range m.sets {
		set.Work.Stop()
	}
	m.grpWork.Wait()

	m.cmdBox.Stop()
	m.grpCmd.Wait()

	m.closeMailboxes()

	if h, ok := m.handler.(CleanupHook); ok {
		if err := h.OnCleanup(ctx); err != nil {
			m.logger.Warn("on_cleanup hook failed", "err", err)
		}
	}
	m.logger.Info("module stopped")
	return nil
}

func (m *Module) openMailboxes() error {
	var opened []func()
	fail := func(err error) error {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i]()
		}
		return err
	}

	for _, set := range m.sets {
		if err := set.Start(); err != nil {
			return fail(fmt.Errorf("module %s: %w", m.name, err))
		}
		s := set
		opened = append(opened, func() { s.Stop() })
	}
	if m.standaloneCmd {
		if err := m.cmdBox.Start(); err != nil {
			return fail(fmt.Errorf("module %s: %w", m.name, err))
		}
		opened = append(opened, func() { m.cmdBox.Stop() })
	}
	for _, mb := range append(append([]*mailbox.Typed{}, m.dataBoxes...), m.workBoxes...) {
		if err := mb.Start(); err != nil {
			return fail(fmt.Errorf("module %s: %w", m.name, err))
		}
		b := mb
		opened = append(opened, func() { b.Stop() })
	}
	for _, h := range m.histories {
		if h != nil {
			h.Clear()
		}
	}
	return nil
}

func (m *Module) closeMailboxes() {
	for _, set := range m.sets {
		set.Stop()
	}
	if m.standaloneCmd {
		m.cmdBox.Stop()
	}
	for _, mb := range m.dataBoxes {
		mb.Stop()
	}
	for _, mb := range m.workBoxes {
		mb.Stop()
	}
}

func (m *Module) spawnThreads() {
	m.grpData = &errgroup.Group{}
	m.grpSecondary = &errgroup.Group{}
	m.grpWork = &errgroup.Group{}
	m.grpCmd = &errgroup.Group{}

	for k := range m.sets {
		k := k
		m.grpWork.Go(func() error {
			m.runWorkLoop(k)
			return nil
		})
	}

	m.grpCmd.Go(func() error {
		m.runCommandLoop()
		return nil
	})

	m.grpData.Go(func() error {
		m.runDataLoop()
		return nil
	})

	for k := 1; k < len(m.histories); k++ {
		h := m.histories[k]
		if h == nil {
			continue
		}
		m.grpSecondary.Go(func() error {
			h.Pump()
			return nil
		})
	}
}

// runDataLoop selects the loop behavior from the I/O declaration.
func (m *Module) runDataLoop() {
	switch {
	case len(m.spec.Inputs) == 0 && m.spec.Mode == ModePeriodic:
		m.runPeriodic()
	case len(m.spec.Inputs) == 0:
		m.runFree()
	case len(m.spec.Inputs) == 1:
		m.runContinuous()
	default:
		m.runPrimaryDriven()
	}
}

func (m *Module) runCommandLoop() {
	if len(m.spec.Commands) == 0 {
		// Still drain the mailbox so stray frames are logged and the
		// thread exits on close.
		for {
			if _, err := m.cmdBox.ReceiveAny(0); err != nil {
				return
			}
		}
	}
	for {
		env, err := m.cmdBox.ReceiveAny(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, mailbox.ErrNotStarted) {
				return
			}
			m.logger.Warn("command loop: receive", "err", err)
			continue
		}
		m.stats.commands.Add(1)
		if h, ok := m.handler.(CommandHandler); ok {
			h.OnCommand(env.Payload)
		}
	}
}
