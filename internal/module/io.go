// Package module implements the module runtime: lifecycle, execution loops,
// the subscription protocol, per-output routing, command dispatch, and the
// per-input metadata surface user code reads during Process.
package module

import (
	"context"
	"fmt"
)

// Mode selects how a no-input module is driven.
type Mode int

const (
	// ModePeriodic invokes Process every configured period.
	ModePeriodic Mode = iota
	// ModeFreeRunning invokes Process as fast as it returns.
	ModeFreeRunning
)

// OutputSpec declares one output by its registered message id.
type OutputSpec struct {
	ID uint32
}

// InputSpec declares one input by its registered message id. The first
// declared input is the primary for multi-input modules.
type InputSpec struct {
	ID uint32
}

// Spec is a module's static I/O declaration. Together with the number of
// inputs it selects one of the loop behaviors: periodic or free-running for
// no inputs, continuous for a single input, primary-driven for several.
type Spec struct {
	Outputs  []OutputSpec
	Inputs   []InputSpec
	Commands []uint32
	Mode     Mode
}

func (s Spec) validate() error {
	if len(s.Inputs) > 16 {
		return fmt.Errorf("module: %d inputs exceed the addressable 16", len(s.Inputs))
	}
	if len(s.Inputs) > 0 && s.Mode == ModeFreeRunning {
		return fmt.Errorf("module: free-running mode applies to no-input modules only")
	}
	return nil
}

// Handler is the user-supplied processing logic. Process runs on the
// module's data thread and must not block indefinitely.
type Handler interface {
	Process(inv *Invocation) error
}

// Optional lifecycle hooks, detected by interface assertion on the handler.
type (
	InitHook interface {
		OnInit(ctx context.Context) error
	}
	StartHook interface {
		OnStart(ctx context.Context) error
	}
	StopHook interface {
		OnStop(ctx context.Context) error
	}
	CleanupHook interface {
		OnCleanup(ctx context.Context) error
	}
	// CommandHandler receives frames arriving on the CMD mailbox that
	// match the module's declared command types.
	CommandHandler interface {
		OnCommand(cmd any)
	}
)

// Invocation carries one Process call's inputs and collects its outputs.
// The framework owns all timestamps: outputs are published with the
// invocation timestamp, never one chosen by user code.
type Invocation struct {
	timestampNS uint64
	inputs      []any
	meta        *metadataTable
	outputs     []any
}

// TimestampNS is the invocation time: generation time for no-input modules,
// the triggering input's header timestamp otherwise.
func (inv *Invocation) TimestampNS() uint64 { return inv.timestampNS }

// Input returns the decoded payload of input slot k (a pointer to the
// registered type), or nil when the slot is not populated.
func (inv *Invocation) Input(k int) any {
	if k < 0 || k >= len(inv.inputs) {
		return nil
	}
	return inv.inputs[k]
}

// Meta returns the metadata of input slot k.
func (inv *Invocation) Meta(k int) Metadata {
	return inv.meta.get(k)
}

// HasNewData reports whether slot k was refreshed for this invocation.
func (inv *Invocation) HasNewData(k int) bool { return inv.Meta(k).IsFresh }

// IsInputValid reports whether slot k holds usable data.
func (inv *Invocation) IsInputValid(k int) bool { return inv.Meta(k).IsValid }

// Emit stages a payload for output slot k; it is published when Process
// returns without error.
func (inv *Invocation) Emit(k int, payload any) error {
	if k < 0 || k >= len(inv.outputs) {
		return fmt.Errorf("module: emit to undeclared output %d", k)
	}
	inv.outputs[k] = payload
	return nil
}

// ByType finds the input slot holding a *T. Meaningful only when the
// declared input types are distinct; with duplicates the first match wins.
func ByType[T any](inv *Invocation) (*T, bool) {
	for _, v := range inv.inputs {
		if typed, ok := v.(*T); ok {
			return typed, true
		}
	}
	return nil, false
}

// In is the typed accessor for input slot k.
func In[T any](inv *Invocation, k int) (*T, error) {
	v := inv.Input(k)
	if v == nil {
		return nil, fmt.Errorf("module: input %d not populated", k)
	}
	typed, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("module: input %d is %T", k, v)
	}
	return typed, nil
}
