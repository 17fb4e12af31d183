package message

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// defaultMaxPayload is assumed for types registered without an explicit
// payload bound.
const defaultMaxPayload = 256

// Entry describes one registered message type.
type Entry struct {
	ID         uint32
	Name       string
	Type       reflect.Type
	MaxPayload int

	decode func([]byte) (any, error)
}

// Registry holds the statically declared message types of one application.
// Types are registered during program init in declaration order, which makes
// ordinal assignment deterministic across runs; after Freeze (or first
// encode/decode) the set is immutable.
type Registry struct {
	mu      sync.RWMutex
	entries []*Entry
	byType  map[reflect.Type]*Entry
	byID    map[uint32]*Entry
	next    uint32
	frozen  bool
}

// New creates a registry with the built-in system messages pre-registered.
func New() *Registry {
	r := &Registry{
		byType: make(map[reflect.Type]*Entry),
		byID:   make(map[uint32]*Entry),
		next:   1,
	}
	registerSystemMessages(r)
	return r
}

// Option adjusts a single registration.
type Option func(*regOptions)

type regOptions struct {
	prefix     Prefix
	class      Class
	ordinal    uint32
	hasOrdinal bool
	maxPayload int
}

// WithClass sets the subprefix class (default ClassData).
func WithClass(c Class) Option { return func(o *regOptions) { o.class = c } }

// WithOrdinal overrides the deterministic ordinal assignment.
func WithOrdinal(n uint32) Option {
	return func(o *regOptions) { o.ordinal = n; o.hasOrdinal = true }
}

// WithMaxPayload declares the serialized payload upper bound in bytes, used
// to size receive buffers tightly.
func WithMaxPayload(n int) Option { return func(o *regOptions) { o.maxPayload = n } }

func withPrefix(p Prefix) Option { return func(o *regOptions) { o.prefix = p } }

// Register adds a user message type to the registry. The ordinal is taken
// from the registration order unless overridden; ids must stay unique.
func Register[T any](r *Registry, opts ...Option) error {
	o := regOptions{prefix: PrefixUser, class: ClassData, maxPayload: defaultMaxPayload}
	for _, opt := range opts {
		opt(&o)
	}

	t := reflect.TypeOf((*T)(nil)).Elem()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry: cannot register %s after freeze", t)
	}
	if _, dup := r.byType[t]; dup {
		return fmt.Errorf("registry: %s already registered", t)
	}

	ordinal := o.ordinal
	if !o.hasOrdinal {
		ordinal = r.next
		r.next++
	}
	if ordinal > MaxOrdinal {
		return fmt.Errorf("registry: ordinal %d exceeds %d", ordinal, MaxOrdinal)
	}

	id := ComposeID(o.prefix, o.class, ordinal)
	if prev, dup := r.byID[id]; dup {
		return fmt.Errorf("registry: id %#x already taken by %s", id, prev.Name)
	}

	e := &Entry{
		ID:         id,
		Name:       t.String(),
		Type:       t,
		MaxPayload: o.maxPayload,
		decode: func(b []byte) (any, error) {
			v := new(T)
			if err := json.Unmarshal(b, v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	r.entries = append(r.entries, e)
	r.byType[t] = e
	r.byID[id] = e
	return nil
}

// MustRegister is Register that panics, for init-time declarations.
func MustRegister[T any](r *Registry, opts ...Option) {
	if err := Register[T](r, opts...); err != nil {
		panic(err)
	}
}

// Freeze makes the registry immutable. Encode and Decode freeze implicitly.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// ID returns the message id assigned to T.
func ID[T any](r *Registry) (uint32, bool) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[t]
	if !ok {
		return 0, false
	}
	return e.ID, true
}

// MustID is ID that panics on unregistered types.
func MustID[T any](r *Registry) uint32 {
	id, ok := ID[T](r)
	if !ok {
		panic(fmt.Sprintf("registry: %s not registered", reflect.TypeOf((*T)(nil)).Elem()))
	}
	return id
}

// IsRegistered reports whether T is part of the registry.
func IsRegistered[T any](r *Registry) bool {
	_, ok := ID[T](r)
	return ok
}

// Lookup resolves an id to its entry.
func (r *Registry) Lookup(id uint32) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// EntryFor resolves a message value (or pointer to one) to its entry.
func (r *Registry) EntryFor(msg any) (*Entry, bool) {
	t := reflect.TypeOf(msg)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[t]
	return e, ok
}

// MaxMessageSize is the largest header-plus-payload frame any registered
// type can produce.
func (r *Registry) MaxMessageSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := 0
	for _, e := range r.entries {
		if e.MaxPayload > max {
			max = e.MaxPayload
		}
	}
	return HeaderSize + max
}

// MaxSizeFor is the tight frame bound for a subset of ids, used to size
// receive buffers for CMD and DATA mailboxes.
func (r *Registry) MaxSizeFor(ids ...uint32) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := 0
	for _, id := range ids {
		e, ok := r.byID[id]
		if !ok {
			return 0, fmt.Errorf("registry: unknown id %#x", id)
		}
		if e.MaxPayload > max {
			max = e.MaxPayload
		}
	}
	return HeaderSize + max, nil
}

// Encode serializes a message payload, returning its id and bytes. Payloads
// exceeding the declared bound are rejected rather than sent.
func (r *Registry) Encode(msg any) (uint32, []byte, error) {
	r.freezeNow()
	e, ok := r.EntryFor(msg)
	if !ok {
		return 0, nil, fmt.Errorf("registry: %T not registered", msg)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("registry: encode %s: %w", e.Name, err)
	}
	if len(b) > e.MaxPayload {
		return 0, nil, fmt.Errorf("registry: %s payload %d bytes exceeds declared bound %d", e.Name, len(b), e.MaxPayload)
	}
	return e.ID, b, nil
}

// Decode deserializes a payload for the given id, returning a *T.
func (r *Registry) Decode(id uint32, payload []byte) (any, error) {
	r.freezeNow()
	e, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("registry: unknown id %#x", id)
	}
	v, err := e.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", e.Name, err)
	}
	return v, nil
}

// Snapshot lists the registered entries for introspection.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = Entry{ID: e.ID, Name: e.Name, Type: e.Type, MaxPayload: e.MaxPayload}
	}
	return out
}

func (r *Registry) freezeNow() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
