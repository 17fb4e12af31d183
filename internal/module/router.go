package module

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Subscriber is one delivery target of one output: the consumer's base
// address and the index of the DATA mailbox on that consumer.
type Subscriber struct {
	BaseAddr   uint32
	InputIndex uint8
}

var (
	errSubscriberDuplicate = errors.New("module: subscriber already present")
	errSubscriberCapacity  = errors.New("module: subscriber capacity exceeded")
)

// router keeps one subscriber list per declared output. Entries are added by
// the work thread that owns the output's WORK mailbox, so a consumer
// attaches to exactly one output of a multi-output producer. A single mutex
// guards all lists; it is held only to add, remove, or copy.
type router struct {
	mu       sync.Mutex
	lists    [][]Subscriber
	breakers []map[uint32]*gobreaker.CircuitBreaker
	max      int
	useBreak bool
	name     string
}

func newRouter(outputs, maxSubscribers int, useBreaker bool, name string) *router {
	r := &router{
		lists:    make([][]Subscriber, outputs),
		breakers: make([]map[uint32]*gobreaker.CircuitBreaker, outputs),
		max:      maxSubscribers,
		useBreak: useBreaker,
		name:     name,
	}
	for i := range r.breakers {
		r.breakers[i] = make(map[uint32]*gobreaker.CircuitBreaker)
	}
	return r
}

// add registers a subscriber on output k.
func (r *router) add(k int, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.lists[k] {
		if s == sub {
			return errSubscriberDuplicate
		}
	}
	if len(r.lists[k]) >= r.max {
		return errSubscriberCapacity
	}
	r.lists[k] = append(r.lists[k], sub)
	return nil
}

// removeAll drops every record with the given base address from all lists.
func (r *router) removeAll(baseAddr uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k := range r.lists {
		kept := r.lists[k][:0]
		for _, s := range r.lists[k] {
			if s.BaseAddr == baseAddr {
				removed++
				delete(r.breakers[k], s.BaseAddr)
				continue
			}
			kept = append(kept, s)
		}
		r.lists[k] = kept
	}
	return removed
}

// snapshot copies output k's list for publication outside the lock.
func (r *router) snapshot(k int) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscriber, len(r.lists[k]))
	copy(out, r.lists[k])
	return out
}

// counts reports the list sizes for introspection.
func (r *router) counts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.lists))
	for i, l := range r.lists {
		out[i] = len(l)
	}
	return out
}

// send routes one delivery through the subscriber's breaker when enabled.
// An open breaker swallows the send and reports the skip to the caller.
func (r *router) send(k int, sub Subscriber, deliver func() error) error {
	if !r.useBreak {
		return deliver()
	}
	cb := r.breakerFor(k, sub)
	_, err := cb.Execute(func() (any, error) {
		return nil, deliver()
	})
	return err
}

func (r *router) breakerFor(k int, sub Subscriber) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[k][sub.BaseAddr]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("%s/out%d/%#x", r.name, k, sub.BaseAddr),
			Timeout: 500 * time.Millisecond,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 8
			},
		})
		r.breakers[k][sub.BaseAddr] = cb
	}
	return cb
}
