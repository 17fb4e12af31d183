package module_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattih11/commrat/config"
	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/internal/domain/address"
	"github.com/mattih11/commrat/internal/domain/message"
	"github.com/mattih11/commrat/internal/mailbox"
	"github.com/mattih11/commrat/internal/module"
)

type counterMsg struct {
	Count uint64 `json:"count"`
}

type tempMsg struct {
	Celsius float64 `json:"celsius"`
}

type pressMsg struct {
	Pascal float64 `json:"pascal"`
}

type resetCmd struct{}

func newRegistry(t *testing.T) *message.Registry {
	t.Helper()
	r := message.New()
	message.MustRegister[counterMsg](r, message.WithMaxPayload(64))
	message.MustRegister[tempMsg](r, message.WithMaxPayload(64))
	message.MustRegister[pressMsg](r, message.WithMaxPayload(64))
	message.MustRegister[resetCmd](r, message.WithClass(message.ClassCommand), message.WithMaxPayload(16))
	return r
}

func newDeps(t *testing.T) module.Deps {
	t.Helper()
	return module.Deps{
		Registry:  newRegistry(t),
		Transport: transport.NewExchange(nil),
	}
}

// counterSource emits consecutive counts starting at zero.
type counterSource struct {
	n atomic.Uint64
}

func (c *counterSource) Process(inv *module.Invocation) error {
	return inv.Emit(0, &counterMsg{Count: c.n.Add(1) - 1})
}

func (c *counterSource) OnCommand(cmd any) {
	if _, ok := cmd.(*resetCmd); ok {
		c.n.Store(0)
	}
}

// recordingSink collects everything its single input receives.
type recordingSink[T any] struct {
	mu   sync.Mutex
	got  []T
	meta []module.Metadata
}

func (s *recordingSink[T]) Process(inv *module.Invocation) error {
	v, err := module.In[T](inv, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.got = append(s.got, *v)
	s.meta = append(s.meta, inv.Meta(0))
	s.mu.Unlock()
	return nil
}

func (s *recordingSink[T]) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *recordingSink[T]) values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.got))
	copy(out, s.got)
	return out
}

func newProducer(t *testing.T, deps module.Deps, period time.Duration) (*module.Module, *counterSource) {
	t.Helper()
	src := &counterSource{}
	m, err := module.New(config.Module{
		Name:     "producer",
		SystemID: 1, InstanceID: 1,
		Period: period,
	}, module.Spec{
		Outputs:  []module.OutputSpec{{ID: message.MustID[counterMsg](deps.Registry)}},
		Commands: []uint32{message.MustID[resetCmd](deps.Registry)},
		Mode:     module.ModePeriodic,
	}, src, deps)
	require.NoError(t, err)
	return m, src
}

func newConsumer(t *testing.T, deps module.Deps, name string, inst uint8) (*module.Module, *recordingSink[counterMsg]) {
	t.Helper()
	sink := &recordingSink[counterMsg]{}
	m, err := module.New(config.Module{
		Name:     name,
		SystemID: 1, InstanceID: inst,
		Inputs: []config.InputSource{{SystemID: 1, InstanceID: 1}},
	}, module.Spec{
		Inputs: []module.InputSpec{{ID: message.MustID[counterMsg](deps.Registry)}},
	}, sink, deps)
	require.NoError(t, err)
	return m, sink
}

// A periodic producer and a single consumer: counts arrive consecutively.
func TestPeriodicProducerSingleConsumer(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	producer, _ := newProducer(t, deps, 10*time.Millisecond)
	consumer, sink := newConsumer(t, deps, "consumer", 2)

	require.NoError(t, producer.Start(ctx))
	require.NoError(t, consumer.Start(ctx))
	defer producer.Stop(ctx)
	defer consumer.Stop(ctx)

	require.Eventually(t, func() bool { return sink.count() >= 30 },
		3*time.Second, 5*time.Millisecond)

	got := sink.values()
	first := got[0].Count
	for i, v := range got[:30] {
		assert.Equal(t, first+uint64(i), v.Count, "counts must be consecutive")
	}

	meta := consumer.InputMetadata()
	require.Len(t, meta, 1)
	assert.True(t, meta[0].IsValid)
	assert.NotZero(t, meta[0].TimestampNS)
}

// Multi-output fan-out partitions subscribers by output type.
func TestMultiOutputFanout(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	src, err := module.New(config.Module{
		Name:     "weather",
		SystemID: 2, InstanceID: 1,
		Period: 10 * time.Millisecond,
	}, module.Spec{
		Outputs: []module.OutputSpec{
			{ID: message.MustID[tempMsg](deps.Registry)},
			{ID: message.MustID[pressMsg](deps.Registry)},
		},
		Mode: module.ModePeriodic,
	}, handlerFunc(func(inv *module.Invocation) error {
		if err := inv.Emit(0, &tempMsg{Celsius: 21}); err != nil {
			return err
		}
		return inv.Emit(1, &pressMsg{Pascal: 1013})
	}), deps)
	require.NoError(t, err)

	tempSink := &recordingSink[tempMsg]{}
	tempConsumer, err := module.New(config.Module{
		Name:     "temp-consumer",
		SystemID: 2, InstanceID: 2,
		Inputs: []config.InputSource{{SystemID: 2, InstanceID: 1}},
	}, module.Spec{
		Inputs: []module.InputSpec{{ID: message.MustID[tempMsg](deps.Registry)}},
	}, tempSink, deps)
	require.NoError(t, err)

	pressSink := &recordingSink[pressMsg]{}
	pressConsumer, err := module.New(config.Module{
		Name:     "press-consumer",
		SystemID: 2, InstanceID: 3,
		Inputs: []config.InputSource{{SystemID: 2, InstanceID: 1}},
	}, module.Spec{
		Inputs: []module.InputSpec{{ID: message.MustID[pressMsg](deps.Registry)}},
	}, pressSink, deps)
	require.NoError(t, err)

	require.NoError(t, src.Start(ctx))
	require.NoError(t, tempConsumer.Start(ctx))
	require.NoError(t, pressConsumer.Start(ctx))
	defer src.Stop(ctx)
	defer tempConsumer.Stop(ctx)
	defer pressConsumer.Stop(ctx)

	require.Eventually(t, func() bool {
		return tempSink.count() >= 10 && pressSink.count() >= 10
	}, 3*time.Second, 5*time.Millisecond)

	// Each output has exactly one subscriber.
	assert.Equal(t, []int{1, 1}, src.SubscriberCounts())
	for _, v := range tempSink.values() {
		assert.Equal(t, 21.0, v.Celsius)
	}
	for _, v := range pressSink.values() {
		assert.Equal(t, 1013.0, v.Pascal)
	}
}

// A consumer started first retries until the producer is
// up; publications flow after the acknowledgment.
func TestSubscriptionRetry(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	producer, _ := newProducer(t, deps, 10*time.Millisecond)
	consumer, sink := newConsumer(t, deps, "early-bird", 2)

	started := make(chan error, 1)
	go func() { started <- consumer.Start(ctx) }()

	// Let a couple of retry rounds fail before the producer appears.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, producer.Start(ctx))

	require.NoError(t, <-started)
	defer producer.Stop(ctx)
	defer consumer.Stop(ctx)

	require.Eventually(t, func() bool { return sink.count() >= 5 },
		3*time.Second, 5*time.Millisecond)
}

// After unsubscribe the producer attempts no sends to the
// departed consumer.
func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	producer, _ := newProducer(t, deps, 10*time.Millisecond)
	consumer, sink := newConsumer(t, deps, "consumer", 2)

	require.NoError(t, producer.Start(ctx))
	require.NoError(t, consumer.Start(ctx))
	defer producer.Stop(ctx)

	require.Eventually(t, func() bool { return sink.count() >= 3 },
		3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1}, producer.SubscriberCounts())

	require.NoError(t, consumer.Stop(ctx))

	require.Eventually(t, func() bool {
		return producer.SubscriberCounts()[0] == 0
	}, time.Second, 5*time.Millisecond)

	dropsBefore := producer.Stats().PublishDrops
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dropsBefore, producer.Stats().PublishDrops,
		"no send attempts to the departed subscriber")
}

func TestCommandDispatch(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	producer, src := newProducer(t, deps, 5*time.Millisecond)
	require.NoError(t, producer.Start(ctx))
	defer producer.Stop(ctx)

	require.Eventually(t, func() bool { return src.n.Load() > 10 },
		time.Second, 5*time.Millisecond)

	// Send the reset command to the producer's CMD mailbox from a plain
	// endpoint.
	cmdAddr := producerCmdAddr(t, deps)
	sender := openRaw(t, deps, 0xF000)
	sendTyped(t, deps, sender, cmdAddr, &resetCmd{})

	require.Eventually(t, func() bool { return producer.Stats().Commands >= 1 },
		time.Second, 5*time.Millisecond)
}

// A frame of the wrong type delivered straight to a DATA mailbox is
// discarded and counted; the loop keeps consuming.
func TestDecodeDropCounter(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	producer, _ := newProducer(t, deps, 10*time.Millisecond)
	consumer, sink := newConsumer(t, deps, "consumer", 2)
	require.NoError(t, producer.Start(ctx))
	require.NoError(t, consumer.Start(ctx))
	defer producer.Stop(ctx)
	defer consumer.Stop(ctx)

	base, err := address.Base(message.TypeIDLow(message.MustID[counterMsg](deps.Registry)), 1, 2)
	require.NoError(t, err)
	dataAddr := base + uint32(address.KindDataBase)

	sender := openRaw(t, deps, 0xF100)
	sendTyped(t, deps, sender, dataAddr, &pressMsg{Pascal: 1})

	require.Eventually(t, func() bool { return consumer.Stats().DecodeDrops >= 1 },
		time.Second, 5*time.Millisecond)

	// The data loop survives the drop and keeps delivering counters.
	before := sink.count()
	require.Eventually(t, func() bool { return sink.count() > before },
		time.Second, 5*time.Millisecond)
}

func TestLifecycleStartStopStart(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	producer, _ := newProducer(t, deps, 5*time.Millisecond)
	assert.ErrorIs(t, producer.Stop(ctx), module.ErrNotStarted)

	require.NoError(t, producer.Start(ctx))
	assert.ErrorIs(t, producer.Start(ctx), module.ErrAlreadyStarted)
	assert.Equal(t, module.StateStarted, producer.State())

	require.NoError(t, producer.Stop(ctx))
	require.NoError(t, producer.Stop(ctx)) // no-op
	assert.Equal(t, module.StateStopped, producer.State())

	// Start after Stop is a complete re-run.
	require.NoError(t, producer.Start(ctx))
	require.NoError(t, producer.Stop(ctx))
}

func TestStopCompletesQuickly(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	producer, _ := newProducer(t, deps, 10*time.Millisecond)
	consumer, _ := newConsumer(t, deps, "consumer", 2)
	require.NoError(t, producer.Start(ctx))
	require.NoError(t, consumer.Start(ctx))

	done := make(chan struct{})
	go func() {
		consumer.Stop(ctx)
		producer.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not complete in bounded time")
	}
}

func TestProcessErrorSkipsPublication(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	fail, err := module.New(config.Module{
		Name:     "failing",
		SystemID: 4, InstanceID: 1,
		Period: 5 * time.Millisecond,
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: message.MustID[counterMsg](deps.Registry)}},
		Mode:    module.ModePeriodic,
	}, handlerFunc(func(inv *module.Invocation) error {
		inv.Emit(0, &counterMsg{})
		return assert.AnError
	}), deps)
	require.NoError(t, err)

	require.NoError(t, fail.Start(ctx))
	defer fail.Stop(ctx)

	time.Sleep(50 * time.Millisecond)
	stats := fail.Stats()
	assert.Zero(t, stats.Processed)
	assert.Zero(t, stats.Published)
}

func TestNewRejectsMismatchedInputs(t *testing.T) {
	deps := newDeps(t)
	_, err := module.New(config.Module{
		Name:     "bad",
		SystemID: 1, InstanceID: 1,
	}, module.Spec{
		Inputs: []module.InputSpec{{ID: message.MustID[counterMsg](deps.Registry)}},
	}, handlerFunc(func(*module.Invocation) error { return nil }), deps)
	require.Error(t, err)
}

func TestNewRejectsDuplicateOutputBases(t *testing.T) {
	deps := newDeps(t)
	id := message.MustID[counterMsg](deps.Registry)
	_, err := module.New(config.Module{
		Name:     "dup",
		SystemID: 1, InstanceID: 1,
		Period: 10 * time.Millisecond,
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: id}, {ID: id}},
	}, handlerFunc(func(*module.Invocation) error { return nil }), deps)
	require.Error(t, err)
}

// handlerFunc adapts a bare function to the Handler interface.
type handlerFunc func(*module.Invocation) error

func (f handlerFunc) Process(inv *module.Invocation) error { return f(inv) }

// producerCmdAddr computes the CMD mailbox of the test producer.
func producerCmdAddr(t *testing.T, deps module.Deps) uint32 {
	t.Helper()
	base, err := address.Base(message.TypeIDLow(message.MustID[counterMsg](deps.Registry)), 1, 1)
	require.NoError(t, err)
	return base + uint32(address.KindCmd)
}

// openRaw opens a bare typed mailbox for driving modules from tests.
func openRaw(t *testing.T, deps module.Deps, id uint32) *mailbox.Typed {
	t.Helper()
	mb, err := mailbox.NewTyped(deps.Registry, deps.Transport, id, nil,
		transport.Options{CapacitySlots: 4, Name: "test-driver"}, nil)
	require.NoError(t, err)
	require.NoError(t, mb.Start())
	t.Cleanup(func() { mb.Stop() })
	return mb
}

func sendTyped(t *testing.T, _ module.Deps, mb *mailbox.Typed, dest uint32, msg any) {
	t.Helper()
	require.NoError(t, mb.Send(dest, msg, 0))
}
