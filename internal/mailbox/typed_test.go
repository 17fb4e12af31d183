package mailbox_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattih11/commrat/infra/transport"
	"github.com/mattih11/commrat/internal/domain/message"
	"github.com/mattih11/commrat/internal/mailbox"
)

type ping struct {
	N int `json:"n"`
}

type pong struct {
	N int `json:"n"`
}

type stranger struct {
	S string `json:"s"`
}

func newFixture(t *testing.T) (*message.Registry, *transport.Exchange) {
	t.Helper()
	reg := message.New()
	require.NoError(t, message.Register[ping](reg, message.WithMaxPayload(32)))
	require.NoError(t, message.Register[pong](reg, message.WithMaxPayload(32)))
	require.NoError(t, message.Register[stranger](reg, message.WithMaxPayload(64)))
	return reg, transport.NewExchange(nil)
}

func newStarted(t *testing.T, reg *message.Registry, x *transport.Exchange, id uint32, permitted []uint32) *mailbox.Typed {
	t.Helper()
	mb, err := mailbox.NewTyped(reg, x, id, permitted,
		transport.Options{CapacitySlots: 8, Name: "test"}, nil)
	require.NoError(t, err)
	require.NoError(t, mb.Start())
	t.Cleanup(func() { mb.Stop() })
	return mb
}

func TestSendReceiveTyped(t *testing.T) {
	reg, x := newFixture(t)
	pingID := message.MustID[ping](reg)

	sender := newStarted(t, reg, x, 0x10, nil)
	receiver := newStarted(t, reg, x, 0x20, []uint32{pingID})

	require.NoError(t, sender.Send(0x20, &ping{N: 7}, 12345))

	got, h, err := mailbox.Receive[ping](receiver, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, got.N)
	assert.Equal(t, pingID, h.MsgType)
	assert.Equal(t, uint64(12345), h.TimestampNS)
}

func TestSequenceNumbersIncrementPerMailbox(t *testing.T) {
	reg, x := newFixture(t)
	pingID := message.MustID[ping](reg)

	sender := newStarted(t, reg, x, 0x10, nil)
	receiver := newStarted(t, reg, x, 0x20, []uint32{pingID})

	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Send(0x20, &ping{N: i}, 0))
	}
	for i := uint32(0); i < 3; i++ {
		_, h, err := mailbox.Receive[ping](receiver, time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, h.SeqNumber)
	}
}

func TestWrongType(t *testing.T) {
	reg, x := newFixture(t)
	ids := []uint32{message.MustID[ping](reg), message.MustID[pong](reg)}

	sender := newStarted(t, reg, x, 0x10, nil)
	receiver := newStarted(t, reg, x, 0x20, ids)

	require.NoError(t, sender.Send(0x20, &pong{N: 1}, 0))

	_, _, err := mailbox.Receive[ping](receiver, time.Second)
	var wrong *mailbox.WrongTypeError
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, message.MustID[ping](reg), wrong.Expected)
	assert.Equal(t, message.MustID[pong](reg), wrong.Got)
}

func TestUnpermittedTypeDiscarded(t *testing.T) {
	reg, x := newFixture(t)
	pingID := message.MustID[ping](reg)

	sender := newStarted(t, reg, x, 0x10, nil)
	receiver := newStarted(t, reg, x, 0x20, []uint32{pingID})

	require.NoError(t, sender.Send(0x20, &stranger{S: "?"}, 0))
	require.NoError(t, sender.Send(0x20, &ping{N: 9}, 0))

	// The stranger frame is dropped; the ping behind it arrives.
	got, _, err := mailbox.Receive[ping](receiver, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 9, got.N)
}

func TestReceiveAnyDispatch(t *testing.T) {
	reg, x := newFixture(t)
	ids := []uint32{message.MustID[ping](reg), message.MustID[pong](reg)}

	sender := newStarted(t, reg, x, 0x10, nil)
	receiver := newStarted(t, reg, x, 0x20, ids)

	require.NoError(t, sender.Send(0x20, &pong{N: 3}, 0))

	env, err := receiver.ReceiveAny(time.Second)
	require.NoError(t, err)
	switch p := env.Payload.(type) {
	case *pong:
		assert.Equal(t, 3, p.N)
	default:
		t.Fatalf("unexpected payload %T", p)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	reg, x := newFixture(t)
	mb, err := mailbox.NewTyped(reg, x, 0x30, nil, transport.Options{CapacitySlots: 1}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, mb.Send(0x20, &ping{}, 0), mailbox.ErrNotStarted)

	require.NoError(t, mb.Start())
	assert.ErrorIs(t, mb.Start(), mailbox.ErrAlreadyStarted)

	require.NoError(t, mb.Stop())
	require.NoError(t, mb.Stop()) // idempotent
	require.NoError(t, mb.Start())
	mb.Stop()
}

func TestHistoricalPump(t *testing.T) {
	reg, x := newFixture(t)
	pingID := message.MustID[ping](reg)

	sender := newStarted(t, reg, x, 0x10, nil)
	data := newStarted(t, reg, x, 0x20, []uint32{pingID})

	h := mailbox.NewHistorical(data, 10, nil)
	done := make(chan struct{})
	go func() {
		h.Pump()
		close(done)
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, sender.Send(0x20, &ping{N: i}, uint64(i)*1000))
	}

	require.Eventually(t, func() bool {
		_, newest := h.TimestampRange()
		return newest == 4000
	}, time.Second, 5*time.Millisecond)

	env, ok := h.Get(2100, 200*time.Nanosecond, 0)
	require.True(t, ok)
	assert.Equal(t, 2, env.Payload.(*ping).N)

	data.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump not terminated by stop")
	}
}
