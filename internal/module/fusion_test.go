package module_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattih11/commrat/config"
	"github.com/mattih11/commrat/internal/domain/message"
	"github.com/mattih11/commrat/internal/module"
)

type imuMsg struct {
	Ax float64 `json:"ax"`
}

type gpsMsg struct {
	Lat float64 `json:"lat"`
}

type lidarMsg struct {
	MinRange float64 `json:"min_range"`
}

type fusedMsg struct {
	Ax  float64 `json:"ax"`
	Lat float64 `json:"lat"`
}

func newFusionRegistry(t *testing.T) *message.Registry {
	t.Helper()
	r := message.New()
	message.MustRegister[imuMsg](r, message.WithMaxPayload(64))
	message.MustRegister[gpsMsg](r, message.WithMaxPayload(64))
	message.MustRegister[lidarMsg](r, message.WithMaxPayload(64))
	message.MustRegister[fusedMsg](r, message.WithMaxPayload(96))
	return r
}

func newPeriodicSource[T any](t *testing.T, deps module.Deps, name string, inst uint8, period time.Duration, produce func() *T) *module.Module {
	t.Helper()
	m, err := module.New(config.Module{
		Name:     name,
		SystemID: 3, InstanceID: inst,
		Period: period,
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: message.MustID[T](deps.Registry)}},
		Mode:    module.ModePeriodic,
	}, handlerFunc(func(inv *module.Invocation) error {
		return inv.Emit(0, produce())
	}), deps)
	require.NoError(t, err)
	return m
}

// Three producers at different rates, IMU primary, secondaries sampled Nearest;
// every fused output carries the primary timestamp.
func TestMultiInputSynchronization(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)
	deps.Registry = newFusionRegistry(t)

	imu := newPeriodicSource(t, deps, "imu", 1, 10*time.Millisecond,
		func() *imuMsg { return &imuMsg{Ax: 1} })
	gps := newPeriodicSource(t, deps, "gps", 2, 100*time.Millisecond,
		func() *gpsMsg { return &gpsMsg{Lat: 48.1} })
	lidar := newPeriodicSource(t, deps, "lidar", 3, 50*time.Millisecond,
		func() *lidarMsg { return &lidarMsg{MinRange: 2} })

	var mu sync.Mutex
	var invocationTS []uint64
	var metaPrimaryTS []uint64

	fusion, err := module.New(config.Module{
		Name:     "fusion",
		SystemID: 3, InstanceID: 4,
		SyncTolerance: 100 * time.Millisecond,
		Inputs: []config.InputSource{
			{SystemID: 3, InstanceID: 1},
			{SystemID: 3, InstanceID: 2},
			{SystemID: 3, InstanceID: 3},
		},
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: message.MustID[fusedMsg](deps.Registry)}},
		Inputs: []module.InputSpec{
			{ID: message.MustID[imuMsg](deps.Registry)},
			{ID: message.MustID[gpsMsg](deps.Registry)},
			{ID: message.MustID[lidarMsg](deps.Registry)},
		},
	}, handlerFunc(func(inv *module.Invocation) error {
		imuIn, err := module.In[imuMsg](inv, 0)
		if err != nil {
			return err
		}
		gpsIn, err := module.In[gpsMsg](inv, 1)
		if err != nil {
			return err
		}
		if _, err := module.In[lidarMsg](inv, 2); err != nil {
			return err
		}
		mu.Lock()
		invocationTS = append(invocationTS, inv.TimestampNS())
		metaPrimaryTS = append(metaPrimaryTS, inv.Meta(0).TimestampNS)
		mu.Unlock()
		return inv.Emit(0, &fusedMsg{Ax: imuIn.Ax, Lat: gpsIn.Lat})
	}), deps)
	require.NoError(t, err)

	// Secondaries first so history is populated when the primary drives.
	require.NoError(t, gps.Start(ctx))
	require.NoError(t, lidar.Start(ctx))
	require.NoError(t, fusion.Start(ctx))
	require.NoError(t, imu.Start(ctx))
	defer func() {
		imu.Stop(ctx)
		fusion.Stop(ctx)
		lidar.Stop(ctx)
		gps.Stop(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invocationTS) >= 20
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// The invocation timestamp is the primary's header timestamp, and the
	// metadata slot shows the same value.
	for i := range invocationTS[:20] {
		assert.Equal(t, metaPrimaryTS[i], invocationTS[i])
	}
	// Primary order defines the invocation sequence.
	for i := 1; i < 20; i++ {
		assert.Less(t, invocationTS[i-1], invocationTS[i])
	}

	stats := fusion.Stats()
	assert.NotZero(t, stats.Processed)
}

// A secondary stream that stops publishing drives the consumer into sync
// misses: iterations abort and the slot turns invalid.
func TestSyncMissSkipsIteration(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)
	deps.Registry = newFusionRegistry(t)

	imu := newPeriodicSource(t, deps, "imu", 1, 10*time.Millisecond,
		func() *imuMsg { return &imuMsg{Ax: 1} })
	gps := newPeriodicSource(t, deps, "gps", 2, 10*time.Millisecond,
		func() *gpsMsg { return &gpsMsg{Lat: 48.1} })

	processed := make(chan struct{}, 1024)
	fusion, err := module.New(config.Module{
		Name:     "fusion",
		SystemID: 3, InstanceID: 4,
		SyncTolerance: 30 * time.Millisecond,
		Inputs: []config.InputSource{
			{SystemID: 3, InstanceID: 1},
			{SystemID: 3, InstanceID: 2},
		},
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: message.MustID[fusedMsg](deps.Registry)}},
		Inputs: []module.InputSpec{
			{ID: message.MustID[imuMsg](deps.Registry)},
			{ID: message.MustID[gpsMsg](deps.Registry)},
		},
	}, handlerFunc(func(inv *module.Invocation) error {
		select {
		case processed <- struct{}{}:
		default:
		}
		return inv.Emit(0, &fusedMsg{})
	}), deps)
	require.NoError(t, err)

	require.NoError(t, gps.Start(ctx))
	require.NoError(t, fusion.Start(ctx))
	require.NoError(t, imu.Start(ctx))
	defer func() {
		imu.Stop(ctx)
		fusion.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return len(processed) > 0 },
		2*time.Second, 5*time.Millisecond)

	// Kill the secondary; primaries keep arriving outside tolerance.
	require.NoError(t, gps.Stop(ctx))

	require.Eventually(t, func() bool {
		return fusion.Stats().SyncMisses > 0
	}, 2*time.Second, 5*time.Millisecond)

	meta := fusion.InputMetadata()
	require.Len(t, meta, 2)
	assert.False(t, meta[1].IsValid)
}
