package demo

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/mattih11/commrat/config"
	"github.com/mattih11/commrat/internal/domain/message"
	"github.com/mattih11/commrat/internal/module"
)

// CounterSource emits a consecutive count every period. ResetCounter
// commands zero it.
type CounterSource struct {
	n atomic.Uint64
}

func (c *CounterSource) Process(inv *module.Invocation) error {
	return inv.Emit(0, &CounterMsg{Count: c.n.Add(1) - 1})
}

func (c *CounterSource) OnCommand(cmd any) {
	if _, ok := cmd.(*ResetCounter); ok {
		c.n.Store(0)
	}
}

// PrinterSink logs every arriving counter message.
type PrinterSink struct {
	Logger *slog.Logger
}

func (p *PrinterSink) Process(inv *module.Invocation) error {
	msg, err := module.In[CounterMsg](inv, 0)
	if err != nil {
		return err
	}
	p.Logger.Info("received", "count", msg.Count,
		"timestamp_ns", inv.Meta(0).TimestampNS, "seq", inv.Meta(0).Sequence)
	return nil
}

// WeatherSource is the multi-output example: temperature and pressure
// published each period to their own subscriber lists.
type WeatherSource struct {
	tick atomic.Uint64
}

func (w *WeatherSource) Process(inv *module.Invocation) error {
	t := float64(w.tick.Add(1))
	if err := inv.Emit(0, &TemperatureData{Celsius: 20 + 5*math.Sin(t/10)}); err != nil {
		return err
	}
	return inv.Emit(1, &PressureData{Pascal: 101325 + 40*math.Cos(t/10)})
}

// ImuSource, GpsSource, and LidarSource feed the fusion example at their
// configured rates.
type ImuSource struct{ tick atomic.Uint64 }

func (s *ImuSource) Process(inv *module.Invocation) error {
	t := float64(s.tick.Add(1))
	return inv.Emit(0, &ImuSample{Ax: math.Sin(t / 100), Ay: math.Cos(t / 100), Az: 9.81})
}

type GpsSource struct{ tick atomic.Uint64 }

func (s *GpsSource) Process(inv *module.Invocation) error {
	t := float64(s.tick.Add(1))
	return inv.Emit(0, &GpsFix{Lat: 48.1 + t*1e-6, Lon: 11.5 + t*1e-6})
}

type LidarSource struct{ tick atomic.Uint64 }

func (s *LidarSource) Process(inv *module.Invocation) error {
	t := float64(s.tick.Add(1))
	return inv.Emit(0, &LidarScan{MinRange: 0.5 + math.Mod(t, 3), MaxRange: 40})
}

// FusionSink fuses the IMU-driven invocation with the sampled GPS and lidar
// histories.
type FusionSink struct {
	Logger *slog.Logger
}

func (f *FusionSink) Process(inv *module.Invocation) error {
	imu, err := module.In[ImuSample](inv, 0)
	if err != nil {
		return err
	}
	gps, err := module.In[GpsFix](inv, 1)
	if err != nil {
		return err
	}
	lidar, err := module.In[LidarScan](inv, 2)
	if err != nil {
		return err
	}
	fused := &FusedState{Ax: imu.Ax, Lat: gps.Lat, Lon: gps.Lon, MinRange: lidar.MinRange}
	if f.Logger != nil {
		f.Logger.Debug("fused", "timestamp_ns", inv.TimestampNS(), "lat", fused.Lat)
	}
	return inv.Emit(0, fused)
}

// BuildPipeline wires the counter producer and the printing consumer.
func BuildPipeline(deps module.Deps, logger *slog.Logger) ([]*module.Module, error) {
	reg := deps.Registry
	counterID := message.MustID[CounterMsg](reg)

	producer, err := module.New(config.Module{
		Name:     "counter",
		SystemID: 1, InstanceID: 1,
		Period: 100 * time.Millisecond,
	}, module.Spec{
		Outputs:  []module.OutputSpec{{ID: counterID}},
		Commands: []uint32{message.MustID[ResetCounter](reg)},
		Mode:     module.ModePeriodic,
	}, &CounterSource{}, deps)
	if err != nil {
		return nil, err
	}

	consumer, err := module.New(config.Module{
		Name:     "printer",
		SystemID: 1, InstanceID: 2,
		Inputs: []config.InputSource{{SystemID: 1, InstanceID: 1}},
	}, module.Spec{
		Inputs: []module.InputSpec{{ID: counterID}},
	}, &PrinterSink{Logger: logger}, deps)
	if err != nil {
		return nil, err
	}

	// Producer first so the consumer's subscription lands immediately.
	return []*module.Module{producer, consumer}, nil
}

// BuildFanout wires the two-output weather source and one consumer per
// output type.
func BuildFanout(deps module.Deps, logger *slog.Logger) ([]*module.Module, error) {
	reg := deps.Registry
	tempID := message.MustID[TemperatureData](reg)
	pressID := message.MustID[PressureData](reg)

	source, err := module.New(config.Module{
		Name:     "weather",
		SystemID: 2, InstanceID: 1,
		Period: 100 * time.Millisecond,
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: tempID}, {ID: pressID}},
		Mode:    module.ModePeriodic,
	}, &WeatherSource{}, deps)
	if err != nil {
		return nil, err
	}

	tempSink, err := module.New(config.Module{
		Name:     "temp-display",
		SystemID: 2, InstanceID: 2,
		Inputs: []config.InputSource{{SystemID: 2, InstanceID: 1}},
	}, module.Spec{
		Inputs: []module.InputSpec{{ID: tempID}},
	}, loggingSink[TemperatureData]{logger: logger, key: "celsius"}, deps)
	if err != nil {
		return nil, err
	}

	pressSink, err := module.New(config.Module{
		Name:     "pressure-display",
		SystemID: 2, InstanceID: 3,
		Inputs: []config.InputSource{{SystemID: 2, InstanceID: 1}},
	}, module.Spec{
		Inputs: []module.InputSpec{{ID: pressID}},
	}, loggingSink[PressureData]{logger: logger, key: "pascal"}, deps)
	if err != nil {
		return nil, err
	}

	return []*module.Module{source, tempSink, pressSink}, nil
}

// BuildFusion wires three sources at different rates and the IMU-driven
// fusion consumer.
func BuildFusion(deps module.Deps, logger *slog.Logger) ([]*module.Module, error) {
	reg := deps.Registry
	imuID := message.MustID[ImuSample](reg)
	gpsID := message.MustID[GpsFix](reg)
	lidarID := message.MustID[LidarScan](reg)
	fusedID := message.MustID[FusedState](reg)

	imu, err := module.New(config.Module{
		Name: "imu", SystemID: 3, InstanceID: 1,
		Period: 10 * time.Millisecond,
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: imuID}},
		Mode:    module.ModePeriodic,
	}, &ImuSource{}, deps)
	if err != nil {
		return nil, err
	}

	gps, err := module.New(config.Module{
		Name: "gps", SystemID: 3, InstanceID: 2,
		Period: 100 * time.Millisecond,
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: gpsID}},
		Mode:    module.ModePeriodic,
	}, &GpsSource{}, deps)
	if err != nil {
		return nil, err
	}

	lidar, err := module.New(config.Module{
		Name: "lidar", SystemID: 3, InstanceID: 3,
		Period: 50 * time.Millisecond,
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: lidarID}},
		Mode:    module.ModePeriodic,
	}, &LidarSource{}, deps)
	if err != nil {
		return nil, err
	}

	fusion, err := module.New(config.Module{
		Name: "fusion", SystemID: 3, InstanceID: 4,
		SyncTolerance: 100 * time.Millisecond,
		Inputs: []config.InputSource{
			{SystemID: 3, InstanceID: 1},
			{SystemID: 3, InstanceID: 2},
			{SystemID: 3, InstanceID: 3},
		},
	}, module.Spec{
		Outputs: []module.OutputSpec{{ID: fusedID}},
		Inputs:  []module.InputSpec{{ID: imuID}, {ID: gpsID}, {ID: lidarID}},
	}, &FusionSink{Logger: logger}, deps)
	if err != nil {
		return nil, err
	}

	return []*module.Module{imu, gps, lidar, fusion}, nil
}

// loggingSink logs one value per arrival of its input type.
type loggingSink[T any] struct {
	logger *slog.Logger
	key    string
}

func (s loggingSink[T]) Process(inv *module.Invocation) error {
	v, err := module.In[T](inv, 0)
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("received", s.key, *v, "timestamp_ns", inv.TimestampNS())
	}
	return nil
}
