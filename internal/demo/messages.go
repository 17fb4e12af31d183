// Package demo contains the example modules runnable via the commrat
// binary: a counter pipeline, a multi-output sensor fan-out, and a
// three-sensor fusion setup.
package demo

import "github.com/mattih11/commrat/internal/domain/message"

// CounterMsg is the hello-world payload.
type CounterMsg struct {
	Count uint64 `json:"count"`
}

// TemperatureData and PressureData are the fan-out payloads.
type TemperatureData struct {
	Celsius float64 `json:"celsius"`
}

type PressureData struct {
	Pascal float64 `json:"pascal"`
}

// Fusion payloads at three rates.
type ImuSample struct {
	Ax float64 `json:"ax"`
	Ay float64 `json:"ay"`
	Az float64 `json:"az"`
}

type GpsFix struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type LidarScan struct {
	MinRange float64 `json:"min_range"`
	MaxRange float64 `json:"max_range"`
}

// FusedState is the fusion output.
type FusedState struct {
	Ax       float64 `json:"ax"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	MinRange float64 `json:"min_range"`
}

// ResetCounter is the demo command: zeroes the counter source.
type ResetCounter struct{}

// NewRegistry declares every demo message in fixed order.
func NewRegistry() *message.Registry {
	r := message.New()
	message.MustRegister[CounterMsg](r, message.WithMaxPayload(64))
	message.MustRegister[TemperatureData](r, message.WithMaxPayload(64))
	message.MustRegister[PressureData](r, message.WithMaxPayload(64))
	message.MustRegister[ImuSample](r, message.WithMaxPayload(128))
	message.MustRegister[GpsFix](r, message.WithMaxPayload(96))
	message.MustRegister[LidarScan](r, message.WithMaxPayload(96))
	message.MustRegister[FusedState](r, message.WithMaxPayload(160))
	message.MustRegister[ResetCounter](r, message.WithClass(message.ClassCommand), message.WithMaxPayload(16))
	return r
}
