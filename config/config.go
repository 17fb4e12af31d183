// Package config loads and validates runtime configuration. Files are JSON;
// unknown fields are errors, missing optional fields take defaults. Durations
// are given in nanoseconds.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mattih11/commrat/internal/domain/address"
)

// Defaults applied when fields are absent.
const (
	DefaultMessageSlots   = 16
	DefaultHistoryDepth   = 100
	DefaultMaxSubscribers = 16
	DefaultSyncTolerance  = 50 * time.Millisecond
)

// InputSource identifies the producer a consumer input subscribes to.
type InputSource struct {
	SystemID   uint8 `mapstructure:"system_id" json:"system_id"`
	InstanceID uint8 `mapstructure:"instance_id" json:"instance_id"`
	// InputIndex overrides which DATA mailbox receives this flow; by
	// default the input's declaration position is used.
	InputIndex *uint8 `mapstructure:"input_index" json:"input_index,omitempty"`
	// RequestedPeriodMS is forwarded in the SubscribeRequest (0 = as
	// fast as the producer runs).
	RequestedPeriodMS int64 `mapstructure:"requested_period_ms" json:"requested_period_ms"`
}

// OutputOverride disambiguates addressing for one declared output of a
// multi-output module.
type OutputOverride struct {
	SystemID   *uint8 `mapstructure:"system_id" json:"system_id,omitempty"`
	InstanceID *uint8 `mapstructure:"instance_id" json:"instance_id,omitempty"`
}

// Module configures one module instance.
type Module struct {
	Name       string `mapstructure:"name" json:"name"`
	SystemID   uint8  `mapstructure:"system_id" json:"system_id"`
	InstanceID uint8  `mapstructure:"instance_id" json:"instance_id"`

	// Period drives periodic no-input modules and must be positive for
	// them; free-running modules ignore it.
	Period time.Duration `mapstructure:"period_ns" json:"period_ns"`

	MessageSlots int   `mapstructure:"message_slots" json:"message_slots"`
	Priority     uint8 `mapstructure:"priority" json:"priority"`
	Realtime     bool  `mapstructure:"realtime" json:"realtime"`

	Inputs        []InputSource `mapstructure:"inputs" json:"inputs,omitempty"`
	SyncTolerance time.Duration `mapstructure:"sync_tolerance_ns" json:"sync_tolerance_ns"`

	Outputs []OutputOverride `mapstructure:"outputs" json:"outputs,omitempty"`

	// HistoryDepth sizes the per-secondary-input ring buffers.
	HistoryDepth int `mapstructure:"history_depth" json:"history_depth"`

	// MaxSubscribers caps each output's subscriber list.
	MaxSubscribers int `mapstructure:"max_subscribers" json:"max_subscribers"`

	// PublishBreaker enables the per-subscriber circuit breaker.
	PublishBreaker bool `mapstructure:"publish_breaker" json:"publish_breaker"`
}

// ApplyDefaults fills absent optional fields.
func (m *Module) ApplyDefaults() {
	if m.MessageSlots == 0 {
		m.MessageSlots = DefaultMessageSlots
	}
	if m.HistoryDepth == 0 {
		m.HistoryDepth = DefaultHistoryDepth
	}
	if m.MaxSubscribers == 0 {
		m.MaxSubscribers = DefaultMaxSubscribers
	}
	if m.SyncTolerance == 0 {
		m.SyncTolerance = DefaultSyncTolerance
	}
}

// Validate checks the generic constraints; module declaration specific
// checks (output overrides vs declared outputs) happen at module build.
func (m *Module) Validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("config: name is required"))
	}
	if m.SystemID > address.MaxSystemID {
		errs = append(errs, fmt.Errorf("config: system_id %d exceeds %d", m.SystemID, address.MaxSystemID))
	}
	if m.InstanceID > address.MaxInstanceID {
		errs = append(errs, fmt.Errorf("config: instance_id %d exceeds %d", m.InstanceID, address.MaxInstanceID))
	}
	if m.MessageSlots < 0 {
		errs = append(errs, errors.New("config: message_slots must not be negative"))
	}
	for i, in := range m.Inputs {
		if in.SystemID > address.MaxSystemID {
			errs = append(errs, fmt.Errorf("config: inputs[%d].system_id %d exceeds %d", i, in.SystemID, address.MaxSystemID))
		}
		if in.InstanceID > address.MaxInstanceID {
			errs = append(errs, fmt.Errorf("config: inputs[%d].instance_id %d exceeds %d", i, in.InstanceID, address.MaxInstanceID))
		}
		idx := uint8(i)
		if in.InputIndex != nil {
			idx = *in.InputIndex
		}
		if idx > address.MaxInputIndex {
			errs = append(errs, fmt.Errorf("config: inputs[%d].input_index %d exceeds %d", i, idx, address.MaxInputIndex))
		}
	}
	for i, out := range m.Outputs {
		if out.SystemID != nil && *out.SystemID > address.MaxSystemID {
			errs = append(errs, fmt.Errorf("config: outputs[%d].system_id %d exceeds %d", i, *out.SystemID, address.MaxSystemID))
		}
		if out.InstanceID != nil && *out.InstanceID > address.MaxInstanceID {
			errs = append(errs, fmt.Errorf("config: outputs[%d].instance_id %d exceeds %d", i, *out.InstanceID, address.MaxInstanceID))
		}
	}
	return errors.Join(errs...)
}

// App is the process-level configuration of the commrat binary.
type App struct {
	// Transport selects the backend: "channel" (default) or "watermill".
	Transport string `mapstructure:"transport" json:"transport"`
	// IntrospectAddr enables the status HTTP listener when non-empty.
	IntrospectAddr string `mapstructure:"introspect_addr" json:"introspect_addr,omitempty"`
	LogLevel       string `mapstructure:"log_level" json:"log_level"`

	Modules []Module `mapstructure:"modules" json:"modules,omitempty"`
}

// Validate checks process-level fields and every module section.
func (a *App) Validate() error {
	var errs []error
	switch a.Transport {
	case "channel", "watermill":
	default:
		errs = append(errs, fmt.Errorf("config: unknown transport %q", a.Transport))
	}
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log_level %q", a.LogLevel))
	}
	for i := range a.Modules {
		a.Modules[i].ApplyDefaults()
		if err := a.Modules[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Default is the compiled-in configuration used when no file is given.
func Default() *App {
	return &App{
		Transport: "channel",
		LogLevel:  "info",
	}
}

// Load reads a JSON configuration file. An empty path yields Default().
// Unknown fields in the file are errors.
func Load(path string) (*App, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("log_level", cfg.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
