package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/clinivox/clinivox/pkg/audio"
	"github.com/clinivox/clinivox/pkg/audio/execmic"
	"github.com/clinivox/clinivox/pkg/audio/filesrc"
)

// ErrDeviceNotRegistered is returned by [Registry.CreateDevice] when no
// factory has been registered under the requested device name.
var ErrDeviceNotRegistered = errors.New("config: device not registered")

// DeviceFactory builds an input device from the recording settings.
type DeviceFactory func(RecordingConfig) (audio.Device, error)

// Registry maps device names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceFactory)}
}

// DefaultRegistry returns a Registry with the built-in exec and file devices.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterDevice(DeviceExec, newExecDevice)
	r.RegisterDevice(DeviceFile, newFileDevice)
	return r
}

// RegisterDevice registers a device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateDevice builds the device named by cfg.Device.
func (r *Registry) CreateDevice(cfg RecordingConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrDeviceNotRegistered, cfg.Device, r.Devices())
	}
	dev, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create device %q: %w", cfg.Device, err)
	}
	return dev, nil
}

// Devices returns the registered device names in sorted order.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func newExecDevice(cfg RecordingConfig) (audio.Device, error) {
	opts := []execmic.Option{
		execmic.WithFormat(cfg.SampleRate, cfg.Channels),
		execmic.WithChunkSize(cfg.ChunkSize),
	}
	if len(cfg.Command) > 0 {
		opts = append(opts, execmic.WithCommand(cfg.Command[0], cfg.Command[1:]...))
	}
	return execmic.New(opts...), nil
}

func newFileDevice(cfg RecordingConfig) (audio.Device, error) {
	if cfg.InputFile == "" {
		return nil, errors.New("input_file is empty")
	}
	return filesrc.New(cfg.InputFile,
		filesrc.WithChunkSize(cfg.ChunkSize),
		filesrc.WithRealtime(cfg.Realtime),
		filesrc.WithRawFormat(cfg.SampleRate, cfg.Channels),
	), nil
}
