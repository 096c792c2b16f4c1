package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DriverConfig carries the settings a driver factory may use.
type DriverConfig struct {
	// Address locates a remote engine host (unix path, unix:// or vsock:// URL).
	Address string
	// StepDelay is how long a simulated step takes.
	StepDelay time.Duration
	// MaxFrameSize bounds one wire frame for remote drivers.
	MaxFrameSize int64
	// DialTimeout bounds establishing a remote connection.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Factory opens an engine for a driver.
type Factory func(cfg DriverConfig) (Engine, error)

// DriverInfo names a registered driver.
type DriverInfo struct {
	Name string `json:"name"`
}

// Registry holds engine drivers by name. Configuration selects one driver at
// startup and the process owns exactly one engine opened from it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a driver factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Open creates an engine with the named driver.
// Returns an error if the driver is not registered or its factory fails.
func (r *Registry) Open(name string, cfg DriverConfig) (Engine, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("engine driver %q is not registered", name)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	eng, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening engine driver %q: %w", name, err)
	}
	return eng, nil
}

// List returns all registered drivers, sorted by name
// for a stable API response.
func (r *Registry) List() []DriverInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DriverInfo, 0, len(r.factories))
	for name := range r.factories {
		infos = append(infos, DriverInfo{Name: name})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
