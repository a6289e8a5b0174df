package runcontrol

import (
	"errors"
	"strings"
	"sync"

	"github.com/randomizedcoder/runctl/internal/runerr"
)

// Factory produces the worker that runs a session for a matching
// (mode, device type, config kind) triple.
type Factory struct {
	Name    string
	Produce func(rc *RunControl) (*Worker, error)

	// RunModes must contain the requested mode.
	RunModes []string
	// ConfigKinds match by prefix. Empty matches any kind.
	ConfigKinds []string
	// DeviceTypes match exactly. Empty matches any device.
	DeviceTypes []string
}

// CanRun reports whether the factory serves the request.
func (f Factory) CanRun(mode, deviceType, configKind string) bool {
	if !contains(f.RunModes, mode) {
		return false
	}
	if len(f.ConfigKinds) > 0 {
		matched := false
		for _, k := range f.ConfigKinds {
			if strings.HasPrefix(configKind, k) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(f.DeviceTypes) > 0 && !contains(f.DeviceTypes, deviceType) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Registry holds worker factories. Construct one at startup and pass it to
// whatever assembles sessions.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a factory. Earlier registrations win on lookup.
func (r *Registry) Register(f Factory) error {
	if f.Produce == nil {
		return errors.New("factory has no producer")
	}
	if len(f.RunModes) == 0 {
		return errors.New("factory supports no run modes")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
	return nil
}

// Find returns the first factory that can serve the request.
func (r *Registry) Find(mode, deviceType, configKind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.factories {
		if f.CanRun(mode, deviceType, configKind) {
			return f, true
		}
	}
	return Factory{}, false
}

// Create produces a worker on rc from the first matching factory.
func (r *Registry) Create(rc *RunControl, mode, deviceType, configKind string) (*Worker, error) {
	f, ok := r.Find(mode, deviceType, configKind)
	if !ok {
		return nil, runerr.Config("no worker factory for mode %q on %q (config %q)", mode, deviceType, configKind)
	}
	w, err := f.Produce(rc)
	if err != nil {
		return nil, err
	}
	rc.logger.Debug("worker_created", "factory", f.Name, "worker", w.Name(), "mode", mode)
	return w, nil
}
