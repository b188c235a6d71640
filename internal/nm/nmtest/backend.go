// Package nmtest provides an in-memory Backend for tests. It models just
// enough NetworkManager behavior for the reconciler and provisioning
// workflows: a profile store, per-profile secrets, and an activation set.
package nmtest

import (
	"context"
	"sync"

	"github.com/bascula/netmoded/internal/nm"
)

// Backend is a fake nm.Backend. Zero value is usable; error fields make
// individual operations fail on demand. All methods are safe for
// concurrent use.
type Backend struct {
	mu       sync.Mutex
	profiles map[string]nm.Profile
	active   map[string]bool

	ConnState    nm.Connectivity
	ConnStateErr error
	Wifi         nm.WifiStatus
	WifiErr      error
	Scan         []nm.AccessPoint
	ScanErr      error
	AddErr       error
	DeleteErr    error
	ActivateErr  error

	WirelessEnabled bool

	// Calls records every mutating operation in order, as "op:name".
	Calls []string
}

func New() *Backend {
	return &Backend{
		profiles:  map[string]nm.Profile{},
		active:    map[string]bool{},
		ConnState: nm.ConnectivityUnknown,
	}
}

func (b *Backend) record(call string) {
	b.Calls = append(b.Calls, call)
}

// SetProfile seeds a profile directly, bypassing call recording.
func (b *Backend) SetProfile(p nm.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[p.Name] = p
}

// Profile returns a seeded or added profile and whether it exists.
func (b *Backend) Profile(name string) (nm.Profile, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[name]
	return p, ok
}

func (b *Backend) IsActive(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[name]
}

func (b *Backend) ListProfiles(context.Context) ([]nm.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]nm.Profile, 0, len(b.profiles))
	for _, p := range b.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (b *Backend) FindProfile(_ context.Context, name string) (nm.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[name]
	if !ok {
		return nm.Profile{}, nm.ErrProfileNotFound
	}
	return p, nil
}

func (b *Backend) AddProfile(_ context.Context, p nm.Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("add:" + p.Name)
	if b.AddErr != nil {
		return b.AddErr
	}
	b.profiles[p.Name] = p
	return nil
}

func (b *Backend) DeleteProfile(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("delete:" + name)
	if b.DeleteErr != nil {
		return b.DeleteErr
	}
	if _, ok := b.profiles[name]; !ok {
		return nm.ErrProfileNotFound
	}
	delete(b.profiles, name)
	delete(b.active, name)
	return nil
}

func (b *Backend) ProfileSecret(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[name]
	if !ok {
		return "", nm.ErrProfileNotFound
	}
	return p.PSK, nil
}

func (b *Backend) ActivateProfile(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("activate:" + name)
	if b.ActivateErr != nil {
		return b.ActivateErr
	}
	if _, ok := b.profiles[name]; !ok {
		return nm.ErrProfileNotFound
	}
	b.active[name] = true
	return nil
}

func (b *Backend) DeactivateProfile(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("deactivate:" + name)
	delete(b.active, name)
	return nil
}

func (b *Backend) ActiveProfileNames(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name, on := range b.active {
		if on {
			names = append(names, name)
		}
	}
	return names, nil
}

func (b *Backend) ScanNetworks(context.Context) ([]nm.AccessPoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ScanErr != nil {
		return nil, b.ScanErr
	}
	return b.Scan, nil
}

func (b *Backend) Connectivity(context.Context) (nm.Connectivity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConnStateErr != nil {
		return nm.ConnectivityUnknown, b.ConnStateErr
	}
	return b.ConnState, nil
}

func (b *Backend) WifiStatus(context.Context) (nm.WifiStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WifiErr != nil {
		return nm.WifiStatus{}, b.WifiErr
	}
	return b.Wifi, nil
}

func (b *Backend) EnableWireless(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("enable_wireless")
	b.WirelessEnabled = true
	return nil
}
