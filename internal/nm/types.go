// Package nm talks to NetworkManager over the system D-Bus. It owns every
// network profile the daemon touches: the single provisioning access-point
// profile and any number of client Wi-Fi profiles. No other package is
// allowed to reach NetworkManager directly.
package nm

import (
	"context"
	"errors"
	"fmt"
)

// ProfileKind distinguishes the provisioning AP profile from client profiles.
type ProfileKind string

const (
	KindAP     ProfileKind = "ap"
	KindClient ProfileKind = "client"
)

// Profile is the typed view of a NetworkManager connection profile.
// Only the fields the reconciler cares about are represented; everything
// else NetworkManager stores is left untouched.
type Profile struct {
	Name        string
	Kind        ProfileKind
	SSID        string
	KeyMgmt     string // "wpa-psk" or "" for open networks
	PSK         string
	IPv4Method  string // "shared" for the AP, "auto" for clients
	Address     string // CIDR, AP only
	Gateway     string
	Autoconnect bool
	Priority    int32
	Interface   string
}

// AccessPoint is one scan result.
type AccessPoint struct {
	SSID    string `json:"ssid"`
	Signal  int    `json:"signal"` // percent, 0-100
	Secured bool   `json:"secured"`
	InUse   bool   `json:"inUse"`
}

// Connectivity is NetworkManager's coarse reachability classification.
type Connectivity string

const (
	ConnectivityUnknown Connectivity = "unknown"
	ConnectivityNone    Connectivity = "none"
	ConnectivityPortal  Connectivity = "portal"
	ConnectivityLimited Connectivity = "limited"
	ConnectivityFull    Connectivity = "full"
)

// Reachable reports whether this classification counts as a usable uplink.
// A captive portal or limited connectivity still means the client network
// works well enough to stay out of AP mode.
func (c Connectivity) Reachable() bool {
	switch c {
	case ConnectivityFull, ConnectivityLimited, ConnectivityPortal:
		return true
	}
	return false
}

// WifiStatus describes the wireless device's current association.
type WifiStatus struct {
	Connected bool
	SSID      string
	IP        string
}

var (
	// ErrProfileNotFound is returned when no profile with the requested
	// name exists in NetworkManager's store.
	ErrProfileNotFound = errors.New("network profile not found")

	// ErrRetryLater marks transient environment failures: the wireless
	// interface not yet enumerated, NetworkManager not yet on the bus.
	// Callers apply their backoff policy instead of treating these as
	// misconfiguration.
	ErrRetryLater = errors.New("transient condition, retry later")
)

// RetryLaterf wraps a transient condition so errors.Is(err, ErrRetryLater)
// holds while keeping the underlying detail.
func RetryLaterf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrRetryLater)...)
}

// Backend is the slice of NetworkManager behavior the rest of the daemon
// consumes. The D-Bus client implements it; tests substitute fakes.
type Backend interface {
	ListProfiles(ctx context.Context) ([]Profile, error)
	FindProfile(ctx context.Context, name string) (Profile, error)
	AddProfile(ctx context.Context, p Profile) error
	DeleteProfile(ctx context.Context, name string) error
	ProfileSecret(ctx context.Context, name string) (string, error)

	ActivateProfile(ctx context.Context, name string) error
	DeactivateProfile(ctx context.Context, name string) error
	ActiveProfileNames(ctx context.Context) ([]string, error)

	ScanNetworks(ctx context.Context) ([]AccessPoint, error)
	Connectivity(ctx context.Context) (Connectivity, error)
	WifiStatus(ctx context.Context) (WifiStatus, error)
	EnableWireless(ctx context.Context) error
}
