package nm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// APProfileName is the NetworkManager id of the provisioning profile.
// The profile is owned exclusively by the AccessPointManager and is never
// hand-edited; any divergence from the desired shape is corrected by full
// recreation.
const APProfileName = "bascula-ap"

// APConfig is the externally-overridable shape of the provisioning network.
type APConfig struct {
	SSID      string
	Password  string
	Interface string
	Address   string // CIDR, e.g. 192.168.4.1/24
	Country   string // regulatory domain, logged for diagnosis
}

// AccessPointManager ensures exactly one correctly-configured AP profile
// exists and controls its activation.
type AccessPointManager struct {
	backend Backend
	cfg     APConfig
	logger  *slog.Logger
}

func NewAccessPointManager(backend Backend, cfg APConfig, logger *slog.Logger) *AccessPointManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessPointManager{backend: backend, cfg: cfg, logger: logger}
}

// Desired returns the profile the AP must match. PSK is left empty: on
// recreation the existing key is preserved so already-provisioned clients
// keep working; it is only filled from config when no profile exists yet.
func (m *AccessPointManager) Desired() Profile {
	return Profile{
		Name:        APProfileName,
		Kind:        KindAP,
		SSID:        m.cfg.SSID,
		KeyMgmt:     "wpa-psk",
		IPv4Method:  "shared",
		Address:     m.cfg.Address,
		Autoconnect: false,
		Priority:    0,
		Interface:   m.cfg.Interface,
	}
}

// EnsureProfile makes the live AP profile match the desired one. It is
// idempotent: a second call with nothing changed performs no writes.
// recreated is true only when an existing profile was torn down to
// repair drift.
// Drift in any compared field is corrected by delete-and-recreate, never
// by in-place mutation; some backends silently ignore changes to the mode
// field of an existing profile.
func (m *AccessPointManager) EnsureProfile(ctx context.Context) (recreated bool, err error) {
	desired := m.Desired()

	live, err := m.backend.FindProfile(ctx, APProfileName)
	if errors.Is(err, ErrProfileNotFound) {
		desired.PSK = m.cfg.Password
		if err := m.backend.AddProfile(ctx, desired); err != nil {
			return false, fmt.Errorf("creating AP profile: %w", err)
		}
		m.logger.Info("AP profile created",
			"ssid", desired.SSID, "interface", desired.Interface, "country", m.cfg.Country)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting AP profile: %w", err)
	}

	if !profileDrifted(live, desired) {
		return false, nil
	}

	// Preserve the existing key so recreation is invisible to clients.
	psk, err := m.backend.ProfileSecret(ctx, APProfileName)
	if err != nil || psk == "" {
		psk = m.cfg.Password
	}
	desired.PSK = psk

	m.logger.Info("AP profile drift detected, recreating",
		"ssid", desired.SSID, "interface", desired.Interface)

	if err := m.backend.DeleteProfile(ctx, APProfileName); err != nil {
		return false, fmt.Errorf("removing drifted AP profile: %w", err)
	}
	if err := m.backend.AddProfile(ctx, desired); err != nil {
		return false, fmt.Errorf("recreating AP profile: %w", err)
	}
	return true, nil
}

// Activate brings the AP up on its bound interface. Retries are the
// caller's responsibility; a missing wireless interface surfaces as
// ErrRetryLater.
func (m *AccessPointManager) Activate(ctx context.Context) error {
	if err := m.backend.EnableWireless(ctx); err != nil {
		return err
	}
	if err := m.backend.ActivateProfile(ctx, APProfileName); err != nil {
		return err
	}
	m.logger.Info("Access point activated", "ssid", m.cfg.SSID)
	return nil
}

// Deactivate brings the AP down. Succeeds if it is already down.
func (m *AccessPointManager) Deactivate(ctx context.Context) error {
	return m.backend.DeactivateProfile(ctx, APProfileName)
}

// IsActive reports whether the AP profile is the active connection.
func (m *AccessPointManager) IsActive(ctx context.Context) (bool, error) {
	names, err := m.backend.ActiveProfileNames(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == APProfileName {
			return true, nil
		}
	}
	return false, nil
}

// profileDrifted compares the fields the AP manager owns. The PSK is
// deliberately not compared: NetworkManager redacts secrets on read, and
// key changes go through recreation with an explicit new password anyway.
func profileDrifted(live, desired Profile) bool {
	return live.Interface != desired.Interface ||
		live.Kind != desired.Kind ||
		live.SSID != desired.SSID ||
		live.KeyMgmt != desired.KeyMgmt ||
		live.IPv4Method != desired.IPv4Method ||
		live.Address != desired.Address ||
		live.Gateway != desired.Gateway ||
		live.Autoconnect != desired.Autoconnect
}
