package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bascula/netmoded/internal/bus"
	"github.com/bascula/netmoded/internal/nm"
	"github.com/bascula/netmoded/internal/settings"
)

// Failure reason codes carried on wifi_failed events.
const (
	ReasonAuthFailed       = "auth_failed"
	ReasonNotFound         = "not_found"
	ReasonTimeout          = "timeout"
	ReasonActivationFailed = "activation_failed"
)

var (
	ErrSSIDRequired     = errors.New("provision: ssid is required")
	ErrPasswordRequired = errors.New("provision: network is secured, password is required")
)

// ConnectError wraps a connect failure with its reason code so callers
// can report it without string matching.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("provision: connect failed (%s): %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ModeController is the slice of the reconciler the connect workflow
// needs: the shared profile lock, force-AP control, and a way to request
// an immediate re-evaluation.
type ModeController interface {
	ProfilesLock() *sync.Mutex
	Kick(source string)
	SetForceAP(v bool)
	ResetAttempts()
}

// Service runs Wi-Fi provisioning against a NetworkManager backend.
type Service struct {
	backend nm.Backend
	ap      *nm.AccessPointManager
	events  *bus.Bus
	modes   ModeController
	store   *settings.Store
	logger  *slog.Logger

	connectTimeout time.Duration
	clientPriority int32

	scanMu   sync.Mutex
	lastScan []nm.AccessPoint
}

func NewService(backend nm.Backend, ap *nm.AccessPointManager, events *bus.Bus,
	modes ModeController, store *settings.Store, connectTimeout time.Duration,
	logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if connectTimeout <= 0 {
		connectTimeout = 45 * time.Second
	}
	return &Service{
		backend:        backend,
		ap:             ap,
		events:         events,
		modes:          modes,
		store:          store,
		logger:         logger,
		connectTimeout: connectTimeout,
		clientPriority: 10,
	}
}

// Scan returns nearby networks, strongest first, and remembers the
// result so Connect can validate secured-network requests without a
// second scan.
func (s *Service) Scan(ctx context.Context) ([]nm.AccessPoint, error) {
	aps, err := s.backend.ScanNetworks(ctx)
	if err != nil {
		return nil, err
	}
	s.scanMu.Lock()
	s.lastScan = aps
	s.scanMu.Unlock()
	return aps, nil
}

func (s *Service) knownSecured(ssid string) (secured, known bool) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	for _, ap := range s.lastScan {
		if ap.SSID == ssid {
			return ap.Secured, true
		}
	}
	return false, false
}

// Validate checks a connect request without touching any profile, so
// callers can reject bad requests synchronously. A secured network must
// come with a non-empty password; when the SSID is missing from the
// last scan a fresh scan decides, and an SSID that still cannot be seen
// is treated as hidden and allowed through.
func (s *Service) Validate(ctx context.Context, ssid, password string) error {
	ssid = strings.TrimSpace(ssid)
	if ssid == "" {
		return ErrSSIDRequired
	}
	if password != "" {
		return nil
	}
	secured, known := s.knownSecured(ssid)
	if !known {
		if _, err := s.Scan(ctx); err != nil {
			s.logger.Warn("Scan during connect validation failed", "ssid", ssid, "error", err)
			return nil
		}
		secured, known = s.knownSecured(ssid)
	}
	if known && secured {
		return ErrPasswordRequired
	}
	return nil
}

// Connect provisions a client profile for ssid and activates it. The
// request is validated before any profile mutation. On failure the
// freshly added profile is removed and a wifi_failed event with a
// reason code is published; the reconciler is kicked either way so the
// device settles into the correct mode.
func (s *Service) Connect(ctx context.Context, ssid, password string) error {
	ssid = strings.TrimSpace(ssid)
	if err := s.Validate(ctx, ssid, password); err != nil {
		return err
	}

	lock := s.modes.ProfilesLock()
	lock.Lock()
	defer lock.Unlock()

	// The daemon may have started shutting down while we waited for the
	// reconciler to release the lock.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.Info("Provisioning Wi-Fi network", "ssid", ssid, "secured", password != "")

	// A stale profile for the same network would shadow the new secret.
	if existing, err := s.backend.FindProfile(ctx, ssid); err == nil && existing.Kind == nm.KindClient {
		if err := s.backend.DeleteProfile(ctx, ssid); err != nil {
			s.logger.Warn("Could not remove stale client profile", "ssid", ssid, "error", err)
		}
	}

	profile := nm.Profile{
		Name:        ssid,
		Kind:        nm.KindClient,
		SSID:        ssid,
		IPv4Method:  "auto",
		Autoconnect: true,
		Priority:    s.clientPriority,
	}
	if password != "" {
		profile.KeyMgmt = "wpa-psk"
		profile.PSK = password
	}
	if err := s.backend.AddProfile(ctx, profile); err != nil {
		return s.fail(ssid, classifyConnectError(err), err)
	}

	// The operator asked for a real network; a standing force-AP request
	// would immediately drag the device back into AP mode.
	s.clearForceAP()

	if err := s.ap.Deactivate(ctx); err != nil && !errors.Is(err, nm.ErrProfileNotFound) {
		s.logger.Warn("AP deactivation before connect failed", "error", err)
	}

	actCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := s.backend.ActivateProfile(actCtx, ssid); err != nil {
		reason := classifyConnectError(err)
		if derr := s.backend.DeleteProfile(ctx, ssid); derr != nil {
			s.logger.Warn("Could not clean up failed profile", "ssid", ssid, "error", derr)
		}
		return s.fail(ssid, reason, err)
	}

	s.logger.Info("Wi-Fi network provisioned", "ssid", ssid)
	s.events.Publish(bus.EventWifiConnected, map[string]any{"ssid": ssid})
	s.modes.ResetAttempts()
	s.modes.Kick("provisioned")
	return nil
}

func (s *Service) fail(ssid, reason string, err error) error {
	s.logger.Warn("Wi-Fi provisioning failed", "ssid", ssid, "reason", reason, "error", err)
	s.events.Publish(bus.EventWifiFailed, map[string]any{"ssid": ssid, "reason": reason})
	s.modes.Kick("provision_failed")
	return &ConnectError{Reason: reason, Err: err}
}

func (s *Service) clearForceAP() {
	s.modes.SetForceAP(false)
	if s.store == nil {
		return
	}
	if !s.store.Read().Network.ForceAP {
		return
	}
	off := false
	if _, _, err := s.store.Write(settings.Patch{Network: &settings.NetworkPatch{ForceAP: &off}}); err != nil {
		s.logger.Warn("Could not clear force_ap in settings", "error", err)
	}
}

// classifyConnectError maps backend failures onto wire-level reason
// codes. NetworkManager signals a bad passphrase by re-asking for
// secrets, so a secrets error means auth_failed.
func classifyConnectError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, nm.ErrProfileNotFound):
		return ReasonNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "secrets"), strings.Contains(msg, "802-11-wireless-security"):
		return ReasonAuthFailed
	case strings.Contains(msg, "no network with ssid"), strings.Contains(msg, "not found"):
		return ReasonNotFound
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ReasonTimeout
	default:
		return ReasonActivationFailed
	}
}
