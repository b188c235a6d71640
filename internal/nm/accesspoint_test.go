package nm_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/bascula/netmoded/internal/nm"
	"github.com/bascula/netmoded/internal/nm/nmtest"
)

func quietLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

func testAPConfig() nm.APConfig {
	return nm.APConfig{
		SSID:      "Bascula-AP",
		Password:  "bascula1234",
		Interface: "wlan0",
		Address:   "192.168.4.1/24",
		Country:   "ES",
	}
}

func TestEnsureProfileCreatesWhenMissing(t *testing.T) {
	backend := nmtest.New()
	mgr := nm.NewAccessPointManager(backend, testAPConfig(), quietLogger(t))

	recreated, err := mgr.EnsureProfile(context.Background())
	if err != nil {
		t.Fatalf("EnsureProfile() error = %v", err)
	}
	if recreated {
		t.Error("EnsureProfile() reported recreation on first create")
	}

	p, ok := backend.Profile(nm.APProfileName)
	if !ok {
		t.Fatal("AP profile was not created")
	}
	if p.Kind != nm.KindAP || p.SSID != "Bascula-AP" || p.IPv4Method != "shared" {
		t.Errorf("created profile = %+v", p)
	}
	if p.PSK != "bascula1234" {
		t.Errorf("new profile PSK = %q, want config password", p.PSK)
	}
	if p.Autoconnect {
		t.Error("AP profile must not autoconnect")
	}
}

func TestEnsureProfileIsIdempotent(t *testing.T) {
	backend := nmtest.New()
	mgr := nm.NewAccessPointManager(backend, testAPConfig(), quietLogger(t))

	if _, err := mgr.EnsureProfile(context.Background()); err != nil {
		t.Fatalf("first EnsureProfile() error = %v", err)
	}
	creates := len(backend.Calls)

	recreated, err := mgr.EnsureProfile(context.Background())
	if err != nil {
		t.Fatalf("second EnsureProfile() error = %v", err)
	}
	if recreated {
		t.Error("second EnsureProfile() recreated an unchanged profile")
	}
	if len(backend.Calls) != creates {
		t.Errorf("second EnsureProfile() issued writes: %v", backend.Calls[creates:])
	}
}

func TestEnsureProfileRecreatesOnDriftPreservingPSK(t *testing.T) {
	backend := nmtest.New()
	cfg := testAPConfig()
	mgr := nm.NewAccessPointManager(backend, cfg, quietLogger(t))

	// Profile exists but someone flipped it to a client profile with a
	// rotated key. The key must survive the repair.
	backend.SetProfile(nm.Profile{
		Name:        nm.APProfileName,
		Kind:        nm.KindClient,
		SSID:        cfg.SSID,
		KeyMgmt:     "wpa-psk",
		PSK:         "rotated-secret",
		IPv4Method:  "auto",
		Autoconnect: true,
		Interface:   cfg.Interface,
	})

	recreated, err := mgr.EnsureProfile(context.Background())
	if err != nil {
		t.Fatalf("EnsureProfile() error = %v", err)
	}
	if !recreated {
		t.Fatal("EnsureProfile() did not repair a drifted profile")
	}

	p, ok := backend.Profile(nm.APProfileName)
	if !ok {
		t.Fatal("AP profile missing after repair")
	}
	if p.Kind != nm.KindAP || p.IPv4Method != "shared" {
		t.Errorf("repaired profile = %+v", p)
	}
	if p.PSK != "rotated-secret" {
		t.Errorf("repaired profile PSK = %q, want preserved secret", p.PSK)
	}
}

func TestActivateEnablesWirelessFirst(t *testing.T) {
	backend := nmtest.New()
	mgr := nm.NewAccessPointManager(backend, testAPConfig(), quietLogger(t))

	if _, err := mgr.EnsureProfile(context.Background()); err != nil {
		t.Fatalf("EnsureProfile() error = %v", err)
	}
	if err := mgr.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	if !backend.WirelessEnabled {
		t.Error("Activate() did not enable wireless")
	}
	if !backend.IsActive(nm.APProfileName) {
		t.Error("AP profile is not active")
	}

	active, err := mgr.IsActive(context.Background())
	if err != nil || !active {
		t.Errorf("IsActive() = %v, %v", active, err)
	}
}
