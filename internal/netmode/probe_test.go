package netmode

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bascula/netmoded/internal/nm"
	"github.com/bascula/netmoded/internal/nm/nmtest"
)

func quietLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

// writeRouteFile produces a /proc/net/route lookalike, with or without a
// default route entry.
func writeRouteFile(t *testing.T, withDefault bool) string {
	t.Helper()
	content := "Iface\tDestination\tGateway\tFlags\tRefCnt\tUse\tMetric\tMask\tMTU\tWindow\tIRTT\n"
	if withDefault {
		content += "wlan0\t00000000\t0102A8C0\t0003\t0\t0\t600\t00000000\t0\t0\t0\n"
	}
	content += "wlan0\t0002A8C0\t00000000\t0001\t0\t0\t600\t00FFFFFF\t0\t0\t0\n"

	path := filepath.Join(t.TempDir(), "route")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestProbe(t *testing.T, backend nm.Backend, endpoints []string) *ConnectivityProbe {
	t.Helper()
	p := NewConnectivityProbe(backend, "eth-test-absent", endpoints, quietLogger(t))
	p.routeFile = writeRouteFile(t, false)
	return p
}

func TestProbeReportsOnlineFromClassification(t *testing.T) {
	backend := nmtest.New()
	backend.ConnState = nm.ConnectivityFull
	backend.Wifi = nm.WifiStatus{Connected: true, SSID: "home", IP: "192.168.2.10"}

	status := newTestProbe(t, backend, nil).Probe(context.Background())

	if !status.Online {
		t.Error("Online = false with full connectivity")
	}
	if status.Connectivity != nm.ConnectivityFull {
		t.Errorf("Connectivity = %s", status.Connectivity)
	}
	if !status.Wifi.Connected || status.Wifi.SSID != "home" {
		t.Errorf("Wifi = %+v", status.Wifi)
	}
}

func TestProbeClassificationFailureDegradesToUnknown(t *testing.T) {
	backend := nmtest.New()
	backend.ConnStateErr = nm.RetryLaterf("manager not on bus")

	status := newTestProbe(t, backend, nil).Probe(context.Background())

	if status.Connectivity != nm.ConnectivityUnknown {
		t.Errorf("Connectivity = %s, want unknown", status.Connectivity)
	}
	if status.Online {
		t.Error("Online = true with no evidence at all")
	}
}

func TestProbeCorroboratesWithHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	backend := nmtest.New()
	backend.Wifi = nm.WifiStatus{Connected: true, SSID: "home"}

	p := newTestProbe(t, backend, []string{srv.URL})
	p.routeFile = writeRouteFile(t, true)

	status := p.Probe(context.Background())
	if !status.Online {
		t.Error("Online = false despite link, default route and reachable endpoint")
	}
}

func TestProbeHTTPFallbackNeedsDefaultRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	backend := nmtest.New()
	backend.Wifi = nm.WifiStatus{Connected: true}

	// No default route: the HTTP fallback must not even be consulted.
	status := newTestProbe(t, backend, []string{srv.URL}).Probe(context.Background())
	if status.Online {
		t.Error("Online = true without a default route")
	}
}

func TestProbeDetectsActiveAP(t *testing.T) {
	backend := nmtest.New()
	backend.SetProfile(nm.Profile{Name: nm.APProfileName, Kind: nm.KindAP})
	if err := backend.ActivateProfile(context.Background(), nm.APProfileName); err != nil {
		t.Fatal(err)
	}

	status := newTestProbe(t, backend, nil).Probe(context.Background())
	if !status.APActive {
		t.Error("APActive = false while AP profile is active")
	}
}

func TestHasDefaultRoute(t *testing.T) {
	p := newTestProbe(t, nmtest.New(), nil)

	p.routeFile = writeRouteFile(t, true)
	if !p.hasDefaultRoute() {
		t.Error("hasDefaultRoute() = false with default entry")
	}

	p.routeFile = writeRouteFile(t, false)
	if p.hasDefaultRoute() {
		t.Error("hasDefaultRoute() = true without default entry")
	}

	p.routeFile = filepath.Join(t.TempDir(), "missing")
	if p.hasDefaultRoute() {
		t.Error("hasDefaultRoute() = true for missing file")
	}
}
