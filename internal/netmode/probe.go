package netmode

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/bascula/netmoded/internal/nm"
)

// ConnectivityProbe answers "do we have real connectivity right now?" from
// several independent signals, cheapest first. It is side-effect-free and
// bounded: each sub-check carries its own timeout so one slow check cannot
// stall a reconciliation tick.
type ConnectivityProbe struct {
	backend   nm.Backend
	ethIface  string
	endpoints []string
	client    *http.Client
	logger    *slog.Logger

	// Overridable in tests.
	routeFile   string
	carrierPath func(iface string) string
	totalBudget time.Duration
}

func NewConnectivityProbe(backend nm.Backend, ethIface string, endpoints []string, logger *slog.Logger) *ConnectivityProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectivityProbe{
		backend:   backend,
		ethIface:  ethIface,
		endpoints: endpoints,
		client: &http.Client{
			Timeout: 3 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:      logger,
		routeFile:   "/proc/net/route",
		carrierPath: func(iface string) string { return "/sys/class/net/" + iface + "/carrier" },
		totalBudget: 5 * time.Second,
	}
}

// Probe evaluates all signals and derives the current Status. Any single
// trustworthy affirmative signal is enough to report online; the failure
// of a sub-check degrades to "unknown", never to a hard error, because the
// decider must always get a usable answer.
func (p *ConnectivityProbe) Probe(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.totalBudget)
	defer cancel()

	start := time.Now()
	status := Status{Connectivity: nm.ConnectivityUnknown}

	hasRoute := p.hasDefaultRoute()
	status.EthernetConnected = p.ethernetUp()

	if conn, err := p.backend.Connectivity(ctx); err != nil {
		// Treated as unknown, which the decider reads as none: assume
		// disconnected, never assume connected.
		p.logger.Debug("Connectivity classification unavailable", "error", err)
	} else {
		status.Connectivity = conn
	}

	if wifi, err := p.backend.WifiStatus(ctx); err != nil {
		p.logger.Debug("Wi-Fi status unavailable", "error", err)
	} else {
		status.Wifi = WifiInfo{Connected: wifi.Connected, SSID: wifi.SSID, IP: wifi.IP}
	}

	if names, err := p.backend.ActiveProfileNames(ctx); err == nil {
		for _, name := range names {
			if name == nm.APProfileName {
				status.APActive = true
			}
		}
	}

	status.Online = status.Connectivity.Reachable()
	if !status.Online && hasRoute && (status.EthernetConnected || status.Wifi.Connected) {
		// The manager couldn't classify but we have a link and a default
		// route; corroborate with a cheap HTTP probe before declaring.
		status.Online = p.httpReachable(ctx)
	}

	p.logger.Debug("Connectivity probe complete",
		"online", status.Online,
		"connectivity", status.Connectivity,
		"ethernet", status.EthernetConnected,
		"wifi", status.Wifi.Connected,
		"latency", time.Since(start))

	return status
}

// hasDefaultRoute reports whether any interface carries a 0.0.0.0 route.
func (p *ConnectivityProbe) hasDefaultRoute() bool {
	f, err := os.Open(p.routeFile)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == "00000000" {
			return true
		}
	}
	return false
}

// ethernetUp combines the interface's administrative state with the
// link-layer carrier. Both must hold: an up interface with no cable is
// not a connection.
func (p *ConnectivityProbe) ethernetUp() bool {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Name != p.ethIface {
			continue
		}
		up := false
		for _, flag := range iface.Flags {
			if flag == "up" {
				up = true
			}
		}
		if !up {
			return false
		}
		raw, err := os.ReadFile(p.carrierPath(p.ethIface))
		if err != nil {
			return false
		}
		return strings.TrimSpace(string(raw)) == "1"
	}
	return false
}

// httpReachable issues HEAD requests to the configured endpoints and
// reports success on the first sane response.
func (p *ConnectivityProbe) httpReachable(ctx context.Context) bool {
	for _, endpoint := range p.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			continue
		}
		resp, err := p.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return true
		}
	}
	return false
}
