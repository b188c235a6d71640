package nm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	nmService      = "org.freedesktop.NetworkManager"
	nmPath         = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmSettingsPath = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")

	nmIface           = "org.freedesktop.NetworkManager"
	nmSettingsIface   = "org.freedesktop.NetworkManager.Settings"
	nmConnectionIface = "org.freedesktop.NetworkManager.Settings.Connection"
	nmActiveIface     = "org.freedesktop.NetworkManager.Connection.Active"
	nmDeviceIface     = "org.freedesktop.NetworkManager.Device"
	nmWirelessIface   = "org.freedesktop.NetworkManager.Device.Wireless"
	nmAPIface         = "org.freedesktop.NetworkManager.AccessPoint"
)

// NM_802_11_AP_FLAGS_PRIVACY
const apFlagPrivacy = 0x1

// NMConnectivityState values, see nm-dbus-interface.h.
const (
	nmConnectivityUnknown uint32 = iota
	nmConnectivityNone
	nmConnectivityPortal
	nmConnectivityLimited
	nmConnectivityFull
)

// NM_DEVICE_STATE_ACTIVATED
const nmDeviceStateActivated uint32 = 100

// connSettings is NetworkManager's wire shape for a connection profile.
type connSettings = map[string]map[string]dbus.Variant

// Client implements Backend against the system bus NetworkManager.
type Client struct {
	conn        *dbus.Conn
	wifiIface   string
	callTimeout time.Duration
	logger      *slog.Logger
}

// Connect opens the system bus and returns a NetworkManager client bound
// to the given wireless interface.
func Connect(wifiIface string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		// Happens when the daemon races the bus at boot.
		return nil, RetryLaterf("system bus unavailable (%v)", err)
	}
	return &Client{
		conn:        conn,
		wifiIface:   wifiIface,
		callTimeout: 4 * time.Second,
		logger:      logger,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) nm() dbus.BusObject {
	return c.conn.Object(nmService, nmPath)
}

func (c *Client) settings() dbus.BusObject {
	return c.conn.Object(nmService, nmSettingsPath)
}

// withTimeout bounds a single D-Bus call. NetworkManager normally answers
// in milliseconds; anything slower is treated as a failed check, never
// awaited indefinitely.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) ListProfiles(ctx context.Context) ([]Profile, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	paths, err := c.listConnectionPaths(ctx)
	if err != nil {
		return nil, err
	}

	var profiles []Profile
	for _, path := range paths {
		settings, err := c.connectionSettings(ctx, path)
		if err != nil {
			c.logger.Debug("Skipping unreadable connection", "path", path, "error", err)
			continue
		}
		p, ok := profileFromSettings(settings)
		if !ok {
			continue // not a Wi-Fi profile
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (c *Client) FindProfile(ctx context.Context, name string) (Profile, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, settings, err := c.findConnection(ctx, name)
	if err != nil {
		return Profile{}, err
	}
	p, ok := profileFromSettings(settings)
	if !ok {
		return Profile{}, fmt.Errorf("profile %q is not a Wi-Fi connection", name)
	}
	return p, nil
}

func (c *Client) AddProfile(ctx context.Context, p Profile) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var path dbus.ObjectPath
	call := c.settings().CallWithContext(ctx, nmSettingsIface+".AddConnection", 0, settingsFromProfile(p))
	if call.Err != nil {
		return fmt.Errorf("adding profile %q: %w", p.Name, call.Err)
	}
	if err := call.Store(&path); err != nil {
		return fmt.Errorf("adding profile %q: %w", p.Name, err)
	}
	c.logger.Info("Network profile created", "name", p.Name, "kind", p.Kind, "ssid", p.SSID)
	return nil
}

func (c *Client) DeleteProfile(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path, _, err := c.findConnection(ctx, name)
	if err != nil {
		return err
	}
	obj := c.conn.Object(nmService, path)
	if call := obj.CallWithContext(ctx, nmConnectionIface+".Delete", 0); call.Err != nil {
		return fmt.Errorf("deleting profile %q: %w", name, call.Err)
	}
	c.logger.Info("Network profile deleted", "name", name)
	return nil
}

func (c *Client) ProfileSecret(ctx context.Context, name string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path, _, err := c.findConnection(ctx, name)
	if err != nil {
		return "", err
	}

	obj := c.conn.Object(nmService, path)
	var secrets connSettings
	call := obj.CallWithContext(ctx, nmConnectionIface+".GetSecrets", 0, "802-11-wireless-security")
	if call.Err != nil {
		return "", fmt.Errorf("reading secrets of %q: %w", name, call.Err)
	}
	if err := call.Store(&secrets); err != nil {
		return "", fmt.Errorf("reading secrets of %q: %w", name, err)
	}

	if sec, ok := secrets["802-11-wireless-security"]; ok {
		if v, ok := sec["psk"]; ok {
			if psk, ok := v.Value().(string); ok {
				return psk, nil
			}
		}
	}
	return "", nil
}

func (c *Client) ActivateProfile(ctx context.Context, name string) error {
	connPath, settings, err := c.findConnection(ctx, name)
	if err != nil {
		return err
	}

	iface := c.wifiIface
	if conn, ok := settings["connection"]; ok {
		if v, ok := conn["interface-name"]; ok {
			if s, ok := v.Value().(string); ok && s != "" {
				iface = s
			}
		}
	}

	devPath, err := c.deviceByIface(ctx, iface)
	if err != nil {
		return err
	}

	// Activation itself runs on the caller's context: bringing an AP up or
	// associating with a network legitimately takes seconds.
	var activePath dbus.ObjectPath
	call := c.nm().CallWithContext(ctx, nmIface+".ActivateConnection", 0,
		connPath, devPath, dbus.ObjectPath("/"))
	if call.Err != nil {
		return fmt.Errorf("activating profile %q: %w", name, call.Err)
	}
	if err := call.Store(&activePath); err != nil {
		return fmt.Errorf("activating profile %q: %w", name, err)
	}
	return nil
}

func (c *Client) DeactivateProfile(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	active, err := c.activeConnections(ctx)
	if err != nil {
		return err
	}
	for path, id := range active {
		if id != name {
			continue
		}
		call := c.nm().CallWithContext(ctx, nmIface+".DeactivateConnection", 0, path)
		if call.Err != nil {
			return fmt.Errorf("deactivating profile %q: %w", name, call.Err)
		}
		return nil
	}
	// Already down. Deactivation is idempotent.
	return nil
}

func (c *Client) ActiveProfileNames(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	active, err := c.activeConnections(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(active))
	for _, id := range active {
		names = append(names, id)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) ScanNetworks(ctx context.Context) ([]AccessPoint, error) {
	devPath, err := c.deviceByIface(ctx, c.wifiIface)
	if err != nil {
		return nil, err
	}
	dev := c.conn.Object(nmService, devPath)

	// Kick a fresh scan. NetworkManager merges results into its AP list
	// asynchronously; the brief settle keeps first-boot scans from coming
	// back empty. Failure to request is non-fatal, cached APs still serve.
	scanCtx, cancel := c.withTimeout(ctx)
	if call := dev.CallWithContext(scanCtx, nmWirelessIface+".RequestScan", 0, map[string]dbus.Variant{}); call.Err != nil {
		c.logger.Debug("RequestScan failed, using cached results", "error", call.Err)
	}
	cancel()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
	}

	var apPaths []dbus.ObjectPath
	listCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	call := dev.CallWithContext(listCtx, nmWirelessIface+".GetAllAccessPoints", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("listing access points: %w", call.Err)
	}
	if err := call.Store(&apPaths); err != nil {
		return nil, fmt.Errorf("listing access points: %w", err)
	}

	var activeAP dbus.ObjectPath
	if v, err := dev.GetProperty(nmWirelessIface + ".ActiveAccessPoint"); err == nil {
		if p, ok := v.Value().(dbus.ObjectPath); ok {
			activeAP = p
		}
	}

	// Dedupe by SSID keeping the strongest signal.
	strongest := make(map[string]AccessPoint)
	for _, apPath := range apPaths {
		ap, ok := c.readAccessPoint(apPath, apPath == activeAP)
		if !ok {
			continue
		}
		if prev, seen := strongest[ap.SSID]; !seen || ap.Signal > prev.Signal || ap.InUse {
			if seen && prev.InUse {
				ap.InUse = true
			}
			strongest[ap.SSID] = ap
		}
	}

	result := make([]AccessPoint, 0, len(strongest))
	for _, ap := range strongest {
		result = append(result, ap)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Signal != result[j].Signal {
			return result[i].Signal > result[j].Signal
		}
		return result[i].SSID < result[j].SSID
	})
	return result, nil
}

func (c *Client) readAccessPoint(path dbus.ObjectPath, inUse bool) (AccessPoint, bool) {
	obj := c.conn.Object(nmService, path)

	ssidVar, err := obj.GetProperty(nmAPIface + ".Ssid")
	if err != nil {
		return AccessPoint{}, false
	}
	raw, ok := ssidVar.Value().([]byte)
	if !ok || len(raw) == 0 {
		return AccessPoint{}, false // hidden network
	}

	var signal int
	if v, err := obj.GetProperty(nmAPIface + ".Strength"); err == nil {
		if b, ok := v.Value().(byte); ok {
			signal = int(b)
		}
	}

	secured := false
	for _, prop := range []string{".Flags", ".WpaFlags", ".RsnFlags"} {
		v, err := obj.GetProperty(nmAPIface + prop)
		if err != nil {
			continue
		}
		flags, ok := v.Value().(uint32)
		if !ok {
			continue
		}
		if (prop == ".Flags" && flags&apFlagPrivacy != 0) || (prop != ".Flags" && flags != 0) {
			secured = true
		}
	}

	return AccessPoint{SSID: string(raw), Signal: signal, Secured: secured, InUse: inUse}, true
}

func (c *Client) Connectivity(ctx context.Context) (Connectivity, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var state uint32
	call := c.nm().CallWithContext(ctx, nmIface+".CheckConnectivity", 0)
	if call.Err != nil {
		return ConnectivityUnknown, fmt.Errorf("connectivity check: %w", call.Err)
	}
	if err := call.Store(&state); err != nil {
		return ConnectivityUnknown, fmt.Errorf("connectivity check: %w", err)
	}

	switch state {
	case nmConnectivityNone:
		return ConnectivityNone, nil
	case nmConnectivityPortal:
		return ConnectivityPortal, nil
	case nmConnectivityLimited:
		return ConnectivityLimited, nil
	case nmConnectivityFull:
		return ConnectivityFull, nil
	default:
		return ConnectivityUnknown, nil
	}
}

func (c *Client) WifiStatus(ctx context.Context) (WifiStatus, error) {
	devPath, err := c.deviceByIface(ctx, c.wifiIface)
	if err != nil {
		return WifiStatus{}, err
	}
	dev := c.conn.Object(nmService, devPath)

	stateVar, err := dev.GetProperty(nmDeviceIface + ".State")
	if err != nil {
		return WifiStatus{}, fmt.Errorf("reading device state: %w", err)
	}
	state, _ := stateVar.Value().(uint32)
	if state != nmDeviceStateActivated {
		return WifiStatus{}, nil
	}

	status := WifiStatus{Connected: true}

	if v, err := dev.GetProperty(nmWirelessIface + ".ActiveAccessPoint"); err == nil {
		if apPath, ok := v.Value().(dbus.ObjectPath); ok && apPath != "/" {
			if ap, ok := c.readAccessPoint(apPath, true); ok {
				status.SSID = ap.SSID
			}
		}
	}

	if v, err := dev.GetProperty(nmDeviceIface + ".Ip4Config"); err == nil {
		if cfgPath, ok := v.Value().(dbus.ObjectPath); ok && cfgPath != "/" {
			status.IP = c.firstAddress(cfgPath)
		}
	}

	return status, nil
}

func (c *Client) firstAddress(cfgPath dbus.ObjectPath) string {
	obj := c.conn.Object(nmService, cfgPath)
	v, err := obj.GetProperty("org.freedesktop.NetworkManager.IP4Config.AddressData")
	if err != nil {
		return ""
	}
	addrs, ok := v.Value().([]map[string]dbus.Variant)
	if !ok || len(addrs) == 0 {
		return ""
	}
	if av, ok := addrs[0]["address"]; ok {
		if s, ok := av.Value().(string); ok {
			return s
		}
	}
	return ""
}

func (c *Client) EnableWireless(ctx context.Context) error {
	v, err := c.nm().GetProperty(nmIface + ".WirelessEnabled")
	if err != nil {
		return fmt.Errorf("reading WirelessEnabled: %w", err)
	}
	if enabled, ok := v.Value().(bool); ok && enabled {
		return nil
	}
	if err := c.nm().SetProperty(nmIface+".WirelessEnabled", dbus.MakeVariant(true)); err != nil {
		return fmt.Errorf("unblocking wireless radio: %w", err)
	}
	c.logger.Info("Wireless radio unblocked")
	return nil
}

func (c *Client) listConnectionPaths(ctx context.Context) ([]dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	call := c.settings().CallWithContext(ctx, nmSettingsIface+".ListConnections", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("listing connections: %w", call.Err)
	}
	if err := call.Store(&paths); err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	return paths, nil
}

func (c *Client) connectionSettings(ctx context.Context, path dbus.ObjectPath) (connSettings, error) {
	obj := c.conn.Object(nmService, path)
	var settings connSettings
	call := obj.CallWithContext(ctx, nmConnectionIface+".GetSettings", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func (c *Client) findConnection(ctx context.Context, name string) (dbus.ObjectPath, connSettings, error) {
	paths, err := c.listConnectionPaths(ctx)
	if err != nil {
		return "", nil, err
	}
	for _, path := range paths {
		settings, err := c.connectionSettings(ctx, path)
		if err != nil {
			continue
		}
		if conn, ok := settings["connection"]; ok {
			if v, ok := conn["id"]; ok {
				if id, ok := v.Value().(string); ok && id == name {
					return path, settings, nil
				}
			}
		}
	}
	return "", nil, fmt.Errorf("%q: %w", name, ErrProfileNotFound)
}

// activeConnections maps active connection object paths to their profile ids.
func (c *Client) activeConnections(ctx context.Context) (map[dbus.ObjectPath]string, error) {
	v, err := c.nm().GetProperty(nmIface + ".ActiveConnections")
	if err != nil {
		return nil, fmt.Errorf("reading active connections: %w", err)
	}
	paths, ok := v.Value().([]dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("unexpected ActiveConnections type %T", v.Value())
	}

	result := make(map[dbus.ObjectPath]string, len(paths))
	for _, path := range paths {
		obj := c.conn.Object(nmService, path)
		idVar, err := obj.GetProperty(nmActiveIface + ".Id")
		if err != nil {
			continue
		}
		if id, ok := idVar.Value().(string); ok {
			result[path] = id
		}
	}
	return result, nil
}

// deviceByIface resolves an interface name to its device object path.
// A missing device is transient at boot: the Wi-Fi driver may still be
// loading when the daemon starts.
func (c *Client) deviceByIface(ctx context.Context, iface string) (dbus.ObjectPath, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var path dbus.ObjectPath
	call := c.nm().CallWithContext(ctx, nmIface+".GetDeviceByIpIface", 0, iface)
	if call.Err != nil {
		return "", RetryLaterf("interface %s not enumerated (%v)", iface, call.Err)
	}
	if err := call.Store(&path); err != nil {
		return "", RetryLaterf("interface %s not enumerated (%v)", iface, err)
	}
	return path, nil
}

// profileFromSettings converts NetworkManager's nested variant map into the
// typed Profile. Non-Wi-Fi connections report ok=false.
func profileFromSettings(s connSettings) (Profile, bool) {
	conn, ok := s["connection"]
	if !ok {
		return Profile{}, false
	}
	if v, ok := conn["type"]; !ok || variantString(v) != "802-11-wireless" {
		return Profile{}, false
	}

	p := Profile{
		Kind:        KindClient,
		Autoconnect: true, // NetworkManager's default when the key is absent
		IPv4Method:  "auto",
	}
	p.Name = variantString(conn["id"])
	p.Interface = variantString(conn["interface-name"])
	if v, ok := conn["autoconnect"]; ok {
		if b, isBool := v.Value().(bool); isBool {
			p.Autoconnect = b
		}
	}
	if v, ok := conn["autoconnect-priority"]; ok {
		if pr, isInt := v.Value().(int32); isInt {
			p.Priority = pr
		}
	}

	if wifi, ok := s["802-11-wireless"]; ok {
		if raw, isBytes := wifi["ssid"].Value().([]byte); isBytes {
			p.SSID = string(raw)
		}
		if variantString(wifi["mode"]) == "ap" {
			p.Kind = KindAP
		}
	}

	if sec, ok := s["802-11-wireless-security"]; ok {
		p.KeyMgmt = variantString(sec["key-mgmt"])
		p.PSK = variantString(sec["psk"]) // usually redacted, see ProfileSecret
	}

	if ipv4, ok := s["ipv4"]; ok {
		if m := variantString(ipv4["method"]); m != "" {
			p.IPv4Method = m
		}
		p.Gateway = variantString(ipv4["gateway"])
		if v, ok := ipv4["address-data"]; ok {
			if addrs, isSlice := v.Value().([]map[string]dbus.Variant); isSlice && len(addrs) > 0 {
				addr := variantString(addrs[0]["address"])
				if prefix, isNum := addrs[0]["prefix"].Value().(uint32); isNum && addr != "" {
					p.Address = fmt.Sprintf("%s/%d", addr, prefix)
				}
			}
		}
	}

	return p, true
}

// settingsFromProfile builds the variant map NetworkManager expects.
func settingsFromProfile(p Profile) connSettings {
	conn := map[string]dbus.Variant{
		"id":                   dbus.MakeVariant(p.Name),
		"uuid":                 dbus.MakeVariant(uuid.NewString()),
		"type":                 dbus.MakeVariant("802-11-wireless"),
		"autoconnect":          dbus.MakeVariant(p.Autoconnect),
		"autoconnect-priority": dbus.MakeVariant(p.Priority),
	}
	if p.Interface != "" {
		conn["interface-name"] = dbus.MakeVariant(p.Interface)
	}

	wifi := map[string]dbus.Variant{
		"ssid": dbus.MakeVariant([]byte(p.SSID)),
	}
	ipv4 := map[string]dbus.Variant{}
	ipv6 := map[string]dbus.Variant{
		"method": dbus.MakeVariant("auto"),
	}

	if p.Kind == KindAP {
		wifi["mode"] = dbus.MakeVariant("ap")
		wifi["band"] = dbus.MakeVariant("bg")
		ipv4["method"] = dbus.MakeVariant("shared")
		ipv6["method"] = dbus.MakeVariant("disabled")
		if addr, prefix, ok := splitCIDR(p.Address); ok {
			ipv4["address-data"] = dbus.MakeVariant([]map[string]dbus.Variant{{
				"address": dbus.MakeVariant(addr),
				"prefix":  dbus.MakeVariant(prefix),
			}})
			if p.Gateway != "" {
				ipv4["gateway"] = dbus.MakeVariant(p.Gateway)
			}
		}
	} else {
		wifi["mode"] = dbus.MakeVariant("infrastructure")
		ipv4["method"] = dbus.MakeVariant("auto")
	}

	s := connSettings{
		"connection":      conn,
		"802-11-wireless": wifi,
		"ipv4":            ipv4,
		"ipv6":            ipv6,
	}

	if p.KeyMgmt != "" {
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant(p.KeyMgmt),
			"psk":      dbus.MakeVariant(p.PSK),
		}
	}

	return s
}

func variantString(v dbus.Variant) string {
	if s, ok := v.Value().(string); ok {
		return s
	}
	return ""
}

func splitCIDR(cidr string) (addr string, prefix uint32, ok bool) {
	for i := len(cidr) - 1; i >= 0; i-- {
		if cidr[i] == '/' {
			var n int
			if _, err := fmt.Sscanf(cidr[i+1:], "%d", &n); err != nil || n <= 0 || n > 32 {
				return "", 0, false
			}
			return cidr[:i], uint32(n), true
		}
	}
	return "", 0, false
}
