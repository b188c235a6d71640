// Package netmode decides which network posture the device is in and makes
// reality match. A single reconciliation loop runs probe → decide → apply;
// the decision itself is a pure function so every transition is testable
// without a network stack.
package netmode

import (
	"github.com/bascula/netmoded/internal/nm"
)

// Mode is the device's effective network posture.
type Mode string

const (
	// ModeAP advertises the provisioning network; it is the mode of last
	// resort and the safe fallback on every unrecoverable path.
	ModeAP Mode = "ap"

	// ModeKiosk means client connectivity is confirmed and the device
	// behaves as a normal appliance.
	ModeKiosk Mode = "kiosk"

	// ModeOffline is an explicit operator choice to run without
	// networking despite the absence of connectivity.
	ModeOffline Mode = "offline"

	// ModeConnecting is transient: client profiles exist and are being
	// tried, bounded by the retry budget.
	ModeConnecting Mode = "connecting"
)

// Reason explains a mode decision in machine-readable form. ap↔kiosk flaps
// are the primary operational failure mode, so reasons travel with every
// transition into the log, the journal and the event stream.
type Reason string

const (
	ReasonConnectivityConfirmed Reason = "connectivity_confirmed"
	ReasonOperatorForce         Reason = "operator_force"
	ReasonManualOffline         Reason = "manual_offline"
	ReasonNoProfiles            Reason = "no_client_profiles"
	ReasonProfilesExhausted     Reason = "client_profiles_exhausted"
	ReasonTryingProfiles        Reason = "trying_client_profiles"
)

// WifiInfo is the wireless slice of a Status.
type WifiInfo struct {
	Connected bool   `json:"connected"`
	SSID      string `json:"ssid,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Status is the connectivity picture at one instant. It is recomputed on
// every reconciliation tick and never persisted.
type Status struct {
	Online            bool            `json:"online"`
	Connectivity      nm.Connectivity `json:"connectivity"`
	EthernetConnected bool            `json:"ethernetConnected"`
	Wifi              WifiInfo        `json:"wifi"`
	APActive          bool            `json:"apActive"`
}

// Inputs feeds one decision.
type Inputs struct {
	Status         Status
	ForceAP        bool
	ManualOffline  bool
	ClientProfiles int
	// Attempts is how many reconciliation ticks have already been spent
	// in connecting without success; Budget bounds it.
	Attempts int
	Budget   int
}

// Decision is the decider's output.
type Decision struct {
	Mode   Mode
	Reason Reason
}
