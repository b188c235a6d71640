package netmode

import (
	"testing"

	"github.com/bascula/netmoded/internal/nm"
)

func TestDecide(t *testing.T) {
	wifiUp := Status{
		Wifi:         WifiInfo{Connected: true, SSID: "home"},
		Connectivity: nm.ConnectivityFull,
		Online:       true,
	}

	tests := []struct {
		name string
		in   Inputs
		want Decision
	}{
		{
			name: "ethernet wins regardless of wifi",
			in:   Inputs{Status: Status{EthernetConnected: true}},
			want: Decision{ModeKiosk, ReasonConnectivityConfirmed},
		},
		{
			name: "wifi with full connectivity",
			in:   Inputs{Status: wifiUp, ClientProfiles: 1},
			want: Decision{ModeKiosk, ReasonConnectivityConfirmed},
		},
		{
			name: "captive portal still counts as connected",
			in: Inputs{Status: Status{
				Wifi:         WifiInfo{Connected: true},
				Connectivity: nm.ConnectivityPortal,
			}},
			want: Decision{ModeKiosk, ReasonConnectivityConfirmed},
		},
		{
			name: "wifi associated but no reachability",
			in: Inputs{Status: Status{
				Wifi:         WifiInfo{Connected: true},
				Connectivity: nm.ConnectivityNone,
			}, ClientProfiles: 1, Budget: 3},
			want: Decision{ModeConnecting, ReasonTryingProfiles},
		},
		{
			name: "force overrides confirmed connectivity",
			in:   Inputs{Status: wifiUp, ForceAP: true},
			want: Decision{ModeAP, ReasonOperatorForce},
		},
		{
			name: "force overrides everything while disconnected too",
			in:   Inputs{ForceAP: true, ManualOffline: true, ClientProfiles: 2, Budget: 3},
			want: Decision{ModeAP, ReasonOperatorForce},
		},
		{
			name: "manual offline holds without connectivity",
			in:   Inputs{ManualOffline: true, ClientProfiles: 2, Budget: 3},
			want: Decision{ModeOffline, ReasonManualOffline},
		},
		{
			name: "manual offline yields to confirmed connectivity",
			in:   Inputs{Status: wifiUp, ManualOffline: true},
			want: Decision{ModeKiosk, ReasonConnectivityConfirmed},
		},
		{
			name: "no client profiles goes straight to ap",
			in:   Inputs{ClientProfiles: 0, Budget: 3},
			want: Decision{ModeAP, ReasonNoProfiles},
		},
		{
			name: "profiles remain within budget",
			in:   Inputs{ClientProfiles: 1, Attempts: 2, Budget: 3},
			want: Decision{ModeConnecting, ReasonTryingProfiles},
		},
		{
			name: "budget exhausted falls back to ap",
			in:   Inputs{ClientProfiles: 1, Attempts: 3, Budget: 3},
			want: Decision{ModeAP, ReasonProfilesExhausted},
		},
		{
			name: "unknown connectivity is treated as none",
			in: Inputs{Status: Status{
				Wifi:         WifiInfo{Connected: true},
				Connectivity: nm.ConnectivityUnknown,
			}, ClientProfiles: 0},
			want: Decision{ModeAP, ReasonNoProfiles},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.in)
			if got != tt.want {
				t.Errorf("Decide() = %v/%v, want %v/%v", got.Mode, got.Reason, tt.want.Mode, tt.want.Reason)
			}
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	in := Inputs{ClientProfiles: 1, Attempts: 1, Budget: 3}
	first := Decide(in)
	for i := 0; i < 10; i++ {
		if got := Decide(in); got != first {
			t.Fatalf("Decide() not stable: %v then %v", first, got)
		}
	}
}
