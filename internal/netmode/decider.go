package netmode

// Decide maps one connectivity picture plus the operator flags to an
// effective mode. It is a pure function: same inputs, same decision.
//
// The ordering encodes two deliberate biases. Confirmed connectivity wins
// over everything except an explicit operator force, because a false AP
// flip strands a user mid-task while a false kiosk only costs a banner.
// And when nothing works the answer is always ap, never a dead end: the
// provisioning network is the recovery path.
func Decide(in Inputs) Decision {
	if in.ForceAP {
		// The operator explicitly asked for AP mode; the reconciler must
		// not undo that choice, connected or not.
		return Decision{Mode: ModeAP, Reason: ReasonOperatorForce}
	}

	connected := in.Status.EthernetConnected ||
		(in.Status.Wifi.Connected && in.Status.Connectivity.Reachable())
	if connected {
		return Decision{Mode: ModeKiosk, Reason: ReasonConnectivityConfirmed}
	}

	if in.ManualOffline {
		return Decision{Mode: ModeOffline, Reason: ReasonManualOffline}
	}

	if in.ClientProfiles == 0 {
		return Decision{Mode: ModeAP, Reason: ReasonNoProfiles}
	}

	if in.Attempts >= in.Budget {
		return Decision{Mode: ModeAP, Reason: ReasonProfilesExhausted}
	}

	return Decision{Mode: ModeConnecting, Reason: ReasonTryingProfiles}
}
