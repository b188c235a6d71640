package netmode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bascula/netmoded/internal/bus"
	"github.com/bascula/netmoded/internal/nm"
)

// ReconcilerConfig wires the reconciler's collaborators.
type ReconcilerConfig struct {
	Backend nm.Backend
	AP      *nm.AccessPointManager
	Probe   *ConnectivityProbe
	Bus     *bus.Bus
	Journal *Journal

	// Interval between timer-driven ticks.
	Interval time.Duration

	// RetryBudget is how many connecting ticks are spent before falling
	// back to AP mode.
	RetryBudget int

	Logger *slog.Logger
}

// Reconciler drives the periodic probe/decide/apply loop. It is
// single-flight: ticks run strictly sequentially, and provisioning
// requests that mutate profiles serialize through the same lock, so a
// human's scan-then-connect is never interleaved with an automatic tick.
type Reconciler struct {
	backend nm.Backend
	ap      *nm.AccessPointManager
	probe   *ConnectivityProbe
	bus     *bus.Bus
	journal *Journal
	logger  *slog.Logger

	interval    time.Duration
	retryBudget int
	apBackoff   []time.Duration

	// profileMu is the single-flight lock: held for the whole of every
	// tick and by ProvisioningService around profile mutation.
	profileMu sync.Mutex

	kick chan string

	stateMu       sync.RWMutex
	status        Status
	mode          Mode
	reason        Reason
	attempts      int
	forceAP       bool
	manualOffline bool
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	return &Reconciler{
		backend:     cfg.Backend,
		ap:          cfg.AP,
		probe:       cfg.Probe,
		bus:         cfg.Bus,
		journal:     cfg.Journal,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		retryBudget: cfg.RetryBudget,
		apBackoff:   []time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
		kick:        make(chan string, 1),
	}
}

// Run ticks until ctx is cancelled. Cancellation aborts in-flight backend
// calls and leaves the last successfully-applied state in place.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reconciler started", "interval", r.interval, "retry_budget", r.retryBudget)
	r.tick(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx, "timer")
		case source := <-r.kick:
			r.tick(ctx, source)
		}
	}
}

// Kick requests an early tick. Non-blocking; a pending kick is enough.
func (r *Reconciler) Kick(source string) {
	select {
	case r.kick <- source:
	default:
	}
}

// ProfilesLock returns the lock that serializes every network-profile
// mutation in the process. ProvisioningService holds it for the duration
// of a connect.
func (r *Reconciler) ProfilesLock() *sync.Mutex {
	return &r.profileMu
}

// Status returns the last tick's connectivity picture and effective mode.
func (r *Reconciler) Status() (Status, Mode) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.status, r.mode
}

// Reason returns why the current mode was chosen.
func (r *Reconciler) Reason() Reason {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.reason
}

// ForceAP reports the operator-override flag.
func (r *Reconciler) ForceAP() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.forceAP
}

// SetForceAP flips the operator override and wakes the loop. The flag is
// cleared by ProvisioningService the instant a client connection succeeds.
func (r *Reconciler) SetForceAP(v bool) {
	r.stateMu.Lock()
	changed := r.forceAP != v
	r.forceAP = v
	r.stateMu.Unlock()
	if changed {
		r.Kick("force_ap")
	}
}

// SetManualOffline mirrors the settings record's offline flag into the
// decision inputs.
func (r *Reconciler) SetManualOffline(v bool) {
	r.stateMu.Lock()
	changed := r.manualOffline != v
	r.manualOffline = v
	r.stateMu.Unlock()
	if changed {
		r.Kick("settings")
	}
}

// ResetAttempts restarts the connecting retry budget. Called when the set
// of client profiles changes.
func (r *Reconciler) ResetAttempts() {
	r.stateMu.Lock()
	r.attempts = 0
	r.stateMu.Unlock()
}

// tick runs one full reconciliation pass under the single-flight lock.
func (r *Reconciler) tick(ctx context.Context, source string) {
	r.profileMu.Lock()
	defer r.profileMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	status := r.probe.Probe(ctx)
	clients := r.countClientProfiles(ctx)

	r.stateMu.RLock()
	in := Inputs{
		Status:         status,
		ForceAP:        r.forceAP,
		ManualOffline:  r.manualOffline,
		ClientProfiles: clients,
		Attempts:       r.attempts,
		Budget:         r.retryBudget,
	}
	prevMode := r.mode
	r.stateMu.RUnlock()

	decision := Decide(in)

	// Consume or reset the retry budget. Exhaustion is sticky until the
	// profile set changes or connectivity comes back.
	r.stateMu.Lock()
	switch decision.Mode {
	case ModeConnecting:
		r.attempts++
	case ModeKiosk, ModeOffline:
		r.attempts = 0
	}
	r.stateMu.Unlock()

	status.APActive = r.apply(ctx, decision, status)

	r.stateMu.Lock()
	r.status = status
	r.mode = decision.Mode
	r.reason = decision.Reason
	r.stateMu.Unlock()

	if prevMode != decision.Mode {
		r.logger.Info("Mode changed",
			"from", prevMode,
			"to", decision.Mode,
			"reason", decision.Reason,
			"trigger", source)

		if err := r.journal.Record(decision.Mode, decision.Reason, source); err != nil {
			r.logger.Warn("Failed to journal mode transition", "error", err)
		}
		r.bus.Publish(bus.EventModeChanged, map[string]any{
			"mode":   decision.Mode,
			"reason": decision.Reason,
		})
	}
}

// apply makes the AP state match the decided mode and reports whether the
// AP ends up active.
func (r *Reconciler) apply(ctx context.Context, decision Decision, status Status) bool {
	if decision.Mode == ModeAP {
		if _, err := r.ap.EnsureProfile(ctx); err != nil {
			r.logger.Error("AP profile reconciliation failed", "error", err)
			return status.APActive
		}
		if status.APActive {
			return true
		}
		if err := r.activateAPWithBackoff(ctx); err != nil {
			r.logger.Error("AP activation failed after retries", "error", err)
			return false
		}
		return true
	}

	// Every non-AP mode wants the AP down; deactivation is idempotent.
	if err := r.ap.Deactivate(ctx); err != nil {
		r.logger.Warn("AP deactivation failed", "error", err)
		return status.APActive
	}
	return false
}

// activateAPWithBackoff retries activation over a short fixed sequence of
// increasing delays. Transient absence of the wireless interface is the
// expected failure at boot; real misconfiguration surfaces after the last
// attempt.
func (r *Reconciler) activateAPWithBackoff(ctx context.Context) error {
	var lastErr error
	for i, delay := range append([]time.Duration{0}, r.apBackoff...) {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = r.ap.Activate(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, nm.ErrRetryLater) {
			r.logger.Debug("AP activation deferred", "attempt", i+1, "error", lastErr)
			continue
		}
		r.logger.Warn("AP activation attempt failed", "attempt", i+1, "error", lastErr)
	}
	return lastErr
}

func (r *Reconciler) countClientProfiles(ctx context.Context) int {
	profiles, err := r.backend.ListProfiles(ctx)
	if err != nil {
		r.logger.Debug("Profile listing failed", "error", err)
		return 0
	}
	count := 0
	for _, p := range profiles {
		if p.Kind == nm.KindClient && p.Autoconnect {
			count++
		}
	}
	return count
}
