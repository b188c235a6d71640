package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bascula/netmoded/internal/api"
	"github.com/bascula/netmoded/internal/bus"
	"github.com/bascula/netmoded/internal/core"
	"github.com/bascula/netmoded/internal/netmode"
	"github.com/bascula/netmoded/internal/nm"
	"github.com/bascula/netmoded/internal/provision"
	"github.com/bascula/netmoded/internal/settings"
)

func NewServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the network mode daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context())
		},
	}
	return serveCmd
}

func runServe(ctx context.Context) error {
	logger := setupLogging()

	backend, err := nm.Connect(core.GetAPInterface(), logger)
	if err != nil {
		return fmt.Errorf("network backend unavailable: %w", err)
	}
	defer backend.Close()

	store, err := settings.Open(core.GetSettingsPath(), logger)
	if err != nil {
		return err
	}

	journal, err := netmode.OpenJournal(core.GetJournalPath())
	if err != nil {
		logger.Warn("Mode journal unavailable, transitions will not be recorded", "error", err)
	} else {
		defer journal.Close()
	}

	events := bus.New(logger)

	apManager := nm.NewAccessPointManager(backend, nm.APConfig{
		SSID:      core.GetAPSSID(),
		Password:  core.GetAPPassword(),
		Interface: core.GetAPInterface(),
		Address:   core.GetAPAddress(),
		Country:   core.GetAPCountry(),
	}, logger)

	probe := netmode.NewConnectivityProbe(backend, core.GetEthernetInterface(), core.GetProbeEndpoints(), logger)

	reconciler := netmode.NewReconciler(netmode.ReconcilerConfig{
		Backend:     backend,
		AP:          apManager,
		Probe:       probe,
		Bus:         events,
		Journal:     journal,
		Interval:    core.GetReconcileInterval(),
		RetryBudget: core.GetConnectRetryBudget(),
		Logger:      logger,
	})

	// Settings are the durable source of truth for the network flags; the
	// reconciler picks them up at boot and on every change.
	boot := store.Read()
	reconciler.SetForceAP(boot.Network.ForceAP)
	reconciler.SetManualOffline(boot.Network.OfflineMode)
	store.OnChange(func(rec settings.Record, changed []string) {
		events.Publish(bus.EventSettingsChanged, map[string]any{
			"version": rec.Meta.Version,
			"changed": changed,
		})
		reconciler.SetForceAP(rec.Network.ForceAP)
		reconciler.SetManualOffline(rec.Network.OfflineMode)
	})

	pin, err := provision.NewPIN(core.GetPINLength(), core.GetPINMaxAttempts(), core.GetPINWindow())
	if err != nil {
		return err
	}
	logger.Info("Provisioning PIN generated", "pin", pin.Value())

	prov := provision.NewService(backend, apManager, events, reconciler, store,
		core.GetConnectTimeout(), logger)
	server := api.NewServer(reconciler, prov, store, events, pin, journal, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reconciler.Run(ctx)
	go func() {
		if err := store.Watch(ctx.Done()); err != nil {
			logger.Warn("Settings watcher exited", "error", err)
		}
	}()

	err = server.Serve(ctx, core.GetListenAddr())
	logger.Info("Daemon stopped")
	return err
}

func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if core.Config.GetInt("verbose") > 0 {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
