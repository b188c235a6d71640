// Package api exposes the daemon's HTTP surface: status, Wi-Fi scanning
// and provisioning, the settings document, and a websocket event stream.
// Everything except status and liveness sits behind the per-boot PIN,
// with loopback callers trusted implicitly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bascula/netmoded/internal/bus"
	"github.com/bascula/netmoded/internal/core"
	"github.com/bascula/netmoded/internal/netmode"
	"github.com/bascula/netmoded/internal/provision"
	"github.com/bascula/netmoded/internal/settings"
)

// ModeReader is the view of the reconciler the API serves from.
type ModeReader interface {
	Status() (netmode.Status, netmode.Mode)
	Reason() netmode.Reason
	ForceAP() bool
}

type Server struct {
	modes   ModeReader
	prov    *provision.Service
	store   *settings.Store
	events  *bus.Bus
	pin     *provision.PIN
	journal *netmode.Journal
	logger  *slog.Logger
	started time.Time

	// baseCtx is the serving context, set by Serve before the listener
	// starts. Background work derives from it so shutdown cancels any
	// in-flight connect.
	baseCtx context.Context
}

func NewServer(modes ModeReader, prov *provision.Service, store *settings.Store,
	events *bus.Bus, pin *provision.PIN, journal *netmode.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		modes:   modes,
		prov:    prov,
		store:   store,
		events:  events,
		pin:     pin,
		journal: journal,
		logger:  logger,
		started: time.Now(),
	}
}

// Router builds the gin engine. Exposed separately from Serve so tests
// can drive it with httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/status", s.handleStatus)
	// Scanning stays open so a captive client can populate the SSID
	// list before it has entered the PIN.
	r.GET("/scan-networks", s.handleScan)

	auth := r.Group("/", s.requirePIN())
	auth.GET("/pin", s.handlePIN)
	auth.POST("/connect", s.handleConnect)
	auth.GET("/settings", s.handleGetSettings)
	auth.POST("/settings", s.handlePostSettings)
	auth.GET("/settings/health", s.handleSettingsHealth)
	auth.POST("/force-ap", s.handleForceAP)
	auth.GET("/transitions", s.handleTransitions)
	auth.GET("/events", s.handleEvents)

	return r
}

// Serve runs the HTTP listener until ctx is cancelled, then shuts down
// with a short drain window.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": core.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, mode := s.modes.Status()
	c.JSON(http.StatusOK, gin.H{
		"effectiveMode":   mode,
		"reason":          s.modes.Reason(),
		"forceAp":         s.modes.ForceAP(),
		"status":          status,
		"settingsVersion": s.store.Version(),
	})
}

func (s *Server) handlePIN(c *gin.Context) {
	// The PIN is only ever revealed on the box itself.
	if !clientIsLoopback(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pin": s.pin.Value()})
}

func (s *Server) handleScan(c *gin.Context) {
	aps, err := s.prov.Scan(c.Request.Context())
	if err != nil {
		s.logger.Warn("Network scan failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "scan_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"networks": aps})
}

type connectRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// handleConnect validates the request synchronously, answers, and runs
// the activation workflow in the background. The caller is usually
// attached through the access point this workflow tears down, so the
// response must be on the wire before activation starts; the outcome
// arrives as a wifi_connected or wifi_failed event.
func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": "invalid_request"})
		return
	}
	if err := s.prov.Validate(c.Request.Context(), req.SSID, req.Password); err != nil {
		reason := "invalid_request"
		switch {
		case errors.Is(err, provision.ErrSSIDRequired):
			reason = "ssid_required"
		case errors.Is(err, provision.ErrPasswordRequired):
			reason = "password_required"
		}
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "reason": reason})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.connectCtx(), 2*time.Minute)
		defer cancel()
		if err := s.prov.Connect(ctx, req.SSID, req.Password); err != nil {
			s.logger.Warn("Background connect failed", "ssid", req.SSID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"ok": true, "ssid": req.SSID})
}

func (s *Server) connectCtx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.ReadForClient())
}

func (s *Server) handlePostSettings(c *gin.Context) {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	var patch settings.Patch
	if err := dec.Decode(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	rec, changed, err := s.store.Write(patch)
	if err != nil {
		if errors.Is(err, settings.ErrEmptyPatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty_patch"})
			return
		}
		s.logger.Error("Settings write failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": rec.Meta.Version, "changed": changed})
}

func (s *Server) handleSettingsHealth(c *gin.Context) {
	h := s.store.Health()
	code := http.StatusOK
	if !h.CanRead || !h.CanWrite {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

type forceAPRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleForceAP flips the operator override. It goes through the
// settings store so the flag survives restarts; the store's change
// callback feeds it to the reconciler.
func (s *Server) handleForceAP(c *gin.Context) {
	var req forceAPRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	patch := settings.Patch{Network: &settings.NetworkPatch{ForceAP: req.Enabled}}
	rec, _, err := s.store.Write(patch)
	if err != nil {
		s.logger.Error("Force-AP write failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"forceAp": rec.Network.ForceAP, "version": rec.Meta.Version})
}

// handleTransitions returns the recent mode history, newest first. This
// is the first thing to look at when a device flaps between ap and kiosk.
func (s *Server) handleTransitions(c *gin.Context) {
	records, err := s.journal.Recent(50)
	if err != nil {
		s.logger.Error("Journal read failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal_failed"})
		return
	}
	if records == nil {
		records = []netmode.TransitionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": records})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
