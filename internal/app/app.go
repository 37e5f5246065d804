package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rfidgate/gate-controller/internal/auth"
	"rfidgate/gate-controller/internal/config"
	"rfidgate/gate-controller/internal/gate"
	"rfidgate/gate-controller/internal/hw"
	"rfidgate/gate-controller/internal/model"
	"rfidgate/gate-controller/internal/store"
	"rfidgate/gate-controller/internal/syncer"
)

// App wires together the gate controller services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store   *store.Store
	session *auth.Session
	syncer  *syncer.Syncer
	poller  *gate.Poller

	lanes    []*gate.Lane
	emulated map[model.Direction]*hw.EmulatedReader
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// SetLanes overrides the default emulated lanes with externally built
// hardware, for composition against a real driver.
func (a *App) SetLanes(lanes ...*gate.Lane) {
	a.lanes = lanes
	a.emulated = nil
}

// Run starts all services and blocks until the context is cancelled or an
// error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	deviceCfg, err := a.store.GetOrCreateConfig(ctx, model.Config{
		OrganisationID: a.cfg.OrganisationID,
		Serial:         hw.SerialNumber(),
		GrantType:      a.cfg.GrantType,
		ClientID:       a.cfg.ClientID,
		ClientSecret:   a.cfg.ClientSecret,
		Issuer:         a.cfg.Issuer,
		APIBase:        a.cfg.APIBase,
		Scope:          a.cfg.Scope,
	})
	if err != nil {
		return err
	}

	deviceCfg, err = a.applyForcedOrganisation(ctx, deviceCfg)
	if err != nil {
		return err
	}
	a.logger.Info("device config loaded",
		"serial", deviceCfg.Serial, "organisation_bound", deviceCfg.OrganisationBound())

	a.session = auth.New(a.store, a.logger)
	a.syncer = syncer.New(a.store, a.session, a.logger)

	if a.lanes == nil {
		a.buildEmulatedLanes()
	}
	ctrl := gate.NewController(a.store, a.logger)
	a.poller = gate.NewPoller(ctrl, a.logger, a.lanes...)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Pairing denial or expiry keeps the gate running offline; only
		// cancellation propagates.
		err := a.session.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("device pairing ended", "state", a.session.State().String(), "error", err)
		}
		return nil
	})

	g.Go(func() error {
		err := a.syncer.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := a.poller.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applyForcedOrganisation binds the operator-configured tenant when the device
// is still unbound. This is the manual path for directories that return more
// than one organisation, where pairing cannot choose automatically; it works
// on any boot, not just the one that created the config row. An existing
// binding is never overwritten.
func (a *App) applyForcedOrganisation(ctx context.Context, deviceCfg model.Config) (model.Config, error) {
	if deviceCfg.OrganisationBound() || a.cfg.OrganisationID == "" {
		return deviceCfg, nil
	}
	if err := a.store.BindOrganisation(ctx, a.cfg.OrganisationID, deviceCfg.Name); err != nil {
		return model.Config{}, err
	}
	a.logger.Info("organisation bound from configuration", "tenant", a.cfg.OrganisationID)
	return a.store.Config(ctx)
}

// buildEmulatedLanes wires both lanes against the in-memory hardware, used
// off the device and exercised through the scan endpoint.
func (a *App) buildEmulatedLanes() {
	a.emulated = make(map[model.Direction]*hw.EmulatedReader)
	for _, dir := range []model.Direction{model.DirEntry, model.DirExit} {
		reader := hw.NewEmulatedReader()
		a.emulated[dir] = reader
		a.lanes = append(a.lanes, &gate.Lane{
			Direction: dir,
			Reader:    reader,
			Relay:     hw.NewEmulatedPin(),
			Buzzer:    hw.NewEmulatedPin(),
			Transit:   hw.NewEmulatedPin(),
		})
	}
	a.logger.Info("running with emulated lane hardware")
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Get("/api/status", a.handleStatus)
	r.Post("/api/scan", a.handleScan)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.poller == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cfg, err := a.store.Config(ctx)
	if err != nil {
		a.logger.Error("failed to load device config", "error", err)
		http.Error(w, "failed to load status", http.StatusInternalServerError)
		return
	}

	pending, err := a.store.CountPendingClockEvents(ctx)
	if err != nil {
		a.logger.Error("failed to count pending clock events", "error", err)
		http.Error(w, "failed to load status", http.StatusInternalServerError)
		return
	}

	response := struct {
		Serial            string `json:"serial"`
		AuthState         string `json:"auth_state"`
		OrganisationID    string `json:"organisation_id"`
		OrganisationName  string `json:"organisation_name"`
		OrganisationBound bool   `json:"organisation_bound"`
		LastSyncUTC       int64  `json:"last_sync_utc"`
		PendingUploads    int    `json:"pending_uploads"`
	}{
		Serial:            cfg.Serial,
		AuthState:         a.session.State().String(),
		OrganisationID:    cfg.OrganisationID,
		OrganisationName:  cfg.Name,
		OrganisationBound: cfg.OrganisationBound(),
		LastSyncUTC:       cfg.LastSyncUTC,
		PendingUploads:    pending,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode status response", "error", err)
	}
}

// handleScan injects a badge presentation into an emulated lane. Available
// only when the app runs on emulated hardware.
func (a *App) handleScan(w http.ResponseWriter, r *http.Request) {
	if a.emulated == nil {
		http.Error(w, "hardware lanes are not emulated", http.StatusConflict)
		return
	}

	var req struct {
		UID  string `json:"uid"`
		Lane int    `json:"lane"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	reader, ok := a.emulated[model.Direction(req.Lane)]
	if !ok || req.UID == "" {
		http.Error(w, "uid and lane (1 or 2) required", http.StatusBadRequest)
		return
	}

	reader.Present(req.UID)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"queued"}`))
}
