package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidgate/gate-controller/internal/auth"
	"rfidgate/gate-controller/internal/config"
	"rfidgate/gate-controller/internal/gate"
	"rfidgate/gate-controller/internal/hw"
	"rfidgate/gate-controller/internal/model"
	"rfidgate/gate-controller/internal/store"
)

// newTestApp assembles an app with its services wired by hand, so the HTTP
// surface is testable without starting the run loops.
func newTestApp(t *testing.T) *App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(config.Config{}, logger)

	st, err := store.Open(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	_, err = st.GetOrCreateConfig(context.Background(), model.Config{Serial: "TESTSERIAL01"})
	require.NoError(t, err)

	a.store = st
	a.session = auth.New(st, logger)
	a.buildEmulatedLanes()
	ctrl := gate.NewController(st, logger)
	a.poller = gate.NewPoller(ctrl, logger, a.lanes...)
	return a
}

func TestForcedOrganisationBindsExistingRow(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	// The config row already exists with the placeholder organisation, as on
	// any boot after the first. The configured tenant must still bind.
	a.cfg.OrganisationID = "tenant-forced"

	deviceCfg, err := a.store.Config(ctx)
	require.NoError(t, err)
	require.False(t, deviceCfg.OrganisationBound())

	deviceCfg, err = a.applyForcedOrganisation(ctx, deviceCfg)
	require.NoError(t, err)
	assert.True(t, deviceCfg.OrganisationBound())
	assert.Equal(t, "tenant-forced", deviceCfg.OrganisationID)

	stored, err := a.store.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tenant-forced", stored.OrganisationID)
}

func TestForcedOrganisationNeverOverwritesBinding(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.store.BindOrganisation(ctx, "tenant-1", "Acme"))
	a.cfg.OrganisationID = "tenant-2"

	deviceCfg, err := a.store.Config(ctx)
	require.NoError(t, err)

	deviceCfg, err = a.applyForcedOrganisation(ctx, deviceCfg)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", deviceCfg.OrganisationID)
	assert.Equal(t, "Acme", deviceCfg.Name)
}

func TestHealthz(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	notReady := New(config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec = httptest.NewRecorder()
	notReady.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusReportsDeviceState(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.store.BindOrganisation(context.Background(), "tenant-1", "Acme"))
	require.NoError(t, a.store.SetLastSync(context.Background(), 4242))

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Serial            string `json:"serial"`
		AuthState         string `json:"auth_state"`
		OrganisationID    string `json:"organisation_id"`
		OrganisationBound bool   `json:"organisation_bound"`
		LastSyncUTC       int64  `json:"last_sync_utc"`
		PendingUploads    int    `json:"pending_uploads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	assert.Equal(t, "TESTSERIAL01", status.Serial)
	assert.Equal(t, "unauthenticated", status.AuthState)
	assert.Equal(t, "tenant-1", status.OrganisationID)
	assert.True(t, status.OrganisationBound)
	assert.Equal(t, int64(4242), status.LastSyncUTC)
	assert.Zero(t, status.PendingUploads)
}

func TestScanQueuesIntoEmulatedReader(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(`{"uid":"UID1","lane":1}`))
	a.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	reader := a.emulated[model.DirEntry]
	select {
	case <-reader.Detected():
	default:
		t.Fatal("scan did not fire the detection signal")
	}
	uid, err := reader.Anticoll()
	require.NoError(t, err)
	assert.Equal(t, "UID1", uid)
}

func TestScanRejectsBadLane(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(`{"uid":"UID1","lane":9}`))
	a.routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanUnavailableOnRealHardware(t *testing.T) {
	a := newTestApp(t)
	a.SetLanes(&gate.Lane{
		Direction: model.DirEntry,
		Reader:    hw.NewEmulatedReader(),
		Relay:     hw.NewEmulatedPin(),
		Buzzer:    hw.NewEmulatedPin(),
		Transit:   hw.NewEmulatedPin(),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(`{"uid":"UID1","lane":1}`))
	a.routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
