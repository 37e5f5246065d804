package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidgate/gate-controller/internal/model"
	"rfidgate/gate-controller/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, issuer, apiBase string) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))

	_, err = s.GetOrCreateConfig(context.Background(), model.Config{
		Serial:    "TESTSERIAL01",
		Issuer:    issuer,
		APIBase:   apiBase,
		GrantType: "client_credentials",
		ClientID:  "gate_iot",
		Scope:     "gateapi gateapi.read roles",
	})
	require.NoError(t, err)
	return s
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func TestRunPairsAfterPending(t *testing.T) {
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "gate_iot", r.Form.Get("client_id"))

		if tokenCalls.Add(1) == 1 {
			writeJSON(t, w, http.StatusBadRequest, map[string]string{"error": "authorization_pending"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc("GET /organisations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"Connections": []map[string]string{{"tenantId": "tenant-1", "name": "Acme"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL, srv.URL)
	sess := New(st, discardLogger()).WithPollInterval(time.Millisecond)

	require.NoError(t, sess.Run(context.Background()))
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.Equal(t, int32(2), tokenCalls.Load())

	cfg, err := st.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cfg.AccessToken)
	assert.NotZero(t, cfg.LastAuthUTC)
	assert.Equal(t, "tenant-1", cfg.OrganisationID)
	assert.Equal(t, "Acme", cfg.Name)
}

func TestRunDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]string{"error": "access_denied"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL, srv.URL)
	sess := New(st, discardLogger()).WithPollInterval(time.Millisecond)

	assert.ErrorIs(t, sess.Run(context.Background()), ErrAuthDenied)
	assert.Equal(t, StateDenied, sess.State())
	assert.False(t, sess.IsAuthorized(context.Background()))
}

func TestRunFlowExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]string{"error": "expired_token"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL, srv.URL)
	sess := New(st, discardLogger()).WithPollInterval(time.Millisecond)

	assert.ErrorIs(t, sess.Run(context.Background()), ErrFlowExpired)
	assert.Equal(t, StateExpired, sess.State())
}

func TestRunAlreadyPairedSkipsTokenFlow(t *testing.T) {
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]any{"access_token": "tok-x", "expires_in": 3600})
	})
	mux.HandleFunc("GET /organisations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"Connections": []map[string]string{
				{"tenantId": "tenant-1", "name": "Acme"},
				{"tenantId": "tenant-2", "name": "Globex"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL, srv.URL)
	require.NoError(t, st.ApplyTokens(context.Background(), "tok-old", 3600))

	sess := New(st, discardLogger()).WithPollInterval(time.Millisecond)
	require.NoError(t, sess.Run(context.Background()))

	assert.Equal(t, StateAuthenticated, sess.State())
	assert.Zero(t, tokenCalls.Load())

	// More than one candidate organisation leaves the device unbound.
	cfg, err := st.Config(context.Background())
	require.NoError(t, err)
	assert.False(t, cfg.OrganisationBound())
}

func TestEnsureFreshSkipsLiveToken(t *testing.T) {
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]any{"access_token": "tok-2", "expires_in": 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL, srv.URL)
	require.NoError(t, st.ApplyTokens(context.Background(), "tok-1", 3600))

	sess := New(st, discardLogger())
	require.NoError(t, sess.EnsureFresh(context.Background()))
	assert.Zero(t, tokenCalls.Load())
}

func TestEnsureFreshRefreshesExpiredToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"access_token": "tok-2", "expires_in": 3600})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL, srv.URL)
	require.NoError(t, st.ApplyTokens(context.Background(), "tok-1", 0))

	sess := New(st, discardLogger())
	require.NoError(t, sess.EnsureFresh(context.Background()))

	cfg, err := st.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cfg.AccessToken)
	assert.Equal(t, int64(3600), cfg.ExpiredToken)
}

func TestDoRetriesOnceAfterUnauthorized(t *testing.T) {
	var apiCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"access_token": "tok-new", "expires_in": 3600})
	})
	mux.HandleFunc("GET /clock", func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			assert.Equal(t, "Bearer tok-stale", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer tok-new", r.Header.Get("Authorization"))
		writeJSON(t, w, http.StatusOK, []any{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL, srv.URL)
	require.NoError(t, st.ApplyTokens(context.Background(), "tok-stale", 3600))

	sess := New(st, discardLogger())
	resp, err := sess.Do(context.Background(), http.MethodGet, srv.URL+"/clock", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), apiCalls.Load())
}

func TestDoSetsTenantHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /employees", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tenant-1", r.Header.Get("X-Tenant-ID"))
		writeJSON(t, w, http.StatusOK, []any{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL, srv.URL)
	require.NoError(t, st.ApplyTokens(context.Background(), "tok-1", 3600))
	require.NoError(t, st.BindOrganisation(context.Background(), "tenant-1", "Acme"))

	sess := New(st, discardLogger())
	resp, err := sess.Do(context.Background(), http.MethodGet, srv.URL+"/employees", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveTokenEndpointUsesDiscovery(t *testing.T) {
	var discoveryCalls atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	advertised := srv.URL + "/custom/token"
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		discoveryCalls.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]string{"token_endpoint": advertised})
	})

	st := newTestStore(t, srv.URL, srv.URL)
	sess := New(st, discardLogger())

	cfg, err := st.Config(context.Background())
	require.NoError(t, err)

	// First resolution follows discovery, later calls hit the cache.
	endpoint, err := sess.resolveTokenEndpoint(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, advertised, endpoint)

	endpoint, err = sess.resolveTokenEndpoint(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, advertised, endpoint)
	assert.Equal(t, int32(1), discoveryCalls.Load())
}

func TestResolveTokenEndpointFallsBack(t *testing.T) {
	// No discovery document: the conventional issuer path is used.
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t, srv.URL+"/", srv.URL)
	sess := New(st, discardLogger())

	cfg, err := st.Config(context.Background())
	require.NoError(t, err)

	endpoint, err := sess.resolveTokenEndpoint(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/connect/token", endpoint)
}
