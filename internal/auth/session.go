// Package auth manages the device's OAuth session: initial pairing with the
// issuer, token refresh ahead of expiry, and the tenant binding. Every
// authenticated remote call goes through Session.Do, which applies the
// expiry guard and the bearer/tenant headers.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"rfidgate/gate-controller/internal/metrics"
	"rfidgate/gate-controller/internal/model"
	"rfidgate/gate-controller/internal/store"
)

// State describes where the session is in its pairing lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StatePendingDeviceAuth
	StateAuthenticated
	StateDenied
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StatePendingDeviceAuth:
		return "pending_device_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateDenied:
		return "denied"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal pairing outcomes.
var (
	// ErrAuthDenied means the end user cancelled the pairing flow.
	ErrAuthDenied = errors.New("device pairing denied")
	// ErrFlowExpired means the pairing flow ran out before completion.
	ErrFlowExpired = errors.New("device pairing flow expired")
)

const (
	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 10 * time.Second

	// expiryGrace is the remaining-lifetime threshold below which the guard
	// refreshes the token before an authenticated call proceeds.
	expiryGrace = 10 * time.Millisecond

	headerTenant = "X-Tenant-ID"
)

// Session coordinates tokens and tenant binding against one issuer.
type Session struct {
	store        *store.Store
	logger       *slog.Logger
	httpClient   *http.Client
	pollInterval time.Duration
	now          func() time.Time

	mu            sync.Mutex
	state         State
	tokenEndpoint string

	// refreshMu serializes token refreshes so a 401 retry and the expiry
	// guard cannot race each other.
	refreshMu sync.Mutex
}

// New constructs a session backed by the given store.
func New(st *store.Store, logger *slog.Logger) *Session {
	return &Session{
		store:        st,
		logger:       logger,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// WithHTTPClient replaces the HTTP client used for all calls.
func (s *Session) WithHTTPClient(c *http.Client) *Session {
	s.httpClient = c
	return s
}

// WithPollInterval overrides the pairing poll cadence.
func (s *Session) WithPollInterval(d time.Duration) *Session {
	s.pollInterval = d
	return s
}

// State returns the current pairing state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// IsAuthorized reports whether the device has ever completed pairing.
func (s *Session) IsAuthorized(ctx context.Context) bool {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return false
	}
	return cfg.LastAuthUTC != 0
}

// Run drives the pairing state machine to a terminal state: Authenticated
// (nil), Denied (ErrAuthDenied), Expired (ErrFlowExpired), or context
// cancellation. An already-paired device only revisits the tenant binding.
func (s *Session) Run(ctx context.Context) error {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return err
	}

	if s.IsAuthorized(ctx) {
		s.setState(StateAuthenticated)
		if err := s.ensureOrganisation(ctx); err != nil {
			s.logger.Warn("organisation binding failed", "error", err)
		}
		return nil
	}

	s.setState(StatePendingDeviceAuth)
	s.logger.Info("not authorized, starting device pairing", "issuer", cfg.Issuer)

	for {
		tok, status, err := s.requestToken(ctx, cfg)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("token request failed", "error", err)
		case status == http.StatusOK:
			if err := s.store.ApplyTokens(ctx, tok.AccessToken, tok.ExpiresIn); err != nil {
				return err
			}
			s.setState(StateAuthenticated)
			s.logger.Info("device paired", "expires_in", tok.ExpiresIn)
			if err := s.ensureOrganisation(ctx); err != nil {
				s.logger.Warn("organisation binding failed", "error", err)
			}
			return nil
		case status == http.StatusBadRequest:
			switch tok.Error {
			case "authorization_pending":
				s.logger.Info("end-user authorization pending")
			case "access_denied":
				s.setState(StateDenied)
				return ErrAuthDenied
			case "expired_token":
				s.setState(StateExpired)
				return ErrFlowExpired
			default:
				s.logger.Warn("unexpected token error", "error", tok.Error)
			}
		default:
			s.logger.Warn("unexpected token response", "status", status)
		}

		if err := wait(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}

// EnsureFresh refreshes the access token when its remaining lifetime is below
// the grace threshold. Called before every authenticated remote call.
func (s *Session) EnsureFresh(ctx context.Context) error {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return err
	}
	timeLeft := cfg.LastAuthUTC + cfg.ExpiredToken*1000 - s.now().UTC().UnixMilli()
	if time.Duration(timeLeft)*time.Millisecond >= expiryGrace {
		return nil
	}
	return s.refresh(ctx)
}

func (s *Session) refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	cfg, err := s.store.Config(ctx)
	if err != nil {
		return err
	}
	tok, status, err := s.requestToken(ctx, cfg)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("token refresh rejected: status %d (%s)", status, tok.Error)
	}
	if err := s.store.ApplyTokens(ctx, tok.AccessToken, tok.ExpiresIn); err != nil {
		return err
	}
	metrics.TokenRefreshes.Inc()
	s.logger.Info("access token refreshed", "expires_in", tok.ExpiresIn)
	return nil
}

// Do performs an authenticated call: expiry guard, bearer and tenant headers,
// and exactly one refresh-and-retry on a 401 response. Other statuses are
// returned to the caller untouched.
func (s *Session) Do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	if err := s.EnsureFresh(ctx); err != nil {
		s.logger.Warn("token refresh before call failed", "error", err)
	}

	resp, err := s.doOnce(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp.Body.Close()
	if err := s.refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh after 401: %w", err)
	}
	return s.doOnce(ctx, method, rawURL, body)
}

func (s *Session) doOnce(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	req.Header.Set(headerTenant, cfg.OrganisationID)

	return s.httpClient.Do(req)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
}

func (s *Session) requestToken(ctx context.Context, cfg model.Config) (tokenResponse, int, error) {
	endpoint, err := s.resolveTokenEndpoint(ctx, cfg)
	if err != nil {
		return tokenResponse{}, 0, err
	}

	form := url.Values{
		"grant_type":    {cfg.GrantType},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"scope":         {cfg.Scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return tokenResponse{}, resp.StatusCode, fmt.Errorf("decode token response: %w", err)
	}
	return tok, resp.StatusCode, nil
}

type issuerMetadata struct {
	TokenEndpoint string `json:"token_endpoint"`
}

// resolveTokenEndpoint discovers the issuer's token endpoint once and caches
// it. Discovery failures fall back to the issuer's conventional path.
func (s *Session) resolveTokenEndpoint(ctx context.Context, cfg model.Config) (string, error) {
	s.mu.Lock()
	cached := s.tokenEndpoint
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	endpoint := strings.TrimSuffix(cfg.Issuer, "/") + "/connect/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(cfg.Issuer, "/")+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("issuer discovery failed", "error", err)
	} else {
		defer resp.Body.Close()
		var meta issuerMetadata
		if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&meta) == nil && meta.TokenEndpoint != "" {
			endpoint = meta.TokenEndpoint
		} else {
			s.logger.Warn("issuer discovery returned no token endpoint", "status", resp.StatusCode)
		}
	}

	s.mu.Lock()
	s.tokenEndpoint = endpoint
	s.mu.Unlock()
	return endpoint, nil
}

type organisation struct {
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
}

type organisationsResponse struct {
	Connections []organisation `json:"Connections"`
}

// ensureOrganisation binds the device to its tenant. Exactly one organisation
// in the directory binds automatically; more than one leaves the device
// unbound and logs the candidates, so an operator can force the choice via
// configuration.
func (s *Session) ensureOrganisation(ctx context.Context) error {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return err
	}
	if cfg.OrganisationBound() {
		return nil
	}

	resp, err := s.Do(ctx, http.MethodGet, strings.TrimSuffix(cfg.APIBase, "/")+"/organisations", nil)
	if err != nil {
		return fmt.Errorf("fetch organisations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch organisations: status %d", resp.StatusCode)
	}

	var dir organisationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return fmt.Errorf("decode organisations: %w", err)
	}

	switch len(dir.Connections) {
	case 0:
		s.logger.Warn("no organisations available for this client")
		return nil
	case 1:
		org := dir.Connections[0]
		if err := s.store.BindOrganisation(ctx, org.TenantID, org.Name); err != nil {
			return err
		}
		s.logger.Info("organisation bound", "tenant", org.TenantID, "name", org.Name)
		return nil
	default:
		names := make([]string, 0, len(dir.Connections))
		for _, org := range dir.Connections {
			names = append(names, org.Name)
		}
		s.logger.Warn("multiple organisations returned, manual selection required",
			"candidates", strings.Join(names, ", "))
		return nil
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
