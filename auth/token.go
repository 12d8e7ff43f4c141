// Package auth manages the bearer token used against the archive:
// either a caller-supplied static token, or an OAuth2 client-credentials
// token that is refreshed before it goes stale.
package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthConfig signals that OAuth2 mode was selected but the token
// endpoint, client ID, or client secret is missing. This is fatal; it
// is reported before any batch work starts.
var ErrAuthConfig = errors.New("token endpoint, client_id and client_secret are required for OAuth2 refresh")

// RefreshError reports a failed token refresh: a non-success response
// from the token endpoint, or a response without an access token.
type RefreshError struct {
	StatusCode int
	Message    string
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token refresh failed: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return "token refresh failed: " + e.Message
}

// DefaultSkew is the safety margin subtracted from a token's expiry so
// a refresh happens before the token can expire mid-request.
const DefaultSkew = 60 * time.Second

// Options configures a Manager. StaticToken wins over the OAuth2
// fields: when set, Get always returns it unchanged and refresh is a
// no-op.
type Options struct {
	StaticToken   string
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	Scope         string

	Skew     time.Duration // defaults to DefaultSkew
	Timeout  time.Duration // token endpoint HTTP timeout
	Insecure bool          // skip TLS verification on the token endpoint
}

// Manager owns the cached bearer token. All cache reads and writes,
// including the refresh call itself, happen under one mutex so
// concurrent workers observe a consistent token and a staleness window
// triggers exactly one refresh.
type Manager struct {
	opts  Options
	httpc *http.Client

	mu    sync.Mutex
	token string
	exp   time.Time // zero when the token has no known expiry
}

// NewManager creates a Manager from opts. Configuration is validated
// lazily on the first refresh so a static-token run never touches the
// OAuth2 fields.
func NewManager(opts Options) *Manager {
	if opts.Skew <= 0 {
		opts.Skew = DefaultSkew
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	httpc := &http.Client{Timeout: opts.Timeout}
	if opts.Insecure {
		httpc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Manager{opts: opts, httpc: httpc}
}

// Static reports whether the manager serves a caller-supplied token.
// The dispatcher uses this to decide whether a 401 warrants a forced
// refresh and retry.
func (m *Manager) Static() bool {
	return m.opts.StaticToken != ""
}

// Get returns a bearer token, refreshing first when forced, when no
// token is cached, or when the cached token's remaining lifetime is
// inside the skew margin. A static token is returned as-is regardless
// of forceRefresh.
func (m *Manager) Get(ctx context.Context, forceRefresh bool) (string, error) {
	if m.Static() {
		return m.opts.StaticToken, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	needs := forceRefresh || m.token == ""
	if !needs && !m.exp.IsZero() {
		needs = !time.Now().Add(m.opts.Skew).Before(m.exp)
	}
	if needs {
		token, exp, err := m.fetch(ctx)
		if err != nil {
			return "", err
		}
		m.token, m.exp = token, exp
	}
	return m.token, nil
}

// fetch performs the client-credentials grant and works out the new
// token's expiry. Called with m.mu held.
func (m *Manager) fetch(ctx context.Context) (string, time.Time, error) {
	if m.opts.TokenEndpoint == "" || m.opts.ClientID == "" || m.opts.ClientSecret == "" {
		return "", time.Time{}, ErrAuthConfig
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.opts.ClientID)
	form.Set("client_secret", m.opts.ClientSecret)
	if m.opts.Scope != "" {
		form.Set("scope", m.opts.Scope)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, m.opts.TokenEndpoint,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string      `json:"access_token"`
		Token       string      `json:"token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", time.Time{}, &RefreshError{StatusCode: resp.StatusCode, Message: "token endpoint returned an error"}
	}
	if decodeErr != nil {
		return "", time.Time{}, &RefreshError{Message: "token endpoint response is not JSON: " + decodeErr.Error()}
	}

	access := body.AccessToken
	if access == "" {
		access = body.Token
	}
	if access == "" {
		return "", time.Time{}, &RefreshError{Message: "token endpoint did not return an access_token"}
	}

	exp := decodeJWTExp(access)
	if exp.IsZero() {
		if secs, err := body.ExpiresIn.Int64(); err == nil && secs > 0 {
			exp = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	// A zero exp means the token is treated as non-expiring: no
	// proactive refresh, but a forced refresh (e.g. after a 401)
	// still works.
	return access, exp, nil
}

// decodeJWTExp extracts the exp claim from a JWT access token without
// verifying the signature. Opaque tokens and decode failures yield the
// zero time, meaning "no known expiry".
func decodeJWTExp(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
