// Package oauth talks to the platform's OAuth2 endpoints: building
// authorization URLs, exchanging codes, refreshing and revoking
// grants, and fetching the authenticated channel profile.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tubeworks/tubeup/internal/config"
)

// Sentinel errors. Check with errors.Is.
var (
	// ErrStateMismatch means the anti-forgery state check failed. This
	// is the CSRF defense: fatal, never retried, never skipped.
	ErrStateMismatch = errors.New("oauth: state mismatch")

	// ErrExchangeFailed wraps token-endpoint failures during code exchange.
	ErrExchangeFailed = errors.New("oauth: code exchange failed")

	// ErrRefreshFailed wraps token-endpoint failures during refresh.
	ErrRefreshFailed = errors.New("oauth: token refresh failed")

	// ErrNoChannel means the authenticated identity has no channel.
	ErrNoChannel = errors.New("oauth: no channel found for account")
)

// defaultAPIBaseURL is the Data API base used for the profile fetch.
const defaultAPIBaseURL = "https://www.googleapis.com/youtube/v3"

// defaultRevokeURL is Google's token revocation endpoint.
const defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// stateTokenBytes is the number of random bytes in a state token.
const stateTokenBytes = 16

// Result is the outcome of a code exchange or refresh.
type Result struct {
	AccessSecret  string
	RefreshSecret string
	TokenType     string
	ExpiresIn     int64
	Expiry        time.Time
	Scope         string
}

// Client performs OAuth2 flows against the remote platform.
// Endpoint URLs are fields so tests can point them at an httptest server.
type Client struct {
	// OAuth carries client id/secret, scopes, redirect and endpoints.
	OAuth *oauth2.Config

	// RevokeURL is the token revocation endpoint.
	RevokeURL string

	// APIBaseURL is the Data API base for the channel profile fetch.
	APIBaseURL string

	// HTTPClient is used for all requests. Defaults to a 30s-timeout client.
	HTTPClient *http.Client

	logger *slog.Logger
}

// New creates a Client from application credentials.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = config.DefaultScopes
	}

	return &Client{
		OAuth: &oauth2.Config{
			ClientID:     cfg.ID,
			ClientSecret: cfg.Secret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		RevokeURL:  defaultRevokeURL,
		APIBaseURL: defaultAPIBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// GenerateState produces a cryptographically random hex state token.
func GenerateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("oauth: generating state token: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// AuthCodeURL builds the authorization URL for the given state token.
// access_type=offline is required for a refresh secret; prompt=consent
// forces re-issuance so repeat authorizations still yield one.
func (c *Client) AuthCodeURL(state string) string {
	return c.OAuth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// Exchange validates the anti-forgery state and exchanges the
// authorization code for a grant. The state comparison happens before
// any network call and cannot be skipped: an empty expectedState means
// no state was recorded, which also fails.
func (c *Client) Exchange(ctx context.Context, code, state, expectedState string) (*Result, error) {
	if expectedState == "" || state != expectedState {
		c.logger.Warn("authorization state mismatch")
		return nil, ErrStateMismatch
	}

	tok, err := c.OAuth.Exchange(c.httpContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token in response", ErrExchangeFailed)
	}

	res := resultFromToken(tok)

	c.logger.Info("authorization code exchanged",
		slog.Time("expiry", res.Expiry),
		slog.Bool("has_refresh_secret", res.RefreshSecret != ""),
	)

	return res, nil
}

// refreshResponse is the token endpoint's JSON shape for a refresh.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Refresh exchanges a refresh secret for a new access secret. A refresh
// response is not guaranteed to carry a new refresh secret; when the
// endpoint omits one, the input secret is carried forward so the grant
// never loses its long-lived credential.
func (c *Client) Refresh(ctx context.Context, refreshSecret string) (*Result, error) {
	form := url.Values{
		"client_id":     {c.OAuth.ClientID},
		"client_secret": {c.OAuth.ClientSecret},
		"refresh_token": {refreshSecret},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.OAuth.Endpoint.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth: creating refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRefreshFailed, err)
	}

	var rr refreshResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrRefreshFailed, err)
	}

	if resp.StatusCode != http.StatusOK || rr.Error != "" || rr.AccessToken == "" {
		msg := rr.ErrorDesc
		if msg == "" {
			msg = rr.Error
		}

		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}

		return nil, fmt.Errorf("%w: %s", ErrRefreshFailed, msg)
	}

	newRefresh := rr.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshSecret
	}

	tokenType := rr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	res := &Result{
		AccessSecret:  rr.AccessToken,
		RefreshSecret: newRefresh,
		TokenType:     tokenType,
		ExpiresIn:     rr.ExpiresIn,
		Expiry:        time.Now().Add(time.Duration(rr.ExpiresIn) * time.Second),
		Scope:         rr.Scope,
	}

	c.logger.Info("access secret refreshed",
		slog.Time("expiry", res.Expiry),
		slog.Bool("refresh_secret_rotated", rr.RefreshToken != ""),
	)

	return res, nil
}

// Revoke invalidates a secret at the platform. Best-effort: failures
// are logged, not returned, because local deactivation must proceed
// regardless of remote revoke outcome.
func (c *Client) Revoke(ctx context.Context, secret string) bool {
	form := url.Values{"token": {secret}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RevokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Error("creating revoke request failed", slog.String("error", err.Error()))
		return false
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger.Error("revoke request failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		c.logger.Warn("draining revoke response", slog.String("error", err.Error()))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("revoke returned non-OK status", slog.Int("status", resp.StatusCode))
		return false
	}

	c.logger.Info("secret revoked at platform")

	return true
}

// httpContext binds the client's HTTP client into the context so the
// oauth2 package uses it for the exchange (and tests hit the fake).
func (c *Client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
}

func resultFromToken(tok *oauth2.Token) *Result {
	expiresIn := int64(0)
	if !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry).Seconds())
	}

	scope, _ := tok.Extra("scope").(string)

	return &Result{
		AccessSecret:  tok.AccessToken,
		RefreshSecret: tok.RefreshToken,
		TokenType:     tok.TokenType,
		ExpiresIn:     expiresIn,
		Expiry:        tok.Expiry,
		Scope:         scope,
	}
}
