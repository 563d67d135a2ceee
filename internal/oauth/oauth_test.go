package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tubeworks/tubeup/internal/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(config.ClientConfig{
		ID:          "client-id",
		Secret:      "client-secret",
		RedirectURL: "http://localhost/callback",
		Scopes:      []string{"scope-a"},
	}, slog.New(slog.DiscardHandler))

	c.OAuth.Endpoint = oauth2.Endpoint{
		AuthURL:  srv.URL + "/auth",
		TokenURL: srv.URL + "/token",
	}
	c.RevokeURL = srv.URL + "/revoke"
	c.APIBaseURL = srv.URL + "/youtube/v3"
	c.HTTPClient = srv.Client()

	return c, srv
}

func TestAuthCodeURL(t *testing.T) {
	c, _ := testClient(t, http.NewServeMux())

	raw := c.AuthCodeURL("state-123")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "true", q.Get("include_granted_scopes"))
	assert.Equal(t, "http://localhost/callback", q.Get("redirect_uri"))
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	require.NoError(t, err)
	b, err := GenerateState()
	require.NoError(t, err)

	assert.Len(t, a, 2*stateTokenBytes)
	assert.NotEqual(t, a, b)
}

func TestExchangeSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "abc", r.Form.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "A",
			"refresh_token": "R",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	c, _ := testClient(t, mux)

	res, err := c.Exchange(context.Background(), "abc", "s1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "A", res.AccessSecret)
	assert.Equal(t, "R", res.RefreshSecret)
	assert.WithinDuration(t, time.Now().Add(time.Hour), res.Expiry, time.Minute)
}

func TestExchangeStateMismatch(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) { called = true })

	c, _ := testClient(t, mux)

	_, err := c.Exchange(context.Background(), "abc", "s1", "s2")
	assert.ErrorIs(t, err, ErrStateMismatch)

	// No recorded state is also a mismatch, never a pass-through.
	_, err = c.Exchange(context.Background(), "abc", "", "")
	assert.ErrorIs(t, err, ErrStateMismatch)

	assert.False(t, called, "state check must run before any network call")
}

func TestExchangeEndpointError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})

	c, _ := testClient(t, mux)

	_, err := c.Exchange(context.Background(), "abc", "s1", "s1")
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestRefreshCarriesForwardRefreshSecret(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))

		// No refresh_token in the response, as is typical for refreshes.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "A2",
			"expires_in":   3600,
		})
	})

	c, _ := testClient(t, mux)

	res, err := c.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "A2", res.AccessSecret)
	assert.Equal(t, "old-refresh", res.RefreshSecret, "input secret carried forward")
	assert.Equal(t, "Bearer", res.TokenType)
}

func TestRefreshRotatesWhenProvided(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "A2",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	})

	c, _ := testClient(t, mux)

	res, err := c.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", res.RefreshSecret)
}

func TestRefreshFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "Token has been expired or revoked.",
		})
	})

	c, _ := testClient(t, mux)

	_, err := c.Refresh(context.Background(), "dead-refresh")
	require.ErrorIs(t, err, ErrRefreshFailed)
	assert.Contains(t, err.Error(), "expired or revoked")
}

func TestRevokeBestEffort(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	c, _ := testClient(t, mux)
	assert.True(t, c.Revoke(context.Background(), "secret"))

	// A failing endpoint returns false but never an error.
	mux2 := http.NewServeMux()
	mux2.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	})

	c2, _ := testClient(t, mux2)
	assert.False(t, c2.Revoke(context.Background(), "secret"))
}

func TestChannelProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/channels", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-secret", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("mine"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{
				"id": "UCabc",
				"snippet": map[string]any{
					"title":     "My Channel",
					"customUrl": "@mychannel",
					"thumbnails": map[string]any{
						"high": map[string]any{"url": "https://example.com/t.jpg"},
					},
				},
				"statistics": map[string]any{
					"viewCount":       "1234",
					"subscriberCount": "56",
					"videoCount":      "7",
				},
			}},
		})
	})

	c, _ := testClient(t, mux)

	p, err := c.ChannelProfile(context.Background(), "access-secret")
	require.NoError(t, err)
	assert.Equal(t, "UCabc", p.ID)
	assert.Equal(t, "My Channel", p.Title)
	assert.Equal(t, "@mychannel", p.Handle)
	assert.Equal(t, uint64(1234), p.ViewCount)

	meta, err := p.MetadataJSON()
	require.NoError(t, err)
	assert.Contains(t, meta, `"id":"UCabc"`)
}

func TestChannelProfileNoChannel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	})

	c, _ := testClient(t, mux)

	_, err := c.ChannelProfile(context.Background(), "access-secret")
	assert.ErrorIs(t, err, ErrNoChannel)
}
