package yt

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubeworks/tubeup/internal/config"
)

func testYTClient(t *testing.T, handler http.Handler) (*Client, *[]time.Duration) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(config.APIConfig{QPS: 10000, Burst: 10000}, slog.New(slog.DiscardHandler))
	c.BaseURL = srv.URL
	c.UploadBaseURL = srv.URL + "/upload"
	c.HTTPClient = srv.Client()

	slept := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}

	return c, slept
}

func apiErrorJSON(reason, message string) string {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"errors":  []map[string]string{{"reason": reason}},
		},
	})

	return string(b)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", 401, "", ErrUnauthorized},
		{"forbidden", 403, apiErrorJSON("insufficientPermissions", "no"), ErrForbidden},
		{"quota", 403, apiErrorJSON("quotaExceeded", "quota gone"), ErrQuotaExceeded},
		{"upload limit", 403, apiErrorJSON("uploadLimitExceeded", "too many uploads"), ErrQuotaExceeded},
		{"rate limited 403", 403, apiErrorJSON("rateLimitExceeded", "slow down"), ErrThrottled},
		{"not found", 404, "", ErrNotFound},
		{"throttled", 429, "", ErrThrottled},
		{"server error", 503, "", ErrServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.status, []byte(tt.body))
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestRetryTransientThenSucceed(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{
				"id":     "vid123",
				"status": map[string]string{"uploadStatus": "processed"},
			}},
		})
	})

	c, slept := testYTClient(t, mux)

	v, err := c.VideoStatus(context.Background(), "secret", "vid123")
	require.NoError(t, err)
	assert.Equal(t, "vid123", v.ID)
	assert.Equal(t, "processed", v.Status.UploadStatus)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *slept, 2, "one backoff per retry")
}

func TestQuotaExhaustionNotRetried(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(apiErrorJSON("quotaExceeded", "quota gone")))
	})

	c, slept := testYTClient(t, mux)

	_, err := c.VideoStatus(context.Background(), "secret", "vid123")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *slept)
}

func TestRetryAfterHeaderHonored(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "vid123"}},
		})
	})

	c, slept := testYTClient(t, mux)

	_, err := c.VideoStatus(context.Background(), "secret", "vid123")
	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 7*time.Second, (*slept)[0])
}

func TestUpdateVideo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var res VideoResource
		require.NoError(t, json.NewDecoder(r.Body).Decode(&res))
		assert.Equal(t, "vid123", res.ID)
		assert.Equal(t, "New Title", res.Snippet.Title)

		w.Write([]byte(`{"id":"vid123"}`))
	})

	c, _ := testYTClient(t, mux)

	err := c.UpdateVideo(context.Background(), "secret", &VideoResource{
		ID:      "vid123",
		Snippet: VideoSnippet{Title: "New Title"},
		Status:  VideoAccess{PrivacyStatus: "private"},
	})
	require.NoError(t, err)

	err = c.UpdateVideo(context.Background(), "secret", &VideoResource{})
	assert.Error(t, err, "update without a video id is rejected locally")
}

func TestAddToPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/playlistItems", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		snippet := payload["snippet"].(map[string]any)
		assert.Equal(t, "PLxyz", snippet["playlistId"])
		assert.Equal(t, "vid123", snippet["resourceId"].(map[string]any)["videoId"])

		w.Write([]byte(`{}`))
	})

	c, _ := testYTClient(t, mux)

	require.NoError(t, c.AddToPlaylist(context.Background(), "secret", "PLxyz", "vid123"))
}

func TestSetThumbnail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/thumbnails/set", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vid123", r.URL.Query().Get("videoId"))
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))

		w.Write([]byte(`{}`))
	})

	c, _ := testYTClient(t, mux)

	err := c.SetThumbnail(context.Background(), "secret", "vid123",
		strings.NewReader("fake-jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)
}
