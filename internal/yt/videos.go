package yt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// VideoStatus fetches a video's upload and processing status.
func (c *Client) VideoStatus(ctx context.Context, accessSecret, videoID string) (*Video, error) {
	path := "/videos?part=snippet%2Cstatus%2CprocessingDetails&id=" + url.QueryEscape(videoID)

	body, err := c.doJSON(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, accessSecret, path, nil)
	})
	if err != nil {
		return nil, err
	}

	var list struct {
		Items []Video `json:"items"`
	}

	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("yt: decoding video status: %w", err)
	}

	if len(list.Items) == 0 {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "video " + videoID + " not in response", Err: ErrNotFound}
	}

	return &list.Items[0], nil
}

// UpdateVideo rewrites a video's snippet and visibility.
func (c *Client) UpdateVideo(ctx context.Context, accessSecret string, res *VideoResource) error {
	if res.ID == "" {
		return fmt.Errorf("yt: update requires a video id")
	}

	_, err := c.doJSON(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPut, accessSecret, "/videos?part=snippet%2Cstatus", res)
	})
	if err != nil {
		return err
	}

	c.logger.Info("video updated", slog.String("video_id", res.ID))

	return nil
}

// DeleteVideo removes a video from the platform.
func (c *Client) DeleteVideo(ctx context.Context, accessSecret, videoID string) error {
	path := "/videos?id=" + url.QueryEscape(videoID)

	_, err := c.doJSON(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodDelete, accessSecret, path, nil)
	})
	if err != nil {
		return err
	}

	c.logger.Info("video deleted", slog.String("video_id", videoID))

	return nil
}

// SetThumbnail uploads a custom thumbnail image for a video. The image
// is read fully up front so the request is small enough not to need
// chunking (the platform caps thumbnails at 2 MB).
func (c *Client) SetThumbnail(ctx context.Context, accessSecret, videoID string, image io.Reader, mimeType string) error {
	data, err := io.ReadAll(image)
	if err != nil {
		return fmt.Errorf("yt: reading thumbnail: %w", err)
	}

	u := c.UploadBaseURL + "/thumbnails/set?videoId=" + url.QueryEscape(videoID)

	_, err = c.doJSON(ctx, func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
		if reqErr != nil {
			return nil, fmt.Errorf("yt: creating thumbnail request: %w", reqErr)
		}

		req.Header.Set("Authorization", "Bearer "+accessSecret)
		req.Header.Set("Content-Type", mimeType)

		return req, nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("thumbnail set", slog.String("video_id", videoID))

	return nil
}

// AddToPlaylist appends a video to the end of a playlist.
func (c *Client) AddToPlaylist(ctx context.Context, accessSecret, playlistID, videoID string) error {
	payload := map[string]any{
		"snippet": map[string]any{
			"playlistId": playlistID,
			"resourceId": map[string]string{
				"kind":    "youtube#video",
				"videoId": videoID,
			},
		},
	}

	_, err := c.doJSON(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, accessSecret, "/playlistItems?part=snippet", payload)
	})
	if err != nil {
		return err
	}

	c.logger.Info("video added to playlist",
		slog.String("video_id", videoID),
		slog.String("playlist_id", playlistID),
	)

	return nil
}
