package yt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// VideoResource is the metadata sent when opening an upload session or
// updating a video.
type VideoResource struct {
	ID      string       `json:"id,omitempty"`
	Snippet VideoSnippet `json:"snippet"`
	Status  VideoAccess  `json:"status"`
}

// VideoSnippet is the video's descriptive metadata.
type VideoSnippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
}

// VideoAccess is the video's visibility settings.
type VideoAccess struct {
	PrivacyStatus           string `json:"privacyStatus"`
	SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
}

// Video is the platform's video resource, as returned by upload
// completion and status queries.
type Video struct {
	ID      string `json:"id"`
	Snippet struct {
		Title string `json:"title"`
	} `json:"snippet"`
	Status struct {
		UploadStatus  string `json:"uploadStatus"`
		PrivacyStatus string `json:"privacyStatus"`
		FailureReason string `json:"failureReason"`
	} `json:"status"`
	ProcessingDetails struct {
		ProcessingStatus string `json:"processingStatus"`
	} `json:"processingDetails"`
}

// StartResumableUpload opens a resumable upload session and returns its
// session URI. The metadata travels in this request; chunks carry only
// bytes.
func (c *Client) StartResumableUpload(ctx context.Context, accessSecret string, res *VideoResource, fileSize int64, mimeType string) (string, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("yt: encoding video metadata: %w", err)
	}

	u := c.UploadBaseURL + "/videos?uploadType=resumable&part=snippet%2Cstatus"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("yt: creating session request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessSecret)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(fileSize, 10))
	req.Header.Set("X-Upload-Content-Type", mimeType)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &APIError{Message: err.Error(), Err: ErrServerError}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	if resp.StatusCode != http.StatusOK {
		return "", classify(resp.StatusCode, body)
	}

	sessionURI := resp.Header.Get("Location")
	if sessionURI == "" {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Message:    "session response missing Location header",
			Err:        ErrServerError,
		}
	}

	c.logger.Info("resumable upload session opened",
		slog.Int64("file_size", fileSize),
		slog.String("mime_type", mimeType),
	)

	return sessionURI, nil
}

// UploadChunk sends one chunk to the session. offset is the absolute
// position of the chunk's first byte; total is the full file size.
// Returns (nil, nil) on 308 (more chunks expected), the final Video on
// 200/201, and ErrSessionExpired when the session URI has died. Chunk
// retry policy belongs to the caller; this issues exactly one request.
func (c *Client) UploadChunk(ctx context.Context, sessionURI string, chunk []byte, offset, total int64) (*Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, bytes.NewReader(chunk))
	if err != nil {
		return nil, fmt.Errorf("yt: creating chunk request: %w", err)
	}

	end := offset + int64(len(chunk)) - 1
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, total))
	req.Header.Set("Content-Length", strconv.Itoa(len(chunk)))

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &APIError{Message: err.Error(), Err: ErrServerError}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	switch {
	case resp.StatusCode == statusResumeIncomplete:
		return nil, nil
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var v Video
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("yt: decoding upload completion: %w", err)
		}

		return &v, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &APIError{StatusCode: resp.StatusCode, Err: ErrSessionExpired}
	default:
		return nil, classify(resp.StatusCode, body)
	}
}

// statusResumeIncomplete is the session's "send the next chunk" status.
const statusResumeIncomplete = 308

// QueryUploadStatus asks the session how many bytes it has committed,
// using an empty PUT with Content-Range "bytes */total". Returns the
// committed byte count, or the final Video if the upload had in fact
// already finished.
func (c *Client) QueryUploadStatus(ctx context.Context, sessionURI string, total int64) (int64, *Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, http.NoBody)
	if err != nil {
		return 0, nil, fmt.Errorf("yt: creating status query: %w", err)
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, &APIError{Message: err.Error(), Err: ErrServerError}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	switch {
	case resp.StatusCode == statusResumeIncomplete:
		return parseCommitted(resp.Header.Get("Range")), nil, nil
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var v Video
		if err := json.Unmarshal(body, &v); err != nil {
			return 0, nil, fmt.Errorf("yt: decoding upload completion: %w", err)
		}

		return total, &v, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return 0, nil, &APIError{StatusCode: resp.StatusCode, Err: ErrSessionExpired}
	default:
		return 0, nil, classify(resp.StatusCode, body)
	}
}

// parseCommitted extracts the committed byte count from a session Range
// header ("bytes=0-524287" means 524288 bytes are stored). No header
// means nothing committed yet.
func parseCommitted(rangeHeader string) int64 {
	if rangeHeader == "" {
		return 0
	}

	_, after, found := strings.Cut(rangeHeader, "-")
	if !found {
		return 0
	}

	last, err := strconv.ParseInt(after, 10, 64)
	if err != nil || last < 0 {
		return 0
	}

	return last + 1
}
