package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Profile is the authenticated identity's channel, fetched right after
// authorization so the grant can be bound to a channel id.
type Profile struct {
	ID              string
	Title           string
	Description     string
	Handle          string
	Thumbnail       string
	Country         string
	PublishedAt     string
	ViewCount       uint64
	SubscriberCount uint64
	VideoCount      uint64
}

// channelListResponse mirrors the Data API channels.list shape; only
// the fields the profile needs are declared.
type channelListResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			CustomURL   string `json:"customUrl"`
			PublishedAt string `json:"publishedAt"`
			Country     string `json:"country"`
			Thumbnails  struct {
				High struct {
					URL string `json:"url"`
				} `json:"high"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount       uint64 `json:"viewCount,string"`
			SubscriberCount uint64 `json:"subscriberCount,string"`
			VideoCount      uint64 `json:"videoCount,string"`
		} `json:"statistics"`
	} `json:"items"`
}

// ChannelProfile fetches the channel owned by the authenticated
// identity. Fails with ErrNoChannel when the account has none.
func (c *Client) ChannelProfile(ctx context.Context, accessSecret string) (*Profile, error) {
	u := c.APIBaseURL + "/channels?part=snippet%2Cstatistics&mine=true"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("oauth: creating channel profile request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: channel profile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth: reading channel profile response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: channel profile fetch failed with status %d: %s",
			resp.StatusCode, string(body))
	}

	var clr channelListResponse
	if err := json.Unmarshal(body, &clr); err != nil {
		return nil, fmt.Errorf("oauth: decoding channel profile response: %w", err)
	}

	if len(clr.Items) == 0 {
		return nil, ErrNoChannel
	}

	item := clr.Items[0]
	profile := &Profile{
		ID:              item.ID,
		Title:           item.Snippet.Title,
		Description:     item.Snippet.Description,
		Handle:          item.Snippet.CustomURL,
		Thumbnail:       item.Snippet.Thumbnails.High.URL,
		Country:         item.Snippet.Country,
		PublishedAt:     item.Snippet.PublishedAt,
		ViewCount:       item.Statistics.ViewCount,
		SubscriberCount: item.Statistics.SubscriberCount,
		VideoCount:      item.Statistics.VideoCount,
	}

	c.logger.Info("channel profile fetched",
		slog.String("channel_id", profile.ID),
		slog.String("title", profile.Title),
	)

	return profile, nil
}

// MetadataJSON serializes the profile for the grant's channel metadata
// blob.
func (p *Profile) MetadataJSON() (string, error) {
	b, err := json.Marshal(map[string]any{
		"id":               p.ID,
		"title":            p.Title,
		"description":      p.Description,
		"handle":           p.Handle,
		"thumbnail":        p.Thumbnail,
		"country":          p.Country,
		"published_at":     p.PublishedAt,
		"view_count":       p.ViewCount,
		"subscriber_count": p.SubscriberCount,
		"video_count":      p.VideoCount,
	})
	if err != nil {
		return "", fmt.Errorf("oauth: encoding channel metadata: %w", err)
	}

	return string(b), nil
}
