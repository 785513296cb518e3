package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
	"github.com/yungbote/nous-backend/internal/utils"
)

// VideoSearchClient finds supplemental videos for a lesson's keywords and
// resolves instructor-pasted video URLs.
type VideoSearchClient interface {
	Search(ctx context.Context, keywords []string, max int) ([]types.VideoCandidate, error)
	Lookup(ctx context.Context, videoURL string) (*types.VideoCandidate, error)
}

type videoSearchClient struct {
	log    *logger.Logger
	api    *httpAPI
	apiKey string
}

func NewVideoSearchClient(log *logger.Logger) (VideoSearchClient, error) {
	serviceLog := log.With("service", "VideoSearchClient")

	apiKey := utils.GetEnv("VIDEO_API_KEY", "", log)
	if apiKey == "" {
		return nil, fmt.Errorf("missing VIDEO_API_KEY")
	}
	baseURL := utils.GetEnv("VIDEO_BASE_URL", "https://www.googleapis.com/youtube/v3", log)
	timeoutSec := utils.GetEnvAsInt("VIDEO_TIMEOUT_SECONDS", 10, log)
	maxRetries := utils.GetEnvAsInt("VIDEO_MAX_RETRIES", 2, log)

	return &videoSearchClient{
		log: serviceLog,
		api: &httpAPI{
			log:        serviceLog,
			service:    "video",
			baseURL:    baseURL,
			httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
			maxRetries: maxRetries,
		},
		apiKey: apiKey,
	}, nil
}

type videoListResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelTitle string `json:"channelTitle"`
			Thumbnails   struct {
				Medium struct {
					URL string `json:"url"`
				} `json:"medium"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

func (c *videoSearchClient) Search(ctx context.Context, keywords []string, max int) ([]types.VideoCandidate, error) {
	if max <= 0 {
		max = 5
	}
	query := strings.Join(keywords, " ")
	if strings.TrimSpace(query) == "" {
		return []types.VideoCandidate{}, nil
	}

	path := fmt.Sprintf("/search?part=snippet&type=video&videoEmbeddable=true&maxResults=%d&q=%s&key=%s",
		max, url.QueryEscape(query), c.apiKey)

	var resp videoListResponse
	if err := c.api.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}

	candidates := make([]types.VideoCandidate, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.ID.VideoID == "" {
			continue
		}
		candidates = append(candidates, types.VideoCandidate{
			VideoID:   item.ID.VideoID,
			Title:     item.Snippet.Title,
			Thumbnail: item.Snippet.Thumbnails.Medium.URL,
			Channel:   item.Snippet.ChannelTitle,
			URL:       "https://www.youtube.com/watch?v=" + item.ID.VideoID,
		})
	}
	return candidates, nil
}

// extractVideoID pulls the video id out of the common watch/short URL forms.
func extractVideoID(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse video url: %w", err)
	}
	if id := u.Query().Get("v"); id != "" {
		return id, nil
	}
	if strings.Contains(u.Host, "youtu.be") {
		if id := strings.Trim(u.Path, "/"); id != "" {
			return id, nil
		}
	}
	if strings.HasPrefix(u.Path, "/embed/") {
		if id := strings.TrimPrefix(u.Path, "/embed/"); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no video id in url %q", raw)
}

func (c *videoSearchClient) Lookup(ctx context.Context, videoURL string) (*types.VideoCandidate, error) {
	videoID, err := extractVideoID(videoURL)
	if err != nil {
		return nil, types.NewValidationError("invalid video url: %v", err)
	}

	path := fmt.Sprintf("/videos?part=snippet&id=%s&key=%s", url.QueryEscape(videoID), c.apiKey)

	// The videos endpoint returns a flat string id, unlike search.
	var resp struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title        string `json:"title"`
				ChannelTitle string `json:"channelTitle"`
				Thumbnails   struct {
					Medium struct {
						URL string `json:"url"`
					} `json:"medium"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := c.api.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, types.NewValidationError("video %s not found", videoID)
	}

	item := resp.Items[0]
	return &types.VideoCandidate{
		VideoID:   videoID,
		Title:     item.Snippet.Title,
		Thumbnail: item.Snippet.Thumbnails.Medium.URL,
		Channel:   item.Snippet.ChannelTitle,
		URL:       "https://www.youtube.com/watch?v=" + videoID,
	}, nil
}
