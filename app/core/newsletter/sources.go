package newsletter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"herald/app/pkg/types"
)

// HNSource pulls recent AI stories from the Hacker News search API.
type HNSource struct {
	httpClient *http.Client
	baseURL    string
	query      string
}

func NewHNSource(query string) *HNSource {
	if query == "" {
		query = "AI"
	}
	return &HNSource{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    "https://hn.algolia.com/api/v1",
		query:      query,
	}
}

func (s *HNSource) Name() string { return "hackernews" }

type hnSearchResponse struct {
	Hits []struct {
		Title    string `json:"title"`
		URL      string `json:"url"`
		ObjectID string `json:"objectID"`
		Points   int    `json:"points"`
	} `json:"hits"`
}

func (s *HNSource) Fetch(ctx context.Context) ([]Item, error) {
	endpoint := fmt.Sprintf("%s/search_by_date?query=%s&tags=story&numericFilters=points>20&hitsPerPage=20",
		s.baseURL, url.QueryEscape(s.query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hn search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("hn search: status %d: %s", resp.StatusCode, body)
	}

	var parsed hnSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode hn response: %w", err)
	}

	var out []Item
	for _, hit := range parsed.Hits {
		if hit.Title == "" {
			continue
		}
		link := hit.URL
		if link == "" {
			link = "https://news.ycombinator.com/item?id=" + hit.ObjectID
		}
		out = append(out, Item{
			Title:   hit.Title,
			URL:     link,
			Summary: fmt.Sprintf("%d points on Hacker News", hit.Points),
			Source:  s.Name(),
		})
	}
	return out, nil
}

// ChannelPublisher delivers the digest as a chat message.
type ChannelPublisher struct {
	notifier types.Notifier
	chatID   string
	name     string
}

func NewChannelPublisher(name string, notifier types.Notifier, chatID string) *ChannelPublisher {
	return &ChannelPublisher{notifier: notifier, chatID: chatID, name: name}
}

func (p *ChannelPublisher) Name() string { return p.name }

func (p *ChannelPublisher) Publish(ctx context.Context, digest Digest) error {
	return p.notifier.Send(ctx, p.chatID, digest.Markdown)
}
