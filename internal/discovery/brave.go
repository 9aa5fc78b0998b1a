package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mohammad-safakhou/mentor/config"
)

const braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave web search API. The API's offset parameter is a
// page index, which matches the scheduler's 1-based page cursor directly.
type Brave struct {
	apiKey     string
	maxResults int
	httpClient *http.Client
}

func NewBrave(cfg config.WebSearchConfig) *Brave {
	max := cfg.MaxResults
	if max <= 0 {
		max = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Brave{
		apiKey:     cfg.BraveAPIKey,
		maxResults: max,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (b *Brave) Type() string { return "web" }

func (b *Brave) FetchPage(ctx context.Context, topic string, page, perPage int) ([]Item, error) {
	if perPage <= 0 || perPage > b.maxResults {
		perPage = b.maxResults
	}
	params := url.Values{}
	params.Set("q", topic)
	params.Set("count", strconv.Itoa(perPage))
	params.Set("offset", strconv.Itoa(page-1))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave search status %d", resp.StatusCode)
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode brave response: %w", err)
	}

	var out []Item
	for i, r := range raw.Web.Results {
		if i >= perPage {
			break
		}
		out = append(out, Item{
			Title:      r.Title,
			URL:        r.URL,
			Snippet:    stripTags(r.Description),
			SourceType: b.Type(),
		})
	}
	return out, nil
}
