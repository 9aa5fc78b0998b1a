package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/mentor/config"
)

// Wikipedia searches the MediaWiki API. sroffset gives stable offset
// pagination, so (topic, page) is re-fetchable.
type Wikipedia struct {
	endpoint   string
	maxResults int
	httpClient *http.Client
}

func NewWikipedia(cfg config.WikipediaConfig) *Wikipedia {
	cfg = cfg.Normalize()
	return &Wikipedia{
		endpoint:   cfg.Endpoint,
		maxResults: cfg.MaxResults,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (w *Wikipedia) Type() string { return "wikipedia" }

func (w *Wikipedia) FetchPage(ctx context.Context, topic string, page, perPage int) ([]Item, error) {
	if perPage <= 0 || perPage > w.maxResults {
		perPage = w.maxResults
	}
	offset := (page - 1) * perPage

	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", topic)
	params.Set("srlimit", strconv.Itoa(perPage))
	params.Set("sroffset", strconv.Itoa(offset))
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wikipedia search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wikipedia search status %d", resp.StatusCode)
	}

	var raw struct {
		Query struct {
			Search []struct {
				Title   string `json:"title"`
				Snippet string `json:"snippet"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode wikipedia response: %w", err)
	}

	var out []Item
	for _, r := range raw.Query.Search {
		out = append(out, Item{
			Title:      r.Title,
			URL:        w.articleURL(r.Title),
			Snippet:    stripTags(r.Snippet),
			SourceType: w.Type(),
		})
	}
	return out, nil
}

func (w *Wikipedia) articleURL(title string) string {
	u, err := url.Parse(w.endpoint)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "https", Host: "en.wikipedia.org"}
	}
	slug := url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	return fmt.Sprintf("%s://%s/wiki/%s", u.Scheme, u.Host, slug)
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// stripTags removes the searchmatch markup MediaWiki embeds in snippets.
func stripTags(s string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
}
