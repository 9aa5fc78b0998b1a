package fetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/mentor/config"
)

const userAgent = "MentorTrainer/1.0 (+https://github.com/mohammad-safakhou/mentor)"

// Page is the cleaned extraction result for one URL.
type Page struct {
	URL         string
	Title       string
	Byline      string
	Text        string
	HTMLHash    string
	FetchedIn   time.Duration
	UsedBrowser bool
}

// Fetcher retrieves a URL and extracts readable text from it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// New selects the extraction strategy from config: plain HTTP by default,
// headless browser when pages need script execution.
func New(cfg config.FetcherConfig) Fetcher {
	cfg = cfg.Normalize()
	if cfg.Type == "chromedp" {
		return &browserFetcher{timeout: cfg.Timeout, maxChars: cfg.MaxChars}
	}
	return &httpFetcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		maxChars: cfg.MaxChars,
	}
}

type httpFetcher struct {
	client   *http.Client
	maxChars int
}

func (f *httpFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, errors.New("invalid url")
	}
	t0 := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	html, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Page{}, fmt.Errorf("read body: %w", err)
	}
	return extract(rawURL, string(html), f.maxChars, time.Since(t0), false)
}

type browserFetcher struct {
	timeout  time.Duration
	maxChars int
}

func (f *browserFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, errors.New("invalid url")
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	t0 := time.Now()

	html, err := renderHTML(ctx, rawURL)
	if err != nil {
		return Page{}, fmt.Errorf("render %s: %w", rawURL, err)
	}
	return extract(rawURL, html, f.maxChars, time.Since(t0), true)
}

func extract(rawURL, html string, maxChars int, elapsed time.Duration, usedBrowser bool) (Page, error) {
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return Page{}, fmt.Errorf("extract %s: %w", rawURL, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	sum := sha1.Sum([]byte(html))
	return Page{
		URL:         rawURL,
		Title:       strings.TrimSpace(article.Title),
		Byline:      strings.TrimSpace(article.Byline),
		Text:        text,
		HTMLHash:    hex.EncodeToString(sum[:]),
		FetchedIn:   elapsed,
		UsedBrowser: usedBrowser,
	}, nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
