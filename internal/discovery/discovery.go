package discovery

import (
	"context"

	"github.com/mohammad-safakhou/mentor/config"
)

// Item is one discovered content candidate before extraction and vetting.
type Item struct {
	Title      string
	URL        string
	Snippet    string
	SourceType string
}

// Source lists candidate items for (topic, page). Pages are 1-based and map
// to the source's own offset pagination.
type Source interface {
	Type() string
	FetchPage(ctx context.Context, topic string, page, perPage int) ([]Item, error)
}

// NewSources builds the configured source registry keyed by source type.
func NewSources(cfg config.SourcesConfig) map[string]Source {
	sources := map[string]Source{}
	wiki := NewWikipedia(cfg.Wikipedia)
	sources[wiki.Type()] = wiki
	if cfg.WebSearch.BraveAPIKey != "" {
		web := NewBrave(cfg.WebSearch)
		sources[web.Type()] = web
	}
	return sources
}
