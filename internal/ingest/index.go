package ingest

import (
	"sync"

	"github.com/blevesearch/bleve"
)

// IndexedMemory is the document shape held in the in-memory search index.
type IndexedMemory struct {
	AgentID     string `json:"agent_id"`
	Topic       string `json:"topic"`
	Content     string `json:"content"`
	SourceURL   string `json:"source_url"`
	SourceTitle string `json:"source_title"`
}

// SearchHit is one BM25 result from the index.
type SearchHit struct {
	MemoryID    string  `json:"memory_id"`
	Topic       string  `json:"topic"`
	Snippet     string  `json:"snippet"`
	SourceURL   string  `json:"source_url"`
	SourceTitle string  `json:"source_title"`
	Score       float64 `json:"score"`
	Rank        int     `json:"rank"`
}

// SearchIndex keeps a bounded BM25 index over recently fed memories for
// operator inspection. Oldest entries are evicted past maxDocs.
type SearchIndex struct {
	mu      sync.RWMutex
	idx     bleve.Index
	meta    map[string]IndexedMemory
	order   []string
	maxDocs int
}

func NewSearchIndex(maxDocs int) (*SearchIndex, error) {
	if maxDocs <= 0 {
		maxDocs = 5000
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &SearchIndex{
		idx:     idx,
		meta:    make(map[string]IndexedMemory),
		maxDocs: maxDocs,
	}, nil
}

// Add indexes one memory, evicting the oldest entry when full.
func (x *SearchIndex) Add(memoryID string, doc IndexedMemory) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for len(x.order) >= x.maxDocs {
		oldest := x.order[0]
		x.order = x.order[1:]
		delete(x.meta, oldest)
		if err := x.idx.Delete(oldest); err != nil {
			return err
		}
	}
	if err := x.idx.Index(memoryID, doc); err != nil {
		return err
	}
	x.meta[memoryID] = doc
	x.order = append(x.order, memoryID)
	return nil
}

// Search runs a BM25 query scoped to one agent.
func (x *SearchIndex) Search(agentID, q string, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := x.idx.Search(searchReq)
	if err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []SearchHit
	for _, hit := range res.Hits {
		doc, ok := x.meta[hit.ID]
		if !ok || (agentID != "" && doc.AgentID != agentID) {
			continue
		}
		out = append(out, SearchHit{
			MemoryID:    hit.ID,
			Topic:       doc.Topic,
			Snippet:     snippet(doc.Content),
			SourceURL:   doc.SourceURL,
			SourceTitle: doc.SourceTitle,
			Score:       hit.Score,
			Rank:        len(out) + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func snippet(text string) string {
	const max = 240
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
