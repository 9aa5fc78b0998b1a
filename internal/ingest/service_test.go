package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/mentor/config"
	"github.com/mohammad-safakhou/mentor/internal/store"
	"github.com/mohammad-safakhou/mentor/provider"
)

type fakeMemoryStore struct {
	seen   map[string]bool
	events []store.FeedEventRecord
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{seen: map[string]bool{}}
}

func (f *fakeMemoryStore) InsertMemoryIfNovel(ctx context.Context, rec store.MemoryRecord, maxSimilarity float64) (bool, error) {
	key := rec.AgentID + "|" + rec.ContentHash
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeMemoryStore) InsertFeedEvent(ctx context.Context, rec store.FeedEventRecord) (store.FeedEventRecord, error) {
	rec.ID = int64(len(f.events) + 1)
	f.events = append(f.events, rec)
	return rec, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func testCfg() config.IngestionConfig {
	return config.IngestionConfig{
		MaxTokensPerChunk:      100,
		ChunkOverlap:           10,
		MinChunkSize:           20,
		MaxDuplicateSimilarity: 0.85,
	}
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestChunksDeterministic(t *testing.T) {
	text := strings.Repeat("The Roman Republic expanded across the Mediterranean. ", 60)
	cfg := testCfg()
	a := Chunks(text, cfg)
	b := Chunks(text, cfg)
	if len(a) == 0 {
		t.Fatal("expected chunks")
	}
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs", i)
		}
	}
}

func TestChunksDropsShortText(t *testing.T) {
	if got := Chunks("too short", testCfg()); got != nil {
		t.Fatalf("expected nil for short text, got %d chunks", len(got))
	}
}

func TestChunksOverlap(t *testing.T) {
	cfg := testCfg()
	text := strings.Repeat("abcdefghij", 200)
	chunks := Chunks(text, cfg)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	size := cfg.MaxTokensPerChunk * charsPerToken
	overlap := cfg.ChunkOverlap * charsPerToken
	tail := chunks[0][size-overlap:]
	if !strings.HasPrefix(chunks[1], tail) {
		t.Fatal("second chunk does not start with first chunk's overlap tail")
	}
}

func TestIngestAcceptsNovelContent(t *testing.T) {
	st := newFakeMemoryStore()
	svc := NewService(st, &fakeEmbedder{}, testCfg(), quiet())

	text := strings.Repeat("Rome was founded on the Palatine Hill. ", 40)
	res, err := svc.Ingest(context.Background(), "agent-1", Item{
		Content: text, SourceType: "wikipedia", SourceURL: "https://w/rome", Topic: "rome",
	}, "trainer")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Accepted || res.ChunksFed == 0 {
		t.Fatalf("result = %+v, want accepted", res)
	}
	if len(st.events) != 1 || !st.events[0].Accepted {
		t.Fatalf("events = %+v, want one accepted event", st.events)
	}
}

func TestIngestSuppressesDuplicate(t *testing.T) {
	st := newFakeMemoryStore()
	svc := NewService(st, &fakeEmbedder{}, testCfg(), quiet())

	text := strings.Repeat("Rome was founded on the Palatine Hill. ", 40)
	item := Item{Content: text, SourceType: "wikipedia", SourceURL: "https://w/rome"}

	first, err := svc.Ingest(context.Background(), "agent-1", item, "trainer")
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := svc.Ingest(context.Background(), "agent-1", item, "trainer")
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if !first.Accepted {
		t.Fatal("first ingest should accept")
	}
	if second.Accepted || second.ChunksFed != 0 {
		t.Fatalf("second ingest = %+v, want all duplicates", second)
	}
	if got := st.events[1].Reason; got != store.ReasonDuplicate {
		t.Fatalf("second event reason = %q, want %q", got, store.ReasonDuplicate)
	}
}

func TestIngestRejectsThinContent(t *testing.T) {
	st := newFakeMemoryStore()
	svc := NewService(st, &fakeEmbedder{}, testCfg(), quiet())

	res, err := svc.Ingest(context.Background(), "agent-1", Item{Content: "tiny"}, "trainer")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Accepted || res.ChunkCount != 0 {
		t.Fatalf("result = %+v, want rejection", res)
	}
	if got := st.events[0].Reason; got != store.ReasonInsufficientContent {
		t.Fatalf("reason = %q, want %q", got, store.ReasonInsufficientContent)
	}
}

func TestIngestFailsWholeCallOnEmbedderOutage(t *testing.T) {
	st := newFakeMemoryStore()
	embedErr := fmt.Errorf("%w: status 503", provider.ErrUnavailable)
	svc := NewService(st, &fakeEmbedder{err: embedErr}, testCfg(), quiet())

	text := strings.Repeat("Rome was founded on the Palatine Hill. ", 40)
	_, err := svc.Ingest(context.Background(), "agent-1", Item{Content: text}, "trainer")
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if len(st.seen) != 0 {
		t.Fatal("no memories should persist when embedding fails")
	}
}

func TestSearchIndexScopesByAgent(t *testing.T) {
	x, err := NewSearchIndex(10)
	if err != nil {
		t.Fatalf("NewSearchIndex: %v", err)
	}
	if err := x.Add("m1", IndexedMemory{AgentID: "a1", Content: "the roman republic", Topic: "rome"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Add("m2", IndexedMemory{AgentID: "a2", Content: "the roman empire", Topic: "rome"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := x.Search("a1", "roman", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].MemoryID != "m1" {
		t.Fatalf("hits = %+v, want only a1's memory", hits)
	}
}

func TestSearchIndexEvictsOldest(t *testing.T) {
	x, err := NewSearchIndex(2)
	if err != nil {
		t.Fatalf("NewSearchIndex: %v", err)
	}
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("m%d", i)
		if err := x.Add(id, IndexedMemory{AgentID: "a", Content: "roman history " + id}); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	hits, err := x.Search("a", "roman", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range hits {
		if h.MemoryID == "m1" {
			t.Fatal("m1 should have been evicted")
		}
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
}
