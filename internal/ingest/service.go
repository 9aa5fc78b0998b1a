package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/mentor/config"
	"github.com/mohammad-safakhou/mentor/internal/queue/streams"
	"github.com/mohammad-safakhou/mentor/internal/store"
)

// Item is one vetted content candidate handed over for ingestion.
type Item struct {
	Content     string
	SourceType  string
	SourceURL   string
	SourceTitle string
	Topic       string
	Tags        []string
	Confidence  float64
	PlanID      string
	TaskID      string
}

// Result reports the per-item ingestion outcome.
type Result struct {
	ChunkCount    int
	ChunksFed     int
	ChunksDropped int
	Accepted      bool
}

// MemoryStore is the persistence surface the service needs.
type MemoryStore interface {
	InsertMemoryIfNovel(ctx context.Context, rec store.MemoryRecord, maxSimilarity float64) (bool, error)
	InsertFeedEvent(ctx context.Context, rec store.FeedEventRecord) (store.FeedEventRecord, error)
}

// Embedder is the embedding capability boundary.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Service chunks, embeds, dedups and persists accepted content as agent
// memories.
type Service struct {
	store     MemoryStore
	embedder  Embedder
	cfg       config.IngestionConfig
	publisher *streams.Publisher
	stream    string
	index     *SearchIndex
	logger    *log.Logger
}

func NewService(st MemoryStore, embedder Embedder, cfg config.IngestionConfig, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	return &Service{store: st, embedder: embedder, cfg: cfg.Normalize(), logger: logger}
}

// WithPublisher mirrors every feed event onto a Redis stream.
func (s *Service) WithPublisher(p *streams.Publisher, stream string) *Service {
	s.publisher = p
	s.stream = stream
	return s
}

// WithSearchIndex keeps fed memories searchable in-process.
func (s *Service) WithSearchIndex(x *SearchIndex) *Service {
	s.index = x
	return s
}

// Ingest runs chunk -> embed -> dedup -> persist for one item. An embedding
// outage fails the whole call so the task layer can retry it; duplicate
// chunks are dropped without error. Accepted is true when at least one chunk
// persisted.
func (s *Service) Ingest(ctx context.Context, agentID string, item Item, fedBy string) (Result, error) {
	if agentID == "" {
		return Result{}, fmt.Errorf("agent id required")
	}
	chunks := Chunks(item.Content, s.cfg)
	if len(chunks) == 0 {
		res := Result{}
		s.recordEvent(ctx, agentID, item, res, store.ReasonInsufficientContent)
		return res, nil
	}

	vectors, err := s.embedder.CreateEmbedding(ctx, chunks)
	if err != nil {
		return Result{}, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return Result{}, fmt.Errorf("embedding count %d does not match chunks %d", len(vectors), len(chunks))
	}

	res := Result{ChunkCount: len(chunks)}
	for i, chunk := range chunks {
		rec := store.MemoryRecord{
			ID:          uuid.NewString(),
			AgentID:     agentID,
			TaskID:      item.TaskID,
			Topic:       item.Topic,
			Content:     chunk,
			ContentHash: ContentHash(chunk),
			ChunkIndex:  i,
			SourceType:  item.SourceType,
			SourceURL:   item.SourceURL,
			SourceTitle: item.SourceTitle,
			Tags:        item.Tags,
			Confidence:  item.Confidence,
			FedBy:       fedBy,
			Embedding:   vectors[i],
		}
		inserted, err := s.store.InsertMemoryIfNovel(ctx, rec, s.cfg.MaxDuplicateSimilarity)
		if err != nil {
			return Result{}, fmt.Errorf("persist chunk %d: %w", i, err)
		}
		if !inserted {
			res.ChunksDropped++
			continue
		}
		res.ChunksFed++
		if s.index != nil {
			if err := s.index.Add(rec.ID, IndexedMemory{
				AgentID:     agentID,
				Topic:       item.Topic,
				Content:     chunk,
				SourceURL:   item.SourceURL,
				SourceTitle: item.SourceTitle,
			}); err != nil {
				s.logger.Printf("index memory: %v", err)
			}
		}
	}
	res.Accepted = res.ChunksFed > 0

	reason := ""
	if !res.Accepted {
		reason = store.ReasonDuplicate
	}
	s.recordEvent(ctx, agentID, item, res, reason)
	return res, nil
}

func (s *Service) recordEvent(ctx context.Context, agentID string, item Item, res Result, reason string) {
	event, err := s.store.InsertFeedEvent(ctx, store.FeedEventRecord{
		AgentID:       agentID,
		PlanID:        item.PlanID,
		TaskID:        item.TaskID,
		Topic:         item.Topic,
		SourceURL:     item.SourceURL,
		SourceTitle:   item.SourceTitle,
		Accepted:      res.Accepted,
		Reason:        reason,
		ChunksTotal:   res.ChunkCount,
		ChunksFed:     res.ChunksFed,
		ChunksDropped: res.ChunksDropped,
	})
	if err != nil {
		s.logger.Printf("record feed event url=%s: %v", item.SourceURL, err)
		return
	}
	if s.publisher != nil && s.stream != "" {
		if _, err := s.publisher.PublishRaw(ctx, s.stream,
			streams.EventTypeMemoryFed, streams.PayloadVersionMemoryV1, event); err != nil {
			s.logger.Printf("publish feed event url=%s: %v", item.SourceURL, err)
		}
	}
}
