package trainer

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/mentor/internal/discovery"
	"github.com/mohammad-safakhou/mentor/internal/discovery/fetch"
	"github.com/mohammad-safakhou/mentor/internal/ingest"
	"github.com/mohammad-safakhou/mentor/internal/store"
	"github.com/mohammad-safakhou/mentor/internal/telemetry"
	"github.com/mohammad-safakhou/mentor/internal/vetting"
)

// RejectionLedger is the durable (scope, url) filter consulted before
// vetting and appended to on content rejections.
type RejectionLedger interface {
	IsRejected(ctx context.Context, scopeID, url string) (bool, error)
	RecordRejection(ctx context.Context, scopeID, url, reason string) error
}

// Scorer vets one extracted item.
type Scorer interface {
	Score(ctx context.Context, topic, title, content string) (vetting.Verdict, error)
}

// Ingestor persists accepted items as agent memories.
type Ingestor interface {
	Ingest(ctx context.Context, agentID string, item ingest.Item, fedBy string) (ingest.Result, error)
}

// TaskExecutor runs the discovery and vetting pipeline for one task:
// fetch page -> rejection filter -> extract -> vet -> ingest.
type TaskExecutor struct {
	sources      map[string]discovery.Source
	fetcher      fetch.Fetcher
	ledger       RejectionLedger
	scorer       Scorer
	ingestor     Ingestor
	limiters     *RateLimiters
	metrics      *telemetry.Metrics
	itemsPerPage int
	minChunkSize int
	logger       *log.Logger
}

func NewTaskExecutor(
	sources map[string]discovery.Source,
	fetcher fetch.Fetcher,
	ledger RejectionLedger,
	scorer Scorer,
	ingestor Ingestor,
	limiters *RateLimiters,
	metrics *telemetry.Metrics,
	itemsPerPage, minChunkSize int,
	logger *log.Logger,
) *TaskExecutor {
	if logger == nil {
		logger = log.New(log.Writer(), "[TASK] ", log.LstdFlags)
	}
	if itemsPerPage <= 0 {
		itemsPerPage = 10
	}
	return &TaskExecutor{
		sources:      sources,
		fetcher:      fetcher,
		ledger:       ledger,
		scorer:       scorer,
		ingestor:     ingestor,
		limiters:     limiters,
		metrics:      metrics,
		itemsPerPage: itemsPerPage,
		minChunkSize: minChunkSize,
		logger:       logger,
	}
}

// Execute runs the pipeline for (plan, topic, page). Errors are transient:
// the scheduler retries the same task with backoff. Content-level
// rejections never surface as errors.
func (e *TaskExecutor) Execute(ctx context.Context, plan store.TrainingPlan, task store.TrainingTask) (TaskOutcome, error) {
	items, err := e.fetchPage(ctx, plan, task)
	if err != nil {
		return TaskOutcome{}, err
	}

	outcome := TaskOutcome{RawCount: len(items)}
	for _, item := range items {
		rejected, err := e.ledger.IsRejected(ctx, plan.AgentID, item.URL)
		if err != nil {
			return TaskOutcome{}, fmt.Errorf("ledger lookup: %w", err)
		}
		if rejected {
			e.logger.Printf("skip previously rejected url=%s topic=%s", item.URL, task.Topic)
			continue
		}

		text, title := e.extract(ctx, item)
		if len(text) < e.minChunkSize {
			outcome.ItemsDropped++
			e.reject(ctx, plan.AgentID, item.URL, store.ReasonInsufficientContent, task.Topic)
			continue
		}

		verdict, err := e.scorer.Score(ctx, task.Topic, title, text)
		if err != nil {
			return TaskOutcome{}, fmt.Errorf("vet url=%s: %w", item.URL, err)
		}
		if !verdict.Accepted {
			outcome.ItemsDropped++
			e.reject(ctx, plan.AgentID, item.URL, verdict.Reason, task.Topic)
			continue
		}

		res, err := e.ingestor.Ingest(ctx, plan.AgentID, ingest.Item{
			Content:     text,
			SourceType:  item.SourceType,
			SourceURL:   item.URL,
			SourceTitle: title,
			Topic:       task.Topic,
			Tags:        verdict.Assessment.Entities,
			Confidence:  verdict.Assessment.Confidence(),
			PlanID:      plan.ID,
			TaskID:      task.ID,
		}, "trainer")
		if err != nil {
			return TaskOutcome{}, fmt.Errorf("ingest url=%s: %w", item.URL, err)
		}
		if res.Accepted {
			outcome.ItemsFed++
		} else {
			outcome.ItemsDropped++
		}
	}

	e.metrics.AddItems("fed", outcome.ItemsFed)
	e.metrics.AddItems("dropped", outcome.ItemsDropped)
	return outcome, nil
}

// fetchPage lists candidates from every configured source for the topic,
// waiting on each source's shared token bucket first.
func (e *TaskExecutor) fetchPage(ctx context.Context, plan store.TrainingPlan, task store.TrainingTask) ([]discovery.Item, error) {
	var items []discovery.Item
	for _, sourceType := range plan.SourceTypes {
		source, ok := e.sources[sourceType]
		if !ok {
			return nil, fmt.Errorf("source %q not configured", sourceType)
		}
		if e.limiters != nil {
			if err := e.limiters.Wait(ctx, sourceType); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}
		page, err := source.FetchPage(ctx, task.Topic, task.Page, e.itemsPerPage)
		if err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", sourceType, task.Page, err)
		}
		items = append(items, page...)
	}
	return items, nil
}

// extract pulls cleaned text for an item, falling back to the discovery
// snippet as a stub when structured extraction fails or comes back thin.
func (e *TaskExecutor) extract(ctx context.Context, item discovery.Item) (text, title string) {
	title = item.Title
	page, err := e.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		e.logger.Printf("extract failed url=%s, falling back to snippet: %v", item.URL, err)
		return item.Snippet, title
	}
	if page.Title != "" {
		title = page.Title
	}
	if len(page.Text) < e.minChunkSize && len(item.Snippet) > len(page.Text) {
		return item.Snippet, title
	}
	return page.Text, title
}

func (e *TaskExecutor) reject(ctx context.Context, scopeID, url, reason, topic string) {
	e.metrics.IncRejection(reason)
	e.logger.Printf("reject url=%s topic=%s reason=%s", url, topic, reason)
	if err := e.ledger.RecordRejection(ctx, scopeID, url, reason); err != nil {
		e.logger.Printf("record rejection url=%s: %v", url, err)
	}
}
