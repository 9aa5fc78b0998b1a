package trainer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/mentor/internal/discovery"
	"github.com/mohammad-safakhou/mentor/internal/discovery/fetch"
	"github.com/mohammad-safakhou/mentor/internal/ingest"
	"github.com/mohammad-safakhou/mentor/internal/store"
	"github.com/mohammad-safakhou/mentor/internal/vetting"
	"github.com/mohammad-safakhou/mentor/provider"
)

const longBody = "The Roman Republic was the era of classical Roman civilization " +
	"beginning with the overthrow of the Roman Kingdom and ending with the " +
	"establishment of the Roman Empire. During this period Rome expanded from " +
	"a city state into the dominant power of the Mediterranean world."

type fakeSource struct {
	items map[int][]discovery.Item
	err   error
}

func (s *fakeSource) Type() string { return "wikipedia" }

func (s *fakeSource) FetchPage(ctx context.Context, topic string, page, perPage int) ([]discovery.Item, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.items[page], nil
}

type fakeFetcher struct {
	pages map[string]fetch.Page
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (fetch.Page, error) {
	if err := f.errs[rawURL]; err != nil {
		return fetch.Page{}, err
	}
	return f.pages[rawURL], nil
}

type fakeLedger struct {
	rejected map[string]string
}

func newFakeLedger() *fakeLedger { return &fakeLedger{rejected: map[string]string{}} }

func (l *fakeLedger) IsRejected(ctx context.Context, scopeID, url string) (bool, error) {
	_, ok := l.rejected[scopeID+"|"+url]
	return ok, nil
}

func (l *fakeLedger) RecordRejection(ctx context.Context, scopeID, url, reason string) error {
	l.rejected[scopeID+"|"+url] = reason
	return nil
}

type fakeScorer struct {
	verdicts map[string]vetting.Verdict
	err      error
}

func (s *fakeScorer) Score(ctx context.Context, topic, title, content string) (vetting.Verdict, error) {
	if s.err != nil {
		return vetting.Verdict{}, s.err
	}
	if v, ok := s.verdicts[title]; ok {
		return v, nil
	}
	return vetting.Verdict{Accepted: true, Assessment: provider.Assessment{RelevanceScore: 0.9, QualityScore: 0.8}}, nil
}

type fakeIngestor struct {
	fed       []ingest.Item
	duplicate map[string]bool
	err       error
}

func (f *fakeIngestor) Ingest(ctx context.Context, agentID string, item ingest.Item, fedBy string) (ingest.Result, error) {
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	if f.duplicate[item.SourceURL] {
		return ingest.Result{ChunkCount: 1, ChunksDropped: 1}, nil
	}
	f.fed = append(f.fed, item)
	return ingest.Result{ChunkCount: 1, ChunksFed: 1, Accepted: true}, nil
}

func testExecutor(src discovery.Source, fetcher fetch.Fetcher, ledger RejectionLedger, scorer Scorer, ing Ingestor) *TaskExecutor {
	return NewTaskExecutor(
		map[string]discovery.Source{"wikipedia": src},
		fetcher, ledger, scorer, ing,
		nil, nil, 10, 50, silent(),
	)
}

func testTask() (store.TrainingPlan, store.TrainingTask) {
	plan := store.TrainingPlan{ID: "plan-1", AgentID: "agent-1", SourceTypes: []string{"wikipedia"}}
	task := store.TrainingTask{ID: "task-1", PlanID: "plan-1", Topic: "rome", Page: 1}
	return plan, task
}

func TestExecuteFeedsAcceptedItems(t *testing.T) {
	src := &fakeSource{items: map[int][]discovery.Item{1: {
		{Title: "Roman Republic", URL: "https://example.org/republic", SourceType: "wikipedia"},
		{Title: "Punic Wars", URL: "https://example.org/punic", SourceType: "wikipedia"},
	}}}
	fetcher := &fakeFetcher{pages: map[string]fetch.Page{
		"https://example.org/republic": {Title: "Roman Republic", Text: longBody},
		"https://example.org/punic":    {Title: "Punic Wars", Text: longBody},
	}}
	ing := &fakeIngestor{}
	exec := testExecutor(src, fetcher, newFakeLedger(), &fakeScorer{}, ing)

	plan, task := testTask()
	out, err := exec.Execute(context.Background(), plan, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.RawCount != 2 || out.ItemsFed != 2 || out.ItemsDropped != 0 {
		t.Fatalf("outcome = %+v, want 2 raw 2 fed", out)
	}
	if len(ing.fed) != 2 || ing.fed[0].Topic != "rome" || ing.fed[0].PlanID != "plan-1" {
		t.Fatalf("ingested items = %+v", ing.fed)
	}
}

func TestExecuteSkipsPreviouslyRejected(t *testing.T) {
	src := &fakeSource{items: map[int][]discovery.Item{1: {
		{Title: "Old Junk", URL: "https://example.org/junk", SourceType: "wikipedia"},
	}}}
	ledger := newFakeLedger()
	_ = ledger.RecordRejection(context.Background(), "agent-1", "https://example.org/junk", store.ReasonLowRelevance)
	ing := &fakeIngestor{}
	exec := testExecutor(src, &fakeFetcher{}, ledger, &fakeScorer{}, ing)

	plan, task := testTask()
	out, err := exec.Execute(context.Background(), plan, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Skipped, not dropped: the item was never re-evaluated.
	if out.RawCount != 1 || out.ItemsFed != 0 || out.ItemsDropped != 0 {
		t.Fatalf("outcome = %+v, want skip without drop", out)
	}
	if len(ing.fed) != 0 {
		t.Fatal("rejected url must not reach ingestion")
	}
}

func TestExecuteDropsThinContent(t *testing.T) {
	src := &fakeSource{items: map[int][]discovery.Item{1: {
		{Title: "Stub", URL: "https://example.org/stub", Snippet: "too short", SourceType: "wikipedia"},
	}}}
	fetcher := &fakeFetcher{pages: map[string]fetch.Page{
		"https://example.org/stub": {Title: "Stub", Text: "tiny"},
	}}
	ledger := newFakeLedger()
	exec := testExecutor(src, fetcher, ledger, &fakeScorer{}, &fakeIngestor{})

	plan, task := testTask()
	out, err := exec.Execute(context.Background(), plan, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ItemsDropped != 1 {
		t.Fatalf("outcome = %+v, want 1 dropped", out)
	}
	if got := ledger.rejected["agent-1|https://example.org/stub"]; got != store.ReasonInsufficientContent {
		t.Fatalf("ledger reason = %q, want insufficient_content", got)
	}
}

func TestExecuteDropsOnVerdict(t *testing.T) {
	src := &fakeSource{items: map[int][]discovery.Item{1: {
		{Title: "Celebrity Gossip", URL: "https://example.org/gossip", SourceType: "wikipedia"},
	}}}
	fetcher := &fakeFetcher{pages: map[string]fetch.Page{
		"https://example.org/gossip": {Title: "Celebrity Gossip", Text: longBody},
	}}
	scorer := &fakeScorer{verdicts: map[string]vetting.Verdict{
		"Celebrity Gossip": {Accepted: false, Reason: store.ReasonLowRelevance},
	}}
	ledger := newFakeLedger()
	exec := testExecutor(src, fetcher, ledger, scorer, &fakeIngestor{})

	plan, task := testTask()
	out, err := exec.Execute(context.Background(), plan, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ItemsDropped != 1 || out.ItemsFed != 0 {
		t.Fatalf("outcome = %+v, want 1 dropped", out)
	}
	if got := ledger.rejected["agent-1|https://example.org/gossip"]; got != store.ReasonLowRelevance {
		t.Fatalf("ledger reason = %q, want low_relevance", got)
	}
}

func TestExecuteCountsDuplicateAsDropped(t *testing.T) {
	src := &fakeSource{items: map[int][]discovery.Item{1: {
		{Title: "Roman Republic", URL: "https://example.org/republic", SourceType: "wikipedia"},
	}}}
	fetcher := &fakeFetcher{pages: map[string]fetch.Page{
		"https://example.org/republic": {Title: "Roman Republic", Text: longBody},
	}}
	ing := &fakeIngestor{duplicate: map[string]bool{"https://example.org/republic": true}}
	exec := testExecutor(src, fetcher, newFakeLedger(), &fakeScorer{}, ing)

	plan, task := testTask()
	out, err := exec.Execute(context.Background(), plan, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ItemsFed != 0 || out.ItemsDropped != 1 {
		t.Fatalf("outcome = %+v, want duplicate counted as dropped", out)
	}
}

func TestExecuteFallsBackToSnippetOnFetchError(t *testing.T) {
	snippet := strings.Repeat("Rome fought Carthage across three Punic wars. ", 4)
	src := &fakeSource{items: map[int][]discovery.Item{1: {
		{Title: "Punic Wars", URL: "https://example.org/punic", Snippet: snippet, SourceType: "wikipedia"},
	}}}
	fetcher := &fakeFetcher{errs: map[string]error{
		"https://example.org/punic": errors.New("connection refused"),
	}}
	ing := &fakeIngestor{}
	exec := testExecutor(src, fetcher, newFakeLedger(), &fakeScorer{}, ing)

	plan, task := testTask()
	out, err := exec.Execute(context.Background(), plan, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ItemsFed != 1 {
		t.Fatalf("outcome = %+v, want snippet fallback fed", out)
	}
	if ing.fed[0].Content != snippet {
		t.Fatalf("ingested content = %q, want the discovery snippet", ing.fed[0].Content)
	}
}

func TestExecuteSourceErrorIsTransient(t *testing.T) {
	src := &fakeSource{err: errors.New("upstream 503")}
	exec := testExecutor(src, &fakeFetcher{}, newFakeLedger(), &fakeScorer{}, &fakeIngestor{})

	plan, task := testTask()
	if _, err := exec.Execute(context.Background(), plan, task); err == nil {
		t.Fatal("source outage must surface as a task error")
	}
}

func TestExecuteScorerOutageIsTransient(t *testing.T) {
	src := &fakeSource{items: map[int][]discovery.Item{1: {
		{Title: "Roman Republic", URL: "https://example.org/republic", SourceType: "wikipedia"},
	}}}
	fetcher := &fakeFetcher{pages: map[string]fetch.Page{
		"https://example.org/republic": {Title: "Roman Republic", Text: longBody},
	}}
	scorer := &fakeScorer{err: provider.ErrUnavailable}
	exec := testExecutor(src, fetcher, newFakeLedger(), scorer, &fakeIngestor{})

	plan, task := testTask()
	_, err := exec.Execute(context.Background(), plan, task)
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable to propagate", err)
	}
}

func TestExecuteUnknownSource(t *testing.T) {
	exec := testExecutor(&fakeSource{}, &fakeFetcher{}, newFakeLedger(), &fakeScorer{}, &fakeIngestor{})
	plan, task := testTask()
	plan.SourceTypes = []string{"usenet"}
	if _, err := exec.Execute(context.Background(), plan, task); err == nil {
		t.Fatal("unconfigured source must be an error")
	}
}

func TestExecuteEmptyPageIsExhausted(t *testing.T) {
	src := &fakeSource{items: map[int][]discovery.Item{}}
	exec := testExecutor(src, &fakeFetcher{}, newFakeLedger(), &fakeScorer{}, &fakeIngestor{})

	plan, task := testTask()
	out, err := exec.Execute(context.Background(), plan, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Exhausted() {
		t.Fatalf("outcome = %+v, want exhausted", out)
	}
}
