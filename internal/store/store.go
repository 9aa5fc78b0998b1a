package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Store wraps the Postgres connection used by the trainer, the ingestion
// service and the HTTP layer.
type Store struct {
	DB *sql.DB
}

// Plan statuses.
const (
	PlanStatusPending   = "pending"
	PlanStatusRunning   = "running"
	PlanStatusPaused    = "paused"
	PlanStatusCompleted = "completed"
	PlanStatusFailed    = "failed"
	PlanStatusCanceled  = "canceled"
)

// Task statuses.
const (
	TaskStatusQueued  = "queued"
	TaskStatusRunning = "running"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
	TaskStatusSkipped = "skipped"
)

// Rejection and drop reasons persisted in the ledger and feed events.
const (
	ReasonLowRelevance        = "low_relevance"
	ReasonInsufficientContent = "insufficient_content"
	ReasonPolicyRejection     = "policy_rejection"
	ReasonDuplicate           = "duplicate"
)

// DefaultEmbeddingDimensions indicates the expected length of semantic vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// PlanTotals is the per-plan counter snapshot. Only the scheduler's
// completion path writes it; everyone else reads.
type PlanTotals struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Dropped int `json:"dropped"`
	Fed     int `json:"fed"`
}

// TrainingPlan is a persisted knowledge-training plan for one agent.
type TrainingPlan struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Topics        []string       `json:"topics"`
	SourceTypes   []string       `json:"source_types"`
	PerTopicMax   int            `json:"per_topic_max"`
	RefreshCron   string         `json:"refresh_cron,omitempty"`
	RefreshedFrom string         `json:"refreshed_from,omitempty"`
	Status        string         `json:"status"`
	TopicPages    map[string]int `json:"topic_pages"`
	Totals        PlanTotals     `json:"totals"`
	LastError     *string        `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// TrainingTask is one (plan, topic, page) unit of discovery work.
type TrainingTask struct {
	ID           string    `json:"id"`
	PlanID       string    `json:"plan_id"`
	AgentID      string    `json:"agent_id"`
	Topic        string    `json:"topic"`
	Page         int       `json:"page"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	ItemsFed     int       `json:"items_fed"`
	ItemsDropped int       `json:"items_dropped"`
	LastError    *string   `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MemoryRecord is one embedded knowledge chunk fed to an agent.
type MemoryRecord struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Topic       string    `json:"topic"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	ChunkIndex  int       `json:"chunk_index"`
	SourceType  string    `json:"source_type"`
	SourceURL   string    `json:"source_url"`
	SourceTitle string    `json:"source_title"`
	Tags        []string  `json:"tags,omitempty"`
	Confidence  float64   `json:"confidence"`
	FedBy       string    `json:"fed_by"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// FeedEventRecord is the audit row written for every vetted item, accepted
// or not.
type FeedEventRecord struct {
	ID            int64     `json:"id"`
	AgentID       string    `json:"agent_id"`
	PlanID        string    `json:"plan_id"`
	TaskID        string    `json:"task_id"`
	Topic         string    `json:"topic"`
	SourceURL     string    `json:"source_url"`
	SourceTitle   string    `json:"source_title"`
	Accepted      bool      `json:"accepted"`
	Reason        string    `json:"reason,omitempty"`
	ChunksTotal   int       `json:"chunks_total"`
	ChunksFed     int       `json:"chunks_fed"`
	ChunksDropped int       `json:"chunks_dropped"`
	CreatedAt     time.Time `json:"created_at"`
}

// RejectionRecord is a durable (scope, url) rejection ledger entry.
type RejectionRecord struct {
	ScopeID        string    `json:"scope_id"`
	URL            string    `json:"url"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	LastRejectedAt time.Time `json:"last_rejected_at"`
}

// New constructs the Store from POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := getenvDefault("POSTGRES_USER", "mentor")
		pass := getenvDefault("POSTGRES_PASSWORD", "mentor")
		db := getenvDefault("POSTGRES_DB", "mentor")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, db)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ---------------------------------------------------------------- users

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1,$2,$3)`,
		uuid.NewString(), email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email)
	err = row.Scan(&id, &hash)
	return
}

// ---------------------------------------------------------------- plans

// CreatePlan persists a new plan. The caller is expected to have validated
// topics and options; cursors start at page 1 and totals at zero.
func (s *Store) CreatePlan(ctx context.Context, plan TrainingPlan) (TrainingPlan, error) {
	if plan.AgentID == "" {
		return TrainingPlan{}, fmt.Errorf("agent_id required")
	}
	if len(plan.Topics) == 0 {
		return TrainingPlan{}, fmt.Errorf("topics required")
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Status == "" {
		plan.Status = PlanStatusPending
	}
	if plan.TopicPages == nil {
		plan.TopicPages = make(map[string]int, len(plan.Topics))
		for _, t := range plan.Topics {
			plan.TopicPages[t] = 1
		}
	}
	topicsJSON, err := json.Marshal(plan.Topics)
	if err != nil {
		return TrainingPlan{}, fmt.Errorf("marshal topics: %w", err)
	}
	sourcesJSON, err := json.Marshal(plan.SourceTypes)
	if err != nil {
		return TrainingPlan{}, fmt.Errorf("marshal source types: %w", err)
	}
	pagesJSON, err := json.Marshal(plan.TopicPages)
	if err != nil {
		return TrainingPlan{}, fmt.Errorf("marshal topic pages: %w", err)
	}
	totalsJSON, err := json.Marshal(plan.Totals)
	if err != nil {
		return TrainingPlan{}, fmt.Errorf("marshal totals: %w", err)
	}
	var refreshedFrom interface{}
	if plan.RefreshedFrom != "" {
		refreshedFrom = plan.RefreshedFrom
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO training_plans
  (id, agent_id, topics, source_types, per_topic_max, refresh_cron, refreshed_from, status, topic_pages, totals, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
`, plan.ID, plan.AgentID, topicsJSON, sourcesJSON, plan.PerTopicMax, plan.RefreshCron, refreshedFrom, plan.Status, pagesJSON, totalsJSON)
	if err != nil {
		return TrainingPlan{}, err
	}
	return plan, nil
}

const planColumns = `id, agent_id, topics, source_types, per_topic_max, refresh_cron,
  COALESCE(refreshed_from::text, ''), status, topic_pages, totals, last_error,
  created_at, updated_at, completed_at`

func scanPlan(row interface{ Scan(...interface{}) error }) (TrainingPlan, error) {
	var (
		p           TrainingPlan
		topicsJSON  []byte
		sourcesJSON []byte
		pagesJSON   []byte
		totalsJSON  []byte
	)
	err := row.Scan(&p.ID, &p.AgentID, &topicsJSON, &sourcesJSON, &p.PerTopicMax,
		&p.RefreshCron, &p.RefreshedFrom, &p.Status, &pagesJSON, &totalsJSON,
		&p.LastError, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if err != nil {
		return TrainingPlan{}, err
	}
	if err := json.Unmarshal(topicsJSON, &p.Topics); err != nil {
		return TrainingPlan{}, fmt.Errorf("decode topics: %w", err)
	}
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &p.SourceTypes); err != nil {
			return TrainingPlan{}, fmt.Errorf("decode source types: %w", err)
		}
	}
	if len(pagesJSON) > 0 {
		if err := json.Unmarshal(pagesJSON, &p.TopicPages); err != nil {
			return TrainingPlan{}, fmt.Errorf("decode topic pages: %w", err)
		}
	}
	if len(totalsJSON) > 0 {
		if err := json.Unmarshal(totalsJSON, &p.Totals); err != nil {
			return TrainingPlan{}, fmt.Errorf("decode totals: %w", err)
		}
	}
	return p, nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (TrainingPlan, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+planColumns+`
FROM training_plans WHERE id = $1
`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return TrainingPlan{}, false, nil
	}
	if err != nil {
		return TrainingPlan{}, false, err
	}
	return p, true, nil
}

func (s *Store) ListPlans(ctx context.Context, agentID string, limit int) ([]TrainingPlan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+planColumns+`
FROM training_plans
WHERE ($1 = '' OR agent_id = $1)
ORDER BY created_at DESC
LIMIT $2
`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainingPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPlansByStatus returns plans in any of the given statuses, oldest first,
// so a restarted scheduler can resume them in creation order.
func (s *Store) ListPlansByStatus(ctx context.Context, statuses ...string) ([]TrainingPlan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = st
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+planColumns+`
FROM training_plans
WHERE status IN (`+strings.Join(placeholders, ",")+`)
ORDER BY created_at ASC
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainingPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetPlanStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE training_plans SET status = $2, updated_at = NOW() WHERE id = $1
`, id, status)
	return err
}

// SavePlanProgress persists the scheduler's cursor and totals snapshot.
// Single-writer: only the scheduler's completion path calls it.
func (s *Store) SavePlanProgress(ctx context.Context, id string, topicPages map[string]int, totals PlanTotals) error {
	pagesJSON, err := json.Marshal(topicPages)
	if err != nil {
		return fmt.Errorf("marshal topic pages: %w", err)
	}
	totalsJSON, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE training_plans SET topic_pages = $2, totals = $3, updated_at = NOW() WHERE id = $1
`, id, pagesJSON, totalsJSON)
	return err
}

func (s *Store) FinishPlan(ctx context.Context, id, status string, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE training_plans
SET status = $2, last_error = $3, completed_at = NOW(), updated_at = NOW()
WHERE id = $1
`, id, status, errMsg)
	return err
}

// ListRefreshablePlans returns completed plans carrying a refresh cron that
// have not spawned a successor yet.
func (s *Store) ListRefreshablePlans(ctx context.Context) ([]TrainingPlan, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+planColumns+`
FROM training_plans p
WHERE p.status = 'completed'
  AND p.refresh_cron <> ''
  AND NOT EXISTS (SELECT 1 FROM training_plans c WHERE c.refreshed_from = p.id)
ORDER BY p.completed_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainingPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------- tasks

func (s *Store) CreateTask(ctx context.Context, t TrainingTask) (TrainingTask, error) {
	if t.PlanID == "" {
		return TrainingTask{}, fmt.Errorf("plan_id required")
	}
	if t.Topic == "" {
		return TrainingTask{}, fmt.Errorf("topic required")
	}
	if t.Page < 1 {
		return TrainingTask{}, fmt.Errorf("page must be >= 1")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskStatusQueued
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO training_tasks (id, plan_id, agent_id, topic, page, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
`, t.ID, t.PlanID, t.AgentID, t.Topic, t.Page, t.Status)
	if err != nil {
		return TrainingTask{}, err
	}
	return t, nil
}

// MarkTaskRunning transitions a task to running and counts the attempt.
func (s *Store) MarkTaskRunning(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE training_tasks
SET status = 'running', attempts = attempts + 1, updated_at = NOW()
WHERE id = $1
`, id)
	return err
}

func (s *Store) FinishTask(ctx context.Context, id, status string, itemsFed, itemsDropped int, lastErr *string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE training_tasks
SET status = $2, items_fed = $3, items_dropped = $4, last_error = $5, updated_at = NOW()
WHERE id = $1
`, id, status, itemsFed, itemsDropped, lastErr)
	return err
}

func (s *Store) ListTasks(ctx context.Context, planID, topic, status string, limit int) ([]TrainingTask, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, plan_id, agent_id, topic, page, status, attempts, items_fed, items_dropped, last_error, created_at, updated_at
FROM training_tasks
WHERE ($1 = '' OR plan_id = $1::uuid)
  AND ($2 = '' OR topic = $2)
  AND ($3 = '' OR status = $3)
ORDER BY created_at ASC
LIMIT $4
`, planID, topic, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainingTask
	for rows.Next() {
		var t TrainingTask
		if err := rows.Scan(&t.ID, &t.PlanID, &t.AgentID, &t.Topic, &t.Page, &t.Status,
			&t.Attempts, &t.ItemsFed, &t.ItemsDropped, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskFedByTopic sums items fed per topic for a plan. The scheduler uses it
// to rebuild exhaustion state when resuming a paused or interrupted plan.
func (s *Store) TaskFedByTopic(ctx context.Context, planID string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT topic, COALESCE(SUM(items_fed), 0)
FROM training_tasks
WHERE plan_id = $1
GROUP BY topic
`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var topic string
		var fed int
		if err := rows.Scan(&topic, &fed); err != nil {
			return nil, err
		}
		out[topic] = fed
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------- memories

// InsertMemoryIfNovel inserts the memory unless an existing memory for the
// same agent is closer than the similarity ceiling. The check and the insert
// run in one transaction under a per-agent advisory lock so two workers
// ingesting near-identical chunks cannot both pass the check.
func (s *Store) InsertMemoryIfNovel(ctx context.Context, rec MemoryRecord, maxSimilarity float64) (bool, error) {
	if rec.AgentID == "" {
		return false, fmt.Errorf("agent_id required")
	}
	if len(rec.Embedding) == 0 {
		return false, fmt.Errorf("embedding vector required")
	}
	vecLiteral, err := encodeVectorLiteral(rec.Embedding)
	if err != nil {
		return false, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	maxDistance := math.Max(0, 1-maxSimilarity)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.AgentID); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
SELECT 1
FROM agent_memories
WHERE agent_id = $2
  AND embedding <=> $1::vector <= $3
LIMIT 1
`, vecLiteral, rec.AgentID, maxDistance)
	var exists int
	switch err := row.Scan(&exists); err {
	case nil:
		return false, tx.Commit()
	case sql.ErrNoRows:
	default:
		return false, err
	}

	var taskID interface{}
	if rec.TaskID != "" {
		taskID = rec.TaskID
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_memories
  (id, agent_id, task_id, topic, content, content_hash, chunk_index, source_type, source_url, source_title, tags, confidence, fed_by, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::vector,NOW())
`, rec.ID, rec.AgentID, taskID, rec.Topic, rec.Content, rec.ContentHash, rec.ChunkIndex,
		rec.SourceType, rec.SourceURL, rec.SourceTitle, tagsJSON, rec.Confidence, rec.FedBy, vecLiteral); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) ListMemories(ctx context.Context, agentID string, limit, offset int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, agent_id, COALESCE(task_id::text, ''), topic, content, content_hash, chunk_index,
  source_type, source_url, source_title, tags, confidence, fed_by, created_at
FROM agent_memories
WHERE ($1 = '' OR agent_id = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemoryRecord
	for rows.Next() {
		var m MemoryRecord
		var tagsJSON []byte
		if err := rows.Scan(&m.ID, &m.AgentID, &m.TaskID, &m.Topic, &m.Content, &m.ContentHash,
			&m.ChunkIndex, &m.SourceType, &m.SourceURL, &m.SourceTitle, &tagsJSON,
			&m.Confidence, &m.FedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &m.Tags); err != nil {
				return nil, fmt.Errorf("decode tags: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CountMemories(ctx context.Context, agentID string) (int, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_memories WHERE ($1 = '' OR agent_id = $1)`, agentID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ---------------------------------------------------------------- feed events

func (s *Store) InsertFeedEvent(ctx context.Context, rec FeedEventRecord) (FeedEventRecord, error) {
	if rec.AgentID == "" {
		return FeedEventRecord{}, fmt.Errorf("agent_id required")
	}
	var planID, taskID interface{}
	if rec.PlanID != "" {
		planID = rec.PlanID
	}
	if rec.TaskID != "" {
		taskID = rec.TaskID
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO agent_feed_events
  (agent_id, plan_id, task_id, topic, source_url, source_title, accepted, reason, chunks_total, chunks_fed, chunks_dropped, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
RETURNING id, created_at
`, rec.AgentID, planID, taskID, rec.Topic, rec.SourceURL, rec.SourceTitle,
		rec.Accepted, rec.Reason, rec.ChunksTotal, rec.ChunksFed, rec.ChunksDropped)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return FeedEventRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListFeedEvents(ctx context.Context, agentID, taskID string, limit int) ([]FeedEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, agent_id, COALESCE(plan_id::text, ''), COALESCE(task_id::text, ''), topic,
  source_url, source_title, accepted, reason, chunks_total, chunks_fed, chunks_dropped, created_at
FROM agent_feed_events
WHERE ($1 = '' OR agent_id = $1)
  AND ($2 = '' OR task_id = $2::uuid)
ORDER BY id DESC
LIMIT $3
`, agentID, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeedEventRecord
	for rows.Next() {
		var e FeedEventRecord
		if err := rows.Scan(&e.ID, &e.AgentID, &e.PlanID, &e.TaskID, &e.Topic,
			&e.SourceURL, &e.SourceTitle, &e.Accepted, &e.Reason,
			&e.ChunksTotal, &e.ChunksFed, &e.ChunksDropped, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------- rejections

// RecordRejection upserts a ledger entry; re-rejections bump the attempt
// counter. Writes are append-only per (scope, url) and safe to issue
// concurrently from many workers.
func (s *Store) RecordRejection(ctx context.Context, scopeID, url, reason string) error {
	if scopeID == "" || url == "" {
		return fmt.Errorf("scope_id and url required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO rejections (scope_id, url, reason, attempts, last_rejected_at)
VALUES ($1,$2,$3,1,NOW())
ON CONFLICT (scope_id, url) DO UPDATE SET
  reason = EXCLUDED.reason,
  attempts = rejections.attempts + 1,
  last_rejected_at = NOW();
`, scopeID, url, reason)
	return err
}

func (s *Store) IsRejected(ctx context.Context, scopeID, url string) (bool, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM rejections WHERE scope_id = $1 AND url = $2`, scopeID, url)
	var exists int
	switch err := row.Scan(&exists); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) ListRejections(ctx context.Context, scopeID string, limit int) ([]RejectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT scope_id, url, reason, attempts, last_rejected_at
FROM rejections
WHERE scope_id = $1
ORDER BY last_rejected_at DESC
LIMIT $2
`, scopeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RejectionRecord
	for rows.Next() {
		var r RejectionRecord
		if err := rows.Scan(&r.ScopeID, &r.URL, &r.Reason, &r.Attempts, &r.LastRejectedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------- helpers

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
