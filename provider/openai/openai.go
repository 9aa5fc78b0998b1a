package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/mentor/config"
	"github.com/mohammad-safakhou/mentor/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// client talks to an OpenAI-compatible API.
type client struct {
	apiKey          string
	baseURL         string
	completionModel string
	embeddingModel  string
	temperature     float64
	maxTokens       int
	maxRetries      int
	httpClient      *http.Client
}

// New creates an OpenAI-compatible client from the LLM config section.
func New(cfg config.LLMConfig) provider.LLM {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &client{
		apiKey:          cfg.APIKey,
		baseURL:         base,
		completionModel: cfg.CompletionModel,
		embeddingModel:  cfg.EmbeddingModel,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
		maxRetries:      retries,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const assessSystemPrompt = `You judge whether a piece of web content is worth feeding into an AI agent's long-term knowledge about a topic.

Score relevance_score in [0,1]: 1 means the content is squarely about the topic and information-dense, 0 means unrelated.
Score quality_score in [0,1]: 1 means well-sourced factual prose, 0 means boilerplate or spam.

Respond ONLY with valid JSON:
{"relevance_score": 0.0, "quality_score": 0.0, "recommendation": "approve|reject|revise", "key_facts": ["..."], "entities": ["..."]}`

// Assess asks the completion model to score one extracted item against the
// training topic.
func (c *client) Assess(ctx context.Context, topic, title, content string) (provider.Assessment, error) {
	user := fmt.Sprintf("Topic: %s\nTitle: %s\n\nContent:\n%s", topic, title, content)
	body := chatRequest{
		Model: c.completionModel,
		Messages: []message{
			{Role: "system", Content: assessSystemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	raw, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return provider.Assessment{}, err
	}
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return provider.Assessment{}, fmt.Errorf("parse completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.Assessment{}, fmt.Errorf("completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	var out provider.Assessment
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return provider.Assessment{}, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	if err := out.Validate(); err != nil {
		return provider.Assessment{}, err
	}
	return out, nil
}

// CreateEmbedding generates embeddings for the given texts.
func (c *client) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	}
	raw, err := c.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count %d does not match input %d", len(resp.Data), len(texts))
	}
	vecs := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// post issues one API call with a small bounded retry on transient failures.
// This inner retry is independent of task-level retries upstream.
func (c *client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		raw, err := c.doOnce(ctx, path, jsonData)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *client) doOnce(ctx context.Context, path string, jsonData []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", provider.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest && isPolicyRejection(raw):
		return nil, fmt.Errorf("%w: status %d", provider.ErrContentPolicy, resp.StatusCode)
	default:
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
}

func isPolicyRejection(raw []byte) bool {
	var resp struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false
	}
	code := resp.Error.Code + " " + resp.Error.Type
	return strings.Contains(code, "content_policy") || strings.Contains(code, "content_filter")
}

func isRetryable(err error) bool {
	return errors.Is(err, provider.ErrUnavailable)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
