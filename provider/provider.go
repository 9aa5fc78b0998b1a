package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks transient provider failures (timeouts, 429, 5xx).
// Callers may retry.
var ErrUnavailable = errors.New("provider unavailable")

// ErrContentPolicy marks inputs the provider refuses to process. Retrying
// the same input will not help.
var ErrContentPolicy = errors.New("content rejected by provider policy")

// ErrMalformedResponse marks capability responses that fail validation at
// the boundary (missing fields, scores out of range).
var ErrMalformedResponse = errors.New("malformed capability response")

// Recommendation values a well-formed assessment may carry.
const (
	RecommendApprove = "approve"
	RecommendReject  = "reject"
	RecommendRevise  = "revise"
)

// Assessment is the provider's judgement of one extracted item against a
// training topic.
type Assessment struct {
	RelevanceScore float64  `json:"relevance_score"`
	QualityScore   float64  `json:"quality_score"`
	Recommendation string   `json:"recommendation"`
	KeyFacts       []string `json:"key_facts"`
	Entities       []string `json:"entities"`
}

// Validate rejects malformed assessments at the capability boundary.
func (a Assessment) Validate() error {
	if a.RelevanceScore < 0 || a.RelevanceScore > 1 {
		return fmt.Errorf("%w: relevance_score %v out of [0,1]", ErrMalformedResponse, a.RelevanceScore)
	}
	if a.QualityScore < 0 || a.QualityScore > 1 {
		return fmt.Errorf("%w: quality_score %v out of [0,1]", ErrMalformedResponse, a.QualityScore)
	}
	switch a.Recommendation {
	case "", RecommendApprove, RecommendReject, RecommendRevise:
	default:
		return fmt.Errorf("%w: unknown recommendation %q", ErrMalformedResponse, a.Recommendation)
	}
	return nil
}

// Confidence derives the stored memory confidence from the two scores.
func (a Assessment) Confidence() float64 {
	return (a.RelevanceScore + a.QualityScore) / 2
}

// LLM is the opaque capability boundary for vetting and embeddings.
type LLM interface {
	Assess(ctx context.Context, topic, title, content string) (Assessment, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}
