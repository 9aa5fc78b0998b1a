package vetting

import (
	"context"
	"errors"
	"log"

	"github.com/mohammad-safakhou/mentor/config"
	"github.com/mohammad-safakhou/mentor/internal/store"
	"github.com/mohammad-safakhou/mentor/provider"
)

// Verdict is the outcome of scoring one extracted item.
type Verdict struct {
	Accepted   bool
	Reason     string
	Assessment provider.Assessment
}

// Scorer vets extracted content against the training topic using the
// enrichment capability.
type Scorer struct {
	llm    provider.LLM
	cfg    config.VettingConfig
	logger *log.Logger
}

func NewScorer(llm provider.LLM, cfg config.VettingConfig, logger *log.Logger) *Scorer {
	if logger == nil {
		logger = log.New(log.Writer(), "[VET] ", log.LstdFlags)
	}
	return &Scorer{llm: llm, cfg: cfg.Normalize(), logger: logger}
}

// Score returns a Verdict, or an error when the capability is unavailable
// or responds malformed. Policy rejections are verdicts, not errors: the
// same input will never pass, so the caller must not retry it.
func (s *Scorer) Score(ctx context.Context, topic, title, content string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	assessment, err := s.llm.Assess(ctx, topic, title, content)
	if errors.Is(err, provider.ErrContentPolicy) {
		s.logger.Printf("policy rejection topic=%s title=%q", topic, title)
		return Verdict{Accepted: false, Reason: store.ReasonPolicyRejection}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if assessment.RelevanceScore < s.cfg.MinRelevanceScore {
		return Verdict{Accepted: false, Reason: store.ReasonLowRelevance, Assessment: assessment}, nil
	}
	return Verdict{Accepted: true, Assessment: assessment}, nil
}
