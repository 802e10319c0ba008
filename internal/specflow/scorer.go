package specflow

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/paiworks/ivy/internal/debug"
)

// Scorer rates a phase artifact against a rubric, returning 0..1.
type Scorer interface {
	Score(ctx context.Context, rubric, content string) (float64, error)
}

// NewScorer returns the LLM scorer when an API key is configured and the
// deterministic heuristic otherwise, so quality gates work offline.
func NewScorer(model string) Scorer {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		debug.Logf("no API key; quality gates use the heuristic scorer")
		return HeuristicScorer{}
	}
	return &LLMScorer{client: anthropic.NewClient(), model: anthropic.Model(model)}
}

// LLMScorer asks a model for a single numeric rating.
type LLMScorer struct {
	client anthropic.Client
	model  anthropic.Model
}

// Score prompts the model and parses the first float in the reply. On
// any API failure it falls back to the heuristic rather than blocking
// the pipeline on an outage.
func (s *LLMScorer) Score(ctx context.Context, rubric, content string) (float64, error) {
	prompt := fmt.Sprintf(`Rate the following document against this rubric.
Respond with ONLY a number between 0.0 and 1.0.

Rubric: %s

Document:
%s`, rubric, content)

	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		debug.Logf("scorer API call failed, using heuristic: %v", err)
		return HeuristicScorer{}.Score(ctx, rubric, content)
	}
	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			if score, ok := parseScore(text); ok {
				return score, nil
			}
		}
	}
	debug.Logf("scorer returned no parsable number, using heuristic")
	return HeuristicScorer{}.Score(ctx, rubric, content)
}

func parseScore(text string) (float64, bool) {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, ".,;:")
		if v, err := strconv.ParseFloat(field, 64); err == nil && v >= 0 && v <= 1 {
			return v, true
		}
	}
	return 0, false
}

// HeuristicScorer is a deterministic structural check: substance, section
// structure and concrete detail each contribute to the score.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(ctx context.Context, rubric, content string) (float64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, nil
	}
	score := 0.2 // non-empty

	lines := strings.Split(content, "\n")
	var headings, listItems, codeFences int
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#"):
			headings++
		case strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*"):
			listItems++
		case strings.HasPrefix(trimmed, "```"):
			codeFences++
		}
	}
	if len(content) >= 500 {
		score += 0.2
	}
	if headings >= 2 {
		score += 0.2
	}
	if listItems >= 3 {
		score += 0.2
	}
	if codeFences >= 2 || len(content) >= 2000 {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}
