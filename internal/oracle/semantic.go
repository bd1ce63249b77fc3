// internal/oracle/semantic.go
package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/llmutil"
)

// Decompose returns the model's raw plan for a task. Parsing is left to the
// caller, which tolerates malformed output.
func (g *Gemini) Decompose(ctx context.Context, task string, taskContext map[string]string) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("%w: empty task", schemas.ErrValidation)
	}
	return g.generate(ctx, g.cfg.Model, decomposeSystem,
		[]*genai.Part{genai.NewPartFromText(decomposePrompt(task, taskContext))}, true)
}

// AnalyzeReference names what a pronoun refers to given recent tasks.
func (g *Gemini) AnalyzeReference(ctx context.Context, pronoun string, history []string) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("%w: no history to resolve %q against", schemas.ErrValidation, pronoun)
	}
	out, err := g.generate(ctx, g.cfg.Model, referenceSystem,
		[]*genai.Part{genai.NewPartFromText(referencePrompt(pronoun, history))}, false)
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(llmutil.CleanTextOutput(out))
	answer = strings.TrimRight(answer, ".")
	if answer == "" || strings.EqualFold(answer, "unknown") {
		return "", fmt.Errorf("%w: referent of %q is unknown", schemas.ErrMalformedResponse, pronoun)
	}
	return answer, nil
}

type rankingDoc struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// RankCandidates scores candidates against a description. Ids the model
// invents are dropped and scores are clamped to [0,1].
func (g *Gemini) RankCandidates(ctx context.Context, description string, candidates []schemas.Candidate) ([]schemas.Ranking, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	prompt, err := rankPrompt(description, candidates)
	if err != nil {
		return nil, err
	}
	out, err := g.generate(ctx, g.cfg.Model, rankSystem, []*genai.Part{genai.NewPartFromText(prompt)}, true)
	if err != nil {
		return nil, err
	}
	rankings, err := parseRankings(out, candidates)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("Candidates ranked.", zap.String("description", description), zap.Int("rankings", len(rankings)))
	return rankings, nil
}

func parseRankings(raw string, candidates []schemas.Candidate) ([]schemas.Ranking, error) {
	docs, err := llmutil.ParseJSONResponse[[]rankingDoc](raw)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}
	best := make(map[string]schemas.Ranking)
	for _, d := range *docs {
		if !known[d.ID] {
			continue
		}
		score := d.Score
		if score > 1 && score <= 100 {
			score /= 100
		}
		r := schemas.Ranking{CandidateID: d.ID, Score: clamp(score), Reason: d.Reason}
		if prev, ok := best[d.ID]; !ok || r.Score > prev.Score {
			best[d.ID] = r
		}
	}
	out := make([]schemas.Ranking, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
