package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/socraticlabs/bench/pipeline/model"
	"github.com/socraticlabs/bench/pipeline/rubric"
	"github.com/socraticlabs/bench/pipeline/storage"
)

type (
	// Scores is the output of one scoring pass over a turn.
	Scores struct {
		Rubric       map[string]float64
		Booleans     map[string]bool
		Features     Features
		JudgeModelID string
		LatencyMS    int64
	}

	// Scorer evaluates one turn against a rubric. Scorers may read prior
	// turns for context-sensitive dimensions but never prior judgments:
	// trajectory metrics belong to the Curator.
	Scorer interface {
		Score(ctx context.Context, rub rubric.Rubric, turn storage.TurnRecord, prior []storage.TurnRecord) (Scores, error)
	}

	// HeuristicScorer derives all scores from text features. Deterministic.
	HeuristicScorer struct{}

	// LLMScorer asks a judge model for the continuous dimensions and demands
	// a strictly structured JSON response; boolean and count dimensions stay
	// heuristic. A response that does not parse into the declared dimensions
	// surfaces model.ErrMalformedOutput so the Judge persists an errored
	// judgment instead of retrying forever.
	LLMScorer struct {
		invoker model.Invoker
		modelID string
	}
)

// NewLLMScorer constructs an LLM-assisted scorer.
func NewLLMScorer(invoker model.Invoker, judgeModelID string) (*LLMScorer, error) {
	if invoker == nil {
		return nil, fmt.Errorf("model invoker is required")
	}
	if judgeModelID == "" {
		return nil, fmt.Errorf("judge model id is required")
	}
	return &LLMScorer{invoker: invoker, modelID: judgeModelID}, nil
}

// Score derives every declared dimension from the turn's text features.
func (HeuristicScorer) Score(_ context.Context, rub rubric.Rubric, turn storage.TurnRecord, _ []storage.TurnRecord) (Scores, error) {
	f := ExtractFeatures(turn.AIText)
	scores := make(map[string]float64, len(rub.Dimensions))
	for _, d := range rub.Dimensions {
		scores[d.Name] = d.Clamp(heuristicScore(d, f))
	}
	booleans := make(map[string]bool, len(rub.BooleanDimensions))
	for _, d := range rub.BooleanDimensions {
		booleans[d.Name] = heuristicBool(d, f)
	}
	return Scores{Rubric: scores, Booleans: booleans, Features: f}, nil
}

// heuristicScore maps a numeric dimension to its feature-derived value. The
// dimension registry is small and closed, so dispatch by name.
func heuristicScore(d rubric.Dimension, f Features) float64 {
	switch d.Name {
	case "questioning":
		// Any question scores; ending on one is fully Socratic.
		if f.QuestionCount == 0 {
			return 0
		}
		if f.EndsWithQuestion {
			return 1
		}
		return 0.6
	case "openness":
		if f.QuestionCount == 0 {
			return 0
		}
		return float64(f.OpenQuestionCount) / float64(f.QuestionCount)
	case "directiveness":
		// Scored inversely: 1.0 means no lecturing signals.
		return 1 - float64(f.DirectiveCount)/3
	case "brevity":
		if f.WordCount <= 40 {
			return 1
		}
		return 1 - float64(f.WordCount-40)/120
	case "engagement":
		if f.SecondPerson {
			return 1
		}
		return 0.3
	case "question_count":
		return float64(f.QuestionCount)
	default:
		return 0
	}
}

func heuristicBool(d rubric.Dimension, f Features) bool {
	switch d.Name {
	case "ends_with_question":
		return f.EndsWithQuestion
	case "well_formed":
		return f.WordCount > 0
	default:
		return false
	}
}

const judgePrompt = `You are grading one reply of a Socratic tutor.

Student said:
%s

Tutor replied:
%s

Score the reply on these dimensions, each a number in [%s]:
%s

Respond with ONLY a JSON object mapping dimension name to score, no prose.`

// Score asks the judge model for the continuous dimensions and fills the
// remaining dimensions heuristically.
func (s *LLMScorer) Score(ctx context.Context, rub rubric.Rubric, turn storage.TurnRecord, prior []storage.TurnRecord) (Scores, error) {
	base, err := HeuristicScorer{}.Score(ctx, rub, turn, prior)
	if err != nil {
		return Scores{}, err
	}

	var continuous []rubric.Dimension
	for _, d := range rub.Dimensions {
		if d.Type == rubric.ScoreContinuous {
			continuous = append(continuous, d)
		}
	}
	if len(continuous) == 0 {
		return base, nil
	}

	names := make([]string, len(continuous))
	for i, d := range continuous {
		names[i] = d.Name
	}
	req := &model.Request{
		ModelID: s.modelID,
		Messages: []model.Message{{
			Role: model.RoleStudent,
			Text: fmt.Sprintf(judgePrompt, turn.StudentText, turn.AIText, "0, 1", strings.Join(names, ", ")),
		}},
	}
	start := time.Now()
	resp, err := s.invoker.Invoke(ctx, req)
	if err != nil {
		return Scores{}, err
	}

	parsed, err := parseJudgeResponse(resp.Text, continuous)
	if err != nil {
		return Scores{}, fmt.Errorf("%w: %w", model.ErrMalformedOutput, err)
	}
	for name, v := range parsed {
		base.Rubric[name] = v
	}
	base.JudgeModelID = s.modelID
	base.LatencyMS = time.Since(start).Milliseconds()
	return base, nil
}

// parseJudgeResponse decodes the structured judge reply. The response must
// be a JSON object covering exactly the requested dimensions with in-range
// values; anything else is malformed. A leading/trailing code fence is
// tolerated because judge models add them routinely.
func parseJudgeResponse(text string, dims []rubric.Dimension) (map[string]float64, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var raw map[string]float64
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("judge response is not a JSON object of numbers: %w", err)
	}
	out := make(map[string]float64, len(dims))
	for _, d := range dims {
		v, ok := raw[d.Name]
		if !ok {
			return nil, fmt.Errorf("judge response missing dimension %q", d.Name)
		}
		if v < d.Low || v > d.High {
			return nil, fmt.Errorf("judge response dimension %q score %v outside [%v, %v]", d.Name, v, d.Low, d.High)
		}
		out[d.Name] = v
	}
	if len(raw) != len(dims) {
		return nil, fmt.Errorf("judge response has %d dimensions, want %d", len(raw), len(dims))
	}
	return out, nil
}
