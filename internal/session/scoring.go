package session

import (
	"strings"
)

// QuestionScore is the objective verdict for one question.
type QuestionScore struct {
	Score        float64 `json:"score"`
	MaxScore     int     `json:"maxScore"`
	Answered     bool    `json:"answered"`
	IsCorrect    bool    `json:"isCorrect"`
	AutoGradable bool    `json:"autoGradable"`

	// Match diagnostics: per-pair correct count for display. The marks
	// award stays all-or-nothing at the question level.
	CorrectPairs int `json:"correctPairs,omitempty"`
	TotalPairs   int `json:"totalPairs,omitempty"`
}

// ScoreResult is the outcome of one objective scoring pass.
type ScoreResult struct {
	AutoScore         float64
	TotalAutoGradable int // informational: marks across auto-gradable questions
	PerQuestion       map[string]QuestionScore
}

// Score computes the objective score for a set of answers. It is pure:
// identical inputs yield identical output, and nothing is mutated.
// Unanswered questions score zero. A question earns either its full marks
// or nothing; partial credit is a manual-grading concern.
func Score(questions []Question, answers map[string]any) ScoreResult {
	res := ScoreResult{PerQuestion: make(map[string]QuestionScore, len(questions))}

	for i := range questions {
		q := &questions[i]
		qs := scoreQuestion(q, answers[q.ID])
		res.PerQuestion[q.ID] = qs
		res.AutoScore += qs.Score
		if qs.AutoGradable {
			res.TotalAutoGradable += q.Marks
		}
	}
	return res
}

func scoreQuestion(q *Question, answer any) QuestionScore {
	qs := QuestionScore{MaxScore: q.Marks, AutoGradable: q.Type != TypeLong}

	switch q.Type {
	case TypeMCQ:
		selected, ok := answerText(answer)
		if !ok {
			return qs
		}
		qs.Answered = true
		// Label-to-label comparison: independent of option ordering.
		if selected == correctText(q.CorrectAnswer) && selected != "" {
			qs.IsCorrect = true
			qs.Score = float64(q.Marks)
		}

	case TypeFill, TypeShort:
		selected, ok := answerText(answer)
		if !ok {
			return qs
		}
		qs.Answered = true
		want := normalizeFreeText(correctText(q.CorrectAnswer))
		if want != "" && normalizeFreeText(selected) == want {
			qs.IsCorrect = true
			qs.Score = float64(q.Marks)
		}

	case TypeMatch:
		submitted, ok := answerMapping(answer)
		if !ok || len(submitted) == 0 {
			return qs
		}
		qs.Answered = true
		key := correctMapping(q.CorrectAnswer)
		qs.TotalPairs = len(key)
		for left, right := range key {
			if submitted[left] == right {
				qs.CorrectPairs++
			}
		}
		// All pairs or nothing for the marks award.
		if qs.TotalPairs > 0 && qs.CorrectPairs == qs.TotalPairs {
			qs.IsCorrect = true
			qs.Score = float64(q.Marks)
		}

	case TypeLong:
		// Never auto-graded; a teacher scores it later.
		if txt, ok := answerText(answer); ok && txt != "" {
			qs.Answered = true
		}
	}

	return qs
}

// answerText extracts a single text answer from a submitted value, which
// clients send either as a plain string or a one-element array.
func answerText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return "", false
		}
		return t, true
	case []any:
		if len(t) != 1 {
			return "", false
		}
		s, ok := t[0].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return "", false
		}
		return s, true
	case []string:
		if len(t) != 1 || strings.TrimSpace(t[0]) == "" {
			return "", false
		}
		return t[0], true
	default:
		return "", false
	}
}

// answerMapping extracts a left-to-right mapping from a submitted match
// answer.
func answerMapping(v any) (map[string]string, bool) {
	switch t := v.(type) {
	case map[string]string:
		return t, true
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, raw := range t {
			s, ok := raw.(string)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func correctText(v any) string {
	s, _ := v.(string)
	return s
}

func correctMapping(v any) map[string]string {
	m, ok := answerMapping(v)
	if !ok {
		return nil
	}
	return m
}

func normalizeFreeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
