// Package session implements the test-taking session core: the submission
// state machine, the objective scoring engine and the session timer.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Store collections the session subsystem reads and writes.
const (
	CollectionTests       = "tests"
	CollectionSubmissions = "testSubmissions"
)

// Submission statuses. A submission moves in_progress -> submitted ->
// graded and never back; graded re-enters itself on further manual edits.
const (
	StatusInProgress = "in_progress"
	StatusSubmitted  = "submitted"
	StatusGraded     = "graded"
)

// Question types.
const (
	TypeMCQ   = "mcq"
	TypeFill  = "fill"
	TypeMatch = "match"
	TypeShort = "short"
	TypeLong  = "long"
)

const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 300
)

var (
	ErrTestNotFound       = errors.New("test not found")
	ErrTestInactive       = errors.New("test is not accepting new attempts")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionForbidden   = errors.New("session belongs to another student")
	ErrSessionNotEditable = errors.New("session is no longer editable")
	ErrQuestionNotInTest  = errors.New("question not in test")
	ErrSubmitFailed       = errors.New("submit could not be persisted")
)

type MatchPair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Question is immutable within a Test. CorrectAnswer is a string for
// mcq/fill/short, a left-to-right mapping for match, and absent for long.
type Question struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Text          string      `json:"text"`
	Marks         int         `json:"marks"`
	Required      bool        `json:"required"`
	Order         int         `json:"order"`
	Options       []string    `json:"options,omitempty"`
	Pairs         []MatchPair `json:"pairs,omitempty"`
	CorrectAnswer any         `json:"correctAnswer,omitempty"`
}

// Test is immutable once attempts exist, except for the IsActive gate.
type Test struct {
	ID          string     `json:"id"`
	ClassroomID string     `json:"classroomId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Duration    int        `json:"duration"` // minutes
	TotalMarks  int        `json:"totalMarks"`
	Questions   []Question `json:"questions"`
	IsActive    bool       `json:"isActive"`
}

// FeedbackEntry is one question's grading record inside a submission.
type FeedbackEntry struct {
	Score     float64 `json:"score"`
	MaxScore  int     `json:"maxScore"`
	IsCorrect bool    `json:"isCorrect"`
	Feedback  string  `json:"feedback,omitempty"`
}

// Submission tracks one student's attempt at one test. Answer values are
// a string for mcq/fill/short/long and a left-to-right mapping for match.
type Submission struct {
	ID          string         `json:"id"`
	TestID      string         `json:"testId"`
	ClassroomID string         `json:"classroomId"`
	StudentID   string         `json:"studentId"`
	StudentName string         `json:"studentName"`
	Status      string         `json:"status"`
	Answers     map[string]any `json:"answers"`
	StartedAt   time.Time      `json:"startedAt"`
	SubmittedAt *time.Time     `json:"submittedAt,omitempty"`
	TimeSpent   int            `json:"timeSpent"` // seconds

	AutoGradedScore   float64 `json:"autoGradedScore"`
	ManualGradedScore float64 `json:"manualGradedScore"`
	Score             float64 `json:"score"`
	MaxScore          int     `json:"maxScore"`

	QuestionFeedback map[string]FeedbackEntry `json:"questionFeedback,omitempty"`
}

// Question returns the test's question with the given id.
func (t *Test) Question(questionID string) (*Question, bool) {
	for i := range t.Questions {
		if t.Questions[i].ID == questionID {
			return &t.Questions[i], true
		}
	}
	return nil, false
}

// DurationSeconds is the total time a student is entitled to.
func (t *Test) DurationSeconds() int {
	return t.Duration * 60
}

// Validate checks the structural invariants a test must hold before any
// attempt may run against it.
func (t *Test) Validate() error {
	if t.Duration < MinDurationMinutes || t.Duration > MaxDurationMinutes {
		return fmt.Errorf("duration %d outside [%d, %d] minutes", t.Duration, MinDurationMinutes, MaxDurationMinutes)
	}
	if len(t.Questions) == 0 {
		return errors.New("test has no questions")
	}

	seenOrder := make(map[int]bool, len(t.Questions))
	sum := 0
	for i := range t.Questions {
		q := &t.Questions[i]
		if q.Marks <= 0 {
			return fmt.Errorf("question %s: marks must be positive", q.ID)
		}
		sum += q.Marks

		if q.Order < 0 || q.Order >= len(t.Questions) {
			return fmt.Errorf("question %s: order %d out of range", q.ID, q.Order)
		}
		if seenOrder[q.Order] {
			return fmt.Errorf("question %s: duplicate order %d", q.ID, q.Order)
		}
		seenOrder[q.Order] = true

		switch q.Type {
		case TypeMCQ:
			if len(q.Options) < 2 {
				return fmt.Errorf("question %s: mcq needs at least 2 options", q.ID)
			}
		case TypeMatch:
			if len(q.Pairs) == 0 {
				return fmt.Errorf("question %s: match needs pairs", q.ID)
			}
		case TypeFill, TypeShort, TypeLong:
		default:
			return fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
		}
	}

	if sum != t.TotalMarks {
		return fmt.Errorf("totalMarks %d does not match question sum %d", t.TotalMarks, sum)
	}
	return nil
}

// Final reports whether the submission has left in_progress. Answers are
// immutable from that point on.
func (s *Submission) Final() bool {
	return s.Status == StatusSubmitted || s.Status == StatusGraded
}

// RemainingSeconds derives the authoritative remaining time from the
// stored start timestamp, never from accumulated ticks. Floored at zero,
// capped at the full duration.
func RemainingSeconds(startedAt time.Time, durationMinutes int, now time.Time) int {
	total := durationMinutes * 60
	elapsed := int(now.Sub(startedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := total - elapsed
	if remaining < 0 {
		return 0
	}
	if remaining > total {
		return total
	}
	return remaining
}
