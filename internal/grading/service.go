// Package grading applies a teacher's manual per-question scores to a
// submitted attempt and keeps the total consistent.
package grading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"classtest/internal/session"
	"classtest/internal/store"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrNotSubmitted       = errors.New("submission has not been submitted yet")
	ErrQuestionNotInTest  = errors.New("question not in test")
	ErrInvalidScore       = errors.New("score outside allowed range")
)

// Reconciler merges manual grading edits into submissions. Once any
// manual edit exists the manually reconciled total replaces the auto
// total outright: the score is always "points confirmed so far", never an
// estimate. Questions a teacher has not reviewed and that the engine
// could not grade contribute zero until explicitly scored.
type Reconciler struct {
	store store.RecordStore
}

// GradeInput is one per-question edit. Score must lie in
// [0, question.marks].
type GradeInput struct {
	SubmissionID string
	QuestionID   string
	Score        float64
	Feedback     string
}

// SubmissionListItem is one row in a teacher's grading queue.
type SubmissionListItem struct {
	Submission    session.Submission `json:"submission"`
	PendingManual int                `json:"pendingManual"`
}

func NewReconciler(st store.RecordStore) *Reconciler {
	return &Reconciler{store: st}
}

// GradeQuestion upserts the feedback entry for one question, recomputes
// the manual total and flips the submission to graded. It merges into the
// existing feedback map; entries for other questions are never lost, so a
// teacher can grade one question at a time in any order.
func (r *Reconciler) GradeQuestion(ctx context.Context, in GradeInput) (*session.Submission, error) {
	var sub session.Submission
	if err := r.store.Get(ctx, session.CollectionSubmissions, in.SubmissionID, &sub); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("load submission: %w", err)
	}
	if !sub.Final() {
		return nil, ErrNotSubmitted
	}

	var test session.Test
	if err := r.store.Get(ctx, session.CollectionTests, sub.TestID, &test); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, session.ErrTestNotFound
		}
		return nil, fmt.Errorf("load test: %w", err)
	}
	q, ok := test.Question(in.QuestionID)
	if !ok {
		return nil, ErrQuestionNotInTest
	}
	if in.Score < 0 || in.Score > float64(q.Marks) {
		return nil, fmt.Errorf("%w: %g not in [0, %d]", ErrInvalidScore, in.Score, q.Marks)
	}

	feedback := make(map[string]session.FeedbackEntry, len(sub.QuestionFeedback)+1)
	for k, v := range sub.QuestionFeedback {
		feedback[k] = v
	}
	feedback[in.QuestionID] = session.FeedbackEntry{
		Score:     in.Score,
		MaxScore:  q.Marks,
		IsCorrect: in.Score == float64(q.Marks),
		Feedback:  in.Feedback,
	}

	manual := 0.0
	for _, f := range feedback {
		manual += f.Score
	}

	fields := map[string]any{
		"questionFeedback":  feedback,
		"manualGradedScore": manual,
		"score":             manual,
		"status":            session.StatusGraded,
	}
	if err := r.store.Update(ctx, session.CollectionSubmissions, in.SubmissionID, fields); err != nil {
		return nil, fmt.Errorf("save grading edit: %w", err)
	}

	sub.QuestionFeedback = feedback
	sub.ManualGradedScore = manual
	sub.Score = manual
	sub.Status = session.StatusGraded
	return &sub, nil
}

// ListForTest returns the grading queue for a test: finalized submissions
// first ordered by how many questions still need a manual pass, then by
// submission time.
func (r *Reconciler) ListForTest(ctx context.Context, testID string) ([]SubmissionListItem, error) {
	var test session.Test
	if err := r.store.Get(ctx, session.CollectionTests, testID, &test); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, session.ErrTestNotFound
		}
		return nil, fmt.Errorf("load test: %w", err)
	}

	var subs []session.Submission
	err := r.store.Query(ctx, session.CollectionSubmissions, []store.Filter{
		store.Eq("testId", testID),
	}, &subs)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}

	items := make([]SubmissionListItem, 0, len(subs))
	for _, sub := range subs {
		if !sub.Final() {
			continue
		}
		items = append(items, SubmissionListItem{
			Submission:    sub,
			PendingManual: pendingManual(&test, &sub),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].PendingManual != items[j].PendingManual {
			return items[i].PendingManual > items[j].PendingManual
		}
		return submittedBefore(items[i].Submission.SubmittedAt, items[j].Submission.SubmittedAt)
	})
	return items, nil
}

// pendingManual counts questions with no feedback entry yet. Those are
// the subjective ones the engine skipped, until a teacher fills them in.
func pendingManual(test *session.Test, sub *session.Submission) int {
	n := 0
	for i := range test.Questions {
		if _, ok := sub.QuestionFeedback[test.Questions[i].ID]; !ok {
			n++
		}
	}
	return n
}

func submittedBefore(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Before(*b)
}
