// Package report builds teacher-facing grade book exports for a test.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"classtest/internal/session"
	"classtest/internal/store"

	"github.com/xuri/excelize/v2"
)

type Service struct {
	store store.RecordStore
}

// TestSummary aggregates the finalized submissions of one test.
type TestSummary struct {
	TestID       string  `json:"testId"`
	Title        string  `json:"title"`
	Participants int     `json:"participants"`
	Graded       int     `json:"graded"`
	AverageScore float64 `json:"averageScore"`
	HighestScore float64 `json:"highestScore"`
	LowestScore  float64 `json:"lowestScore"`
	MaxScore     int     `json:"maxScore"`
}

func NewService(st store.RecordStore) *Service {
	return &Service{store: st}
}

func (s *Service) SummaryByTest(ctx context.Context, testID string) (*TestSummary, error) {
	test, subs, err := s.loadFinalized(ctx, testID)
	if err != nil {
		return nil, err
	}

	summary := &TestSummary{
		TestID:   test.ID,
		Title:    test.Title,
		MaxScore: test.TotalMarks,
	}
	for i, sub := range subs {
		summary.Participants++
		if sub.Status == session.StatusGraded {
			summary.Graded++
		}
		summary.AverageScore += sub.Score
		if i == 0 || sub.Score > summary.HighestScore {
			summary.HighestScore = sub.Score
		}
		if i == 0 || sub.Score < summary.LowestScore {
			summary.LowestScore = sub.Score
		}
	}
	if summary.Participants > 0 {
		summary.AverageScore /= float64(summary.Participants)
	}
	return summary, nil
}

// GradeBookExcel renders the test's finalized submissions as an xlsx
// workbook, one row per student.
func (s *Service) GradeBookExcel(ctx context.Context, testID string) ([]byte, error) {
	_, subs, err := s.loadFinalized(ctx, testID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	headers := []string{"student", "status", "score", "max_score", "auto_score", "manual_score", "time_spent_secs", "submitted_at"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, sub := range subs {
		row := i + 2
		submittedAt := ""
		if sub.SubmittedAt != nil {
			submittedAt = sub.SubmittedAt.Format("2006-01-02 15:04:05")
		}
		values := []any{
			sub.StudentName,
			sub.Status,
			sub.Score,
			sub.MaxScore,
			sub.AutoGradedScore,
			sub.ManualGradedScore,
			sub.TimeSpent,
			submittedAt,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "H", 20)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) loadFinalized(ctx context.Context, testID string) (*session.Test, []session.Submission, error) {
	var test session.Test
	if err := s.store.Get(ctx, session.CollectionTests, testID, &test); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, session.ErrTestNotFound
		}
		return nil, nil, fmt.Errorf("load test: %w", err)
	}

	var subs []session.Submission
	err := s.store.Query(ctx, session.CollectionSubmissions, []store.Filter{
		store.Eq("testId", testID),
	}, &subs)
	if err != nil {
		return nil, nil, fmt.Errorf("query submissions: %w", err)
	}

	finalized := make([]session.Submission, 0, len(subs))
	for _, sub := range subs {
		if sub.Final() {
			finalized = append(finalized, sub)
		}
	}
	sort.Slice(finalized, func(i, j int) bool {
		return finalized[i].StudentName < finalized[j].StudentName
	})
	return &test, finalized, nil
}
