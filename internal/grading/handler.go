package grading

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"classtest/internal/app/apiresp"
	"classtest/internal/session"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc gradingService
}

type gradingService interface {
	GradeQuestion(ctx context.Context, in GradeInput) (*session.Submission, error)
	ListForTest(ctx context.Context, testID string) ([]SubmissionListItem, error)
}

type gradeQuestionRequest struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

func NewHandler(svc gradingService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) ListForTest(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListForTest(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		writeGradingError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) GradeQuestion(w http.ResponseWriter, r *http.Request) {
	var req gradeQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.svc.GradeQuestion(r.Context(), GradeInput{
		SubmissionID: chi.URLParam(r, "id"),
		QuestionID:   chi.URLParam(r, "questionID"),
		Score:        req.Score,
		Feedback:     req.Feedback,
	})
	if err != nil {
		writeGradingError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, sub)
}

func writeGradingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrSubmissionNotFound), errors.Is(err, session.ErrTestNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotSubmitted):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrQuestionNotInTest), errors.Is(err, ErrInvalidScore):
		apiresp.WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
