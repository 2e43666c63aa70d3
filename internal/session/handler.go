package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"classtest/internal/app/apiresp"
	"classtest/internal/auth"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc sessionService
}

type sessionService interface {
	Start(ctx context.Context, in StartInput) (*SessionView, error)
	Get(ctx context.Context, submissionID, studentID string) (*SessionView, error)
	SaveAnswer(ctx context.Context, submissionID, studentID, questionID string, value any) error
	Submit(ctx context.Context, submissionID, studentID, trigger string) (*SessionView, error)
	Close(ctx context.Context, submissionID, studentID string) error
}

type startSessionRequest struct {
	TestID string `json:"test_id"`
}

type saveAnswerRequest struct {
	Value any `json:"value"`
}

func NewHandler(svc sessionService) *Handler {
	return &Handler{svc: svc}
}

// Start creates or resumes the caller's attempt at a test.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TestID) == "" {
		apiresp.WriteError(w, r, http.StatusBadRequest, "test_id is required")
		return
	}

	view, err := h.svc.Start(r.Context(), StartInput{
		TestID:      req.TestID,
		ClassroomID: ident.ClassroomID,
		StudentID:   ident.UserID,
		StudentName: ident.Name,
	})
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, view)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	view, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), ident.UserID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, view)
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req saveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.svc.SaveAnswer(r.Context(), chi.URLParam(r, "id"), ident.UserID, chi.URLParam(r, "questionID"), req.Value)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]bool{"saved": true})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	view, err := h.svc.Submit(r.Context(), chi.URLParam(r, "id"), ident.UserID, TriggerStudent)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, view)
}

// Close is the navigate-away hook: it flushes buffered answers and stops
// the session's timers without finalizing the attempt.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.svc.Close(r.Context(), chi.URLParam(r, "id"), ident.UserID); err != nil {
		writeSessionError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]bool{"closed": true})
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrTestNotFound), errors.Is(err, ErrSessionNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrTestInactive), errors.Is(err, ErrSessionNotEditable):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrQuestionNotInTest):
		apiresp.WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrSubmitFailed):
		// Retryable: the in-memory answers are preserved server-side.
		apiresp.WriteError(w, r, http.StatusBadGateway, "submit failed, please retry")
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
