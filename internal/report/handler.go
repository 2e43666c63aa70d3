package report

import (
	"errors"
	"fmt"
	"net/http"

	"classtest/internal/app/apiresp"
	"classtest/internal/session"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.SummaryByTest(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		writeReportError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, summary)
}

func (h *Handler) GradeBook(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	data, err := h.svc.GradeBookExcel(r.Context(), testID)
	if err != nil {
		writeReportError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="gradebook-%s.xlsx"`, testID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeReportError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrTestNotFound) {
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
		return
	}
	apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
}
