package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/charityaid-system/internal/model"
	"github.com/mmeshcher/charityaid-system/internal/repository"
	"github.com/mmeshcher/charityaid-system/internal/service"
	"github.com/mmeshcher/charityaid-system/internal/workflow"
)

// requireAdmin пропускает только пользователей с ролью admin.
// При отключённой проверке ролей достаточно аутентификации.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.adminRoleEnforced {
			next.ServeHTTP(w, r)
			return
		}

		p, ok := principal(w, r)
		if !ok {
			return
		}

		profile, err := h.service.GetProfile(r.Context(), p.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			h.logger.Error("admin role check error", zap.Error(err), zap.String("userID", p.UserID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if profile.Role != model.RoleAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type adminUserSummary struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

type adminBankSummary struct {
	BankName           string `json:"bankName"`
	AccountNumberLast4 string `json:"accountNumberLast4"`
}

type adminApplicationResponse struct {
	applicationResponse
	User adminUserSummary  `json:"user"`
	Bank *adminBankSummary `json:"bank,omitempty"`
}

func toAdminApplicationResponse(a *model.AdminApplication) adminApplicationResponse {
	resp := adminApplicationResponse{
		applicationResponse: toApplicationResponse(&a.Application),
		User: adminUserSummary{
			Email:    a.OwnerEmail,
			FullName: a.OwnerFullName,
		},
	}

	if a.BankName != nil {
		bank := adminBankSummary{BankName: *a.BankName}
		if a.AccountNumberLast4 != nil {
			bank.AccountNumberLast4 = *a.AccountNumberLast4
		}
		resp.Bank = &bank
	}

	return resp
}

// AdminListApplications возвращает все заявки с данными владельцев и счетов.
// Фильтрация по статусу и поисковой подстроке выполняется на стороне БД.
func (h *Handler) AdminListApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := repository.ApplicationFilter{
		Status: model.ApplicationStatus(q.Get("status")),
		Search: strings.TrimSpace(q.Get("q")),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = v
	}

	apps, err := h.service.ListApplications(r.Context(), f)
	if err != nil {
		if errors.Is(err, workflow.ErrUnknownStatus) {
			h.writeFieldErrors(w, http.StatusBadRequest, fieldError{Field: "status", Message: "unknown status"})
			return
		}
		h.logger.Error("admin list applications error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]adminApplicationResponse, 0, len(apps))
	for i := range apps {
		resp = append(resp, toAdminApplicationResponse(&apps[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// AdminStats возвращает количество заявок по статусам для панели администратора.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.DashboardStats(r.Context())
	if err != nil {
		h.logger.Error("admin stats error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

type reviewRequest struct {
	Status     string `json:"status" validate:"required,oneof=pending under_review approved rejected paid"`
	AdminNotes string `json:"adminNotes" validate:"omitempty,max=1000"`
}

// AdminReviewApplication применяет переход статуса заявки от имени администратора.
// Недопустимые переходы и параллельные изменения статуса отклоняются с 409.
func (h *Handler) AdminReviewApplication(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.validateBody(w, req) {
		return
	}

	app, err := h.service.ReviewApplication(r.Context(), p.UserID, id,
		model.ApplicationStatus(req.Status), strings.TrimSpace(req.AdminNotes))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, workflow.ErrInvalidTransition):
			h.writeFieldErrors(w, http.StatusConflict, fieldError{Field: "status", Message: "invalid status transition"})
		case errors.Is(err, workflow.ErrUnknownStatus):
			h.writeFieldErrors(w, http.StatusBadRequest, fieldError{Field: "status", Message: "unknown status"})
		case errors.Is(err, service.ErrReasonRequired):
			h.writeFieldErrors(w, http.StatusBadRequest, fieldError{Field: "adminNotes", Message: "rejection reason required"})
		case errors.Is(err, repository.ErrStatusChanged):
			h.writeFieldErrors(w, http.StatusConflict, fieldError{Field: "status", Message: "application was updated concurrently"})
		default:
			h.logger.Error("review application error", zap.Error(err), zap.String("id", id.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toApplicationResponse(app))
}
