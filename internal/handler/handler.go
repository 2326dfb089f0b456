// Package handler содержит HTTP-обработчики API сервиса благотворительной помощи.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/charityaid-system/internal/middleware"
	"github.com/mmeshcher/charityaid-system/internal/model"
	"github.com/mmeshcher/charityaid-system/internal/repository"
	"github.com/mmeshcher/charityaid-system/internal/service"
	"github.com/mmeshcher/charityaid-system/internal/validation"
	"github.com/mmeshcher/charityaid-system/internal/verification"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error

	GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error)
	UpsertProfile(ctx context.Context, userID uuid.UUID, email string, in service.ProfileInput) (*model.UserProfile, error)

	ListBankDetails(ctx context.Context, userID uuid.UUID) ([]model.BankDetails, error)
	AddBankDetails(ctx context.Context, userID uuid.UUID, in service.BankDetailsInput) (*model.BankDetails, error)
	DeleteBankDetails(ctx context.Context, id, userID uuid.UUID) error
	VerifyBankAccount(ctx context.Context, in service.BankDetailsInput) (*verification.Result, error)

	SubmitApplication(ctx context.Context, userID uuid.UUID, in service.ApplicationInput) (*model.Application, error)
	GetApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]model.Application, error)
	GetApplication(ctx context.Context, id, userID uuid.UUID) (*model.Application, error)

	ListApplications(ctx context.Context, f repository.ApplicationFilter) ([]model.AdminApplication, error)
	DashboardStats(ctx context.Context) (*model.DashboardStats, error)
	ReviewApplication(ctx context.Context, adminID, appID uuid.UUID, requested model.ApplicationStatus, adminNotes string) (*model.Application, error)
}

// Handler реализует HTTP-обработчики API сервиса благотворительной помощи.
type Handler struct {
	service           Service
	logger            *zap.Logger
	authMiddleware    *middleware.AuthMiddleware
	validate          *validator.Validate
	adminRoleEnforced bool
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminRoleEnforced bool) *Handler {
	v := validator.New()

	// Имена полей в ошибках валидации берутся из json-тегов.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("accountnumber", func(fl validator.FieldLevel) bool {
		return validation.IsValidAccountNumber(fl.Field().String())
	})
	_ = v.RegisterValidation("sortcode", func(fl validator.FieldLevel) bool {
		return validation.IsValidSortCode(fl.Field().String())
	})
	_ = v.RegisterValidation("routingnumber", func(fl validator.FieldLevel) bool {
		return validation.IsValidRoutingNumber(fl.Field().String())
	})

	return &Handler{
		service:           s,
		logger:            logger,
		authMiddleware:    auth,
		validate:          v,
		adminRoleEnforced: adminRoleEnforced,
	}
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorResponse struct {
	Errors []fieldError `json:"errors"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) writeFieldErrors(w http.ResponseWriter, statusCode int, errs ...fieldError) {
	h.writeJSON(w, statusCode, errorResponse{Errors: errs})
}

// validateBody валидирует DTO и пишет 400 со списком ошибок по полям.
func (h *Handler) validateBody(w http.ResponseWriter, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}

	errs := make([]fieldError, 0, len(validationErrs))
	for _, fe := range validationErrs {
		// Namespace вида "applicationRequest.bankDetails.sortCode" — отбрасываем имя DTO.
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		errs = append(errs, fieldError{
			Field:   field,
			Message: "failed on rule: " + fe.Tag(),
		})
	}

	h.writeFieldErrors(w, http.StatusBadRequest, errs...)
	return false
}

func principal(w http.ResponseWriter, r *http.Request) (middleware.Principal, bool) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return p, ok
}

func urlUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return uuid.Nil, false
	}
	return id, true
}

// maskAccountNumber оставляет только последние 4 цифры номера счёта.
func maskAccountNumber(number string) string {
	if len(number) <= 4 {
		return number
	}
	return number[len(number)-4:]
}

// Ping проверяет доступность сервиса и его хранилища.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("ping error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type profileRequest struct {
	FullName *string `json:"fullName" validate:"omitempty,min=2,max=100"`
	Phone    *string `json:"phone" validate:"omitempty,max=32"`
	Country  *string `json:"country" validate:"omitempty,max=56"`
	Address  *string `json:"address" validate:"omitempty,max=200"`
}

type profileResponse struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Phone     string `json:"phone"`
	Country   string `json:"country"`
	Address   string `json:"address"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toProfileResponse(p *model.UserProfile) profileResponse {
	return profileResponse{
		UserID:    p.UserID.String(),
		Email:     p.Email,
		FullName:  p.FullName,
		Phone:     p.Phone,
		Country:   p.Country,
		Address:   p.Address,
		Role:      string(p.Role),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
}

// GetProfile возвращает профиль текущего пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	profile, err := h.service.GetProfile(r.Context(), p.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get profile error", zap.Error(err), zap.String("userID", p.UserID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

// UpsertProfile создаёт или частично обновляет профиль текущего пользователя.
func (h *Handler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.validateBody(w, req) {
		return
	}

	profile, err := h.service.UpsertProfile(r.Context(), p.UserID, p.Email, service.ProfileInput{
		FullName: req.FullName,
		Phone:    req.Phone,
		Country:  req.Country,
		Address:  req.Address,
	})
	if err != nil {
		h.logger.Error("upsert profile error", zap.Error(err), zap.String("userID", p.UserID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

type bankDetailsRequest struct {
	Country           string `json:"country" validate:"required,oneof=UK USA"`
	BankName          string `json:"bankName" validate:"required,max=100"`
	AccountNumber     string `json:"accountNumber" validate:"required,accountnumber"`
	SortCode          string `json:"sortCode" validate:"required_if=Country UK,omitempty,sortcode"`
	RoutingNumber     string `json:"routingNumber" validate:"required_if=Country USA,omitempty,routingnumber"`
	AccountHolderName string `json:"accountHolderName" validate:"omitempty,min=2,max=100"`
}

func (req bankDetailsRequest) toInput() service.BankDetailsInput {
	return service.BankDetailsInput{
		Country:           model.BankCountry(req.Country),
		BankName:          req.BankName,
		AccountNumber:     req.AccountNumber,
		SortCode:          req.SortCode,
		RoutingNumber:     req.RoutingNumber,
		AccountHolderName: req.AccountHolderName,
	}
}

type bankDetailsResponse struct {
	ID                 string  `json:"id"`
	Country            string  `json:"country"`
	BankName           string  `json:"bankName"`
	AccountNumberLast4 string  `json:"accountNumberLast4"`
	SortCode           *string `json:"sortCode,omitempty"`
	RoutingNumber      *string `json:"routingNumber,omitempty"`
	AccountHolderName  *string `json:"accountHolderName,omitempty"`
	IsVerified         string  `json:"isVerified"`
	CreatedAt          string  `json:"createdAt"`
}

func toBankDetailsResponse(bd *model.BankDetails) bankDetailsResponse {
	return bankDetailsResponse{
		ID:                 bd.ID.String(),
		Country:            string(bd.Country),
		BankName:           bd.BankName,
		AccountNumberLast4: maskAccountNumber(bd.AccountNumber),
		SortCode:           bd.SortCode,
		RoutingNumber:      bd.RoutingNumber,
		AccountHolderName:  bd.AccountHolderName,
		IsVerified:         string(bd.IsVerified),
		CreatedAt:          bd.CreatedAt.Format(time.RFC3339),
	}
}

// ListBankDetails возвращает банковские реквизиты текущего пользователя.
func (h *Handler) ListBankDetails(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	details, err := h.service.ListBankDetails(r.Context(), p.UserID)
	if err != nil {
		h.logger.Error("list bank details error", zap.Error(err), zap.String("userID", p.UserID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]bankDetailsResponse, 0, len(details))
	for i := range details {
		resp = append(resp, toBankDetailsResponse(&details[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CreateBankDetails сохраняет новые банковские реквизиты текущего пользователя.
func (h *Handler) CreateBankDetails(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req bankDetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.validateBody(w, req) {
		return
	}

	bd, err := h.service.AddBankDetails(r.Context(), p.UserID, req.toInput())
	if err != nil {
		h.logger.Error("create bank details error", zap.Error(err), zap.String("userID", p.UserID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, toBankDetailsResponse(bd))
}

// DeleteBankDetails удаляет банковские реквизиты, если они принадлежат текущему пользователю.
func (h *Handler) DeleteBankDetails(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	err := h.service.DeleteBankDetails(r.Context(), id, p.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("delete bank details error", zap.Error(err), zap.String("id", id.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type verifyAccountResponse struct {
	AccountHolderName string `json:"accountHolderName"`
}

// VerifyBankAccount запрашивает у провайдера проверки имя владельца счёта.
func (h *Handler) VerifyBankAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}

	var req bankDetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.validateBody(w, req) {
		return
	}

	res, err := h.service.VerifyBankAccount(r.Context(), req.toInput())
	if err != nil {
		switch {
		case errors.Is(err, verification.ErrAccountNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, verification.ErrVerificationFailed):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("verify bank account error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, verifyAccountResponse{AccountHolderName: res.AccountHolderName})
}

type applicationRequest struct {
	Reason          string              `json:"reason" validate:"required,min=20"`
	AmountRequested string              `json:"amountRequested" validate:"required"`
	Currency        string              `json:"currency" validate:"required,oneof=GBP USD"`
	BankDetailsID   *string             `json:"bankDetailsId" validate:"omitempty,uuid"`
	BankDetails     *bankDetailsRequest `json:"bankDetails"`
}

type applicationResponse struct {
	ID              string  `json:"id"`
	Reason          string  `json:"reason"`
	AmountRequested string  `json:"amountRequested"`
	Currency        string  `json:"currency"`
	BankDetailsID   *string `json:"bankDetailsId,omitempty"`
	Status          string  `json:"status"`
	AdminNotes      *string `json:"adminNotes,omitempty"`
	ReviewedBy      *string `json:"reviewedBy,omitempty"`
	ReviewedAt      *string `json:"reviewedAt,omitempty"`
	PaidAt          *string `json:"paidAt,omitempty"`
	PaidAmount      *string `json:"paidAmount,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
}

func toApplicationResponse(a *model.Application) applicationResponse {
	resp := applicationResponse{
		ID:              a.ID.String(),
		Reason:          a.Reason,
		AmountRequested: a.AmountRequested.StringFixed(2),
		Currency:        string(a.Currency),
		Status:          string(a.Status),
		AdminNotes:      a.AdminNotes,
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.Format(time.RFC3339),
	}

	if a.BankDetailsID != nil {
		s := a.BankDetailsID.String()
		resp.BankDetailsID = &s
	}
	if a.ReviewedBy != nil {
		s := a.ReviewedBy.String()
		resp.ReviewedBy = &s
	}
	if a.ReviewedAt != nil {
		s := a.ReviewedAt.Format(time.RFC3339)
		resp.ReviewedAt = &s
	}
	if a.PaidAt != nil {
		s := a.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &s
	}
	if a.PaidAmount != nil {
		s := a.PaidAmount.StringFixed(2)
		resp.PaidAmount = &s
	}

	return resp
}

// GetApplications возвращает заявки текущего пользователя, новые первыми.
func (h *Handler) GetApplications(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	apps, err := h.service.GetApplicationsByUser(r.Context(), p.UserID)
	if err != nil {
		h.logger.Error("get applications error", zap.Error(err), zap.String("userID", p.UserID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]applicationResponse, 0, len(apps))
	for i := range apps {
		resp = append(resp, toApplicationResponse(&apps[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetApplication возвращает заявку текущего пользователя по идентификатору.
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	app, err := h.service.GetApplication(r.Context(), id, p.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("get application error", zap.Error(err), zap.String("id", id.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

// CreateApplication принимает заявку на помощь от текущего пользователя.
// Статус создаваемой заявки всегда pending, независимо от тела запроса.
func (h *Handler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req applicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.validateBody(w, req) {
		return
	}

	amount, err := decimal.NewFromString(req.AmountRequested)
	if err != nil || !amount.IsPositive() || amount.Exponent() < -2 {
		h.writeFieldErrors(w, http.StatusBadRequest, fieldError{
			Field:   "amountRequested",
			Message: "must be a positive amount with at most two decimal places",
		})
		return
	}

	in := service.ApplicationInput{
		Reason:          req.Reason,
		AmountRequested: amount,
		Currency:        model.Currency(req.Currency),
	}

	if req.BankDetailsID != nil {
		id, err := uuid.Parse(*req.BankDetailsID)
		if err != nil {
			h.writeFieldErrors(w, http.StatusBadRequest, fieldError{Field: "bankDetailsId", Message: "must be a valid uuid"})
			return
		}
		in.BankDetailsID = &id
	} else if req.BankDetails != nil {
		bankInput := req.BankDetails.toInput()
		in.NewBankDetails = &bankInput
	}

	app, err := h.service.SubmitApplication(r.Context(), p.UserID, in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrReasonTooShort):
			h.writeFieldErrors(w, http.StatusBadRequest, fieldError{Field: "reason", Message: err.Error()})
		case errors.Is(err, service.ErrInvalidAmount):
			h.writeFieldErrors(w, http.StatusBadRequest, fieldError{Field: "amountRequested", Message: err.Error()})
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("submit application error", zap.Error(err), zap.String("userID", p.UserID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, toApplicationResponse(app))
}
