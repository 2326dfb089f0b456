// Package service реализует бизнес-логику сервиса благотворительной помощи.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/charityaid-system/internal/model"
	"github.com/mmeshcher/charityaid-system/internal/repository"
	"github.com/mmeshcher/charityaid-system/internal/verification"
	"github.com/mmeshcher/charityaid-system/internal/workflow"
)

// ErrReasonRequired возвращается при отклонении заявки без указания причины.
var (
	ErrReasonRequired = errors.New("rejection reason required")
	// ErrInvalidAmount возвращается для неположительной суммы или суммы с более чем двумя знаками после запятой.
	ErrInvalidAmount = errors.New("amount must be positive with at most two decimal places")
	// ErrReasonTooShort возвращается для причины обращения короче 20 символов.
	ErrReasonTooShort = errors.New("reason must be at least 20 characters")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error

	GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error)
	CreateProfile(ctx context.Context, p model.UserProfile) (*model.UserProfile, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, email string, upd repository.ProfileUpdate) (*model.UserProfile, error)

	GetBankDetailsByUser(ctx context.Context, userID uuid.UUID) ([]model.BankDetails, error)
	GetBankDetailsByID(ctx context.Context, id uuid.UUID) (*model.BankDetails, error)
	CreateBankDetails(ctx context.Context, bd model.BankDetails) (*model.BankDetails, error)
	DeleteBankDetails(ctx context.Context, id, userID uuid.UUID) error

	CreateApplication(ctx context.Context, app model.Application, bank *model.BankDetails) (*model.Application, error)
	GetApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]model.Application, error)
	GetApplicationByID(ctx context.Context, id uuid.UUID) (*model.Application, error)
	ListApplications(ctx context.Context, f repository.ApplicationFilter) ([]model.AdminApplication, error)
	CountApplicationsByStatus(ctx context.Context) (map[model.ApplicationStatus]int64, error)
	UpdateApplicationReview(ctx context.Context, id uuid.UUID, from model.ApplicationStatus, upd repository.ReviewUpdate) (*model.Application, error)
}

// Service содержит бизнес-логику сервиса благотворительной помощи.
type Service struct {
	repo     Repository
	verifier verification.Verifier
}

// NewService создаёт новый сервис с указанным репозиторием и провайдером проверки счетов.
func NewService(repo Repository, verifier verification.Verifier) *Service {
	return &Service{
		repo:     repo,
		verifier: verifier,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// ProfileInput описывает изменяемые пользователем поля профиля; nil-поля не изменяются.
type ProfileInput struct {
	FullName *string
	Phone    *string
	Country  *string
	Address  *string
}

// GetProfile возвращает профиль пользователя.
func (s *Service) GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error) {
	return s.repo.GetProfile(ctx, userID)
}

// UpsertProfile создаёт профиль, если его нет, иначе частично обновляет.
// Email берётся из аутентифицированного принципала, роль через API не изменяется.
func (s *Service) UpsertProfile(ctx context.Context, userID uuid.UUID, email string, in ProfileInput) (*model.UserProfile, error) {
	_, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}

		p := model.UserProfile{
			UserID: userID,
			Email:  email,
			Role:   model.RoleBeneficiary,
		}
		if in.FullName != nil {
			p.FullName = *in.FullName
		}
		if in.Phone != nil {
			p.Phone = *in.Phone
		}
		if in.Country != nil {
			p.Country = *in.Country
		}
		if in.Address != nil {
			p.Address = *in.Address
		}

		created, err := s.repo.CreateProfile(ctx, p)
		if err == nil {
			return created, nil
		}
		// Параллельный upsert мог создать профиль первым — дообновляем его.
		if !errors.Is(err, repository.ErrProfileExists) {
			return nil, err
		}
	}

	return s.repo.UpdateProfile(ctx, userID, email, repository.ProfileUpdate{
		FullName: in.FullName,
		Phone:    in.Phone,
		Country:  in.Country,
		Address:  in.Address,
	})
}

// BankDetailsInput описывает новые банковские реквизиты.
type BankDetailsInput struct {
	Country           model.BankCountry
	BankName          string
	AccountNumber     string
	SortCode          string
	RoutingNumber     string
	AccountHolderName string
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (in BankDetailsInput) toModel(userID uuid.UUID) model.BankDetails {
	return model.BankDetails{
		ID:                uuid.New(),
		UserID:            userID,
		Country:           in.Country,
		BankName:          in.BankName,
		AccountNumber:     in.AccountNumber,
		SortCode:          optional(in.SortCode),
		RoutingNumber:     optional(in.RoutingNumber),
		AccountHolderName: optional(in.AccountHolderName),
	}
}

// ListBankDetails возвращает банковские реквизиты пользователя.
func (s *Service) ListBankDetails(ctx context.Context, userID uuid.UUID) ([]model.BankDetails, error) {
	return s.repo.GetBankDetailsByUser(ctx, userID)
}

// AddBankDetails сохраняет банковские реквизиты пользователя.
func (s *Service) AddBankDetails(ctx context.Context, userID uuid.UUID, in BankDetailsInput) (*model.BankDetails, error) {
	return s.repo.CreateBankDetails(ctx, in.toModel(userID))
}

// DeleteBankDetails удаляет банковские реквизиты пользователя.
func (s *Service) DeleteBankDetails(ctx context.Context, id, userID uuid.UUID) error {
	return s.repo.DeleteBankDetails(ctx, id, userID)
}

// VerifyBankAccount запрашивает у провайдера имя владельца счёта.
func (s *Service) VerifyBankAccount(ctx context.Context, in BankDetailsInput) (*verification.Result, error) {
	return s.verifier.VerifyAccount(ctx, verification.AccountDetails{
		Country:       in.Country,
		BankName:      in.BankName,
		AccountNumber: in.AccountNumber,
		SortCode:      in.SortCode,
		RoutingNumber: in.RoutingNumber,
	})
}

// ApplicationInput описывает подаваемую заявку. Заполняется либо BankDetailsID
// (существующий счёт), либо NewBankDetails (новый счёт), либо ничего.
type ApplicationInput struct {
	Reason          string
	AmountRequested decimal.Decimal
	Currency        model.Currency
	BankDetailsID   *uuid.UUID
	NewBankDetails  *BankDetailsInput
}

// SubmitApplication создаёт заявку со статусом pending. Существующий счёт должен
// принадлежать подающему; новый счёт создаётся в той же транзакции.
func (s *Service) SubmitApplication(ctx context.Context, userID uuid.UUID, in ApplicationInput) (*model.Application, error) {
	if len([]rune(in.Reason)) < 20 {
		return nil, ErrReasonTooShort
	}
	if !in.AmountRequested.IsPositive() || in.AmountRequested.Exponent() < -2 {
		return nil, ErrInvalidAmount
	}

	app := model.Application{
		ID:              uuid.New(),
		UserID:          userID,
		Reason:          in.Reason,
		AmountRequested: in.AmountRequested,
		Currency:        in.Currency,
	}

	var bank *model.BankDetails

	switch {
	case in.BankDetailsID != nil:
		existing, err := s.repo.GetBankDetailsByID(ctx, *in.BankDetailsID)
		if err != nil {
			return nil, err
		}
		if existing.UserID != userID {
			return nil, repository.ErrForbidden
		}
		app.BankDetailsID = in.BankDetailsID
	case in.NewBankDetails != nil:
		bd := in.NewBankDetails.toModel(userID)
		bank = &bd
	}

	return s.repo.CreateApplication(ctx, app, bank)
}

// GetApplicationsByUser возвращает заявки пользователя, новые первыми.
func (s *Service) GetApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]model.Application, error) {
	return s.repo.GetApplicationsByUser(ctx, userID)
}

// GetApplication возвращает заявку, если она принадлежит пользователю.
func (s *Service) GetApplication(ctx context.Context, id, userID uuid.UUID) (*model.Application, error) {
	app, err := s.repo.GetApplicationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.UserID != userID {
		return nil, repository.ErrForbidden
	}
	return app, nil
}

// ListApplications возвращает заявки для панели администратора с фильтрацией на стороне БД.
func (s *Service) ListApplications(ctx context.Context, f repository.ApplicationFilter) ([]model.AdminApplication, error) {
	if f.Status != "" && !workflow.IsKnown(f.Status) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownStatus, f.Status)
	}
	return s.repo.ListApplications(ctx, f)
}

// DashboardStats возвращает статистику заявок по статусам.
// Карточка approvedOrPaid объединяет approved и paid; фильтр списка их не смешивает.
func (s *Service) DashboardStats(ctx context.Context) (*model.DashboardStats, error) {
	counts, err := s.repo.CountApplicationsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &model.DashboardStats{
		Pending:     counts[model.StatusPending],
		UnderReview: counts[model.StatusUnderReview],
		Approved:    counts[model.StatusApproved],
		Rejected:    counts[model.StatusRejected],
		Paid:        counts[model.StatusPaid],
	}
	stats.Total = stats.Pending + stats.UnderReview + stats.Approved + stats.Rejected + stats.Paid
	stats.ApprovedOrPaid = stats.Approved + stats.Paid

	return stats, nil
}

// ReviewApplication применяет переход статуса от имени администратора.
// Допустимость перехода проверяется до записи; переход в rejected требует
// непустой причины, переход в paid фиксирует paid_at и снимок paid_amount.
func (s *Service) ReviewApplication(ctx context.Context, adminID, appID uuid.UUID, requested model.ApplicationStatus, adminNotes string) (*model.Application, error) {
	app, err := s.repo.GetApplicationByID(ctx, appID)
	if err != nil {
		return nil, err
	}

	if err := workflow.Next(app.Status, requested); err != nil {
		return nil, err
	}

	if workflow.ReasonRequired(requested) && adminNotes == "" {
		return nil, ErrReasonRequired
	}

	return s.repo.UpdateApplicationReview(ctx, appID, app.Status, repository.ReviewUpdate{
		Status:     requested,
		AdminNotes: optional(adminNotes),
		ReviewedBy: adminID,
		ReviewedAt: time.Now().UTC(),
		MarkPaid:   requested == model.StatusPaid,
	})
}
