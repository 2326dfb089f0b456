// Package model содержит доменные сущности сервиса благотворительной помощи.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleBeneficiary Role = "beneficiary"
	RoleAdmin       Role = "admin"
)

// UserProfile расширяет учётную запись внешнего провайдера идентификации.
type UserProfile struct {
	UserID    uuid.UUID
	Email     string
	FullName  string
	Phone     string
	Country   string
	Address   string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BankCountry определяет страну банковского счёта.
type BankCountry string

const (
	BankCountryUK  BankCountry = "UK"
	BankCountryUSA BankCountry = "USA"
)

// VerificationStatus описывает статус проверки принадлежности счёта.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// BankDetails описывает банковский счёт для выплаты.
type BankDetails struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Country           BankCountry
	BankName          string
	AccountNumber     string
	SortCode          *string
	RoutingNumber     *string
	AccountHolderName *string
	IsVerified        VerificationStatus
	CreatedAt         time.Time
}

// Currency определяет валюту запрошенной суммы.
type Currency string

const (
	CurrencyGBP Currency = "GBP"
	CurrencyUSD Currency = "USD"
)

// ApplicationStatus описывает статус обработки заявки на помощь.
type ApplicationStatus string

const (
	StatusPending     ApplicationStatus = "pending"
	StatusUnderReview ApplicationStatus = "under_review"
	StatusApproved    ApplicationStatus = "approved"
	StatusRejected    ApplicationStatus = "rejected"
	StatusPaid        ApplicationStatus = "paid"
)

// Application описывает заявку пользователя на финансовую помощь.
type Application struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Reason          string
	AmountRequested decimal.Decimal
	Currency        Currency
	BankDetailsID   *uuid.UUID
	Status          ApplicationStatus
	AdminNotes      *string
	ReviewedBy      *uuid.UUID
	ReviewedAt      *time.Time
	PaidAt          *time.Time
	PaidAmount      *decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AdminApplication объединяет заявку с данными владельца и счёта для панели администратора.
type AdminApplication struct {
	Application
	OwnerEmail         string
	OwnerFullName      string
	BankName           *string
	AccountNumberLast4 *string
}

// DashboardStats содержит количество заявок по статусам для панели администратора.
type DashboardStats struct {
	Total       int64 `json:"total"`
	Pending     int64 `json:"pending"`
	UnderReview int64 `json:"underReview"`
	Approved    int64 `json:"approved"`
	Rejected    int64 `json:"rejected"`
	Paid        int64 `json:"paid"`
	// ApprovedOrPaid объединяет одобренные и выплаченные заявки для карточки статистики.
	ApprovedOrPaid int64 `json:"approvedOrPaid"`
}
