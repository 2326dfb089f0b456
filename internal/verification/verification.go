// Package verification предоставляет проверку принадлежности банковского счёта.
package verification

import (
	"context"
	"errors"

	"github.com/mmeshcher/charityaid-system/internal/model"
)

// ErrAccountNotFound возвращается, если провайдер не нашёл указанный счёт.
var ErrAccountNotFound = errors.New("bank account not found")

// ErrVerificationFailed возвращается, если провайдер не подтвердил принадлежность счёта.
var ErrVerificationFailed = errors.New("account verification failed")

// AccountDetails содержит реквизиты счёта, передаваемые провайдеру проверки.
type AccountDetails struct {
	Country       model.BankCountry
	BankName      string
	AccountNumber string
	SortCode      string
	RoutingNumber string
}

// Result содержит имя владельца счёта по данным банка.
type Result struct {
	AccountHolderName string
}

// Verifier определяет контракт проверки принадлежности счёта перед выплатой.
type Verifier interface {
	VerifyAccount(ctx context.Context, details AccountDetails) (*Result, error)
}
