// Package workflow реализует правила переходов статусов заявки.
package workflow

import (
	"errors"

	"github.com/mmeshcher/charityaid-system/internal/model"
)

// ErrInvalidTransition возвращается при попытке недопустимого перехода статуса.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrUnknownStatus возвращается для статуса, отсутствующего в модели.
var ErrUnknownStatus = errors.New("unknown status")

// transitions описывает допустимые переходы: из статуса-ключа в любой из статусов-значений.
// Переходы выполняются только администратором; pending устанавливается при создании
// заявки и недостижим повторно.
var transitions = map[model.ApplicationStatus][]model.ApplicationStatus{
	model.StatusPending:     {model.StatusUnderReview, model.StatusApproved, model.StatusRejected},
	model.StatusUnderReview: {model.StatusApproved, model.StatusRejected},
	model.StatusApproved:    {model.StatusPaid},
	model.StatusRejected:    {},
	model.StatusPaid:        {},
}

// IsKnown сообщает, является ли строка одним из статусов заявки.
func IsKnown(s model.ApplicationStatus) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal сообщает, является ли статус конечным (исходящих переходов нет).
func Terminal(s model.ApplicationStatus) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// ReasonRequired сообщает, требует ли переход в указанный статус непустой причины.
func ReasonRequired(to model.ApplicationStatus) bool {
	return to == model.StatusRejected
}

// Next проверяет допустимость перехода из текущего статуса в запрошенный.
// Возвращает ErrUnknownStatus для статусов вне модели и ErrInvalidTransition
// для пары, отсутствующей в таблице переходов.
func Next(current, requested model.ApplicationStatus) error {
	allowed, ok := transitions[current]
	if !ok {
		return ErrUnknownStatus
	}
	if !IsKnown(requested) {
		return ErrUnknownStatus
	}

	for _, s := range allowed {
		if s == requested {
			return nil
		}
	}

	return ErrInvalidTransition
}
