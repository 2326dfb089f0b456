// Package validation содержит функции валидации банковских реквизитов.
package validation

import "unicode"

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// IsValidAccountNumber проверяет номер счёта: только цифры, от 6 до 17 знаков.
func IsValidAccountNumber(number string) bool {
	if len(number) < 6 || len(number) > 17 {
		return false
	}
	return digitsOnly(number)
}

// IsValidSortCode проверяет британский sort code: ровно 6 цифр.
func IsValidSortCode(code string) bool {
	return len(code) == 6 && digitsOnly(code)
}

// IsValidRoutingNumber проверяет американский routing number по контрольной
// сумме ABA: 9 цифр с весами 3, 7, 1.
func IsValidRoutingNumber(number string) bool {
	if len(number) != 9 || !digitsOnly(number) {
		return false
	}

	weights := []int{3, 7, 1}
	sum := 0
	for i, ch := range number {
		sum += int(ch-'0') * weights[i%3]
	}

	return sum != 0 && sum%10 == 0
}
