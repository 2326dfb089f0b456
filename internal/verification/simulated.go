package verification

import (
	"context"
	"hash/fnv"
	"time"
)

const simulatedDelay = 1500 * time.Millisecond

// mockHolderNames — фиксированный набор имён, возвращаемых имитацией провайдера.
var mockHolderNames = []string{
	"John Smith",
	"Sarah Johnson",
	"Michael Williams",
	"Emma Brown",
	"David Jones",
}

// Simulated имитирует внешнего провайдера проверки счёта: отвечает с фиксированной
// задержкой и возвращает имя из небольшого набора. Используется, когда адрес
// реального провайдера не сконфигурирован.
type Simulated struct {
	delay time.Duration
}

// NewSimulated создаёт имитацию провайдера проверки счёта.
func NewSimulated() *Simulated {
	return &Simulated{delay: simulatedDelay}
}

// VerifyAccount возвращает имя владельца, детерминированно выбранное по номеру счёта.
// Имитация никогда не отклоняет счёт.
func (s *Simulated) VerifyAccount(ctx context.Context, details AccountDetails) (*Result, error) {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	h := fnv.New32a()
	h.Write([]byte(details.AccountNumber))
	name := mockHolderNames[h.Sum32()%uint32(len(mockHolderNames))]

	return &Result{AccountHolderName: name}, nil
}
