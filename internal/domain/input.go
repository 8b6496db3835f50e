package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderInput: данные заказа из запроса на создание или обновление.
// nil-поле означает, что клиент его не передал.
type OrderInput struct {
	CustomerID      *int64
	Amount          *decimal.Decimal
	PaymentDateTime *time.Time
	Status          *OrderStatus
	Comments        *string
	// UpdatedAt: токен optimistic locking, обязателен при обновлении.
	UpdatedAt *time.Time
	// Lines == nil и пустой список означают одно и то же: у заказа не остаётся позиций.
	Lines []LineInput
}

// LineInput: данные одной позиции из запроса.
// Если ID задан, позиция обновляется, иначе создаётся.
type LineInput struct {
	ID                *int64
	OrderID           *int64
	ItemID            *int64
	Quantity          *int
	PriceWithDiscount *decimal.Decimal
	Amount            *decimal.Decimal
	UpdatedAt         *time.Time
}

// IsUpdate сообщает, ссылается ли позиция на существующую запись.
func (l LineInput) IsUpdate() bool {
	return l.ID != nil
}

// ProposedLinesSum возвращает сумму Amount переданных позиций. Каждая позиция округляется до копеек
// до сложения, так же как её сверяет валидатор позиций.
// Позиции без Amount не учитываются: их отклонит валидатор позиций.
func (in OrderInput) ProposedLinesSum() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range in.Lines {
		if line.Amount != nil {
			sum = sum.Add(RoundMoney(*line.Amount))
		}
	}
	return sum
}
