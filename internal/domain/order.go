package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа магазина.
type OrderStatus string

const (
	// OrderStatusCreated: заказ создан (корзина), оплата ещё не поступила.
	OrderStatusCreated OrderStatus = "Created"
	// OrderStatusPaid: оплата подтверждена.
	OrderStatusPaid OrderStatus = "Paid"
	// OrderStatusInManagement: заказ собирается.
	OrderStatusInManagement OrderStatus = "In Management"
	// OrderStatusSent: заказ передан в доставку.
	OrderStatusSent OrderStatus = "Sent"
	// OrderStatusCanceled: заказ отменён.
	OrderStatusCanceled OrderStatus = "Canceled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPaid, OrderStatusInManagement, OrderStatusSent, OrderStatusCanceled:
		return true
	default:
		return false
	}
}

// Deletable сообщает, можно ли удалить заказ в этом статусе.
func (s OrderStatus) Deletable() bool {
	return s == OrderStatusCreated
}

// Order: строка заказа в хранилище. Позиции хранятся отдельно (OrderLine).
type Order struct {
	ID              int64
	CustomerID      int64
	Amount          decimal.Decimal
	PaymentDateTime *time.Time
	Status          OrderStatus
	Comments        *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PricingInstant возвращает момент, на который проверяются цены позиций:
// дата оплаты, если она есть, иначе now.
func (o Order) PricingInstant(now time.Time) time.Time {
	if o.PaymentDateTime != nil && !o.PaymentDateTime.IsZero() {
		return *o.PaymentDateTime
	}
	return now
}

// OrderLine представляет одну позицию заказа.
type OrderLine struct {
	ID      int64
	OrderID int64
	ItemID  int64
	// Quantity: количество единиц товара, всегда > 0.
	Quantity int
	// PriceWithDiscount: цена за единицу с учётом сезонной скидки на момент оплаты.
	PriceWithDiscount decimal.Decimal
	// Amount = PriceWithDiscount * Quantity.
	Amount    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SameValues сообщает, совпадают ли изменяемые поля позиции.
func (l OrderLine) SameValues(other OrderLine) bool {
	return l.ItemID == other.ItemID &&
		l.Quantity == other.Quantity &&
		l.PriceWithDiscount.Equal(other.PriceWithDiscount) &&
		l.Amount.Equal(other.Amount)
}

// SumLineAmounts возвращает сумму позиций, округляя каждую до копеек.
func SumLineAmounts(lines []OrderLine) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(RoundMoney(line.Amount))
	}
	return sum
}
