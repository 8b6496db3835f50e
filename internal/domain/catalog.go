package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductItemSize: размер варианта товара.
type ProductItemSize string

const (
	ProductItemSizeS       ProductItemSize = "S"
	ProductItemSizeM       ProductItemSize = "M"
	ProductItemSizeL       ProductItemSize = "L"
	ProductItemSizeOneSize ProductItemSize = "ONE_SIZE"
)

// Product: карточка товара с базовой ценой до скидок.
type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
}

// ProductItem: покупаемый вариант товара (цвет/размер).
type ProductItem struct {
	ID        int64
	ProductID int64
	Color     string
	Size      ProductItemSize
	Stock     int
}

// SeasonalSale: ограниченная по времени распродажа.
type SeasonalSale struct {
	ID                int64
	Slogan            string
	ValidFromDateTime time.Time
	ValidToDateTime   time.Time
	IsCanceled        bool
}

// ActiveAt сообщает, действует ли распродажа в момент at (границы включительно).
func (s SeasonalSale) ActiveAt(at time.Time) bool {
	if s.IsCanceled {
		return false
	}
	return !at.Before(s.ValidFromDateTime) && !at.After(s.ValidToDateTime)
}

// SeasonalSaleLine: скидка распродажи на конкретный вариант товара.
type SeasonalSaleLine struct {
	ID             int64
	SeasonalSaleID int64
	ItemID         int64
	// DiscountPercentage лежит в диапазоне 0..100.
	DiscountPercentage decimal.Decimal
}
