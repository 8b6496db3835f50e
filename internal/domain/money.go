package domain

import "github.com/shopspring/decimal"

// MoneyScale: количество знаков после запятой у денежных значений.
const MoneyScale int32 = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney округляет значение до копеек (half away from zero).
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// MoneyEqual сравнивает два значения после округления до копеек.
func MoneyEqual(a, b decimal.Decimal) bool {
	return RoundMoney(a).Equal(RoundMoney(b))
}

// ApplyDiscount возвращает base - base*percent/100, округлённое до копеек.
func ApplyDiscount(base, percent decimal.Decimal) decimal.Decimal {
	return RoundMoney(base.Sub(base.Mul(percent).Div(hundred)))
}

// LineAmount возвращает price * quantity, округлённое до копеек.
func LineAmount(price decimal.Decimal, quantity int) decimal.Decimal {
	return RoundMoney(price.Mul(decimal.NewFromInt(int64(quantity))))
}
