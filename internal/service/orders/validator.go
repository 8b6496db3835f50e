package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
)

// PriceResolver вычисляет актуальную цену варианта товара.
type PriceResolver interface {
	Resolve(ctx context.Context, itemID int64, at time.Time) (pricing.Price, error)
}

// LineValidator проверяет цену и сумму одной позиции.
// Ничего не пишет в хранилище.
type LineValidator struct {
	resolver PriceResolver
}

// NewLineValidator создаёт валидатор поверх PriceResolver.
func NewLineValidator(resolver PriceResolver) *LineValidator {
	return &LineValidator{resolver: resolver}
}

// ValidatedLine: позиция, прошедшая проверку, и цена, с которой она сверялась.
type ValidatedLine struct {
	Line  domain.OrderLine
	Price pricing.Price
}

// ValidateCreate проверяет позицию без ID. field: префикс имени поля в ошибках, например "lines[0]".
func (v *LineValidator) ValidateCreate(ctx context.Context, field string, in domain.LineInput, at time.Time) (ValidatedLine, error) {
	if err := requireLineFields(field, in); err != nil {
		return ValidatedLine{}, err
	}
	return v.check(ctx, field, in, at)
}

// ValidateUpdate дополнительно требует id и updatedAt.
func (v *LineValidator) ValidateUpdate(ctx context.Context, field string, in domain.LineInput, at time.Time) (ValidatedLine, error) {
	if in.ID == nil {
		return ValidatedLine{}, &domain.MissingFieldError{Field: field + ".id"}
	}
	if err := requireLineFields(field, in); err != nil {
		return ValidatedLine{}, err
	}
	if in.UpdatedAt == nil {
		return ValidatedLine{}, &domain.MissingFieldError{Field: field + ".updated_at"}
	}
	validated, err := v.check(ctx, field, in, at)
	if err != nil {
		return ValidatedLine{}, err
	}
	validated.Line.ID = *in.ID
	return validated, nil
}

func requireLineFields(field string, in domain.LineInput) error {
	switch {
	case in.OrderID == nil:
		return &domain.MissingFieldError{Field: field + ".orderId"}
	case in.ItemID == nil:
		return &domain.MissingFieldError{Field: field + ".itemId"}
	case in.Quantity == nil:
		return &domain.MissingFieldError{Field: field + ".quantity"}
	case in.PriceWithDiscount == nil:
		return &domain.MissingFieldError{Field: field + ".priceWithDiscount"}
	case in.Amount == nil:
		return &domain.MissingFieldError{Field: field + ".amount"}
	}
	if *in.Quantity <= 0 {
		return &domain.InvalidFieldError{Field: field + ".quantity", Reason: "must be greater than zero"}
	}
	if in.PriceWithDiscount.IsNegative() {
		return &domain.InvalidFieldError{Field: field + ".priceWithDiscount", Reason: "must not be negative"}
	}
	return nil
}

func (v *LineValidator) check(ctx context.Context, field string, in domain.LineInput, at time.Time) (ValidatedLine, error) {
	itemID := *in.ItemID

	price, err := v.resolver.Resolve(ctx, itemID, at)
	if err != nil {
		return ValidatedLine{}, fmt.Errorf("%s: %w", field, err)
	}

	// Цена сравнивается точно, без округления входного значения.
	if !in.PriceWithDiscount.Equal(price.Unit) {
		return ValidatedLine{}, &domain.PriceMismatchError{
			ItemID:   itemID,
			Got:      *in.PriceWithDiscount,
			Expected: price.Unit,
		}
	}

	expected := domain.LineAmount(*in.PriceWithDiscount, *in.Quantity)
	if !domain.MoneyEqual(*in.Amount, expected) {
		return ValidatedLine{}, &domain.AmountMismatchError{
			ItemID:   itemID,
			Got:      *in.Amount,
			Expected: expected,
		}
	}

	return ValidatedLine{
		Line: domain.OrderLine{
			OrderID:           *in.OrderID,
			ItemID:            itemID,
			Quantity:          *in.Quantity,
			PriceWithDiscount: price.Unit,
			Amount:            expected,
		},
		Price: price,
	}, nil
}
