// Package pricing вычисляет актуальную цену варианта товара с учётом сезонных распродаж.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Price: цена за единицу на заданный момент.
type Price struct {
	ItemID    int64
	BasePrice decimal.Decimal
	// Unit: цена со скидкой, округлённая до копеек.
	Unit decimal.Decimal
	// DiscountPercent == nil, если скидка не применялась.
	DiscountPercent *decimal.Decimal
	SeasonalSaleID  int64
}

// HasDiscount сообщает, применена ли скидка.
func (p Price) HasDiscount() bool {
	return p.DiscountPercent != nil
}

// Resolver вычисляет цену по данным каталога.
type Resolver struct {
	catalog domain.CatalogReader
}

// NewResolver создаёт Resolver поверх читателя каталога (обычно текущей транзакции).
func NewResolver(catalog domain.CatalogReader) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve возвращает цену itemID на момент at.
func (r *Resolver) Resolve(ctx context.Context, itemID int64, at time.Time) (Price, error) {
	base, err := r.basePrice(ctx, itemID)
	if err != nil {
		return Price{}, err
	}
	price := Price{ItemID: itemID, BasePrice: base, Unit: base}

	saleLines, err := r.catalog.ActiveSeasonalSaleLines(ctx, itemID, at)
	if err != nil {
		return Price{}, fmt.Errorf("load seasonal sale lines for item %d: %w", itemID, err)
	}

	switch len(saleLines) {
	case 0:
		return price, nil
	case 1:
		pct := saleLines[0].DiscountPercentage
		price.Unit = domain.ApplyDiscount(base, pct)
		price.DiscountPercent = &pct
		price.SeasonalSaleID = saleLines[0].SeasonalSaleID
		return price, nil
	default:
		return Price{}, fmt.Errorf("%w: %d active seasonal sale lines for item %d at %s",
			domain.ErrDataIntegrity, len(saleLines), itemID, at.Format(time.RFC3339))
	}
}

// Describe восстанавливает цену уже сохранённой позиции для чтения.
// Если распродажа, активная в at, даёт ровно сохранённую цену, возвращается её скидка.
// Иначе процент скидки выводится из сохранённой и базовой цены, а несколько активных распродаж не считаются ошибкой.
func (r *Resolver) Describe(ctx context.Context, line domain.OrderLine, at time.Time) (Price, error) {
	price, err := r.Resolve(ctx, line.ItemID, at)
	switch {
	case err == nil && price.Unit.Equal(line.PriceWithDiscount):
		return price, nil
	case err != nil && !errors.Is(err, domain.ErrDataIntegrity):
		return Price{}, err
	}

	base, err := r.basePrice(ctx, line.ItemID)
	if err != nil {
		return Price{}, err
	}
	stored := domain.RoundMoney(line.PriceWithDiscount)
	derived := Price{ItemID: line.ItemID, BasePrice: base, Unit: stored}
	if base.IsPositive() && stored.LessThan(base) {
		pct := base.Sub(stored).Div(base).Mul(hundred).Round(domain.MoneyScale)
		derived.DiscountPercent = &pct
	}
	return derived, nil
}

func (r *Resolver) basePrice(ctx context.Context, itemID int64) (decimal.Decimal, error) {
	item, err := r.catalog.GetProductItem(ctx, itemID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("load product item %d: %w", itemID, err)
	}
	product, err := r.catalog.GetProduct(ctx, item.ProductID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("load product %d: %w", item.ProductID, err)
	}
	return domain.RoundMoney(product.Price), nil
}
