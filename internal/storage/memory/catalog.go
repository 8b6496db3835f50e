package memory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var hundredPercent = decimal.NewFromInt(100)

// Каталог в этом сервисе только читается. Методы ниже нужны для наполнения
// in-memory хранилища в тестах и при локальном запуске.

// AddProduct сохраняет товар с заданным ID.
func (s *Store) AddProduct(ctx context.Context, product domain.Product) error {
	return s.mutate(ctx, func(st *state) error {
		if product.ID <= 0 {
			return &domain.InvalidFieldError{Field: "id", Reason: "must be positive"}
		}
		st.products[product.ID] = product
		return nil
	})
}

// AddProductItem сохраняет вариант товара; товар должен существовать.
func (s *Store) AddProductItem(ctx context.Context, item domain.ProductItem) error {
	return s.mutate(ctx, func(st *state) error {
		if item.ID <= 0 {
			return &domain.InvalidFieldError{Field: "id", Reason: "must be positive"}
		}
		if _, ok := st.products[item.ProductID]; !ok {
			return domain.NewNotFound("product", item.ProductID)
		}
		st.items[item.ID] = item
		return nil
	})
}

// AddSeasonalSale сохраняет распродажу.
func (s *Store) AddSeasonalSale(ctx context.Context, sale domain.SeasonalSale) error {
	return s.mutate(ctx, func(st *state) error {
		if sale.ID <= 0 {
			return &domain.InvalidFieldError{Field: "id", Reason: "must be positive"}
		}
		if sale.ValidToDateTime.Before(sale.ValidFromDateTime) {
			return &domain.InvalidFieldError{Field: "validToDateTime", Reason: "must not precede validFromDateTime"}
		}
		st.sales[sale.ID] = sale
		return nil
	})
}

// AddSeasonalSaleLine сохраняет скидку распродажи на вариант товара.
// Пара (распродажа, вариант) уникальна.
func (s *Store) AddSeasonalSaleLine(ctx context.Context, line domain.SeasonalSaleLine) error {
	return s.mutate(ctx, func(st *state) error {
		if line.ID <= 0 {
			return &domain.InvalidFieldError{Field: "id", Reason: "must be positive"}
		}
		if _, ok := st.sales[line.SeasonalSaleID]; !ok {
			return domain.NewNotFound("seasonal sale", line.SeasonalSaleID)
		}
		if _, ok := st.items[line.ItemID]; !ok {
			return domain.NewNotFound("product item", line.ItemID)
		}
		if line.DiscountPercentage.IsNegative() || line.DiscountPercentage.GreaterThan(hundredPercent) {
			return &domain.InvalidFieldError{Field: "discountPercentage", Reason: "must be within 0..100"}
		}
		for id, existing := range st.saleLines {
			if id != line.ID && existing.SeasonalSaleID == line.SeasonalSaleID && existing.ItemID == line.ItemID {
				return fmt.Errorf("seasonal sale %d already has item %d: %w",
					line.SeasonalSaleID, line.ItemID, domain.ErrDataIntegrity)
			}
		}
		st.saleLines[line.ID] = line
		return nil
	})
}

// CancelSeasonalSale помечает распродажу отменённой.
func (s *Store) CancelSeasonalSale(ctx context.Context, id int64) error {
	return s.mutate(ctx, func(st *state) error {
		sale, ok := st.sales[id]
		if !ok {
			return domain.NewNotFound("seasonal sale", id)
		}
		sale.IsCanceled = true
		st.sales[id] = sale
		return nil
	})
}
