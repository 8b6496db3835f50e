package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
)

// LineDetails: позиция вместе с данными варианта товара и ценой.
type LineDetails struct {
	Line    domain.OrderLine
	Item    domain.ProductItem
	Product domain.Product
	Price   pricing.Price
}

// OrderDetails: заказ со всеми позициями.
type OrderDetails struct {
	Order domain.Order
	Lines []LineDetails
}

// OrderView: JSON-представление заказа. Деньги сериализуются строкой с двумя знаками.
type OrderView struct {
	ID              int64           `json:"id"`
	CustomerID      int64           `json:"customerId"`
	Amount          string          `json:"amount"`
	PaymentDateTime *time.Time      `json:"paymentDateTime"`
	Status          string          `json:"status"`
	Comments        *string         `json:"comments"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Lines           []OrderLineView `json:"lines"`
}

// OrderLineView: JSON-представление позиции заказа.
type OrderLineView struct {
	ID                int64     `json:"id"`
	OrderID           int64     `json:"orderId"`
	ItemID            int64     `json:"itemId"`
	Quantity          int       `json:"quantity"`
	PriceWithDiscount string    `json:"priceWithDiscount"`
	Amount            string    `json:"amount"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Item              ItemView  `json:"item"`
}

// ItemView описывает вариант товара внутри позиции.
type ItemView struct {
	ID                 int64   `json:"id"`
	ProductID          int64   `json:"productId"`
	ProductName        string  `json:"productName"`
	Color              string  `json:"color"`
	Size               string  `json:"size"`
	Stock              int     `json:"stock"`
	BasePrice          string  `json:"basePrice"`
	DiscountPercentage *string `json:"discountPercentage,omitempty"`
}

// NewOrderView строит представление заказа. Не обращается к хранилищу.
func NewOrderView(details OrderDetails) OrderView {
	order := details.Order
	view := OrderView{
		ID:              order.ID,
		CustomerID:      order.CustomerID,
		Amount:          order.Amount.StringFixed(domain.MoneyScale),
		PaymentDateTime: order.PaymentDateTime,
		Status:          string(order.Status),
		Comments:        order.Comments,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
		Lines:           make([]OrderLineView, 0, len(details.Lines)),
	}

	for _, ld := range details.Lines {
		item := ItemView{
			ID:          ld.Item.ID,
			ProductID:   ld.Item.ProductID,
			ProductName: ld.Product.Name,
			Color:       ld.Item.Color,
			Size:        string(ld.Item.Size),
			Stock:       ld.Item.Stock,
			BasePrice:   ld.Product.Price.StringFixed(domain.MoneyScale),
		}
		if ld.Price.HasDiscount() {
			pct := ld.Price.DiscountPercent.StringFixed(domain.MoneyScale)
			item.DiscountPercentage = &pct
		}
		view.Lines = append(view.Lines, OrderLineView{
			ID:                ld.Line.ID,
			OrderID:           ld.Line.OrderID,
			ItemID:            ld.Line.ItemID,
			Quantity:          ld.Line.Quantity,
			PriceWithDiscount: ld.Line.PriceWithDiscount.StringFixed(domain.MoneyScale),
			Amount:            ld.Line.Amount.StringFixed(domain.MoneyScale),
			CreatedAt:         ld.Line.CreatedAt,
			UpdatedAt:         ld.Line.UpdatedAt,
			Item:              item,
		})
	}

	return view
}

// loadDetails дочитывает варианты товара и товары для позиций.
func loadDetails(ctx context.Context, catalog domain.CatalogReader, order domain.Order, lines []ValidatedLine) (OrderDetails, error) {
	details := OrderDetails{Order: order, Lines: make([]LineDetails, 0, len(lines))}
	for _, vl := range lines {
		item, err := catalog.GetProductItem(ctx, vl.Line.ItemID)
		if err != nil {
			return OrderDetails{}, fmt.Errorf("load product item %d: %w", vl.Line.ItemID, err)
		}
		product, err := catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			return OrderDetails{}, fmt.Errorf("load product %d: %w", item.ProductID, err)
		}
		details.Lines = append(details.Lines, LineDetails{
			Line:    vl.Line,
			Item:    item,
			Product: product,
			Price:   vl.Price,
		})
	}
	return details, nil
}
