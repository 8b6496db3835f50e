package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderRequest описывает тело POST/PUT /api/orders. Имена полей совпадают с OrderView.
type orderRequest struct {
	CustomerID      *int64           `json:"customerId"`
	Amount          *decimal.Decimal `json:"amount"`
	PaymentDateTime *time.Time       `json:"paymentDateTime"`
	Status          *string          `json:"status"`
	Comments        *string          `json:"comments"`
	UpdatedAt       *time.Time       `json:"updated_at"`
	Lines           []lineRequest    `json:"lines"`
}

type lineRequest struct {
	ID                *int64           `json:"id"`
	OrderID           *int64           `json:"orderId"`
	ItemID            *int64           `json:"itemId"`
	Quantity          *int             `json:"quantity"`
	PriceWithDiscount *decimal.Decimal `json:"priceWithDiscount"`
	Amount            *decimal.Decimal `json:"amount"`
	UpdatedAt         *time.Time       `json:"updated_at"`
}

func (r orderRequest) toInput() domain.OrderInput {
	in := domain.OrderInput{
		CustomerID:      r.CustomerID,
		Amount:          r.Amount,
		PaymentDateTime: r.PaymentDateTime,
		Comments:        r.Comments,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Status != nil {
		status := domain.OrderStatus(*r.Status)
		in.Status = &status
	}
	if len(r.Lines) > 0 {
		in.Lines = make([]domain.LineInput, 0, len(r.Lines))
		for _, line := range r.Lines {
			in.Lines = append(in.Lines, domain.LineInput{
				ID:                line.ID,
				OrderID:           line.OrderID,
				ItemID:            line.ItemID,
				Quantity:          line.Quantity,
				PriceWithDiscount: line.PriceWithDiscount,
				Amount:            line.Amount,
				UpdatedAt:         line.UpdatedAt,
			})
		}
	}
	return in
}
