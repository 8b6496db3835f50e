package domain

import (
	"context"
	"time"
)

// Clock отдаёт текущее время; внедряется, чтобы цены и токены версий были детерминированы в тестах.
type Clock interface {
	Now() time.Time
}

// ClockFunc адаптирует функцию к интерфейсу Clock.
type ClockFunc func() time.Time

// Now возвращает значение функции.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock возвращает текущее UTC-время.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// CatalogReader: чтение каталога, нужное для расчёта цены.
type CatalogReader interface {
	// GetProductItem возвращает вариант товара или NotFoundError.
	GetProductItem(ctx context.Context, id int64) (ProductItem, error)
	// GetProduct возвращает товар или NotFoundError.
	GetProduct(ctx context.Context, id int64) (Product, error)
	// ActiveSeasonalSaleLines возвращает строки неотменённых распродаж, действующих в момент at.
	// Больше одной строки: нарушение целостности данных, решение принимает вызывающий.
	ActiveSeasonalSaleLines(ctx context.Context, itemID int64, at time.Time) ([]SeasonalSaleLine, error)
}

// ListFilter ограничивает выборку заказов.
type ListFilter struct {
	Status     *OrderStatus
	CustomerID *int64
	// Limit <= 0 означает "без ограничения".
	Limit int
}

// OrderTx: операции хранилища внутри одной транзакции.
type OrderTx interface {
	CatalogReader

	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, error)
	// InsertOrder сохраняет заказ и возвращает его с присвоенным ID.
	InsertOrder(ctx context.Context, order Order) (Order, error)
	// UpdateOrder перезаписывает заказ, только если его updated_at всё ещё равен prevUpdatedAt,
	// иначе ErrUpdateConflict.
	UpdateOrder(ctx context.Context, order Order, prevUpdatedAt time.Time) (Order, error)
	// DeleteOrder удаляет строку заказа; ErrRestrictedDeletion, если на неё ещё ссылаются.
	DeleteOrder(ctx context.Context, id int64) error

	GetOrderLine(ctx context.Context, id int64) (OrderLine, error)
	// ListOrderLines возвращает позиции заказа в порядке создания.
	ListOrderLines(ctx context.Context, orderID int64) ([]OrderLine, error)
	InsertOrderLine(ctx context.Context, line OrderLine) (OrderLine, error)
	// UpdateOrderLine проверяет prevUpdatedAt так же, как UpdateOrder.
	UpdateOrderLine(ctx context.Context, line OrderLine, prevUpdatedAt time.Time) (OrderLine, error)
	// DeleteOrderLinesNotIn удаляет позиции заказа, чьих ID нет в keep, и возвращает их количество.
	DeleteOrderLinesNotIn(ctx context.Context, orderID int64, keep []int64) (int, error)

	// EnqueueOutbox пишет событие в transactional outbox в рамках той же транзакции.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error

	Commit() error
	Rollback() error
}

// OrderStore открывает транзакции над хранилищем заказов.
type OrderStore interface {
	Begin(ctx context.Context) (OrderTx, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OutboxRepository выдаёт накопленные события публикатору.
type OutboxRepository interface {
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}
