package domain

// Типы событий заказа, которые пишутся в transactional outbox.
const (
	EventOrderCreated = "order.created"
	EventOrderUpdated = "order.updated"
	EventOrderDeleted = "order.deleted"
)

// AggregateOrder: тип агрегата для событий заказа.
const AggregateOrder = "order"
