// Package orders содержит транзакционную логику создания, обновления и удаления
// заказов вместе с их позициями.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
)

const (
	operationCreate = "create"
	operationUpdate = "update"
	operationDelete = "delete"
	operationGet    = "get"
	operationList   = "list"

	defaultListLimit = 100
)

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(clock domain.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMetrics подключает Prometheus-метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service выполняет операции над заказом и его позициями в одной транзакции.
type Service struct {
	store   domain.OrderStore
	clock   domain.Clock
	logger  *log.Entry
	metrics *metrics.OrderMetrics
}

// NewService конструирует сервис заказов.
func NewService(store domain.OrderStore, logger *log.Entry, options ...Option) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	s := &Service{
		store:  store,
		clock:  domain.SystemClock,
		logger: logger,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// now возвращает время с точностью, которую сохраняет хранилище.
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// CreateOrder создаёт заказ и его позиции. При любой ошибке ничего не сохраняется.
func (s *Service) CreateOrder(ctx context.Context, in domain.OrderInput) (details OrderDetails, err error) {
	start := time.Now()
	defer func() { s.observe(operationCreate, start, err) }()

	if err = validateOrderInput(in, true); err != nil {
		return OrderDetails{}, err
	}
	if err = checkProposedAmount(in); err != nil {
		return OrderDetails{}, err
	}

	now := s.now()
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	order := domain.Order{
		CustomerID:      *in.CustomerID,
		Amount:          domain.RoundMoney(*in.Amount),
		PaymentDateTime: normalizeTime(in.PaymentDateTime),
		Status:          *in.Status,
		Comments:        in.Comments,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order, err = tx.InsertOrder(ctx, order)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("insert order: %w", err)
	}

	result, err := s.reconcile(ctx, tx, order, in.Lines, now)
	if err != nil {
		return OrderDetails{}, err
	}

	details, err = loadDetails(ctx, tx, order, result.Lines)
	if err != nil {
		return OrderDetails{}, err
	}
	if err = s.enqueue(ctx, tx, domain.EventOrderCreated, order.ID, NewOrderView(details)); err != nil {
		return OrderDetails{}, err
	}
	if err = tx.Commit(); err != nil {
		return OrderDetails{}, fmt.Errorf("commit order %d: %w", order.ID, err)
	}

	s.recordReconcile(result)
	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
		"status":      order.Status,
		"lines":       len(result.Lines),
	}).Info("order created")

	return details, nil
}

// UpdateOrder применяет новое состояние заказа. in.UpdatedAt: версия, которую видел клиент.
// Позиции, отсутствующие в in.Lines, удаляются.
func (s *Service) UpdateOrder(ctx context.Context, orderID int64, in domain.OrderInput) (details OrderDetails, err error) {
	start := time.Now()
	defer func() { s.observe(operationUpdate, start, err) }()

	if err = validateOrderInput(in, false); err != nil {
		return OrderDetails{}, err
	}

	now := s.now()
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stored, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("load order %d: %w", orderID, err)
	}
	if stored.UpdatedAt.After(*in.UpdatedAt) {
		return OrderDetails{}, fmt.Errorf("order %d: %w", orderID, domain.ErrUpdateConflict)
	}
	if in.CustomerID != nil && *in.CustomerID != stored.CustomerID {
		return OrderDetails{}, fmt.Errorf("order %d customer cannot be changed: %w", orderID, domain.ErrInvalidUpdate)
	}
	if err = checkProposedAmount(in); err != nil {
		return OrderDetails{}, err
	}

	order := stored
	order.Amount = domain.RoundMoney(*in.Amount)
	order.PaymentDateTime = normalizeTime(in.PaymentDateTime)
	order.Status = *in.Status
	order.Comments = in.Comments
	order.UpdatedAt = now

	order, err = tx.UpdateOrder(ctx, order, stored.UpdatedAt)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("update order %d: %w", orderID, err)
	}

	result, err := s.reconcile(ctx, tx, order, in.Lines, now)
	if err != nil {
		return OrderDetails{}, err
	}

	details, err = loadDetails(ctx, tx, order, result.Lines)
	if err != nil {
		return OrderDetails{}, err
	}
	if err = s.enqueue(ctx, tx, domain.EventOrderUpdated, order.ID, NewOrderView(details)); err != nil {
		return OrderDetails{}, err
	}
	if err = tx.Commit(); err != nil {
		return OrderDetails{}, fmt.Errorf("commit order %d: %w", order.ID, err)
	}

	s.recordReconcile(result)
	s.logger.WithFields(log.Fields{
		"order_id":        order.ID,
		"status":          order.Status,
		"lines_created":   result.Created,
		"lines_updated":   result.Updated,
		"lines_unchanged": result.Unchanged,
		"lines_deleted":   result.Deleted,
	}).Info("order updated")

	return details, nil
}

// DeleteOrder удаляет заказ в статусе Created вместе с позициями.
func (s *Service) DeleteOrder(ctx context.Context, orderID int64) (err error) {
	start := time.Now()
	defer func() { s.observe(operationDelete, start, err) }()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %d: %w", orderID, err)
	}
	if !order.Status.Deletable() {
		return &domain.InvalidDeleteStateError{Status: order.Status}
	}

	deleted, err := tx.DeleteOrderLinesNotIn(ctx, orderID, nil)
	if err != nil {
		return fmt.Errorf("delete lines of order %d: %w", orderID, err)
	}
	if err = tx.DeleteOrder(ctx, orderID); err != nil {
		return fmt.Errorf("delete order %d: %w", orderID, err)
	}

	event := deletedOrderEvent{ID: order.ID, CustomerID: order.CustomerID, Status: string(order.Status)}
	if err = s.enqueue(ctx, tx, domain.EventOrderDeleted, order.ID, event); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete of order %d: %w", orderID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordLinesReconciled("deleted", deleted)
	}
	s.logger.WithFields(log.Fields{
		"order_id":      orderID,
		"lines_deleted": deleted,
	}).Info("order deleted")

	return nil
}

type deletedOrderEvent struct {
	ID         int64  `json:"id"`
	CustomerID int64  `json:"customerId"`
	Status     string `json:"status"`
}

// GetOrder возвращает заказ с позициями.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (details OrderDetails, err error) {
	start := time.Now()
	defer func() { s.observe(operationGet, start, err) }()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("load order %d: %w", orderID, err)
	}
	return s.readDetails(ctx, tx, order)
}

// ListOrders возвращает заказы по фильтру. Без лимита отдаётся не больше 100 заказов.
func (s *Service) ListOrders(ctx context.Context, filter domain.ListFilter) (list []OrderDetails, err error) {
	start := time.Now()
	defer func() { s.observe(operationList, start, err) }()

	if filter.Status != nil && !filter.Status.Valid() {
		return nil, &domain.InvalidFieldError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *filter.Status)}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	orders, err := tx.ListOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	list = make([]OrderDetails, 0, len(orders))
	for _, order := range orders {
		details, err := s.readDetails(ctx, tx, order)
		if err != nil {
			return nil, err
		}
		list = append(list, details)
	}
	return list, nil
}

// readDetails показывает цены сохранённых позиций и не сверяет их заново.
func (s *Service) readDetails(ctx context.Context, tx domain.OrderTx, order domain.Order) (OrderDetails, error) {
	lines, err := tx.ListOrderLines(ctx, order.ID)
	if err != nil {
		return OrderDetails{}, fmt.Errorf("load lines of order %d: %w", order.ID, err)
	}

	resolver := pricing.NewResolver(tx)
	at := order.PricingInstant(s.now())
	validated := make([]ValidatedLine, 0, len(lines))
	for _, line := range lines {
		price, err := resolver.Describe(ctx, line, at)
		if err != nil {
			return OrderDetails{}, fmt.Errorf("price order line %d: %w", line.ID, err)
		}
		validated = append(validated, ValidatedLine{Line: line, Price: price})
	}
	return loadDetails(ctx, tx, order, validated)
}

func (s *Service) reconcile(ctx context.Context, tx domain.OrderTx, order domain.Order, lines []domain.LineInput, now time.Time) (ReconcileResult, error) {
	reconciler := NewReconciler(NewLineValidator(pricing.NewResolver(tx)))

	result, err := reconciler.Reconcile(ctx, tx, order.ID, lines, order.PricingInstant(now), now)
	if err != nil {
		return ReconcileResult{}, err
	}

	persisted := make([]domain.OrderLine, 0, len(result.Lines))
	for _, vl := range result.Lines {
		persisted = append(persisted, vl.Line)
	}
	if sum := domain.SumLineAmounts(persisted); !domain.MoneyEqual(order.Amount, sum) {
		return ReconcileResult{}, &domain.OrderAmountMismatchError{OrderAmount: order.Amount, LinesSum: sum}
	}
	return result, nil
}

func (s *Service) enqueue(ctx context.Context, tx domain.OrderTx, eventType string, orderID int64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   strconv.FormatInt(orderID, 10),
		EventType:     eventType,
		Payload:       data,
	}
	if err := tx.EnqueueOutbox(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s event: %w", eventType, err)
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
	return nil
}

func (s *Service) recordReconcile(result ReconcileResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordLinesReconciled("created", result.Created)
	s.metrics.RecordLinesReconciled("updated", result.Updated)
	s.metrics.RecordLinesReconciled("unchanged", result.Unchanged)
	s.metrics.RecordLinesReconciled("deleted", result.Deleted)
}

func (s *Service) observe(operation string, start time.Time, err error) {
	result := classify(err)
	if s.metrics != nil {
		s.metrics.RecordOperation(operation, result, time.Since(start))
		if result == metrics.ResultValidationError || result == metrics.ResultConflict {
			s.metrics.RecordValidationFailure(FailureReason(err))
		}
	}

	switch result {
	case metrics.ResultSuccess:
	case metrics.ResultError:
		s.logger.WithError(err).WithField("operation", operation).Error("order operation failed")
	default:
		s.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"reason":    FailureReason(err),
		}).Warn("order request rejected")
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case domain.IsUpdateConflict(err):
		return metrics.ResultConflict
	case domain.IsValidation(err):
		return metrics.ResultValidationError
	default:
		return metrics.ResultError
	}
}

// FailureReason возвращает короткий код причины отказа для метрик и логов.
func FailureReason(err error) string {
	reasons := []struct {
		target error
		reason string
	}{
		{domain.ErrMissingField, "missing_field"},
		{domain.ErrInvalidField, "invalid_field"},
		{domain.ErrPriceMismatch, "price_mismatch"},
		{domain.ErrAmountMismatch, "amount_mismatch"},
		{domain.ErrOrderAmountMismatch, "order_amount_mismatch"},
		{domain.ErrDuplicateLineItem, "duplicate_line_item"},
		{domain.ErrUpdateConflict, "update_conflict"},
		{domain.ErrInvalidUpdate, "invalid_update"},
		{domain.ErrInvalidDeleteState, "invalid_delete_state"},
		{domain.ErrRestrictedDeletion, "restricted_deletion"},
		{domain.ErrNotFound, "not_found"},
		{domain.ErrDataIntegrity, "data_integrity"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.reason
		}
	}
	return "internal"
}

func validateOrderInput(in domain.OrderInput, create bool) error {
	if create {
		if in.CustomerID == nil {
			return &domain.MissingFieldError{Field: "customerId"}
		}
		if *in.CustomerID <= 0 {
			return &domain.InvalidFieldError{Field: "customerId", Reason: "must be positive"}
		}
	} else if in.UpdatedAt == nil {
		return &domain.MissingFieldError{Field: "updated_at"}
	}

	if in.Amount == nil {
		return &domain.MissingFieldError{Field: "amount"}
	}
	if in.Amount.IsNegative() {
		return &domain.InvalidFieldError{Field: "amount", Reason: "must not be negative"}
	}
	if in.Status == nil {
		return &domain.MissingFieldError{Field: "status"}
	}
	if !in.Status.Valid() {
		return &domain.InvalidFieldError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *in.Status)}
	}
	if *in.Status != domain.OrderStatusCreated && in.PaymentDateTime == nil {
		return &domain.MissingFieldError{Field: "paymentDateTime"}
	}

	for i, line := range in.Lines {
		if line.Amount == nil {
			return &domain.MissingFieldError{Field: fmt.Sprintf("lines[%d].amount", i)}
		}
	}
	return nil
}

func checkProposedAmount(in domain.OrderInput) error {
	sum := in.ProposedLinesSum()
	if !domain.MoneyEqual(*in.Amount, sum) {
		return &domain.OrderAmountMismatchError{OrderAmount: domain.RoundMoney(*in.Amount), LinesSum: sum}
	}
	return nil
}

func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	normalized := t.UTC().Truncate(time.Microsecond)
	return &normalized
}
