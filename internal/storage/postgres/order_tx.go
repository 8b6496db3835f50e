package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderTx реализует domain.OrderTx поверх *sql.Tx.
type orderTx struct {
	tx *sql.Tx
}

func (t *orderTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return mapCommitError(err)
	}
	return nil
}

// Rollback после Commit возвращает nil.
func (t *orderTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *orderTx) GetProductItem(ctx context.Context, id int64) (domain.ProductItem, error) {
	var item domain.ProductItem
	var size string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, product_id, color, size, stock
		FROM product_items
		WHERE id = $1
	`, id).Scan(&item.ID, &item.ProductID, &item.Color, &size, &item.Stock)
	if err != nil {
		return domain.ProductItem{}, notFoundOr(err, "product item", id)
	}
	item.Size = domain.ProductItemSize(size)
	return item, nil
}

func (t *orderTx) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	var product domain.Product
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, price
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.Name, &product.Price)
	if err != nil {
		return domain.Product{}, notFoundOr(err, "product", id)
	}
	return product, nil
}

// ActiveSeasonalSaleLines возвращает не больше двух строк: второй строки достаточно,
// чтобы вызывающий обнаружил нарушение целостности.
func (t *orderTx) ActiveSeasonalSaleLines(ctx context.Context, itemID int64, at time.Time) ([]domain.SeasonalSaleLine, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT l.id, l.seasonal_sale_id, l.item_id, l.discount_percentage
		FROM seasonal_sale_lines l
		JOIN seasonal_sales s ON s.id = l.seasonal_sale_id
		WHERE l.item_id = $1
		  AND s.is_canceled = FALSE
		  AND s.valid_from <= $2
		  AND s.valid_to >= $2
		ORDER BY l.id
		LIMIT 2
	`, itemID, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("query active seasonal sale lines: %w", err)
	}
	defer rows.Close()

	var result []domain.SeasonalSaleLine
	for rows.Next() {
		var line domain.SeasonalSaleLine
		if err := rows.Scan(&line.ID, &line.SeasonalSaleID, &line.ItemID, &line.DiscountPercentage); err != nil {
			return nil, fmt.Errorf("scan seasonal sale line: %w", err)
		}
		result = append(result, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seasonal sale lines: %w", err)
	}
	return result, nil
}

const orderColumns = `id, customer_id, amount, payment_date_time, status, comments, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order    domain.Order
		status   string
		paidAt   sql.NullTime
		comments sql.NullString
	)
	if err := row.Scan(
		&order.ID,
		&order.CustomerID,
		&order.Amount,
		&paidAt,
		&status,
		&comments,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	if paidAt.Valid {
		ts := paidAt.Time.UTC()
		order.PaymentDateTime = &ts
	}
	if comments.Valid {
		order.Comments = &comments.String
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (t *orderTx) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return domain.Order{}, notFoundOr(err, "order", id)
	}
	return order, nil
}

func (t *orderTx) ListOrders(ctx context.Context, filter domain.ListFilter) ([]domain.Order, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CustomerID != nil {
		args = append(args, *filter.CustomerID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return result, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (t *orderTx) InsertOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO orders (
			customer_id, amount, payment_date_time, status, comments, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`,
		order.CustomerID, order.Amount, nullTime(order.PaymentDateTime), string(order.Status),
		nullString(order.Comments), order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return order, nil
}

// UpdateOrder пишет заказ условно по updated_at. При READ COMMITTED второй писатель ждёт блокировку строки,
// перепроверяет WHERE на новой версии и получает 0 строк.
func (t *orderTx) UpdateOrder(ctx context.Context, order domain.Order, prevUpdatedAt time.Time) (domain.Order, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET amount = $2,
		    payment_date_time = $3,
		    status = $4,
		    comments = $5,
		    updated_at = $6
		WHERE id = $1 AND updated_at = $7
	`,
		order.ID, order.Amount, nullTime(order.PaymentDateTime), string(order.Status),
		nullString(order.Comments), order.UpdatedAt, prevUpdatedAt,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}
	if err := t.expectVersioned(ctx, res, "orders", "order", order.ID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (t *orderTx) DeleteOrder(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("delete order %d: %w", id, domain.ErrRestrictedDeletion)
		}
		return fmt.Errorf("delete order %d: %w", id, err)
	}
	return expectAffected(res, "order", id)
}

// expectVersioned отличает удалённую строку (NotFound) от изменённой другим писателем (UpdateConflict).
func (t *orderTx) expectVersioned(ctx context.Context, res sql.Result, table, resource string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s %d: %w", resource, id, err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	// table задаётся только константами этого пакета.
	query := "SELECT EXISTS (SELECT 1 FROM " + table + " WHERE id = $1)"
	if err := t.tx.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s %d: %w", resource, id, err)
	}
	if !exists {
		return domain.NewNotFound(resource, id)
	}
	return fmt.Errorf("%s %d: %w", resource, id, domain.ErrUpdateConflict)
}

func expectAffected(res sql.Result, resource string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s %d: %w", resource, id, err)
	}
	if affected == 0 {
		return domain.NewNotFound(resource, id)
	}
	return nil
}

const lineColumns = `id, order_id, item_id, quantity, price_with_discount, amount, created_at, updated_at`

func scanLine(row rowScanner) (domain.OrderLine, error) {
	var line domain.OrderLine
	if err := row.Scan(
		&line.ID,
		&line.OrderID,
		&line.ItemID,
		&line.Quantity,
		&line.PriceWithDiscount,
		&line.Amount,
		&line.CreatedAt,
		&line.UpdatedAt,
	); err != nil {
		return domain.OrderLine{}, err
	}
	line.CreatedAt = line.CreatedAt.UTC()
	line.UpdatedAt = line.UpdatedAt.UTC()
	return line, nil
}

func (t *orderTx) GetOrderLine(ctx context.Context, id int64) (domain.OrderLine, error) {
	line, err := scanLine(t.tx.QueryRowContext(ctx,
		`SELECT `+lineColumns+` FROM order_lines WHERE id = $1`, id))
	if err != nil {
		return domain.OrderLine{}, notFoundOr(err, "order line", id)
	}
	return line, nil
}

func (t *orderTx) ListOrderLines(ctx context.Context, orderID int64) ([]domain.OrderLine, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+lineColumns+` FROM order_lines WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order lines: %w", err)
	}
	defer rows.Close()

	var result []domain.OrderLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		result = append(result, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}
	return result, nil
}

func (t *orderTx) InsertOrderLine(ctx context.Context, line domain.OrderLine) (domain.OrderLine, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO order_lines (
			order_id, item_id, quantity, price_with_discount, amount, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`,
		line.OrderID, line.ItemID, line.Quantity, line.PriceWithDiscount, line.Amount,
		line.CreatedAt, line.UpdatedAt,
	).Scan(&line.ID)
	if err != nil {
		return domain.OrderLine{}, fmt.Errorf("insert order line: %w", mapLineWriteError(err, line))
	}
	return line, nil
}

func (t *orderTx) UpdateOrderLine(ctx context.Context, line domain.OrderLine, prevUpdatedAt time.Time) (domain.OrderLine, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE order_lines
		SET item_id = $2,
		    quantity = $3,
		    price_with_discount = $4,
		    amount = $5,
		    updated_at = $6
		WHERE id = $1 AND updated_at = $7
	`,
		line.ID, line.ItemID, line.Quantity, line.PriceWithDiscount, line.Amount, line.UpdatedAt, prevUpdatedAt,
	)
	if err != nil {
		return domain.OrderLine{}, fmt.Errorf("update order line: %w", mapLineWriteError(err, line))
	}
	if err := t.expectVersioned(ctx, res, "order_lines", "order line", line.ID); err != nil {
		return domain.OrderLine{}, err
	}
	return line, nil
}

// DeleteOrderLinesNotIn удаляет позиции заказа, не перечисленные в keep.
// Пустой keep удаляет все позиции.
func (t *orderTx) DeleteOrderLinesNotIn(ctx context.Context, orderID int64, keep []int64) (int, error) {
	if keep == nil {
		keep = []int64{}
	}
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM order_lines
		WHERE order_id = $1
		  AND NOT (id = ANY($2))
	`, orderID, keep)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, fmt.Errorf("delete order lines: %w", domain.ErrRestrictedDeletion)
		}
		return 0, fmt.Errorf("delete order lines: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for order lines: %w", err)
	}
	return int(affected), nil
}

func (t *orderTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7)
	`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}
	return nil
}

var _ domain.OrderTx = (*orderTx)(nil)
