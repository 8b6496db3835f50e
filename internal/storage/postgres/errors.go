package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	orderLinesUniqueConstraint = "order_lines_order_item_unique"
)

func pgErrorCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func isUniqueViolation(err error) bool {
	code, _ := pgErrorCode(err)
	return code == pgUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	code, _ := pgErrorCode(err)
	return code == pgForeignKeyViolation
}

// notFoundOr переводит sql.ErrNoRows в NotFoundError.
func notFoundOr(err error, resource string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewNotFound(resource, id)
	}
	return fmt.Errorf("query %s %d: %w", resource, id, err)
}

// mapLineWriteError переводит нарушения ограничений order_lines в доменные ошибки.
func mapLineWriteError(err error, line domain.OrderLine) error {
	code, constraint := pgErrorCode(err)
	switch {
	case code == pgUniqueViolation && constraint == orderLinesUniqueConstraint:
		return &domain.DuplicateLineItemError{ItemID: line.ItemID}
	case code == pgForeignKeyViolation:
		return fmt.Errorf("order line references missing %s: %w", constraint, domain.ErrNotFound)
	default:
		return err
	}
}

// mapCommitError обрабатывает отложенную проверку уникальности (order_id, item_id).
func mapCommitError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("commit: %w", domain.ErrDuplicateLineItem)
	}
	return fmt.Errorf("commit: %w", err)
}
