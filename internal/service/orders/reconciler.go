package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ReconcileResult: итог сверки набора позиций с хранилищем.
type ReconcileResult struct {
	// Lines: сохранённые позиции в порядке запроса.
	Lines     []ValidatedLine
	Created   int
	Updated   int
	Unchanged int
	Deleted   int
}

// Reconciler приводит позиции заказа к предложенному набору: обновляет,
// создаёт и удаляет позиции, которых нет в запросе.
type Reconciler struct {
	validator *LineValidator
}

// NewReconciler создаёт Reconciler.
func NewReconciler(validator *LineValidator) *Reconciler {
	return &Reconciler{validator: validator}
}

type plannedLine struct {
	validated ValidatedLine
	stored    *domain.OrderLine
}

// Reconcile сверяет proposed с позициями заказа orderID внутри tx.
// Все позиции проверяются до первой записи. at задаёт момент расчёта цен, now задаёт время изменения.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	tx domain.OrderTx,
	orderID int64,
	proposed []domain.LineInput,
	at, now time.Time,
) (ReconcileResult, error) {
	plan, err := r.plan(ctx, tx, orderID, proposed, at)
	if err != nil {
		return ReconcileResult{}, err
	}

	result := ReconcileResult{Lines: make([]ValidatedLine, 0, len(plan))}
	keep := make([]int64, 0, len(plan))

	for _, p := range plan {
		line := p.validated.Line
		switch {
		case p.stored == nil:
			line.CreatedAt = now
			line.UpdatedAt = now
			saved, err := tx.InsertOrderLine(ctx, line)
			if err != nil {
				return ReconcileResult{}, fmt.Errorf("insert order line for item %d: %w", line.ItemID, err)
			}
			line = saved
			result.Created++
		case p.stored.SameValues(line):
			line = *p.stored
			result.Unchanged++
		default:
			line.CreatedAt = p.stored.CreatedAt
			line.UpdatedAt = now
			saved, err := tx.UpdateOrderLine(ctx, line, p.stored.UpdatedAt)
			if err != nil {
				return ReconcileResult{}, fmt.Errorf("update order line %d: %w", line.ID, err)
			}
			line = saved
			result.Updated++
		}

		keep = append(keep, line.ID)
		result.Lines = append(result.Lines, ValidatedLine{Line: line, Price: p.validated.Price})
	}

	deleted, err := tx.DeleteOrderLinesNotIn(ctx, orderID, keep)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("delete stale order lines: %w", err)
	}
	result.Deleted = deleted

	return result, nil
}

func (r *Reconciler) plan(
	ctx context.Context,
	tx domain.OrderTx,
	orderID int64,
	proposed []domain.LineInput,
	at time.Time,
) ([]plannedLine, error) {
	seenItems := make(map[int64]struct{}, len(proposed))
	seenIDs := make(map[int64]struct{}, len(proposed))
	plan := make([]plannedLine, 0, len(proposed))

	for i, in := range proposed {
		field := fmt.Sprintf("lines[%d]", i)

		if in.ItemID != nil {
			if _, dup := seenItems[*in.ItemID]; dup {
				return nil, &domain.DuplicateLineItemError{ItemID: *in.ItemID}
			}
			seenItems[*in.ItemID] = struct{}{}
		}

		if in.OrderID != nil && *in.OrderID != orderID {
			return nil, fmt.Errorf("%s.orderId %d does not belong to order %d: %w",
				field, *in.OrderID, orderID, domain.ErrInvalidUpdate)
		}
		in.OrderID = &orderID

		if !in.IsUpdate() {
			validated, err := r.validator.ValidateCreate(ctx, field, in, at)
			if err != nil {
				return nil, err
			}
			plan = append(plan, plannedLine{validated: validated})
			continue
		}

		if _, dup := seenIDs[*in.ID]; dup {
			return nil, &domain.InvalidFieldError{Field: field + ".id", Reason: "order line is listed more than once"}
		}
		seenIDs[*in.ID] = struct{}{}

		validated, err := r.validator.ValidateUpdate(ctx, field, in, at)
		if err != nil {
			return nil, err
		}

		stored, err := tx.GetOrderLine(ctx, *in.ID)
		if err != nil {
			return nil, fmt.Errorf("load order line %d: %w", *in.ID, err)
		}
		if stored.OrderID != orderID {
			return nil, domain.NewNotFound("order line", *in.ID)
		}
		if stored.UpdatedAt.After(*in.UpdatedAt) {
			return nil, fmt.Errorf("order line %d: %w", stored.ID, domain.ErrUpdateConflict)
		}
		if stored.ItemID != validated.Line.ItemID {
			return nil, fmt.Errorf("order line %d cannot change item %d to %d: %w",
				stored.ID, stored.ItemID, validated.Line.ItemID, domain.ErrInvalidUpdate)
		}

		plan = append(plan, plannedLine{validated: validated, stored: &stored})
	}

	return plan, nil
}
