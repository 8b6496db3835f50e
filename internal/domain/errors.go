package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrMissingField: в запросе нет обязательного поля.
	ErrMissingField = errors.New("required field is missing")
	// ErrInvalidField: поле присутствует, но значение недопустимо.
	ErrInvalidField = errors.New("field value is invalid")
	// ErrPriceMismatch: цена позиции не совпадает с актуальной ценой товара.
	ErrPriceMismatch = errors.New("order line price mismatch")
	// ErrAmountMismatch: сумма позиции не равна price * quantity.
	ErrAmountMismatch = errors.New("order line amount mismatch")
	// ErrOrderAmountMismatch: сумма заказа не равна сумме позиций.
	ErrOrderAmountMismatch = errors.New("order amount does not match lines sum")
	// ErrDuplicateLineItem: один и тот же товар встречается в заказе дважды.
	ErrDuplicateLineItem = errors.New("order line item already exists")
	// ErrUpdateConflict: на сервере лежит более новая версия ресурса.
	ErrUpdateConflict = errors.New("there is a newer version of the resource in the server")
	// ErrInvalidUpdate: попытка изменить неизменяемое поле.
	ErrInvalidUpdate = errors.New("invalid update attempt")
	// ErrInvalidDeleteState: удалять можно только заказы в статусе Created.
	ErrInvalidDeleteState = errors.New("order cannot be deleted in its current status")
	// ErrRestrictedDeletion: удаление запрещено зависимостью другого ресурса.
	ErrRestrictedDeletion = errors.New("deletion is restricted due to a dependency of another resource")
	// ErrNotFound: запрошенный ресурс не найден.
	ErrNotFound = errors.New("resource not found")
	// ErrDataIntegrity: данные в хранилище нарушают инвариант (так быть не должно).
	ErrDataIntegrity = errors.New("data integrity fault")
)

// MissingFieldError указывает отсутствующее поле.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("field %q is required", e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// InvalidFieldError указывает поле с недопустимым значением.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("field %q is invalid: %s", e.Field, e.Reason)
}

func (e *InvalidFieldError) Unwrap() error { return ErrInvalidField }

// PriceMismatchError хранит цену из запроса и ожидаемую цену товара.
type PriceMismatchError struct {
	ItemID   int64
	Got      decimal.Decimal
	Expected decimal.Decimal
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("the price of the order line %s must be equal to the price of the item %s",
		e.Got.StringFixed(MoneyScale), e.Expected.StringFixed(MoneyScale))
}

func (e *PriceMismatchError) Unwrap() error { return ErrPriceMismatch }

// AmountMismatchError хранит сумму позиции из запроса и ожидаемую.
type AmountMismatchError struct {
	ItemID   int64
	Got      decimal.Decimal
	Expected decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("the amount of the order line %s must be equal to price * quantity %s",
		e.Got.StringFixed(MoneyScale), e.Expected.StringFixed(MoneyScale))
}

func (e *AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

// OrderAmountMismatchError хранит сумму заказа и сумму его позиций.
type OrderAmountMismatchError struct {
	OrderAmount decimal.Decimal
	LinesSum    decimal.Decimal
}

func (e *OrderAmountMismatchError) Error() string {
	return fmt.Sprintf("the amount of the order %s must be equal to the sum of the line amounts %s",
		e.OrderAmount.StringFixed(MoneyScale), e.LinesSum.StringFixed(MoneyScale))
}

func (e *OrderAmountMismatchError) Unwrap() error { return ErrOrderAmountMismatch }

// DuplicateLineItemError указывает повторяющийся товар.
type DuplicateLineItemError struct {
	ItemID int64
}

func (e *DuplicateLineItemError) Error() string {
	return fmt.Sprintf("the order line with the item %d already exists", e.ItemID)
}

func (e *DuplicateLineItemError) Unwrap() error { return ErrDuplicateLineItem }

// InvalidDeleteStateError хранит статус, в котором удаление запрещено.
type InvalidDeleteStateError struct {
	Status OrderStatus
}

func (e *InvalidDeleteStateError) Error() string {
	return fmt.Sprintf("order in status %q cannot be deleted", e.Status)
}

func (e *InvalidDeleteStateError) Unwrap() error { return ErrInvalidDeleteState }

// NotFoundError указывает тип и идентификатор ненайденного ресурса.
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound создаёт NotFoundError для ресурса.
func NewNotFound(resource string, id int64) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsValidation сообщает, является ли ошибка ожидаемой ошибкой клиента (4xx).
// ErrDataIntegrity и ошибки хранилища сюда не входят.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		ErrMissingField,
		ErrInvalidField,
		ErrPriceMismatch,
		ErrAmountMismatch,
		ErrOrderAmountMismatch,
		ErrDuplicateLineItem,
		ErrUpdateConflict,
		ErrInvalidUpdate,
		ErrInvalidDeleteState,
		ErrRestrictedDeletion,
		ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsUpdateConflict проверяет, является ли ошибка конфликтом версий.
func IsUpdateConflict(err error) bool {
	return errors.Is(err, ErrUpdateConflict)
}
