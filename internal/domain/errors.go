package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Ошибка отсутствующего идентификатора поставщика-создателя.
	ErrVendorRequired = errors.New("vendor_id is required")
	// Ошибка создания заявки не-поставщиком.
	ErrVendorRoleRequired = errors.New("orders are created by vendor role only")
	// Ошибка отсутствующего идентификатора поставщика (supplier).
	ErrSupplierRequired = errors.New("supplier_id is required")
	// Ошибка отсутствующего идентификатора подразделения.
	ErrDepartmentRequired = errors.New("department_id is required")
	// Ошибка отсутствия хотя бы одной позиции в заявке.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заявки и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка статуса вне закрытого перечисления.
	ErrStatusInvalid = errors.New("order status is not recognized")
	// Ошибка роли вне перечисления.
	ErrRoleInvalid = errors.New("actor role is not recognized")
	// Ошибка пустой истории: первая запись появляется при создании.
	ErrHistoryEmpty = errors.New("order history must not be empty")
	// Ошибка расхождения производного статуса и последней записи истории.
	ErrStatusHistoryMismatch = errors.New("order status does not match last history entry")
	// ErrOrderNotFound возвращается, если заявка не найдена в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конкурентной записи при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// Ошибка отсутствующего idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// Ошибка отсутствующего хэша запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// Ошибка повторного использования ключа с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// Ошибка: ключ уже зарегистрирован и обрабатывается/обработан.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// Ошибка отсутствующей записи идемпотентности.
	ErrIdempotencyNotFound = errors.New("idempotency record not found")
)

// ValidationError агрегирует замечания проверки входных данных create.
// Вызывающая сторона исправляет запрос и повторяет команду.
type ValidationError struct {
	Issues []error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap отдаёт вложенные замечания для errors.Is.
func (e *ValidationError) Unwrap() []error { return e.Issues }

// NewValidationError оборачивает непустой список замечаний; для пустого возвращает nil.
func NewValidationError(issues []error) error {
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// IsValidation проверяет, является ли ошибка ошибкой валидации входных данных.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IllegalTransitionError возвращается, когда валидатор отклонил переход.
// Причина отказа сохраняется дословно и не подменяется другим статусом.
type IllegalTransitionError struct {
	From   OrderStatus
	To     OrderStatus
	Role   ActorRole
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for role %s: %s", e.From, e.To, e.Role, e.Reason)
}

// IsIllegalTransition проверяет, является ли ошибка отказом валидатора.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом конкурентной записи.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsNotFound проверяет, является ли ошибка отсутствием заявки.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}
