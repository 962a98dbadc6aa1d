package query

import (
	"iter"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
)

// Filter описывает составное условие выборки заявок.
// Нулевое значение поля означает отсутствие ограничения.
type Filter struct {
	Status       domain.OrderStatus
	SupplierID   string
	DepartmentID string
	// From/To ограничивают CreatedAt включительно с обеих сторон.
	From time.Time
	To   time.Time
}

// Matches проверяет заявку против всех заданных условий фильтра.
func (f Filter) Matches(order domain.Order) bool {
	if f.Status != "" && order.Status != f.Status {
		return false
	}
	if f.SupplierID != "" && order.SupplierID != f.SupplierID {
		return false
	}
	if f.DepartmentID != "" && order.DepartmentID != f.DepartmentID {
		return false
	}
	if !f.From.IsZero() && order.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && order.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Facade отдаёт read-only проекции заявок для дашборда.
// Выборки ленивы: фильтр применяется по мере обхода, последовательность
// можно обходить заново с начала. Снимок данных берётся в момент вызова,
// поэтому конкурентные записи не влияют на уже начатый обход.
type Facade struct {
	orders domain.OrderRepository
	logger *log.Entry
}

// NewFacade создаёт фасад запросов поверх репозитория заявок.
func NewFacade(orders domain.OrderRepository, logger *log.Entry) *Facade {
	if logger == nil {
		logger = log.New().WithField("component", "query")
	}
	return &Facade{orders: orders, logger: logger}
}

// Orders возвращает ленивую последовательность заявок, прошедших фильтр,
// в порядке создания. Обход можно прервать и начать заново.
func (f *Facade) Orders(filter Filter) (iter.Seq[domain.Order], error) {
	snapshot, err := f.orders.All()
	if err != nil {
		f.logger.WithError(err).Error("failed to load orders snapshot")
		return nil, err
	}

	return func(yield func(domain.Order) bool) {
		for _, order := range snapshot {
			if !filter.Matches(order) {
				continue
			}
			if !yield(order) {
				return
			}
		}
	}, nil
}

// Collect материализует последовательность в слайс.
func Collect(seq iter.Seq[domain.Order]) []domain.Order {
	var orders []domain.Order
	for order := range seq {
		orders = append(orders, order)
	}
	return orders
}

// FindByStatus возвращает заявки в заданном статусе.
func (f *Facade) FindByStatus(status domain.OrderStatus) ([]domain.Order, error) {
	return f.find(Filter{Status: status})
}

// FindBySupplier возвращает заявки по идентификатору поставщика (supplier).
func (f *Facade) FindBySupplier(supplierID string) ([]domain.Order, error) {
	return f.find(Filter{SupplierID: supplierID})
}

// FindByDepartment возвращает заявки подразделения.
func (f *Facade) FindByDepartment(departmentID string) ([]domain.Order, error) {
	return f.find(Filter{DepartmentID: departmentID})
}

// FindByDateRange возвращает заявки, созданные в интервале [from, to].
func (f *Facade) FindByDateRange(from, to time.Time) ([]domain.Order, error) {
	return f.find(Filter{From: from, To: to})
}

// Count возвращает количество заявок, прошедших фильтр.
func (f *Facade) Count(filter Filter) (int, error) {
	seq, err := f.Orders(filter)
	if err != nil {
		return 0, err
	}
	count := 0
	for range seq {
		count++
	}
	return count, nil
}

// Get возвращает одну заявку по идентификатору.
func (f *Facade) Get(orderID string) (domain.Order, error) {
	return f.orders.Get(orderID)
}

func (f *Facade) find(filter Filter) ([]domain.Order, error) {
	seq, err := f.Orders(filter)
	if err != nil {
		return nil, err
	}
	return Collect(seq), nil
}
