package domain

// OrderRepository описывает требования к хранилищу заявок (Entity Store).
// Записывает в него только Lifecycle Engine; остальные компоненты читают.
type OrderRepository interface {
	// Create сохраняет новую заявку. Возвращает ошибку, если запись с таким ID уже существует.
	Create(order Order) error
	// Get возвращает заявку по идентификатору или ErrOrderNotFound, если её нет.
	Get(id string) (Order, error)
	// All возвращает снимок всех заявок в порядке создания.
	All() ([]Order, error)
	// Save атомарно применяет обновления к заявке (статус + история) с учётом
	// optimistic locking; конкурентная запись отражается как ErrOrderVersionConflict.
	Save(order Order) error
}
