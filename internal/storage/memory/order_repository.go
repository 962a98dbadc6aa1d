package memory

import (
	"sort"
	"sync"

	"github.com/procuredash/pms/internal/domain"
)

// orderRecord хранит заявку вместе с монотонным номером вставки, по которому
// восстанавливается точный порядок создания даже при одинаковых CreatedAt.
type orderRecord struct {
	order domain.Order
	seq   uint64
}

// orderRepositoryInMemory — in-memory реализация OrderRepository (Entity Store).
// Заявки хранятся и отдаются глубокими копиями: читатели видят либо состояние
// до перехода, либо после, но никогда частично применённое.
type orderRepositoryInMemory struct {
	mu      sync.RWMutex
	items   map[string]orderRecord
	lastSeq uint64
}

// NewOrderRepository возвращает in-memory хранилище заявок для локальной
// разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]orderRecord),
	}
}

// Create сохраняет новую заявку, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	r.lastSeq++
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = orderRecord{order: order.Clone(), seq: r.lastSeq}
	return nil
}

// Get возвращает копию заявки или ErrOrderNotFound, если её нет.
func (r *orderRepositoryInMemory) Get(id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return record.order.Clone(), nil
}

// All возвращает снимок всех заявок строго в порядке создания.
func (r *orderRepositoryInMemory) All() ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]orderRecord, 0, len(r.items))
	for _, record := range r.items {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })

	result := make([]domain.Order, 0, len(records))
	for _, record := range records {
		result = append(result, record.order.Clone())
	}
	return result, nil
}

// Save перезаписывает заявку целиком (статус + история одной операцией),
// проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.order.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	// Инкрементируем версию перед сохранением; номер вставки не меняется.
	order.Version++
	r.items[order.ID] = orderRecord{order: order.Clone(), seq: current.seq}
	return nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
