package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/domain"
	"github.com/procuredash/pms/internal/messaging/kafka"
	"github.com/procuredash/pms/internal/metrics"
)

// idempotencyTTL определяет срок хранения записей идемпотентности create-команд.
const idempotencyTTL = 24 * time.Hour

// ItemInput описывает позицию заявки в команде создания.
type ItemInput struct {
	ProductRef string `json:"product_ref"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

// CreateCommand содержит данные для создания заявки.
// Сумма заявки не принимается извне и всегда пересчитывается из позиций.
type CreateCommand struct {
	VendorID       string           `json:"vendor_id"`
	ActorRole      domain.ActorRole `json:"actor_role"`
	SupplierID     string           `json:"supplier_id"`
	DepartmentID   string           `json:"department_id"`
	Items          []ItemInput      `json:"items"`
	Note           string           `json:"note,omitempty"`
	IdempotencyKey string           `json:"-"`
}

// Engine управляет жизненным циклом заявки: создание, переходы и повторная подача.
type Engine interface {
	Create(cmd CreateCommand) (domain.Order, error)
	Transition(orderID string, to domain.OrderStatus, actorID string, role domain.ActorRole, comment string) (domain.Order, error)
	Resubmit(orderID, actorID string, role domain.ActorRole, note string) (domain.Order, error)
	Get(orderID string) (domain.Order, error)
}

// engine реализует Engine поверх репозитория заявок и transactional outbox.
// Записи по одной заявке сериализуются per-order мьютексом; конфликт версий
// при конкурентной записи не ретраится, а возвращается вызывающей стороне.
type engine struct {
	orders        domain.OrderRepository
	outbox        domain.OutboxRepository
	idem          domain.IdempotencyRepository
	logger        *log.Entry
	metrics       *metrics.LifecycleMetrics
	kafkaProducer *kafka.Producer // опциональный Kafka producer для fire-and-forget нотификаций

	mu    sync.Mutex
	locks map[string]*orderLock
}

// orderLock — мьютекс одной заявки со счётчиком ожидающих. Когда счётчик
// падает до нуля, запись удаляется из карты, чтобы она не росла бесконечно.
type orderLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine создаёт рабочий экземпляр движка жизненного цикла.
func NewEngine(
	orders domain.OrderRepository,
	outbox domain.OutboxRepository,
	idem domain.IdempotencyRepository,
	logger *log.Entry,
) Engine {
	if logger == nil {
		logger = log.New().WithField("component", "lifecycle")
	}
	return &engine{
		orders:  orders,
		outbox:  outbox,
		idem:    idem,
		logger:  logger,
		metrics: metrics.NewLifecycleMetrics(),
		locks:   make(map[string]*orderLock),
	}
}

// NewEngineWithKafka создаёт движок с Kafka producer для event-driven нотификаций.
func NewEngineWithKafka(
	orders domain.OrderRepository,
	outbox domain.OutboxRepository,
	idem domain.IdempotencyRepository,
	kafkaProducer *kafka.Producer,
	logger *log.Entry,
) Engine {
	if logger == nil {
		logger = log.New().WithField("component", "lifecycle")
	}
	return &engine{
		orders:        orders,
		outbox:        outbox,
		idem:          idem,
		logger:        logger,
		metrics:       metrics.NewLifecycleMetrics(),
		kafkaProducer: kafkaProducer,
		locks:         make(map[string]*orderLock),
	}
}

// NewEngineWithoutMetrics создаёт движок без метрик (для тестов).
func NewEngineWithoutMetrics(
	orders domain.OrderRepository,
	outbox domain.OutboxRepository,
	idem domain.IdempotencyRepository,
	logger *log.Entry,
) Engine {
	if logger == nil {
		logger = log.New().WithField("component", "lifecycle")
	}
	return &engine{
		orders:  orders,
		outbox:  outbox,
		idem:    idem,
		logger:  logger,
		metrics: nil, // Отключаем метрики для тестов
		locks:   make(map[string]*orderLock),
	}
}

// Create валидирует команду, собирает заявку в статусе pending и сохраняет её.
// При наличии idempotency-key повторная команда с тем же телом возвращает
// ранее созданную заявку без побочных эффектов.
func (e *engine) Create(cmd CreateCommand) (domain.Order, error) {
	if err := validateCreate(cmd); err != nil {
		return domain.Order{}, err
	}

	if cmd.IdempotencyKey != "" && e.idem != nil {
		return e.createIdempotent(cmd)
	}
	return e.createOrder(cmd)
}

func validateCreate(cmd CreateCommand) error {
	var issues []error
	if cmd.VendorID == "" {
		issues = append(issues, domain.ErrVendorRequired)
	}
	if cmd.ActorRole != domain.RoleVendor {
		issues = append(issues, domain.ErrVendorRoleRequired)
	}
	if cmd.SupplierID == "" {
		issues = append(issues, domain.ErrSupplierRequired)
	}
	if cmd.DepartmentID == "" {
		issues = append(issues, domain.ErrDepartmentRequired)
	}
	if len(cmd.Items) == 0 {
		issues = append(issues, domain.ErrItemsRequired)
	}
	for _, item := range cmd.Items {
		if item.Qty <= 0 {
			issues = append(issues, domain.ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			issues = append(issues, domain.ErrItemPriceInvalid)
		}
	}
	return domain.NewValidationError(issues)
}

func (e *engine) createIdempotent(cmd CreateCommand) (domain.Order, error) {
	reqHash, err := buildRequestHash(cmd)
	if err != nil {
		e.logger.WithError(err).Warn("failed to build idempotency request hash")
		return e.createOrder(cmd)
	}

	record, err := e.idem.CreateProcessing(cmd.IdempotencyKey, reqHash, time.Now().UTC().Add(idempotencyTTL))
	switch {
	case err == nil:
		// Первый вызов с этим ключом.
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return domain.Order{}, err
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return e.replayIdempotent(record)
	default:
		return domain.Order{}, err
	}

	order, createErr := e.createOrder(cmd)
	if createErr != nil {
		if markErr := e.idem.MarkFailed(cmd.IdempotencyKey, []byte(createErr.Error())); markErr != nil {
			e.logger.WithError(markErr).WithField("key", cmd.IdempotencyKey).Warn("failed to cache create failure")
		}
		return domain.Order{}, createErr
	}

	body, marshalErr := json.Marshal(order)
	if marshalErr != nil {
		e.logger.WithError(marshalErr).WithField("order_id", order.ID).Warn("failed to marshal order for idempotency cache")
		body = nil
	}
	if markErr := e.idem.MarkDone(cmd.IdempotencyKey, body); markErr != nil {
		e.logger.WithError(markErr).WithField("key", cmd.IdempotencyKey).Warn("failed to cache create result")
	}
	return order, nil
}

// replayIdempotent воспроизводит результат ранее выполненной create-команды.
func (e *engine) replayIdempotent(record domain.IdempotencyRecord) (domain.Order, error) {
	switch record.Status {
	case domain.IdempotencyStatusDone:
		var order domain.Order
		if len(record.ResponseBody) == 0 {
			return domain.Order{}, fmt.Errorf("idempotency record %s has no cached order", record.Key)
		}
		if err := json.Unmarshal(record.ResponseBody, &order); err != nil {
			return domain.Order{}, fmt.Errorf("failed to decode cached order: %w", err)
		}
		return order, nil
	case domain.IdempotencyStatusProcessing:
		return domain.Order{}, domain.ErrIdempotencyKeyAlreadyExists
	case domain.IdempotencyStatusFailed:
		return domain.Order{}, fmt.Errorf("create previously failed: %s", string(record.ResponseBody))
	default:
		return domain.Order{}, fmt.Errorf("unexpected idempotency status %q", record.Status)
	}
}

func (e *engine) createOrder(cmd CreateCommand) (domain.Order, error) {
	now := time.Now().UTC()
	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		items = append(items, domain.OrderItem{
			ID:         uuid.NewString(),
			ProductRef: item.ProductRef,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
			CreatedAt:  now,
		})
	}

	order := domain.Order{
		ID:           uuid.NewString(),
		VendorID:     cmd.VendorID,
		SupplierID:   cmd.SupplierID,
		DepartmentID: cmd.DepartmentID,
		Status:       domain.OrderStatusPending,
		AmountMinor:  domain.ComputeAmount(items),
		Items:        items,
		History: []domain.HistoryEntry{{
			Status:    domain.OrderStatusPending,
			ActorID:   cmd.VendorID,
			ActorRole: domain.RoleVendor,
			Comment:   cmd.Note,
			Occurred:  now,
		}},
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, domain.NewValidationError(errs)
	}

	if err := e.orders.Create(order); err != nil {
		e.logger.WithError(err).Error("failed to create order")
		return domain.Order{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordOrderCreated()
		e.metrics.RecordHistoryEntry()
	}

	e.emitEvent(&order, string(kafka.EventTypeOrderCreated), map[string]interface{}{
		"to_status":  string(order.Status),
		"actor_id":   cmd.VendorID,
		"actor_role": string(domain.RoleVendor),
		"ts":         now.Format(time.RFC3339Nano),
	})
	e.publishLifecycleEvent(kafka.EventTypeOrderCreated, order.ID, "", order.Status, cmd.VendorID, domain.RoleVendor)

	e.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"vendor_id": order.VendorID,
		"amount":    order.AmountMinor,
	}).Info("order created")

	return order, nil
}

// Transition применяет переход статуса. Статус и запись истории меняются
// одной записью в репозиторий, частичных состояний не бывает.
// Конфликт версий возвращается как есть: решение о повторе за вызывающим.
func (e *engine) Transition(orderID string, to domain.OrderStatus, actorID string, role domain.ActorRole, comment string) (domain.Order, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordTransitionDuration(time.Since(start))
		}
	}()

	var issues []error
	if orderID == "" {
		issues = append(issues, domain.ErrOrderNotFound)
	}
	if actorID == "" {
		issues = append(issues, errors.New("actor_id is required"))
	}
	if !role.Valid() {
		issues = append(issues, domain.ErrRoleInvalid)
	}
	if err := domain.NewValidationError(issues); err != nil {
		return domain.Order{}, err
	}

	unlock := e.lockOrder(orderID)
	defer unlock()

	order, err := e.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	decision := domain.CanTransition(order.Status, to, role)
	if !decision.Allowed {
		if e.metrics != nil {
			e.metrics.RecordTransitionDenied(decision.Reason)
		}
		e.logger.WithFields(log.Fields{
			"order_id": orderID,
			"from":     order.Status,
			"to":       to,
			"role":     role,
			"reason":   decision.Reason,
		}).Warn("transition denied")
		return domain.Order{}, &domain.IllegalTransitionError{
			From:   order.Status,
			To:     to,
			Role:   role,
			Reason: decision.Reason,
		}
	}

	now := time.Now().UTC()
	next := order.AppendHistory(domain.HistoryEntry{
		Status:    to,
		ActorID:   actorID,
		ActorRole: role,
		Comment:   comment,
		Occurred:  now,
	})

	prevVersion := next.Version
	if err := e.orders.Save(next); err != nil {
		if domain.IsVersionConflict(err) {
			if e.metrics != nil {
				e.metrics.RecordWriteConflict()
			}
			e.logger.WithFields(log.Fields{
				"order_id": orderID,
				"version":  next.Version,
			}).Warn("version conflict on transition")
		} else {
			e.logger.WithError(err).WithField("order_id", orderID).Error("failed to persist transition")
		}
		return domain.Order{}, err
	}
	next.Version = prevVersion + 1

	if e.metrics != nil {
		e.metrics.RecordTransitionApplied(string(order.Status), string(to))
		e.metrics.RecordHistoryEntry()
	}

	eventType := kafka.EventTypeForStatus(to)
	e.emitEvent(&next, string(eventType), map[string]interface{}{
		"from_status": string(order.Status),
		"to_status":   string(to),
		"actor_id":    actorID,
		"actor_role":  string(role),
		"ts":          now.Format(time.RFC3339Nano),
	})
	e.publishLifecycleEvent(eventType, next.ID, order.Status, to, actorID, role)

	e.logger.WithFields(log.Fields{
		"order_id": next.ID,
		"from":     order.Status,
		"to":       to,
		"actor_id": actorID,
	}).Info("transition applied")

	return next, nil
}

// Resubmit создаёт новую pending-заявку на основе отклонённой. Отклонённая
// заявка терминальна и не меняется, связь фиксируется в комментарии и событии.
func (e *engine) Resubmit(orderID, actorID string, role domain.ActorRole, note string) (domain.Order, error) {
	var issues []error
	if orderID == "" {
		issues = append(issues, domain.ErrOrderNotFound)
	}
	if actorID == "" {
		issues = append(issues, errors.New("actor_id is required"))
	}
	if role != domain.RoleVendor {
		issues = append(issues, domain.ErrVendorRoleRequired)
	}
	if err := domain.NewValidationError(issues); err != nil {
		return domain.Order{}, err
	}

	source, err := e.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if source.Status != domain.OrderStatusRejected {
		return domain.Order{}, &domain.IllegalTransitionError{
			From:   source.Status,
			To:     domain.OrderStatusPending,
			Role:   role,
			Reason: "resubmit requires a rejected order",
		}
	}

	if note == "" {
		note = "resubmitted from " + source.ID
	}
	items := make([]ItemInput, 0, len(source.Items))
	for _, item := range source.Items {
		items = append(items, ItemInput{
			ProductRef: item.ProductRef,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		})
	}

	order, err := e.createOrder(CreateCommand{
		VendorID:     source.VendorID,
		ActorRole:    domain.RoleVendor,
		SupplierID:   source.SupplierID,
		DepartmentID: source.DepartmentID,
		Items:        items,
		Note:         note,
	})
	if err != nil {
		return domain.Order{}, err
	}

	e.publishLifecycleEvent(kafka.EventTypeOrderResubmitted, order.ID, source.Status, order.Status, actorID, role)
	e.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"source_id": source.ID,
	}).Info("order resubmitted")

	return order, nil
}

// Get возвращает заявку по идентификатору.
func (e *engine) Get(orderID string) (domain.Order, error) {
	return e.orders.Get(orderID)
}

// lockOrder сериализует записи по одной заявке. Возвращает функцию разблокировки,
// которая также освобождает запись в карте, когда ожидающих больше нет.
func (e *engine) lockOrder(orderID string) func() {
	e.mu.Lock()
	lock, ok := e.locks[orderID]
	if !ok {
		lock = &orderLock{}
		e.locks[orderID] = lock
	}
	lock.refs++
	e.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		e.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.locks, orderID)
		}
		e.mu.Unlock()
	}
}

// emitEvent кладёт событие в transactional outbox. Ошибка постановки логируется,
// но не откатывает уже применённый переход.
func (e *engine) emitEvent(order *domain.Order, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["order_id"] = order.ID
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := e.outbox.Enqueue(msg); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("enqueue event failed")
	} else if e.metrics != nil {
		e.metrics.RecordOutboxEvent()
	}
}

// publishLifecycleEvent публикует событие перехода в Kafka (если producer настроен).
func (e *engine) publishLifecycleEvent(eventType kafka.EventType, orderID string, from, to domain.OrderStatus, actorID string, role domain.ActorRole) {
	if e.kafkaProducer == nil {
		return // Kafka не настроен, пропускаем
	}

	event := kafka.NewLifecycleEvent(eventType, orderID, from, to, actorID, role)
	if err := e.kafkaProducer.PublishEvent(kafka.TopicOrderEvents, orderID, event); err != nil {
		// Логируем ошибку, но не прерываем обработку - Kafka опциональный
		e.logger.WithError(err).WithFields(log.Fields{
			"event_type": eventType,
			"order_id":   orderID,
		}).Warn("failed to publish lifecycle event to kafka")
	}
}

// buildRequestHash строит детерминированный хэш тела create-команды.
func buildRequestHash(cmd CreateCommand) (string, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal command: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

var _ Engine = (*engine)(nil)
