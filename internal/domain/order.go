package domain

import "time"

// OrderStatus описывает жизненный цикл заявки на закупку в PMS.
type OrderStatus string

const (
	// OrderStatusPending — заявка создана поставщиком и ждёт решения шефа.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusApproved — заявка одобрена шефом, можно закупать.
	OrderStatusApproved OrderStatus = "approved"
	// OrderStatusRejected — заявка отклонена шефом (терминальный статус).
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusPurchased — агент закупок оформил покупку.
	OrderStatusPurchased OrderStatus = "purchased"
	// OrderStatusDelivered — склад принял поставку (терминальный статус).
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заявка отменена администратором (терминальный статус).
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid проверяет принадлежность статуса к закрытому перечислению.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusApproved, OrderStatusRejected,
		OrderStatusPurchased, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, является ли статус конечным: из него переходы запрещены.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusRejected, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// ActorRole описывает роль участника закупочного процесса.
// Роли выдаёт внешний identity-провайдер; здесь они проверяются только
// на членство в перечислении и в таблице переходов.
type ActorRole string

const (
	// RoleVendor — поставщик, создаёт заявки.
	RoleVendor ActorRole = "vendor"
	// RoleChef — шеф, одобряет или отклоняет заявки.
	RoleChef ActorRole = "chef"
	// RolePurchase — агент закупок, оформляет покупку.
	RolePurchase ActorRole = "purchase"
	// RoleStore — склад, принимает поставку.
	RoleStore ActorRole = "store"
	// RoleAdmin — администратор, отменяет незавершённые заявки.
	RoleAdmin ActorRole = "admin"
)

// Valid проверяет принадлежность роли к поддерживаемым значениям.
func (r ActorRole) Valid() bool {
	switch r {
	case RoleVendor, RoleChef, RolePurchase, RoleStore, RoleAdmin:
		return true
	default:
		return false
	}
}

// OrderItem представляет одну позицию заявки.
type OrderItem struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string
	// ProductRef — внешний идентификатор товара в каталоге.
	ProductRef string
	// Qty — количество единиц товара.
	Qty int32
	// PriceMinor — цена за единицу в минимальных денежных единицах (например, копейки).
	PriceMinor int64
	// CreatedAt фиксирует момент добавления позиции в заявку.
	CreatedAt time.Time
}

// HistoryEntry описывает одну запись append-only истории заявки.
type HistoryEntry struct {
	Status    OrderStatus
	ActorID   string
	ActorRole ActorRole
	Comment   string
	Occurred  time.Time
}

// Order агрегирует состояние заявки, её позиции и историю статусов.
// History — источник истины: поле Status обязано совпадать со статусом
// последней записи истории.
type Order struct {
	ID           string
	VendorID     string
	SupplierID   string
	DepartmentID string
	Status       OrderStatus
	AmountMinor  int64
	Items        []OrderItem
	History      []HistoryEntry
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ComputeAmount пересчитывает сумму заявки из позиций: qty * price.
// Сумма никогда не принимается от вызывающей стороны на веру.
func ComputeAmount(items []OrderItem) int64 {
	var sum int64
	for _, item := range items {
		sum += int64(item.Qty) * item.PriceMinor
	}
	return sum
}

// ValidateInvariants проверяет базовые инварианты заявки и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.VendorID == "" {
		errs = append(errs, ErrVendorRequired)
	}
	if o.SupplierID == "" {
		errs = append(errs, ErrSupplierRequired)
	}
	if o.DepartmentID == "" {
		errs = append(errs, ErrDepartmentRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusInvalid)
	}

	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	if ComputeAmount(o.Items) != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	// История — источник истины для статуса.
	if len(o.History) == 0 {
		errs = append(errs, ErrHistoryEmpty)
	} else if o.History[len(o.History)-1].Status != o.Status {
		errs = append(errs, ErrStatusHistoryMismatch)
	}

	return errs
}

// AppendHistory возвращает копию заявки с добавленной записью истории
// и обновлённым производным статусом. Исходная заявка не меняется,
// поэтому читатели никогда не видят частично применённый переход.
func (o Order) AppendHistory(entry HistoryEntry) Order {
	next := o.Clone()
	next.History = append(next.History, entry)
	next.Status = entry.Status
	next.UpdatedAt = entry.Occurred
	return next
}

// Clone возвращает глубокую копию заявки: слайсы позиций и истории не разделяются.
func (o Order) Clone() Order {
	clone := o
	clone.Items = make([]OrderItem, len(o.Items))
	copy(clone.Items, o.Items)
	clone.History = make([]HistoryEntry, len(o.History))
	copy(clone.History, o.History)
	return clone
}
