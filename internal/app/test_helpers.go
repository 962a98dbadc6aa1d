package app

import (
	"time"

	"github.com/procuredash/pms/internal/domain"
	"github.com/procuredash/pms/internal/service/lifecycle"
)

// testCreateCommand возвращает валидную команду создания заявки.
func testCreateCommand() lifecycle.CreateCommand {
	return lifecycle.CreateCommand{
		VendorID:     "test-vendor-1",
		ActorRole:    domain.RoleVendor,
		SupplierID:   "test-supplier-1",
		DepartmentID: "test-dept-kitchen",
		Items: []lifecycle.ItemInput{
			{ProductRef: "flour-25kg", Qty: 2, PriceMinor: 500},
		},
	}
}

// newTestOrder создаёт тестовую заявку для использования в тестах.
func newTestOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:           "test-order-1",
		VendorID:     "test-vendor-1",
		SupplierID:   "test-supplier-1",
		DepartmentID: "test-dept-kitchen",
		Status:       domain.OrderStatusPending,
		AmountMinor:  1000,
		Items: []domain.OrderItem{
			{
				ID:         "item-1",
				ProductRef: "flour-25kg",
				Qty:        1,
				PriceMinor: 1000,
				CreatedAt:  now,
			},
		},
		History: []domain.HistoryEntry{
			{
				Status:    domain.OrderStatusPending,
				ActorID:   "test-vendor-1",
				ActorRole: domain.RoleVendor,
				Occurred:  now,
			},
		},
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
