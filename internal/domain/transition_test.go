package domain_test

import (
	"testing"

	"github.com/procuredash/pms/internal/domain"
)

func TestCanTransition_AllowedEdges(t *testing.T) {
	cases := []struct {
		name string
		from domain.OrderStatus
		to   domain.OrderStatus
		role domain.ActorRole
	}{
		{"chef approves", domain.OrderStatusPending, domain.OrderStatusApproved, domain.RoleChef},
		{"chef rejects", domain.OrderStatusPending, domain.OrderStatusRejected, domain.RoleChef},
		{"purchase buys", domain.OrderStatusApproved, domain.OrderStatusPurchased, domain.RolePurchase},
		{"store receives", domain.OrderStatusPurchased, domain.OrderStatusDelivered, domain.RoleStore},
		{"admin cancels pending", domain.OrderStatusPending, domain.OrderStatusCancelled, domain.RoleAdmin},
		{"admin cancels approved", domain.OrderStatusApproved, domain.OrderStatusCancelled, domain.RoleAdmin},
		{"admin cancels purchased", domain.OrderStatusPurchased, domain.OrderStatusCancelled, domain.RoleAdmin},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := domain.CanTransition(tc.from, tc.to, tc.role)
			if !decision.Allowed {
				t.Fatalf("expected %s -> %s for %s to be allowed, denied: %s",
					tc.from, tc.to, tc.role, decision.Reason)
			}
		})
	}
}

func TestCanTransition_Denied(t *testing.T) {
	cases := []struct {
		name   string
		from   domain.OrderStatus
		to     domain.OrderStatus
		role   domain.ActorRole
		reason string
	}{
		{
			"wrong role for approve",
			domain.OrderStatusPending, domain.OrderStatusApproved, domain.RolePurchase,
			domain.DenyReasonWrongRole,
		},
		{
			"purchase from pending skips approval",
			domain.OrderStatusPending, domain.OrderStatusPurchased, domain.RolePurchase,
			domain.DenyReasonNoTransition,
		},
		{
			"deliver from pending",
			domain.OrderStatusPending, domain.OrderStatusDelivered, domain.RoleStore,
			domain.DenyReasonNoTransition,
		},
		{
			"self transition",
			domain.OrderStatusPending, domain.OrderStatusPending, domain.RoleChef,
			domain.DenyReasonSelfTransition,
		},
		{
			"unknown target",
			domain.OrderStatusPending, domain.OrderStatus("shipped"), domain.RoleChef,
			domain.DenyReasonInvalidStatus,
		},
		{
			"vendor cannot cancel",
			domain.OrderStatusPending, domain.OrderStatusCancelled, domain.RoleVendor,
			domain.DenyReasonWrongRole,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := domain.CanTransition(tc.from, tc.to, tc.role)
			if decision.Allowed {
				t.Fatalf("expected %s -> %s for %s to be denied", tc.from, tc.to, tc.role)
			}
			if decision.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, decision.Reason)
			}
		})
	}
}

// Из терминального статуса запрещены любые переходы вне зависимости от роли,
// в том числе повторный перевод в тот же статус.
func TestCanTransition_TerminalStates(t *testing.T) {
	terminal := []domain.OrderStatus{
		domain.OrderStatusRejected,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	}
	targets := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusApproved,
		domain.OrderStatusRejected,
		domain.OrderStatusPurchased,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	}
	roles := []domain.ActorRole{
		domain.RoleVendor, domain.RoleChef, domain.RolePurchase, domain.RoleStore, domain.RoleAdmin,
	}

	for _, from := range terminal {
		for _, to := range targets {
			for _, role := range roles {
				decision := domain.CanTransition(from, to, role)
				if decision.Allowed {
					t.Fatalf("terminal %s -> %s allowed for %s", from, to, role)
				}
				if decision.Reason != domain.DenyReasonTerminalState {
					t.Fatalf("terminal %s -> %s: expected reason %q, got %q",
						from, to, domain.DenyReasonTerminalState, decision.Reason)
				}
			}
		}
	}
}
