package domain

// Причины отказа валидатора переходов. Текст попадает в IllegalTransitionError
// и наружу не переинтерпретируется.
const (
	DenyReasonInvalidStatus  = "invalid status"
	DenyReasonTerminalState  = "terminal state"
	DenyReasonSelfTransition = "self transition"
	DenyReasonWrongRole      = "wrong role"
	DenyReasonNoTransition   = "transition not allowed"
)

// Decision — результат проверки перехода. Нулевое значение означает отказ.
type Decision struct {
	Allowed bool
	Reason  string
}

// allow возвращает положительное решение.
func allow() Decision { return Decision{Allowed: true} }

// deny возвращает отказ с причиной.
func deny(reason string) Decision { return Decision{Reason: reason} }

// transitionTable перечисляет единственно допустимые рёбра жизненного цикла
// и роль, которой разрешено каждое ребро. Все остальные пары запрещены.
var transitionTable = map[OrderStatus]map[OrderStatus]ActorRole{
	OrderStatusPending: {
		OrderStatusApproved:  RoleChef,
		OrderStatusRejected:  RoleChef,
		OrderStatusCancelled: RoleAdmin,
	},
	OrderStatusApproved: {
		OrderStatusPurchased: RolePurchase,
		OrderStatusCancelled: RoleAdmin,
	},
	OrderStatusPurchased: {
		OrderStatusDelivered: RoleStore,
		OrderStatusCancelled: RoleAdmin,
	},
}

// CanTransition — чистая функция: решает, разрешён ли переход current → requested
// для роли role. Порядок проверок фиксирован: неизвестный целевой статус,
// терминальное текущее состояние, самопереход, затем таблица рёбер.
func CanTransition(current, requested OrderStatus, role ActorRole) Decision {
	if !requested.Valid() {
		return deny(DenyReasonInvalidStatus)
	}
	if current.Terminal() {
		// Из терминального состояния нельзя никому, роль не важна.
		return deny(DenyReasonTerminalState)
	}
	if current == requested {
		return deny(DenyReasonSelfTransition)
	}

	edges, ok := transitionTable[current]
	if !ok {
		return deny(DenyReasonNoTransition)
	}
	requiredRole, ok := edges[requested]
	if !ok {
		return deny(DenyReasonNoTransition)
	}
	if role != requiredRole {
		return deny(DenyReasonWrongRole)
	}
	return allow()
}
