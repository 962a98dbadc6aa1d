package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/procuredash/pms/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

// Create сохраняет заявку, её позиции и стартовую историю одной транзакцией.
func (r *orderRepository) Create(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, vendor_id, supplier_id, department_id, status, amount_minor, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		order.ID, order.VendorID, order.SupplierID, order.DepartmentID, string(order.Status),
		order.AmountMinor, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, product_ref, qty, price_minor, created_at
			) VALUES ($1,$2,$3,$4,$5,$6)
		`,
			item.ID, order.ID, item.ProductRef, item.Qty, item.PriceMinor, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err = r.insertHistoryTx(ctx, tx, order.ID, 0, order.History); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create order: %w", err)
	}

	return nil
}

func (r *orderRepository) Get(id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	order, err := r.scanOrder(r.db.QueryRowContext(ctx, `
		SELECT id, vendor_id, supplier_id, department_id, status, amount_minor, version, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		return domain.Order{}, err
	}

	if err := r.loadRelated(ctx, &order); err != nil {
		return domain.Order{}, err
	}

	return order, nil
}

// All возвращает все заявки в порядке создания.
func (r *orderRepository) All() ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, vendor_id, supplier_id, department_id, status, amount_minor, version, created_at, updated_at
		FROM orders
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var order domain.Order
		var status string
		if err := rows.Scan(
			&order.ID, &order.VendorID, &order.SupplierID, &order.DepartmentID, &status,
			&order.AmountMinor, &order.Version, &order.CreatedAt, &order.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		order.Status = domain.OrderStatus(status)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		if err := r.loadRelated(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

// Save обновляет статус заявки и дописывает новые записи истории одной
// транзакцией с optimistic-проверкой версии. При несовпадении версии
// возвращает ErrOrderVersionConflict, ничего не меняя.
func (r *orderRepository) Save(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    amount_minor = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $4
		  AND version = $5
	`,
		string(order.Status),
		order.AmountMinor,
		order.UpdatedAt,
		order.ID,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.orderExistsTx(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	var persisted int
	if err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_history WHERE order_id = $1
	`, order.ID).Scan(&persisted); err != nil {
		return fmt.Errorf("count order history: %w", err)
	}
	if persisted < len(order.History) {
		if err = r.insertHistoryTx(ctx, tx, order.ID, persisted, order.History[persisted:]); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save order: %w", err)
	}

	return nil
}

func (r *orderRepository) insertHistoryTx(ctx context.Context, tx *sql.Tx, orderID string, offset int, entries []domain.HistoryEntry) error {
	for i, entry := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_history (
				order_id, seq, status, actor_id, actor_role, comment, occurred_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
			orderID, offset+i, string(entry.Status), entry.ActorID, string(entry.ActorRole), entry.Comment, entry.Occurred,
		); err != nil {
			return fmt.Errorf("insert history entry: %w", err)
		}
	}
	return nil
}

func (r *orderRepository) scanOrder(row *sql.Row) (domain.Order, error) {
	var order domain.Order
	var status string

	err := row.Scan(
		&order.ID, &order.VendorID, &order.SupplierID, &order.DepartmentID, &status,
		&order.AmountMinor, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

func (r *orderRepository) loadRelated(ctx context.Context, order *domain.Order) error {
	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return err
	}
	order.Items = items

	history, err := r.loadHistory(ctx, order.ID)
	if err != nil {
		return err
	}
	order.History = history
	return nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_ref, qty, price_minor, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.ProductRef, &item.Qty, &item.PriceMinor, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func (r *orderRepository) loadHistory(ctx context.Context, orderID string) ([]domain.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, actor_id, actor_role, comment, occurred_at
		FROM order_history
		WHERE order_id = $1
		ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order history: %w", err)
	}
	defer rows.Close()

	history := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var entry domain.HistoryEntry
		var status, role string
		if err := rows.Scan(&status, &entry.ActorID, &role, &entry.Comment, &entry.Occurred); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.Status = domain.OrderStatus(status)
		entry.ActorRole = domain.ActorRole(role)
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history entries: %w", err)
	}

	return history, nil
}

func (r *orderRepository) orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
