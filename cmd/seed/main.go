// seed прогоняет движок жизненного цикла через демонстрационный сценарий
// закупочного дашборда: создаёт заявки, проводит их по статусам и печатает
// проекции Query Facade. Работает полностью in-process на memory-хранилище.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/procuredash/pms/internal/app"
	"github.com/procuredash/pms/internal/domain"
	"github.com/procuredash/pms/internal/service/lifecycle"
	"github.com/procuredash/pms/internal/service/outbox"
	"github.com/procuredash/pms/internal/service/query"
)

func main() {
	var verbose bool
	flag.BoolVar(&verbose, "verbose", false, "log every engine call")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}

	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := log.WithField("component", "seed")
	deps := app.NewDependencies(logger)
	engine := app.CreateEngine(deps, nil)
	facade := query.NewFacade(deps.Repo, logger)

	// Сценарий 1: полный happy path до поставки.
	delivered, err := engine.Create(lifecycle.CreateCommand{
		VendorID:     "vendor-ivanov",
		ActorRole:    domain.RoleVendor,
		SupplierID:   "supplier-fresh-foods",
		DepartmentID: "dept-kitchen",
		Items: []lifecycle.ItemInput{
			{ProductRef: "flour-25kg", Qty: 20, PriceMinor: 1500},
			{ProductRef: "salt-1kg", Qty: 15, PriceMinor: 90},
		},
		Note: "еженедельная закупка для кухни",
	})
	if err != nil {
		return fmt.Errorf("create delivered-path order: %w", err)
	}
	for _, step := range []struct {
		to      domain.OrderStatus
		actorID string
		role    domain.ActorRole
		comment string
	}{
		{domain.OrderStatusApproved, "chef-petrov", domain.RoleChef, "одобрено, закупаем"},
		{domain.OrderStatusPurchased, "purchase-sidorova", domain.RolePurchase, "оплачено, счёт 4412"},
		{domain.OrderStatusDelivered, "store-kuznetsov", domain.RoleStore, "принято на склад"},
	} {
		if delivered, err = engine.Transition(delivered.ID, step.to, step.actorID, step.role, step.comment); err != nil {
			return fmt.Errorf("transition to %s: %w", step.to, err)
		}
	}

	// Сценарий 2: отклонение и повторная подача новой заявкой.
	rejected, err := engine.Create(lifecycle.CreateCommand{
		VendorID:     "vendor-ivanov",
		ActorRole:    domain.RoleVendor,
		SupplierID:   "supplier-meat-co",
		DepartmentID: "dept-kitchen",
		Items: []lifecycle.ItemInput{
			{ProductRef: "beef-tenderloin-kg", Qty: 40, PriceMinor: 12000},
		},
	})
	if err != nil {
		return fmt.Errorf("create rejected-path order: %w", err)
	}
	if rejected, err = engine.Transition(rejected.ID, domain.OrderStatusRejected, "chef-petrov", domain.RoleChef, "слишком дорого, уменьшите объём"); err != nil {
		return fmt.Errorf("reject order: %w", err)
	}
	resubmitted, err := engine.Resubmit(rejected.ID, "vendor-ivanov", domain.RoleVendor, "объём согласован с шефом")
	if err != nil {
		return fmt.Errorf("resubmit order: %w", err)
	}

	// Сценарий 3: отмена администратором.
	cancelledOrder, err := engine.Create(lifecycle.CreateCommand{
		VendorID:     "vendor-smirnova",
		ActorRole:    domain.RoleVendor,
		SupplierID:   "supplier-fresh-foods",
		DepartmentID: "dept-bar",
		Items: []lifecycle.ItemInput{
			{ProductRef: "lime-kg", Qty: 10, PriceMinor: 450},
		},
	})
	if err != nil {
		return fmt.Errorf("create cancelled-path order: %w", err)
	}
	if _, err = engine.Transition(cancelledOrder.ID, domain.OrderStatusCancelled, "admin-root", domain.RoleAdmin, "дубликат заявки"); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	// Разгружаем outbox в лог, как это делает сервис без Kafka.
	relay := outbox.NewWorker(
		deps.OutboxRepo,
		outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher")),
		outbox.WithLogger(logger),
		outbox.WithBatchSize(100),
	)
	relay.ProcessOnce(ctx)

	return printProjections(facade, resubmitted.ID)
}

// printProjections выводит представления дашборда поверх Query Facade.
func printProjections(facade *query.Facade, trackedID string) error {
	fmt.Println("== заявки по статусам ==")
	for _, status := range []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusApproved,
		domain.OrderStatusRejected,
		domain.OrderStatusPurchased,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	} {
		count, err := facade.Count(query.Filter{Status: status})
		if err != nil {
			return fmt.Errorf("count %s orders: %w", status, err)
		}
		fmt.Printf("  %-10s %d\n", status, count)
	}

	fmt.Println("== заявки по поставщикам ==")
	seq, err := facade.Orders(query.Filter{})
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	bySupplier := map[string]int64{}
	for order := range seq {
		bySupplier[order.SupplierID] += order.AmountMinor
	}
	for supplier, amount := range bySupplier {
		fmt.Printf("  %-22s %d.%02d\n", supplier, amount/100, amount%100)
	}

	tracked, err := facade.Get(trackedID)
	if err != nil {
		return fmt.Errorf("get resubmitted order: %w", err)
	}
	fmt.Printf("== история заявки %s ==\n", tracked.ID)
	for _, entry := range tracked.History {
		fmt.Printf("  %s %-10s %s (%s) %s\n",
			entry.Occurred.Format("15:04:05"), entry.Status, entry.ActorID, entry.ActorRole, entry.Comment)
	}

	return nil
}
