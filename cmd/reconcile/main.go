package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/adapter/storage"
	"github.com/ehslabs/lab-ledger/internal/config"
	"github.com/ehslabs/lab-ledger/internal/core/domain"
	"github.com/ehslabs/lab-ledger/internal/port"
)

// reconcile walks every item in the store and verifies the audit
// trail: the newest record's resulting balance must match the stored
// balance, replayed deltas must reproduce it, and no intermediate
// balance may be negative.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var store port.LedgerStore
	switch cfg.StoreDriver {
	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("failed to connect mysql: %v", err)
		}
		defer db.Close()
		store = storage.NewMySQLAdapter(db)
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer db.Close()
		store = storage.NewPostgresAdapter(db)
	default:
		log.Fatalf("reconcile requires a persistent store, got %q", cfg.StoreDriver)
	}

	var checked, violations int
	for familyKey := range domain.DefaultFamilies() {
		items, err := store.ListItems(ctx, familyKey, false)
		if err != nil {
			log.Fatalf("failed to list %s items: %v", familyKey, err)
		}

		for _, item := range items {
			checked++
			records, err := store.History(ctx, familyKey, item.ID)
			if err != nil {
				log.Fatalf("failed to load history for %s/%s: %v", familyKey, item.ID, err)
			}
			for _, problem := range verify(item, records) {
				violations++
				fmt.Printf("FAIL %s/%s (%s): %s\n", familyKey, item.ID, item.BatchNumber, problem)
			}
		}
	}

	fmt.Println("========== RECONCILIATION RESULTS ==========")
	fmt.Printf("Items checked:    %d\n", checked)
	fmt.Printf("Violations:       %d\n", violations)
	fmt.Println("============================================")

	if violations > 0 {
		os.Exit(1)
	}
	fmt.Println("PASS: all histories reconcile")
}

func verify(item domain.Item, records []domain.HistoryRecord) []string {
	var problems []string

	if item.Balance.IsNegative() {
		problems = append(problems, fmt.Sprintf("stored balance is negative: %s", item.Balance))
	}
	if len(records) == 0 {
		return append(problems, "no history records")
	}

	if records[0].Action != domain.ActionCreate {
		problems = append(problems, fmt.Sprintf("first record is %s, expected create", records[0].Action))
	}

	replayed := decimal.Zero
	for i, record := range records {
		replayed = replayed.Add(record.Delta)
		if replayed.IsNegative() {
			problems = append(problems, fmt.Sprintf("record %d drives replayed balance negative: %s", i, replayed))
		}
		if !record.ResultingBalance.Equal(replayed) {
			problems = append(problems, fmt.Sprintf("record %d resulting balance %s, replay says %s", i, record.ResultingBalance, replayed))
		}
	}

	last := records[len(records)-1]
	if !last.ResultingBalance.Equal(item.Balance) {
		problems = append(problems, fmt.Sprintf("newest record resulting balance %s != stored balance %s", last.ResultingBalance, item.Balance))
	}

	return problems
}
