package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/core/domain"
)

const createLedgerItemsMySQL = `
CREATE TABLE IF NOT EXISTS ledger_items (
	id CHAR(36) PRIMARY KEY,
	family VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	batch_number VARCHAR(100) NOT NULL,
	unit VARCHAR(20) NOT NULL,
	balance DECIMAL(12,3) NOT NULL,
	is_active TINYINT(1) NOT NULL DEFAULT 1,
	created_by VARCHAR(64) NOT NULL,
	version INT NOT NULL DEFAULT 0,
	expires_at DATETIME NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE KEY uq_ledger_items_family_batch (family, batch_number)
)`

const createLedgerHistoryMySQL = `
CREATE TABLE IF NOT EXISTS ledger_history (
	seq BIGINT AUTO_INCREMENT PRIMARY KEY,
	id CHAR(36) NOT NULL,
	item_id CHAR(36) NOT NULL,
	action VARCHAR(50) NOT NULL,
	delta DECIMAL(12,3) NOT NULL DEFAULT 0,
	resulting_balance DECIMAL(12,3) NOT NULL DEFAULT 0,
	reason VARCHAR(50) NOT NULL DEFAULT '',
	field_changed VARCHAR(100) NOT NULL DEFAULT '',
	old_value TEXT NOT NULL,
	new_value TEXT NOT NULL,
	notes TEXT NOT NULL,
	actor_id VARCHAR(64) NOT NULL,
	actor_role VARCHAR(20) NOT NULL,
	recorded_at DATETIME NOT NULL,
	KEY idx_ledger_history_item (item_id)
)`

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/lableger?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, createLedgerItemsMySQL); err != nil {
		t.Fatalf("failed to create ledger_items: %v", err)
	}
	if _, err := db.ExecContext(ctx, createLedgerHistoryMySQL); err != nil {
		t.Fatalf("failed to create ledger_history: %v", err)
	}

	return db
}

func cleanupMySQLItem(t *testing.T, db *sql.DB, itemID string) {
	t.Helper()
	ctx := context.Background()
	db.ExecContext(ctx, `DELETE FROM ledger_history WHERE item_id = ?`, itemID)
	db.ExecContext(ctx, `DELETE FROM ledger_items WHERE id = ?`, itemID)
}

func TestMySQLCreateAndAdjust(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	item, record := testItem("chemical_inventory", "mysql-test-"+uuid.NewString()[:8], 100)
	defer cleanupMySQLItem(t, db, item.ID)

	if err := adapter.CreateItem(ctx, item, record); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	updated, err := adapter.AdjustBalance(ctx, "chemical_inventory", item.ID,
		decimal.NewFromInt(-30), adjustRecord(item.ID, decimal.NewFromInt(-30)))
	if err != nil {
		t.Fatalf("AdjustBalance failed: %v", err)
	}
	if !updated.Balance.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected balance 70, got %s", updated.Balance)
	}

	records, err := adapter.History(ctx, "chemical_inventory", item.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if !records[1].ResultingBalance.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected resulting balance 70, got %s", records[1].ResultingBalance)
	}
}

func TestMySQLAdjust_InsufficientBalance(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	item, record := testItem("chemical_inventory", "mysql-insuf-"+uuid.NewString()[:8], 10)
	defer cleanupMySQLItem(t, db, item.ID)

	if err := adapter.CreateItem(ctx, item, record); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	_, err := adapter.AdjustBalance(ctx, "chemical_inventory", item.ID,
		decimal.NewFromInt(-50), adjustRecord(item.ID, decimal.NewFromInt(-50)))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got: %v", err)
	}

	// Failed adjustment must leave no trace.
	got, _ := adapter.GetItem(ctx, "chemical_inventory", item.ID)
	if !got.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected balance 10, got %s", got.Balance)
	}
	records, _ := adapter.History(ctx, "chemical_inventory", item.ID)
	if len(records) != 1 {
		t.Errorf("expected 1 record, got %d", len(records))
	}
}

func TestMySQLAdjust_NotFound(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	adapter := NewMySQLAdapter(db)
	_, err := adapter.AdjustBalance(context.Background(), "chemical_inventory", "no-such-item",
		decimal.NewFromInt(-1), adjustRecord("no-such-item", decimal.NewFromInt(-1)))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestMySQLDeactivate_Idempotent(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	item, record := testItem("chemical_inventory", "mysql-deact-"+uuid.NewString()[:8], 10)
	defer cleanupMySQLItem(t, db, item.ID)

	if err := adapter.CreateItem(ctx, item, record); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	deactivate := adjustRecord(item.ID, decimal.Zero)
	deactivate.Action = domain.ActionDeactivate
	deactivate.Reason = ""

	got, changed, err := adapter.SetInactive(ctx, "chemical_inventory", item.ID, deactivate)
	if err != nil {
		t.Fatalf("SetInactive failed: %v", err)
	}
	if !changed || got.Active {
		t.Error("expected item to be deactivated")
	}

	_, changed, err = adapter.SetInactive(ctx, "chemical_inventory", item.ID, deactivate)
	if err != nil {
		t.Fatalf("second SetInactive failed: %v", err)
	}
	if changed {
		t.Error("expected second deactivation to be a no-op")
	}

	records, _ := adapter.History(ctx, "chemical_inventory", item.ID)
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}

	_, err = adapter.AdjustBalance(ctx, "chemical_inventory", item.ID,
		decimal.NewFromInt(-1), adjustRecord(item.ID, decimal.NewFromInt(-1)))
	if !errors.Is(err, domain.ErrItemInactive) {
		t.Errorf("expected ErrItemInactive, got: %v", err)
	}
}

func TestMySQLAdjust_Concurrent(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	item, record := testItem("chemical_inventory", "mysql-conc-"+uuid.NewString()[:8], 20)
	defer cleanupMySQLItem(t, db, item.ID)

	if err := adapter.CreateItem(ctx, item, record); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	totalRequests := 50
	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			delta := decimal.NewFromInt(-1)
			_, err := adapter.AdjustBalance(ctx, "chemical_inventory", item.ID, delta, adjustRecord(item.ID, delta))
			if err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 20 {
		t.Errorf("expected 20 successes, got %d", successCount.Load())
	}
	got, _ := adapter.GetItem(ctx, "chemical_inventory", item.ID)
	if !got.Balance.Equal(decimal.Zero) {
		t.Errorf("expected balance 0, got %s", got.Balance)
	}
	if got.Balance.IsNegative() {
		t.Error("balance went negative")
	}
}
