package tests

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
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/adapter/storage"
	"github.com/ehslabs/lab-ledger/internal/core/domain"
	"github.com/ehslabs/lab-ledger/internal/core/service"
)

const createLedgerItems = `
CREATE TABLE IF NOT EXISTS ledger_items (
	id CHAR(36) PRIMARY KEY,
	family VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	batch_number VARCHAR(100) NOT NULL,
	unit VARCHAR(20) NOT NULL,
	balance DECIMAL(20, 4) NOT NULL,
	is_active TINYINT(1) NOT NULL DEFAULT 1,
	created_by VARCHAR(100) NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	expires_at DATETIME NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE KEY uniq_family_batch (family, batch_number)
)`

const createLedgerHistory = `
CREATE TABLE IF NOT EXISTS ledger_history (
	seq BIGINT AUTO_INCREMENT PRIMARY KEY,
	id CHAR(36) NOT NULL,
	item_id CHAR(36) NOT NULL,
	action VARCHAR(20) NOT NULL,
	delta DECIMAL(20, 4) NOT NULL,
	resulting_balance DECIMAL(20, 4) NOT NULL,
	reason VARCHAR(40) NOT NULL,
	field_changed VARCHAR(40) NOT NULL,
	old_value TEXT NOT NULL,
	new_value TEXT NOT NULL,
	notes TEXT NOT NULL,
	actor_id VARCHAR(100) NOT NULL,
	actor_role VARCHAR(20) NOT NULL,
	recorded_at DATETIME NOT NULL,
	KEY idx_item (item_id)
)`

type testEnv struct {
	ledger  *service.LedgerService
	mysql   *sql.DB
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/lableger?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, createLedgerItems); err != nil {
		t.Fatalf("failed to create ledger_items: %v", err)
	}
	if _, err := db.ExecContext(ctx, createLedgerHistory); err != nil {
		t.Fatalf("failed to create ledger_history: %v", err)
	}

	store := storage.NewMySQLAdapter(db)
	cache := storage.NewRedisAdapter(rdb)
	ledger := service.NewLedgerService(store, domain.DefaultFamilies(), cache, nil)

	return &testEnv{
		ledger: ledger,
		mysql:  db,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func (e *testEnv) removeItem(t *testing.T, itemID string) {
	t.Helper()
	ctx := context.Background()
	e.mysql.ExecContext(ctx, `DELETE FROM ledger_history WHERE item_id = ?`, itemID)
	e.mysql.ExecContext(ctx, `DELETE FROM ledger_items WHERE id = ?`, itemID)
}

func TestFullLedgerFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	tech := domain.Actor{ID: "tech-1", Role: domain.RoleLabTech}
	manager := domain.Actor{ID: "mgr-1", Role: domain.RoleManager}

	item, err := env.ledger.CreateItem(ctx, "chemical_inventory", domain.NewItem{
		Name:           "Nitric Acid",
		BatchNumber:    "flow-" + uuid.NewString()[:8],
		Unit:           "mL",
		InitialBalance: decimal.NewFromInt(100),
	}, tech)
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	defer env.removeItem(t, item.ID)

	updated, record, err := env.ledger.AdjustBalance(ctx, "chemical_inventory", item.ID,
		decimal.NewFromInt(-30), domain.ReasonUsed, "digestion run", tech, "")
	if err != nil {
		t.Fatalf("AdjustBalance failed: %v", err)
	}
	if !updated.Balance.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected balance 70, got %s", updated.Balance)
	}
	if !record.ResultingBalance.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected resulting balance 70, got %s", record.ResultingBalance)
	}

	if _, err := env.ledger.Deactivate(ctx, "chemical_inventory", item.ID, manager); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	_, _, err = env.ledger.AdjustBalance(ctx, "chemical_inventory", item.ID,
		decimal.NewFromInt(-1), domain.ReasonUsed, "", tech, "")
	if !errors.Is(err, domain.ErrItemInactive) {
		t.Errorf("expected ErrItemInactive, got: %v", err)
	}

	records, err := env.ledger.History(ctx, "chemical_inventory", item.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	// Replaying the deltas must reproduce the stored balance.
	balance := decimal.Zero
	for _, r := range records {
		balance = balance.Add(r.Delta)
		if !r.ResultingBalance.Equal(balance) {
			t.Errorf("record %s does not reconcile: expected %s, got %s", r.ID, balance, r.ResultingBalance)
		}
	}
	final, _ := env.ledger.GetItem(ctx, "chemical_inventory", item.ID)
	if !final.Balance.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected final balance 70, got %s", final.Balance)
	}
}

func TestRequestDeduplication(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	tech := domain.Actor{ID: "tech-1", Role: domain.RoleLabTech}

	item, err := env.ledger.CreateItem(ctx, "chemical_inventory", domain.NewItem{
		Name:           "Nitric Acid",
		BatchNumber:    "dedup-" + uuid.NewString()[:8],
		Unit:           "mL",
		InitialBalance: decimal.NewFromInt(50),
	}, tech)
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	defer env.removeItem(t, item.ID)

	key := "req-" + uuid.NewString()
	if _, _, err := env.ledger.AdjustBalance(ctx, "chemical_inventory", item.ID,
		decimal.NewFromInt(-10), domain.ReasonUsed, "", tech, key); err != nil {
		t.Fatalf("first AdjustBalance failed: %v", err)
	}

	_, _, err = env.ledger.AdjustBalance(ctx, "chemical_inventory", item.ID,
		decimal.NewFromInt(-10), domain.ReasonUsed, "", tech, key)
	if !errors.Is(err, service.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}

	got, _ := env.ledger.GetItem(ctx, "chemical_inventory", item.ID)
	if !got.Balance.Equal(decimal.NewFromInt(40)) {
		t.Errorf("expected balance 40 after one applied request, got %s", got.Balance)
	}
}

func TestConcurrentDrain(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	tech := domain.Actor{ID: "tech-1", Role: domain.RoleLabTech}

	item, err := env.ledger.CreateItem(ctx, "chemical_inventory", domain.NewItem{
		Name:           "Nitric Acid",
		BatchNumber:    "drain-" + uuid.NewString()[:8],
		Unit:           "mL",
		InitialBalance: decimal.NewFromInt(20),
	}, tech)
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	defer env.removeItem(t, item.ID)

	totalRequests := 50
	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.ledger.AdjustBalance(ctx, "chemical_inventory", item.ID,
				decimal.NewFromInt(-1), domain.ReasonUsed, "", tech, "")
			if err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 20 {
		t.Errorf("expected 20 successes, got %d", successCount.Load())
	}
	got, _ := env.ledger.GetItem(ctx, "chemical_inventory", item.ID)
	if !got.Balance.Equal(decimal.Zero) {
		t.Errorf("expected balance 0, got %s", got.Balance)
	}

	records, _ := env.ledger.History(ctx, "chemical_inventory", item.ID)
	if len(records) != 21 {
		t.Errorf("expected 21 records, got %d", len(records))
	}
}
