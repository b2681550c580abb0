package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/core/domain"
	"github.com/ehslabs/lab-ledger/internal/port"
)

const (
	mysqlErrDuplicateKey = 1062
	mysqlErrDeadlock     = 1213
)

// editableColumns maps editable field names to their columns. Only
// whitelisted fields ever reach a query string.
var editableColumns = map[string]string{
	"name": "name",
	"unit": "unit",
}

const itemColumns = `id, family, name, batch_number, unit, balance, is_active, created_by, version, expires_at, created_at, updated_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) CreateItem(ctx context.Context, item domain.Item, record domain.HistoryRecord) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_items (id, family, name, batch_number, unit, balance, is_active, created_by, version, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, 0, ?, ?, ?)`,
		item.ID, item.Family, item.Name, item.BatchNumber, item.Unit, item.Balance,
		item.CreatedBy, nullableTime(item.ExpiresAt), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if isMySQLError(err, mysqlErrDuplicateKey) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateBatch, item.BatchNumber)
		}
		return fmt.Errorf("insert item: %w", err)
	}

	if err := insertMySQLHistory(ctx, tx, record); err != nil {
		return err
	}

	return tx.Commit()
}

func (m *MySQLAdapter) GetItem(ctx context.Context, family, itemID string) (*domain.Item, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM ledger_items WHERE family = ? AND id = ?`,
		family, itemID,
	)
	return scanItem(row)
}

func (m *MySQLAdapter) ListItems(ctx context.Context, family string, activeOnly bool) ([]domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM ledger_items WHERE family = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := m.db.QueryContext(ctx, query, family)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (m *MySQLAdapter) AdjustBalance(ctx context.Context, family, itemID string, delta decimal.Decimal, record domain.HistoryRecord) (*domain.Item, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The conditional update is the non-negative guard: two concurrent
	// adjustments can never both pass it against a stale balance.
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_items
		SET balance = balance + ?, version = version + 1, updated_at = ?
		WHERE family = ? AND id = ? AND is_active = 1 AND balance + ? >= 0`,
		delta, time.Now().UTC(), family, itemID, delta,
	)
	if err != nil {
		if isMySQLError(err, mysqlErrDeadlock) {
			return nil, fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return nil, fmt.Errorf("update balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, classifyAdjustFailure(ctx, tx, family, itemID)
	}

	item, err := getItemTx(ctx, tx, family, itemID)
	if err != nil {
		return nil, err
	}

	record.ResultingBalance = item.Balance
	if err := insertMySQLHistory(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) SetInactive(ctx context.Context, family, itemID string, record domain.HistoryRecord) (*domain.Item, bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_items
		SET is_active = 0, version = version + 1, updated_at = ?
		WHERE family = ? AND id = ? AND is_active = 1`,
		time.Now().UTC(), family, itemID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("deactivate item: %w", err)
	}

	item, err := getItemTx(ctx, tx, family, itemID)
	if err != nil {
		return nil, false, err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Already inactive: idempotent no-op, nothing recorded.
		return item, false, nil
	}

	record.ResultingBalance = item.Balance
	if err := insertMySQLHistory(ctx, tx, record); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return item, true, nil
}

func (m *MySQLAdapter) UpdateField(ctx context.Context, family, itemID, field, newValue string, record domain.HistoryRecord) (*domain.Item, error) {
	column, ok := editableColumns[field]
	if !ok {
		return nil, fmt.Errorf("unsupported field %q", field)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var oldValue string
	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT `+column+`, is_active FROM ledger_items
		WHERE family = ? AND id = ? FOR UPDATE`,
		family, itemID,
	).Scan(&oldValue, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		if isMySQLError(err, mysqlErrDeadlock) {
			return nil, fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return nil, fmt.Errorf("lock item: %w", err)
	}
	if !active {
		return nil, domain.ErrItemInactive
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_items
		SET `+column+` = ?, version = version + 1, updated_at = ?
		WHERE family = ? AND id = ?`,
		newValue, time.Now().UTC(), family, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("update field: %w", err)
	}

	item, err := getItemTx(ctx, tx, family, itemID)
	if err != nil {
		return nil, err
	}

	record.OldValue = oldValue
	record.NewValue = newValue
	record.ResultingBalance = item.Balance
	if err := insertMySQLHistory(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

func (m *MySQLAdapter) History(ctx context.Context, family, itemID string) ([]domain.HistoryRecord, error) {
	if _, err := m.GetItem(ctx, family, itemID); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, item_id, action, delta, resulting_balance, reason, field_changed, old_value, new_value, notes, actor_id, actor_role, recorded_at
		FROM ledger_history WHERE item_id = ? ORDER BY seq`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []domain.HistoryRecord
	for rows.Next() {
		var r domain.HistoryRecord
		var action, reason, role string
		if err := rows.Scan(&r.ID, &r.ItemID, &action, &r.Delta, &r.ResultingBalance, &reason,
			&r.Field, &r.OldValue, &r.NewValue, &r.Notes, &r.ActorID, &role, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Action = domain.Action(action)
		r.Reason = domain.Reason(reason)
		if parsed, err := domain.ParseRole(role); err == nil {
			r.ActorRole = parsed
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (m *MySQLAdapter) ExpiringSoon(ctx context.Context, family string, cutoff time.Time) ([]domain.Item, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM ledger_items
		WHERE family = ? AND is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at`,
		family, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expiring items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// classifyAdjustFailure distinguishes why the conditional update
// touched no rows: missing item, inactive item, or a balance that
// would have gone negative.
func classifyAdjustFailure(ctx context.Context, tx *sql.Tx, family, itemID string) error {
	var active bool
	err := tx.QueryRowContext(ctx, `
		SELECT is_active FROM ledger_items WHERE family = ? AND id = ?`,
		family, itemID,
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("classify adjust failure: %w", err)
	}
	if !active {
		return domain.ErrItemInactive
	}
	return domain.ErrInsufficientBalance
}

func insertMySQLHistory(ctx context.Context, tx *sql.Tx, r domain.HistoryRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_history (id, item_id, action, delta, resulting_balance, reason, field_changed, old_value, new_value, notes, actor_id, actor_role, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ItemID, string(r.Action), r.Delta, r.ResultingBalance, string(r.Reason),
		r.Field, r.OldValue, r.NewValue, r.Notes, r.ActorID, r.ActorRole.String(), r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var item domain.Item
	var expiresAt sql.NullTime
	err := row.Scan(&item.ID, &item.Family, &item.Name, &item.BatchNumber, &item.Unit,
		&item.Balance, &item.Active, &item.CreatedBy, &item.Version, &expiresAt,
		&item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		item.ExpiresAt = &t
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]domain.Item, error) {
	var items []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func getItemTx(ctx context.Context, tx *sql.Tx, family, itemID string) (*domain.Item, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM ledger_items WHERE family = ? AND id = ?`,
		family, itemID,
	)
	return scanItem(row)
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isMySQLError(err error, number uint16) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == number
}

var _ port.LedgerStore = (*MySQLAdapter)(nil)
