package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ehslabs/lab-ledger/internal/core/domain"
	"github.com/ehslabs/lab-ledger/internal/port"
)

const (
	pqErrUniqueViolation      = "23505"
	pqErrSerializationFailure = "40001"
	pqErrDeadlockDetected     = "40P01"
)

type PostgresAdapter struct {
	db *sql.DB
}

func NewPostgresAdapter(db *sql.DB) *PostgresAdapter {
	return &PostgresAdapter{db: db}
}

func (p *PostgresAdapter) CreateItem(ctx context.Context, item domain.Item, record domain.HistoryRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_items (id, family, name, batch_number, unit, balance, is_active, created_by, version, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, 0, $8, $9, $10)`,
		item.ID, item.Family, item.Name, item.BatchNumber, item.Unit, item.Balance,
		item.CreatedBy, nullableTime(item.ExpiresAt), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if isPQError(err, pqErrUniqueViolation) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateBatch, item.BatchNumber)
		}
		return fmt.Errorf("insert item: %w", err)
	}

	if err := insertPostgresHistory(ctx, tx, record); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresAdapter) GetItem(ctx context.Context, family, itemID string) (*domain.Item, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM ledger_items WHERE family = $1 AND id = $2`,
		family, itemID,
	)
	return scanItem(row)
}

func (p *PostgresAdapter) ListItems(ctx context.Context, family string, activeOnly bool) ([]domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM ledger_items WHERE family = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY name`

	rows, err := p.db.QueryContext(ctx, query, family)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (p *PostgresAdapter) AdjustBalance(ctx context.Context, family, itemID string, delta decimal.Decimal, record domain.HistoryRecord) (*domain.Item, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_items
		SET balance = balance + $1, version = version + 1, updated_at = $2
		WHERE family = $3 AND id = $4 AND is_active AND balance + $1 >= 0`,
		delta, time.Now().UTC(), family, itemID,
	)
	if err != nil {
		if isPQError(err, pqErrSerializationFailure) || isPQError(err, pqErrDeadlockDetected) {
			return nil, fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return nil, fmt.Errorf("update balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, p.classifyAdjustFailure(ctx, tx, family, itemID)
	}

	item, err := p.getItemTx(ctx, tx, family, itemID)
	if err != nil {
		return nil, err
	}

	record.ResultingBalance = item.Balance
	if err := insertPostgresHistory(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

func (p *PostgresAdapter) SetInactive(ctx context.Context, family, itemID string, record domain.HistoryRecord) (*domain.Item, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_items
		SET is_active = FALSE, version = version + 1, updated_at = $1
		WHERE family = $2 AND id = $3 AND is_active`,
		time.Now().UTC(), family, itemID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("deactivate item: %w", err)
	}

	item, err := p.getItemTx(ctx, tx, family, itemID)
	if err != nil {
		return nil, false, err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return item, false, nil
	}

	record.ResultingBalance = item.Balance
	if err := insertPostgresHistory(ctx, tx, record); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return item, true, nil
}

func (p *PostgresAdapter) UpdateField(ctx context.Context, family, itemID, field, newValue string, record domain.HistoryRecord) (*domain.Item, error) {
	column, ok := editableColumns[field]
	if !ok {
		return nil, fmt.Errorf("unsupported field %q", field)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var oldValue string
	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT `+column+`, is_active FROM ledger_items
		WHERE family = $1 AND id = $2 FOR UPDATE`,
		family, itemID,
	).Scan(&oldValue, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		if isPQError(err, pqErrSerializationFailure) || isPQError(err, pqErrDeadlockDetected) {
			return nil, fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return nil, fmt.Errorf("lock item: %w", err)
	}
	if !active {
		return nil, domain.ErrItemInactive
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_items
		SET `+column+` = $1, version = version + 1, updated_at = $2
		WHERE family = $3 AND id = $4`,
		newValue, time.Now().UTC(), family, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("update field: %w", err)
	}

	item, err := p.getItemTx(ctx, tx, family, itemID)
	if err != nil {
		return nil, err
	}

	record.OldValue = oldValue
	record.NewValue = newValue
	record.ResultingBalance = item.Balance
	if err := insertPostgresHistory(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

func (p *PostgresAdapter) History(ctx context.Context, family, itemID string) ([]domain.HistoryRecord, error) {
	if _, err := p.GetItem(ctx, family, itemID); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, item_id, action, delta, resulting_balance, reason, field_changed, old_value, new_value, notes, actor_id, actor_role, recorded_at
		FROM ledger_history WHERE item_id = $1 ORDER BY seq`,
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

func (p *PostgresAdapter) ExpiringSoon(ctx context.Context, family string, cutoff time.Time) ([]domain.Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM ledger_items
		WHERE family = $1 AND is_active AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at`,
		family, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expiring items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (p *PostgresAdapter) classifyAdjustFailure(ctx context.Context, tx *sql.Tx, family, itemID string) error {
	var active bool
	err := tx.QueryRowContext(ctx, `
		SELECT is_active FROM ledger_items WHERE family = $1 AND id = $2`,
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

func (p *PostgresAdapter) getItemTx(ctx context.Context, tx *sql.Tx, family, itemID string) (*domain.Item, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM ledger_items WHERE family = $1 AND id = $2`,
		family, itemID,
	)
	return scanItem(row)
}

func insertPostgresHistory(ctx context.Context, tx *sql.Tx, r domain.HistoryRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_history (id, item_id, action, delta, resulting_balance, reason, field_changed, old_value, new_value, notes, actor_id, actor_role, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.ItemID, string(r.Action), r.Delta, r.ResultingBalance, string(r.Reason),
		r.Field, r.OldValue, r.NewValue, r.Notes, r.ActorID, r.ActorRole.String(), r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func isPQError(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

var _ port.LedgerStore = (*PostgresAdapter)(nil)
