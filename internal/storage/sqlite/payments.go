package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"storefront-gateway/internal/storage"
)

const (
	insertDepositSQL = `INSERT INTO deposits (
        id, user_id, amount, status, external_order_id, metadata, created_at, updated_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

	depositColumns = `id, user_id, amount, status, external_order_id, metadata, created_at, updated_at`

	selectDepositByOrderSQL = `SELECT ` + depositColumns + ` FROM deposits WHERE external_order_id = ?;`

	selectDepositByIDSQL = `SELECT ` + depositColumns + ` FROM deposits WHERE id = ?;`

	insertLedgerSQL = `INSERT INTO ledger_transactions (
        id, user_id, type, amount, reference_id, created_at
    ) VALUES (?, ?, ?, ?, ?, ?)
    ON CONFLICT (reference_id, type) DO NOTHING;`

	upsertBalanceSQL = `INSERT INTO user_balances (user_id, balance, updated_at) VALUES (?, ?, ?)
    ON CONFLICT (user_id) DO UPDATE
    SET
        balance    = excluded.balance,
        updated_at = excluded.updated_at;`

	updateDepositStatusSQL = `UPDATE deposits SET status = ?, metadata = ?, updated_at = ? WHERE id = ?;`

	selectBalanceSQL = `SELECT balance FROM user_balances WHERE user_id = ?;`

	listLedgerSQL = `SELECT id, user_id, type, amount, reference_id, created_at
    FROM ledger_transactions
    WHERE reference_id = ?
    ORDER BY created_at, id;`
)

// CreateDeposit inserts a pending deposit.
func (s *Store) CreateDeposit(ctx context.Context, deposit storage.Deposit) (storage.Deposit, error) {
	deposit, err := storage.PrepareDeposit(deposit, s.now())
	if err != nil {
		return storage.Deposit{}, err
	}
	meta, err := storage.EncodeMetadata(deposit.Metadata)
	if err != nil {
		return storage.Deposit{}, err
	}

	if _, err := s.db.ExecContext(ctx, insertDepositSQL,
		deposit.ID,
		deposit.UserID,
		deposit.Amount.String(),
		string(deposit.Status),
		deposit.ExternalOrderID,
		meta,
		formatTime(deposit.CreatedAt),
		formatTime(deposit.UpdatedAt),
	); err != nil {
		return storage.Deposit{}, fmt.Errorf("insert deposit: %w", err)
	}
	return deposit, nil
}

// FindDepositByOrderID resolves a deposit by the processor order id.
func (s *Store) FindDepositByOrderID(ctx context.Context, orderID string) (storage.Deposit, error) {
	deposit, err := scanDeposit(s.db.QueryRowContext(ctx, selectDepositByOrderSQL, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Deposit{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Deposit{}, fmt.Errorf("find deposit %s: %w", orderID, err)
	}
	return deposit, nil
}

// ApplyDepositTransition performs the status change, ledger append and balance delta in one
// immediate transaction.
func (s *Store) ApplyDepositTransition(ctx context.Context, t storage.DepositTransition) (storage.TransitionResult, error) {
	at := t.At
	if at.IsZero() {
		at = s.now()
	}

	var result storage.TransitionResult
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		deposit, err := scanDeposit(conn.QueryRowContext(ctx, selectDepositByIDSQL, t.DepositID))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read deposit %s: %w", t.DepositID, err)
		}
		if deposit.Status != t.ExpectedStatus {
			return fmt.Errorf("%w: deposit %s is %s, expected %s", storage.ErrStaleState, deposit.ID, deposit.Status, t.ExpectedStatus)
		}

		if t.Ledger != nil {
			entry := storage.PrepareLedger(*t.Ledger, deposit, at)
			res, err := conn.ExecContext(ctx, insertLedgerSQL,
				entry.ID,
				entry.UserID,
				string(entry.Type),
				entry.Amount.String(),
				entry.ReferenceID,
				formatTime(entry.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("insert ledger: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("ledger rows affected: %w", err)
			}
			if affected == 1 {
				result.LedgerInserted = true
				current, err := queryBalance(ctx, conn, entry.UserID)
				if err != nil {
					return err
				}
				if _, err := conn.ExecContext(ctx, upsertBalanceSQL, entry.UserID, current.Add(entry.Amount).String(), formatTime(at)); err != nil {
					return fmt.Errorf("apply balance delta: %w", err)
				}
			}
		}

		deposit.Status = t.NewStatus
		deposit.Metadata = storage.MergeMetadata(deposit.Metadata, t.Metadata)
		deposit.UpdatedAt = at
		meta, err := storage.EncodeMetadata(deposit.Metadata)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, updateDepositStatusSQL, string(deposit.Status), meta, formatTime(at), deposit.ID); err != nil {
			return fmt.Errorf("update deposit status: %w", err)
		}

		balance, err := queryBalance(ctx, conn, deposit.UserID)
		if err != nil {
			return err
		}
		result.Deposit = deposit
		result.Balance = balance
		return nil
	})
	if err != nil {
		return storage.TransitionResult{}, err
	}
	return result, nil
}

// ListLedger returns every ledger row referencing a deposit.
func (s *Store) ListLedger(ctx context.Context, referenceID string) ([]storage.LedgerTransaction, error) {
	rows, err := s.db.QueryContext(ctx, listLedgerSQL, referenceID)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	out := make([]storage.LedgerTransaction, 0)
	for rows.Next() {
		var (
			entry   storage.LedgerTransaction
			kind    string
			amount  string
			created string
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &kind, &amount, &entry.ReferenceID, &created); err != nil {
			return nil, err
		}
		if entry.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse ledger amount: %w", err)
		}
		if entry.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entry.Type = storage.LedgerType(kind)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetBalance returns the user's balance, zero when none was recorded.
func (s *Store) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return queryBalance(ctx, s.db, userID)
}

func queryBalance(ctx context.Context, q querier, userID string) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, selectBalanceSQL, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return balance, nil
}

func scanDeposit(row scanner) (storage.Deposit, error) {
	var (
		deposit storage.Deposit
		amount  string
		status  string
		meta    string
		created string
		updated string
	)
	if err := row.Scan(
		&deposit.ID,
		&deposit.UserID,
		&amount,
		&status,
		&deposit.ExternalOrderID,
		&meta,
		&created,
		&updated,
	); err != nil {
		return storage.Deposit{}, err
	}

	var err error
	if deposit.Amount, err = decimal.NewFromString(amount); err != nil {
		return storage.Deposit{}, fmt.Errorf("parse deposit amount: %w", err)
	}
	if deposit.Metadata, err = storage.DecodeMetadata(meta); err != nil {
		return storage.Deposit{}, err
	}
	if deposit.CreatedAt, err = parseTime(created); err != nil {
		return storage.Deposit{}, err
	}
	if deposit.UpdatedAt, err = parseTime(updated); err != nil {
		return storage.Deposit{}, err
	}
	deposit.Status = storage.DepositStatus(status)
	return deposit, nil
}
