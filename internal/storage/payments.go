package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	insertDepositSQL = `INSERT INTO deposits (
        id,
        user_id,
        amount,
        status,
        external_order_id,
        metadata,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3::numeric,$4,$5,$6::jsonb,$7,$8
    );`

	depositColumns = `id, user_id, amount::text, status, external_order_id, metadata::text, created_at, updated_at`

	selectDepositByOrderSQL = `SELECT ` + depositColumns + `
    FROM deposits
    WHERE external_order_id = $1;`

	selectDepositForUpdateSQL = `SELECT ` + depositColumns + `
    FROM deposits
    WHERE id = $1
    FOR UPDATE;`

	insertLedgerSQL = `INSERT INTO ledger_transactions (
        id,
        user_id,
        type,
        amount,
        reference_id,
        created_at
    ) VALUES (
        $1,$2,$3,$4::numeric,$5,$6
    )
    ON CONFLICT (reference_id, type) DO NOTHING;`

	applyBalanceDeltaSQL = `INSERT INTO user_balances (user_id, balance, updated_at)
    VALUES ($1, $2::numeric, $3)
    ON CONFLICT (user_id) DO UPDATE
    SET
        balance    = user_balances.balance + EXCLUDED.balance,
        updated_at = EXCLUDED.updated_at;`

	updateDepositStatusSQL = `UPDATE deposits
    SET
        status     = $2,
        metadata   = $3::jsonb,
        updated_at = $4
    WHERE id = $1;`

	selectBalanceSQL = `SELECT balance::text FROM user_balances WHERE user_id = $1;`

	listLedgerSQL = `SELECT id, user_id, type, amount::text, reference_id, created_at
    FROM ledger_transactions
    WHERE reference_id = $1
    ORDER BY created_at, id;`
)

// CreateDeposit inserts a pending deposit. ID, status and timestamps are filled when empty.
func (s *Store) CreateDeposit(ctx context.Context, deposit Deposit) (Deposit, error) {
	pool, err := s.getPool()
	if err != nil {
		return Deposit{}, err
	}

	deposit, err = PrepareDeposit(deposit, time.Now().UTC())
	if err != nil {
		return Deposit{}, err
	}
	meta, err := EncodeMetadata(deposit.Metadata)
	if err != nil {
		return Deposit{}, err
	}

	if _, err := pool.Exec(ctx, insertDepositSQL,
		deposit.ID,
		deposit.UserID,
		deposit.Amount.String(),
		string(deposit.Status),
		deposit.ExternalOrderID,
		meta,
		deposit.CreatedAt,
		deposit.UpdatedAt,
	); err != nil {
		return Deposit{}, fmt.Errorf("insert deposit: %w", err)
	}
	return deposit, nil
}

// FindDepositByOrderID resolves a deposit by the processor order id.
func (s *Store) FindDepositByOrderID(ctx context.Context, orderID string) (Deposit, error) {
	pool, err := s.getPool()
	if err != nil {
		return Deposit{}, err
	}

	deposit, err := scanDeposit(pool.QueryRow(ctx, selectDepositByOrderSQL, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Deposit{}, ErrNotFound
	}
	if err != nil {
		return Deposit{}, fmt.Errorf("find deposit %s: %w", orderID, err)
	}
	return deposit, nil
}

// ApplyDepositTransition moves a deposit between statuses and, when t.Ledger is set, appends the
// ledger row and adjusts the balance, all in one transaction. The balance only moves when the
// ledger row was actually inserted.
func (s *Store) ApplyDepositTransition(ctx context.Context, t DepositTransition) (TransitionResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return TransitionResult{}, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, fmt.Errorf("begin deposit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deposit, err := scanDeposit(tx.QueryRow(ctx, selectDepositForUpdateSQL, t.DepositID))
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{}, ErrNotFound
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("lock deposit %s: %w", t.DepositID, err)
	}
	if deposit.Status != t.ExpectedStatus {
		return TransitionResult{}, fmt.Errorf("%w: deposit %s is %s, expected %s", ErrStaleState, deposit.ID, deposit.Status, t.ExpectedStatus)
	}

	result := TransitionResult{}
	if t.Ledger != nil {
		entry := PrepareLedger(*t.Ledger, deposit, at)
		tag, err := tx.Exec(ctx, insertLedgerSQL,
			entry.ID,
			entry.UserID,
			string(entry.Type),
			entry.Amount.String(),
			entry.ReferenceID,
			entry.CreatedAt,
		)
		if err != nil {
			return TransitionResult{}, fmt.Errorf("insert ledger: %w", err)
		}
		if tag.RowsAffected() == 1 {
			result.LedgerInserted = true
			if _, err := tx.Exec(ctx, applyBalanceDeltaSQL, entry.UserID, entry.Amount.String(), at); err != nil {
				return TransitionResult{}, fmt.Errorf("apply balance delta: %w", err)
			}
		}
	}

	deposit.Status = t.NewStatus
	deposit.Metadata = MergeMetadata(deposit.Metadata, t.Metadata)
	deposit.UpdatedAt = at
	meta, err := EncodeMetadata(deposit.Metadata)
	if err != nil {
		return TransitionResult{}, err
	}
	if _, err := tx.Exec(ctx, updateDepositStatusSQL, deposit.ID, string(deposit.Status), meta, at); err != nil {
		return TransitionResult{}, fmt.Errorf("update deposit status: %w", err)
	}

	balance, err := queryBalance(ctx, tx, deposit.UserID)
	if err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, fmt.Errorf("commit deposit tx: %w", err)
	}

	result.Deposit = deposit
	result.Balance = balance
	return result, nil
}

// ListLedger returns every ledger row referencing a deposit.
func (s *Store) ListLedger(ctx context.Context, referenceID string) ([]LedgerTransaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listLedgerSQL, referenceID)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	out := make([]LedgerTransaction, 0)
	for rows.Next() {
		var (
			entry     LedgerTransaction
			kind      string
			amountStr string
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &kind, &amountStr, &entry.ReferenceID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse ledger amount: %w", err)
		}
		entry.Type = LedgerType(kind)
		entry.Amount = amount
		out = append(out, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// GetBalance returns the user's balance, zero when no movement was ever recorded.
func (s *Store) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Zero, err
	}
	return queryBalance(ctx, pool, userID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryBalance(ctx context.Context, q rowQuerier, userID string) (decimal.Decimal, error) {
	var balanceStr string
	err := q.QueryRow(ctx, selectBalanceSQL, userID).Scan(&balanceStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return balance, nil
}

func scanDeposit(row pgx.Row) (Deposit, error) {
	var (
		deposit   Deposit
		amountStr string
		status    string
		meta      string
	)
	if err := row.Scan(
		&deposit.ID,
		&deposit.UserID,
		&amountStr,
		&status,
		&deposit.ExternalOrderID,
		&meta,
		&deposit.CreatedAt,
		&deposit.UpdatedAt,
	); err != nil {
		return Deposit{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Deposit{}, fmt.Errorf("parse deposit amount: %w", err)
	}
	deposit.Amount = amount
	deposit.Status = DepositStatus(status)
	deposit.Metadata, err = DecodeMetadata(meta)
	if err != nil {
		return Deposit{}, err
	}
	return deposit, nil
}

// PrepareDeposit fills defaults and validates a new deposit. Shared by every backend.
func PrepareDeposit(deposit Deposit, now time.Time) (Deposit, error) {
	if deposit.UserID == "" {
		return Deposit{}, errors.New("deposit: user id is required")
	}
	if deposit.ExternalOrderID == "" {
		return Deposit{}, errors.New("deposit: external order id is required")
	}
	if !deposit.Amount.IsPositive() {
		return Deposit{}, fmt.Errorf("deposit: amount must be positive, got %s", deposit.Amount)
	}
	if deposit.ID == "" {
		deposit.ID = uuid.NewString()
	}
	if deposit.Status == "" {
		deposit.Status = DepositPending
	}
	if deposit.Metadata == nil {
		deposit.Metadata = map[string]any{}
	}
	if deposit.CreatedAt.IsZero() {
		deposit.CreatedAt = now
	}
	if deposit.UpdatedAt.IsZero() {
		deposit.UpdatedAt = deposit.CreatedAt
	}
	return deposit, nil
}

// PrepareLedger fills ledger defaults from the owning deposit.
func PrepareLedger(entry LedgerTransaction, deposit Deposit, at time.Time) LedgerTransaction {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.UserID == "" {
		entry.UserID = deposit.UserID
	}
	if entry.ReferenceID == "" {
		entry.ReferenceID = deposit.ID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = at
	}
	return entry
}

// EncodeMetadata renders deposit metadata as a JSON object.
func EncodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

// DecodeMetadata parses a stored JSON object, treating empty input as {}.
func DecodeMetadata(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}
