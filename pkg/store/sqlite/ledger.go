package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zen-systems/pixelgate/pkg/ledger"
)

// Debit decrements the balance and records a USED transaction in one
// transaction. The guarded UPDATE never takes a balance below zero.
func (d *DB) Debit(ctx context.Context, userID string, amount int64, description string) (*ledger.Receipt, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	now := d.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET token_balance = token_balance - ?, updated_at = ?
		WHERE id = ? AND token_balance >= ?
	`, amount, formatTime(now), userID, amount)
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}
	if affected == 0 {
		available, err := balanceTx(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		return nil, &ledger.InsufficientFundsError{Required: amount, Available: available}
	}

	txn := ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      -amount,
		Kind:        ledger.KindUsed,
		Description: description,
		CreatedAt:   now,
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	balance, err := balanceTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return &ledger.Receipt{Transaction: txn, Balance: balance}, nil
}

// Credit increments the balance, creating the user row if needed, and
// records the transaction in one transaction.
func (d *DB) Credit(ctx context.Context, userID string, amount int64, description string, kind ledger.Kind) (*ledger.Receipt, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(d.now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, token_balance, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, userID, now, now); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET token_balance = token_balance + ?, updated_at = ? WHERE id = ?
	`, amount, now, userID); err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	txn := ledger.Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		CreatedAt:   parseTime(now),
	}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}

	balance, err := balanceTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return &ledger.Receipt{Transaction: txn, Balance: balance}, nil
}

// Balance returns the user's balance; unknown users have zero.
func (d *DB) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := d.db.QueryRowContext(ctx, `SELECT token_balance FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Transactions returns the user's most recent transactions, newest first.
func (d *DB) Transactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, amount, kind, description, created_at
		FROM token_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []ledger.Transaction
	for rows.Next() {
		var (
			txn       ledger.Transaction
			kind      string
			createdAt string
		)
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Amount, &kind, &txn.Description, &createdAt); err != nil {
			return nil, err
		}
		txn.Kind = ledger.Kind(kind)
		txn.CreatedAt = parseTime(createdAt)
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func balanceTx(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT token_balance FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn ledger.Transaction) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO token_transactions (id, user_id, amount, kind, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.UserID, txn.Amount, string(txn.Kind), txn.Description, formatTime(txn.CreatedAt)); err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}
