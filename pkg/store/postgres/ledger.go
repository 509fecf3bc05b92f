package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zen-systems/pixelgate/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Debit locks the user row, checks funds, then decrements the balance and
// records a USED transaction in the same transaction.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, description string) (*ledger.Receipt, error) {
	var receipt *ledger.Receipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user userRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", userID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &ledger.InsufficientFundsError{Required: amount, Available: 0}
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if user.TokenBalance < amount {
			return &ledger.InsufficientFundsError{Required: amount, Available: user.TokenBalance}
		}

		now := s.now()
		if err := tx.Model(&userRow{}).Where("id = ?", userID).Updates(map[string]any{
			"token_balance": gorm.Expr("token_balance - ?", amount),
			"updated_at":    now,
		}).Error; err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		row := transactionRow{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      -amount,
			Kind:        string(ledger.KindUsed),
			Description: description,
			CreatedAt:   now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}

		receipt = &ledger.Receipt{Transaction: toTransaction(row), Balance: user.TokenBalance - amount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Credit creates the user row if needed, locks it, increments the balance
// and records the transaction.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, description string, kind ledger.Kind) (*ledger.Receipt, error) {
	var receipt *ledger.Receipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&userRow{
			ID:        userID,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error; err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}

		var user userRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", userID).Take(&user).Error; err != nil {
			return fmt.Errorf("lock user: %w", err)
		}

		if err := tx.Model(&userRow{}).Where("id = ?", userID).Updates(map[string]any{
			"token_balance": gorm.Expr("token_balance + ?", amount),
			"updated_at":    now,
		}).Error; err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		row := transactionRow{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      amount,
			Kind:        string(kind),
			Description: description,
			CreatedAt:   now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}

		receipt = &ledger.Receipt{Transaction: toTransaction(row), Balance: user.TokenBalance + amount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Balance returns the user's balance; unknown users have zero.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var user userRow
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return user.TokenBalance, nil
}

// Transactions returns the user's most recent transactions, newest first.
func (s *Store) Transactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	var rows []transactionRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	txns := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		txns = append(txns, toTransaction(row))
	}
	return txns, nil
}

func toTransaction(row transactionRow) ledger.Transaction {
	return ledger.Transaction{
		ID:          row.ID,
		UserID:      row.UserID,
		Amount:      row.Amount,
		Kind:        ledger.Kind(row.Kind),
		Description: row.Description,
		CreatedAt:   row.CreatedAt.UTC(),
	}
}
