// Package ledger owns user token balances and their transaction log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zen-systems/pixelgate/pkg/metrics"
)

// Kind classifies a token transaction.
type Kind string

const (
	KindUsed      Kind = "USED"
	KindEarned    Kind = "EARNED"
	KindPurchased Kind = "PURCHASED"
)

var (
	// ErrInsufficientFunds is wrapped by *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidKind is returned when a credit uses a debit kind.
	ErrInvalidKind = errors.New("invalid transaction kind")
	// ErrMissingUser is returned when no user id is given.
	ErrMissingUser = errors.New("user id is required")
)

// InsufficientFundsError reports the shortfall of a rejected debit.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// Transaction is an immutable ledger record. Amount is negative for USED.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Receipt is the committed result of a debit or credit.
type Receipt struct {
	Transaction Transaction `json:"transaction"`
	Balance     int64       `json:"balance"`
}

// Store is the transactional backend of the ledger. Debit and Credit must
// each commit the balance change and the transaction record in a single
// database transaction, serialized per user.
type Store interface {
	Debit(ctx context.Context, userID string, amount int64, description string) (*Receipt, error)
	Credit(ctx context.Context, userID string, amount int64, description string, kind Kind) (*Receipt, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// Ledger validates and instruments ledger operations over a Store.
type Ledger struct {
	store   Store
	log     *logrus.Logger
	metrics *metrics.Metrics
}

// New creates a Ledger.
func New(store Store, log *logrus.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, log: log, metrics: m}
}

// Debit removes amount from the user's balance and records a USED transaction.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, description string) (*Receipt, error) {
	if err := validate(userID, amount); err != nil {
		return nil, err
	}

	receipt, err := l.store.Debit(ctx, userID, amount, description)
	if err != nil {
		var fundsErr *InsufficientFundsError
		if !errors.As(err, &fundsErr) {
			l.log.WithFields(logrus.Fields{
				"user_id": userID,
				"amount":  amount,
				"error":   err,
			}).Error("ledger debit failed")
		}
		return nil, err
	}

	l.metrics.Tokens("debit", amount)
	l.log.WithFields(logrus.Fields{
		"user_id":        userID,
		"amount":         amount,
		"balance":        receipt.Balance,
		"transaction_id": receipt.Transaction.ID,
	}).Debug("tokens debited")
	return receipt, nil
}

// Credit adds amount to the user's balance. kind must be EARNED or PURCHASED.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, description string, kind Kind) (*Receipt, error) {
	if err := validate(userID, amount); err != nil {
		return nil, err
	}
	if kind != KindEarned && kind != KindPurchased {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	receipt, err := l.store.Credit(ctx, userID, amount, description, kind)
	if err != nil {
		l.log.WithFields(logrus.Fields{
			"user_id": userID,
			"amount":  amount,
			"kind":    kind,
			"error":   err,
		}).Error("ledger credit failed")
		return nil, err
	}

	l.metrics.Tokens(strings.ToLower(string(kind)), amount)
	l.log.WithFields(logrus.Fields{
		"user_id":        userID,
		"amount":         amount,
		"kind":           kind,
		"balance":        receipt.Balance,
		"transaction_id": receipt.Transaction.ID,
	}).Debug("tokens credited")
	return receipt, nil
}

// BalanceOf returns the user's balance; unknown users have zero.
func (l *Ledger) BalanceOf(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrMissingUser
	}
	return l.store.Balance(ctx, userID)
}

// History returns the user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.Transactions(ctx, userID, limit)
}

func validate(userID string, amount int64) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}
