package ledger

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type memoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	txs      []Transaction
	failNext error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{balances: make(map[string]int64)}
}

func (s *memoryStore) Debit(_ context.Context, userID string, amount int64, description string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	if s.balances[userID] < amount {
		return nil, &InsufficientFundsError{Required: amount, Available: s.balances[userID]}
	}
	s.balances[userID] -= amount
	tx := Transaction{ID: "tx", UserID: userID, Amount: -amount, Kind: KindUsed, Description: description, CreatedAt: time.Now()}
	s.txs = append(s.txs, tx)
	return &Receipt{Transaction: tx, Balance: s.balances[userID]}, nil
}

func (s *memoryStore) Credit(_ context.Context, userID string, amount int64, description string, kind Kind) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += amount
	tx := Transaction{ID: "tx", UserID: userID, Amount: amount, Kind: kind, Description: description, CreatedAt: time.Now()}
	s.txs = append(s.txs, tx)
	return &Receipt{Transaction: tx, Balance: s.balances[userID]}, nil
}

func (s *memoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *memoryStore) Transactions(_ context.Context, userID string, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.txs[i].UserID == userID {
			out = append(out, s.txs[i])
		}
	}
	return out, nil
}

func testLedger() (*Ledger, *memoryStore) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	store := newMemoryStore()
	return New(store, log, nil), store
}

func TestDebitRejectsInvalidInput(t *testing.T) {
	l, store := testLedger()
	ctx := context.Background()

	if _, err := l.Debit(ctx, "u1", 0, "zero"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Debit(ctx, "u1", -5, "negative"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Debit(ctx, " ", 5, "nobody"); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
	if len(store.txs) != 0 {
		t.Fatalf("invalid input must not reach the store")
	}
}

func TestCreditRejectsUsedKind(t *testing.T) {
	l, _ := testLedger()
	if _, err := l.Credit(context.Background(), "u1", 10, "bad", KindUsed); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	l, _ := testLedger()
	ctx := context.Background()
	if _, err := l.Credit(ctx, "u1", 20, "top-up", KindPurchased); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := l.Debit(ctx, "u1", 30, "generation")
	var fundsErr *InsufficientFundsError
	if !errors.As(err, &fundsErr) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if fundsErr.Required != 30 || fundsErr.Available != 20 {
		t.Fatalf("unexpected shortfall %+v", fundsErr)
	}
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds in chain")
	}
}

func TestDebitCreditRoundTrip(t *testing.T) {
	l, _ := testLedger()
	ctx := context.Background()
	if _, err := l.Credit(ctx, "u1", 100, "top-up", KindPurchased); err != nil {
		t.Fatalf("credit: %v", err)
	}
	receipt, err := l.Debit(ctx, "u1", 40, "generation")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if receipt.Balance != 60 || receipt.Transaction.Amount != -40 || receipt.Transaction.Kind != KindUsed {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	history, err := l.History(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Kind != KindUsed {
		t.Fatalf("expected newest-first history, got %+v", history)
	}
}

func TestDebitPropagatesStoreErrors(t *testing.T) {
	l, store := testLedger()
	store.failNext = errors.New("disk full")
	if _, err := l.Debit(context.Background(), "u1", 1, "x"); err == nil || errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected store error, got %v", err)
	}
}
