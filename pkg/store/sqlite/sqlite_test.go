package sqlite

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/zen-systems/pixelgate/pkg/ledger"
	"github.com/zen-systems/pixelgate/pkg/store/storetest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	db, err := Open(filepath.Join(t.TempDir(), "pixelgate.db"), log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLedgerStore(t *testing.T) {
	storetest.Ledger(t, openTestDB(t))
}

func TestImageStore(t *testing.T) {
	storetest.Images(t, openTestDB(t))
}

func TestAuditStore(t *testing.T) {
	storetest.Audit(t, openTestDB(t))
}

func TestDebitRollsBackOnRecordFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.Credit(ctx, "u1", 50, "top-up", ledger.KindPurchased); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// A transaction log that rejects inserts must leave the balance untouched.
	if _, err := db.db.Exec(`CREATE TRIGGER reject_used BEFORE INSERT ON token_transactions
		WHEN NEW.kind = 'USED' BEGIN SELECT RAISE(ABORT, 'log unavailable'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	_, err := db.Debit(ctx, "u1", 20, "generation")
	if err == nil || errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected storage error, got %v", err)
	}
	balance, err := db.Balance(ctx, "u1")
	if err != nil || balance != 50 {
		t.Fatalf("expected balance 50 after rollback, got %d (%v)", balance, err)
	}
	txns, err := db.Transactions(ctx, "u1", 10)
	if err != nil || len(txns) != 1 {
		t.Fatalf("expected only the top-up transaction, got %d (%v)", len(txns), err)
	}
}

func TestOpenInMemory(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	db, err := Open(":memory:", log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
