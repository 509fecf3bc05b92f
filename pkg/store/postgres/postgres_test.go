package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/zen-systems/pixelgate/pkg/logging"
	"github.com/zen-systems/pixelgate/pkg/store/postgres"
	"github.com/zen-systems/pixelgate/pkg/store/storetest"
)

func openTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("PIXELGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIXELGATE_TEST_POSTGRES_DSN not set")
	}
	s, err := postgres.Open(dsn, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLedgerStore(t *testing.T) {
	storetest.Ledger(t, openTestStore(t))
}

func TestImageStore(t *testing.T) {
	storetest.Images(t, openTestStore(t))
}

func TestAuditStore(t *testing.T) {
	storetest.Audit(t, openTestStore(t))
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
