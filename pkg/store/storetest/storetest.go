// Package storetest holds behavior tests shared by every relational store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zen-systems/pixelgate/pkg/audit"
	"github.com/zen-systems/pixelgate/pkg/ledger"
	"github.com/zen-systems/pixelgate/pkg/persist"
)

// Ledger exercises a ledger.Store.
func Ledger(t *testing.T, store ledger.Store) {
	ctx := context.Background()

	t.Run("debit unknown user", func(t *testing.T) {
		user := "user-" + uuid.NewString()
		_, err := store.Debit(ctx, user, 10, "generation")
		var fundsErr *ledger.InsufficientFundsError
		if !errors.As(err, &fundsErr) {
			t.Fatalf("expected InsufficientFundsError, got %v", err)
		}
		if fundsErr.Required != 10 || fundsErr.Available != 0 {
			t.Fatalf("unexpected shortfall %+v", fundsErr)
		}
		txns, err := store.Transactions(ctx, user, 10)
		if err != nil {
			t.Fatalf("transactions: %v", err)
		}
		if len(txns) != 0 {
			t.Fatalf("rejected debit must not record a transaction")
		}
	})

	t.Run("credit then debit", func(t *testing.T) {
		user := "user-" + uuid.NewString()
		receipt, err := store.Credit(ctx, user, 100, "welcome bonus", ledger.KindPurchased)
		if err != nil {
			t.Fatalf("credit: %v", err)
		}
		if receipt.Balance != 100 || receipt.Transaction.Amount != 100 {
			t.Fatalf("unexpected credit receipt %+v", receipt)
		}

		receipt, err = store.Debit(ctx, user, 40, "generation")
		if err != nil {
			t.Fatalf("debit: %v", err)
		}
		if receipt.Balance != 60 || receipt.Transaction.Amount != -40 || receipt.Transaction.Kind != ledger.KindUsed {
			t.Fatalf("unexpected debit receipt %+v", receipt)
		}

		_, err = store.Debit(ctx, user, 61, "too much")
		var fundsErr *ledger.InsufficientFundsError
		if !errors.As(err, &fundsErr) || fundsErr.Available != 60 {
			t.Fatalf("expected shortfall with available 60, got %v", err)
		}

		balance, err := store.Balance(ctx, user)
		if err != nil || balance != 60 {
			t.Fatalf("expected balance 60, got %d (%v)", balance, err)
		}

		txns, err := store.Transactions(ctx, user, 10)
		if err != nil {
			t.Fatalf("transactions: %v", err)
		}
		if len(txns) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(txns))
		}
		if txns[0].Kind != ledger.KindUsed || txns[1].Kind != ledger.KindPurchased {
			t.Fatalf("expected newest first, got %+v", txns)
		}
	})

	t.Run("concurrent debits never overspend", func(t *testing.T) {
		user := "user-" + uuid.NewString()
		if _, err := store.Credit(ctx, user, 100, "top-up", ledger.KindPurchased); err != nil {
			t.Fatalf("credit: %v", err)
		}

		const workers = 12
		const cost = 30
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			rejected  int
			other     []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Debit(ctx, user, cost, "generation")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ledger.ErrInsufficientFunds):
					rejected++
				default:
					other = append(other, err)
				}
			}()
		}
		wg.Wait()

		if len(other) > 0 {
			t.Fatalf("unexpected errors: %v", other)
		}
		if succeeded != 100/cost || rejected != workers-100/cost {
			t.Fatalf("expected %d successes, got %d (rejected %d)", 100/cost, succeeded, rejected)
		}
		balance, err := store.Balance(ctx, user)
		if err != nil || balance != 100-cost*int64(succeeded) {
			t.Fatalf("unexpected balance %d (%v)", balance, err)
		}
		txns, err := store.Transactions(ctx, user, 100)
		if err != nil {
			t.Fatalf("transactions: %v", err)
		}
		if len(txns) != 1+succeeded {
			t.Fatalf("expected %d transactions, got %d", 1+succeeded, len(txns))
		}
	})
}

// Images exercises a persist.Store.
func Images(t *testing.T, store persist.Store) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	now := time.Now().UTC()

	first, err := upsertOne(ctx, store, &persist.GeneratedImage{
		ID:         uuid.NewString(),
		UserID:     user,
		AssetURL:   "/assets/ab/abc.png",
		Prompt:     "a cat",
		Style:      "anime",
		TemplateID: "tpl-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second, err := upsertOne(ctx, store, &persist.GeneratedImage{
		ID:           uuid.NewString(),
		UserID:       user,
		AssetURL:     "/assets/ab/abc.png",
		Prompt:       "a cat, again",
		SuggestionID: "sug-9",
		CreatedAt:    now.Add(time.Second),
		UpdatedAt:    now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a second record: %s vs %s", second.ID, first.ID)
	}
	if second.TemplateID != "tpl-1" || second.SuggestionID != "sug-9" || second.Style != "anime" {
		t.Fatalf("linkage not merged: %+v", second)
	}
	if second.Prompt != "a cat, again" {
		t.Fatalf("expected latest prompt, got %q", second.Prompt)
	}

	list, err := store.ListImages(ctx, user, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one image, got %d", len(list))
	}

	caption := "new caption"
	fav := true
	updated, err := store.UpdateImage(ctx, user, first.ID, persist.Update{Caption: &caption, Favorite: &fav})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Caption != caption || !updated.Favorite {
		t.Fatalf("update not applied: %+v", updated)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.IncrementDownloads(ctx, user, first.ID); err != nil {
			t.Fatalf("download: %v", err)
		}
	}
	got, err := store.GetImage(ctx, user, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Downloads != 2 || !got.Favorite {
		t.Fatalf("unexpected image state %+v", got)
	}

	again, err := upsertOne(ctx, store, &persist.GeneratedImage{
		ID: uuid.NewString(), UserID: user, AssetURL: "/assets/ab/abc.png", Prompt: "",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	if again.Downloads != 2 || !again.Favorite || again.Prompt != "a cat, again" {
		t.Fatalf("upsert must not reset mutable fields: %+v", again)
	}

	batchUser := "user-" + uuid.NewString()
	batch, err := store.UpsertImages(ctx, []*persist.GeneratedImage{
		{ID: uuid.NewString(), UserID: batchUser, AssetURL: "/assets/cd/one.png", Prompt: "one", CreatedAt: now, UpdatedAt: now},
		{ID: uuid.NewString(), UserID: batchUser, AssetURL: "/assets/cd/two.png", Prompt: "two", CreatedAt: now, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("batch upsert: %v", err)
	}
	if len(batch) != 2 || batch[0].Prompt != "one" || batch[1].Prompt != "two" {
		t.Fatalf("batch rows not returned in order: %+v", batch)
	}

	// The second row reuses the first row's id, so the batch fails part way.
	failedUser := "user-" + uuid.NewString()
	dupID := uuid.NewString()
	if _, err := store.UpsertImages(ctx, []*persist.GeneratedImage{
		{ID: dupID, UserID: failedUser, AssetURL: "/assets/ef/one.png", Prompt: "one", CreatedAt: now, UpdatedAt: now},
		{ID: dupID, UserID: failedUser, AssetURL: "/assets/ef/two.png", Prompt: "two", CreatedAt: now, UpdatedAt: now},
	}); err == nil {
		t.Fatalf("expected duplicate id to fail the batch")
	}
	left, err := store.ListImages(ctx, failedUser, 10)
	if err != nil {
		t.Fatalf("list after failed batch: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("failed batch left %d rows behind", len(left))
	}

	if _, err := store.GetImage(ctx, "someone-else", first.ID); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other owner, got %v", err)
	}
	if _, err := store.IncrementDownloads(ctx, user, "missing"); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func upsertOne(ctx context.Context, store persist.Store, img *persist.GeneratedImage) (*persist.GeneratedImage, error) {
	stored, err := store.UpsertImages(ctx, []*persist.GeneratedImage{img})
	if err != nil {
		return nil, err
	}
	return stored[0], nil
}

// Audit exercises an audit.Store.
func Audit(t *testing.T, store audit.Store) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	request := "req-" + uuid.NewString()
	base := time.Now().UTC().Add(-2 * time.Hour)

	kinds := []audit.Kind{audit.KindAttempt, audit.KindFailed, audit.KindRefunded}
	for i, kind := range kinds {
		e := &audit.Event{
			ID:        uuid.NewString(),
			UserID:    user,
			RequestID: request,
			Kind:      kind,
			Detail:    map[string]any{"step": i},
			CreatedAt: base,
		}
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := store.EventsForRequest(ctx, request)
	if err != nil {
		t.Fatalf("events for request: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, kind := range kinds {
		if events[i].Kind != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
	}
	if events[1].Detail["step"] != float64(1) {
		t.Fatalf("detail not round-tripped: %+v", events[1].Detail)
	}

	for i := 0; i < 3; i++ {
		e := &audit.Event{
			ID:        uuid.NewString(),
			UserID:    user,
			RequestID: "req-" + uuid.NewString(),
			Kind:      audit.KindSucceeded,
			CreatedAt: base.Add(time.Duration(i) * 45 * time.Minute),
		}
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	n, err := store.CountEvents(ctx, user, audit.KindSucceeded, base.Add(45*time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events in window, got %d", n)
	}

	recent, err := store.EventsForUser(ctx, user, 2)
	if err != nil {
		t.Fatalf("events for user: %v", err)
	}
	if len(recent) != 2 || recent[0].Kind != audit.KindSucceeded {
		t.Fatalf("unexpected recent events %+v", recent)
	}
}
