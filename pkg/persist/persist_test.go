package persist_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/zen-systems/pixelgate/pkg/archive"
	"github.com/zen-systems/pixelgate/pkg/artifact"
	"github.com/zen-systems/pixelgate/pkg/logging"
	"github.com/zen-systems/pixelgate/pkg/persist"
	"github.com/zen-systems/pixelgate/pkg/store/sqlite"
)

var pngBytes = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte("pixels")...)

func newPersister(t *testing.T) (*persist.Persister, *archive.Store) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "images.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := archive.NewStore(t.TempDir(), "http://assets.test")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	return persist.New(db, store, logging.Discard(), 20), store
}

func TestPersistArchivesBytes(t *testing.T) {
	p, store := newPersister(t)
	ctx := context.Background()

	img := artifact.FromBytes(pngBytes, "image/png", "mock", "mock-1", "a cat")
	rec, err := p.Persist(ctx, "alice", img, persist.Metadata{Style: "anime", GenerationSource: persist.SourceManual})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if !img.Stored() || rec.AssetURL != img.URL {
		t.Fatalf("expected archived asset, got %+v", rec)
	}
	if rec.Prompt != "a cat" {
		t.Fatalf("expected prompt from artifact, got %q", rec.Prompt)
	}

	key, ok := store.KeyFromURL(rec.AssetURL)
	if !ok {
		t.Fatalf("asset url %q is not an archive url", rec.AssetURL)
	}
	if _, err := store.Get(key); err != nil {
		t.Fatalf("archived object missing: %v", err)
	}
}

func TestPersistDownloadsRemoteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer srv.Close()

	p, _ := newPersister(t)
	img := artifact.FromURL(srv.URL+"/tmp/image.png", "openai", "dall-e-3", "a dog")
	rec, err := p.Persist(context.Background(), "alice", img, persist.Metadata{})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if rec.AssetURL == srv.URL+"/tmp/image.png" {
		t.Fatal("remote url must be replaced by the archived one")
	}
	if img.Hash != artifact.HashBytes(pngBytes) {
		t.Fatal("downloaded bytes not hashed")
	}
}

func TestPersistIsIdempotentPerOwnerAndAsset(t *testing.T) {
	p, _ := newPersister(t)
	ctx := context.Background()

	first, err := p.Persist(ctx, "alice", artifact.FromBytes(pngBytes, "image/png", "", "", "a cat"), persist.Metadata{TemplateID: "tpl-1"})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	second, err := p.Persist(ctx, "alice", artifact.FromBytes(pngBytes, "image/png", "", "", "a cat"), persist.Metadata{SuggestionID: "sug-9"})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one record, got %s and %s", first.ID, second.ID)
	}
	if second.TemplateID != "tpl-1" || second.SuggestionID != "sug-9" {
		t.Fatalf("linkage not merged: %+v", second)
	}

	other, err := p.Persist(ctx, "bob", artifact.FromBytes(pngBytes, "image/png", "", "", "a cat"), persist.Metadata{})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("different owners must not share a record")
	}

	images, err := p.List(ctx, "alice", 0)
	if err != nil || len(images) != 1 {
		t.Fatalf("expected 1 image for alice, got %d (%v)", len(images), err)
	}
}

func TestImageUpdates(t *testing.T) {
	p, _ := newPersister(t)
	ctx := context.Background()

	rec, err := p.Persist(ctx, "alice", artifact.FromBytes(pngBytes, "image/png", "", "", "a cat"), persist.Metadata{})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	updated, err := p.UpdateCaption(ctx, "alice", rec.ID, "sunday mood")
	if err != nil || updated.Caption != "sunday mood" {
		t.Fatalf("UpdateCaption: %+v %v", updated, err)
	}
	if _, err := p.UpdateCaption(ctx, "alice", rec.ID, "this caption is far too long"); !errors.Is(err, persist.ErrCaptionTooLong) {
		t.Fatalf("expected caption length error, got %v", err)
	}

	updated, err = p.SetFavorite(ctx, "alice", rec.ID, true)
	if err != nil || !updated.Favorite {
		t.Fatalf("SetFavorite: %+v %v", updated, err)
	}

	updated, err = p.RecordDownload(ctx, "alice", rec.ID)
	if err != nil || updated.Downloads != 1 {
		t.Fatalf("RecordDownload: %+v %v", updated, err)
	}

	if _, err := p.Get(ctx, "bob", rec.ID); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
	if _, err := p.SetFavorite(ctx, "bob", rec.ID, true); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
}

func TestPersistAllWritesNothingWhenOneImageFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p, _ := newPersister(t)
	ctx := context.Background()

	imgs := []*artifact.Image{
		artifact.FromBytes(pngBytes, "image/png", "mock", "mock-1", "first"),
		artifact.FromURL(srv.URL+"/gone.png", "mock", "mock-1", "second"),
	}
	if _, err := p.PersistAll(ctx, "alice", imgs, persist.Metadata{}); err == nil {
		t.Fatalf("expected archive failure")
	}
	list, err := p.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no records, got %d", len(list))
	}

	second := append(append([]byte{}, pngBytes...), '2')
	stored, err := p.PersistAll(ctx, "alice", []*artifact.Image{
		artifact.FromBytes(pngBytes, "image/png", "mock", "mock-1", "first"),
		artifact.FromBytes(second, "image/png", "mock", "mock-1", "second"),
	}, persist.Metadata{TemplateID: "tpl-1"})
	if err != nil {
		t.Fatalf("PersistAll: %v", err)
	}
	if len(stored) != 2 || stored[0].Prompt != "first" || stored[1].Prompt != "second" || stored[1].TemplateID != "tpl-1" {
		t.Fatalf("unexpected records %+v", stored)
	}
}
