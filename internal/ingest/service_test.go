package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/database"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
)

func setupStore(t *testing.T) *catalog.Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return catalog.NewStore(db)
}

func TestRunCataloguesTapeOnlyFilesets(t *testing.T) {
	store := setupStore(t)
	root := t.TempDir()

	big := filepath.Join(root, "2025", "big.nc")
	small := filepath.Join(root, "2025", "small.nc")
	linked := filepath.Join(root, "2025", "link.nc")
	os.MkdirAll(filepath.Dir(big), 0755)
	os.WriteFile(big, make([]byte, 2048), 0644)
	os.WriteFile(small, []byte("tiny"), 0644)
	os.Symlink(big, linked)

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("spot1 tape " + root + "\n\nbad line\n"))
	}))
	defer feed.Close()

	logger, _ := logging.NewLogger("error", "text", "")
	defer logger.Close()

	cfg := config.DefaultConfig()
	cfg.Feeds.OnTapeURL = feed.URL
	cfg.Tape.MinFileSize = 1024
	svc := NewService(store, cfg, logger)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	f, err := store.FileByPath(big)
	if err != nil {
		t.Fatalf("expected big file catalogued: %v", err)
	}
	if f.Stage != models.StageUnverified {
		t.Errorf("expected UNVERIFIED, got %v", f.Stage)
	}
	if f.Size != 2048 {
		t.Errorf("expected size 2048, got %d", f.Size)
	}
	if _, err := store.FileByPath(small); err != catalog.ErrNotFound {
		t.Error("expected small file skipped")
	}
	if _, err := store.FileByPath(linked); err != catalog.ErrNotFound {
		t.Error("expected symlink skipped")
	}
}

func TestRunLeavesKnownFilesAlone(t *testing.T) {
	store := setupStore(t)
	root := t.TempDir()

	path := filepath.Join(root, "a.nc")
	os.WriteFile(path, make([]byte, 2048), 0644)
	store.AddFile(path, 999)
	f, _ := store.FileByPath(path)
	store.SetStage(f.ID, models.StageOnTape)

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("spot1 tape " + root + "\n"))
	}))
	defer feed.Close()

	logger, _ := logging.NewLogger("error", "text", "")
	defer logger.Close()

	cfg := config.DefaultConfig()
	cfg.Feeds.OnTapeURL = feed.URL
	cfg.Tape.MinFileSize = 1024
	svc := NewService(store, cfg, logger)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	got, _ := store.FileByPath(path)
	if got.Stage != models.StageOnTape || got.Size != 999 {
		t.Errorf("expected existing row untouched, got stage %v size %d", got.Stage, got.Size)
	}
}
