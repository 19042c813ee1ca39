package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/database"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
	"github.com/RoseOO/nearline/internal/resolver"
	"github.com/RoseOO/nearline/internal/tape"
)

func setupService(t *testing.T, cfg *config.Config) (*Service, *catalog.Store) {
	t.Helper()
	tmpDir := t.TempDir()

	db, err := database.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store := catalog.NewStore(db)

	logger, err := logging.NewLogger("error", "text", "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	res := resolver.New(
		map[string]string{"/badc/spot1": "spot1"},
		map[string]string{"spot1": "/datacentre/archvol/pan1/archive/spot1"},
	)
	svc := NewService(store, resolver.NewHolder(res), tape.NewClient(cfg.Tape, logger), cfg, logger)
	return svc, store
}

func writeFakeSdLs(t *testing.T, lines ...string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "sd_ls")
	body := "#!/bin/sh\n"
	for _, l := range lines {
		body += "echo \"" + l + "\"\n"
	}
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatalf("failed to write fake sd_ls: %v", err)
	}
	return script
}

func verifyRequest(t *testing.T, store *catalog.Store, label string) *models.TapeRequest {
	t.Helper()
	reqs, err := store.ListRequests(models.VerifyQuotaUser)
	if err != nil {
		t.Fatalf("failed to list requests: %v", err)
	}
	for i := range reqs {
		if reqs[i].Label == label {
			return &reqs[i]
		}
	}
	return nil
}

func TestRunVerifiesAgainstManifests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tape.TestMode = true
	cfg.Tape.ChecksumsDir = t.TempDir()
	svc, store := setupService(t, cfg)

	store.AddFile("/badc/spot1/data/a.nc", 4)
	store.AddFile("/badc/spot1/data/b.nc", 4)

	manifest := filepath.Join(cfg.Tape.ChecksumsDir, "spot1.chksums.1")
	os.WriteFile(manifest, []byte("d41d8cd98f /badc/spot1/data/a.nc\n"), 0644)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	fa, _ := store.FileByPath("/badc/spot1/data/a.nc")
	if fa.Stage != models.StageOnDisk {
		t.Errorf("expected a.nc ONDISK, got %v", fa.Stage)
	}
	if fa.VerifiedAt == nil {
		t.Error("expected a.nc verification stamped")
	}
	fb, _ := store.FileByPath("/badc/spot1/data/b.nc")
	if fb.Stage != models.StageUnverified {
		t.Errorf("expected b.nc still UNVERIFIED, got %v", fb.Stage)
	}

	req := verifyRequest(t, store, "FROM VERIFY PROCESS")
	if req == nil {
		t.Fatal("expected a verification request")
	}
	members, _ := store.MemberFiles(req.ID)
	if len(members) != 1 || members[0].ID != fa.ID {
		t.Errorf("expected a.nc as sole member, got %v", members)
	}
	if req.FirstFileOnDisk == nil || req.LastFileOnDisk == nil {
		t.Error("expected arrival times stamped")
	}
}

func TestRunDeletesEmptyRequest(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tape.TestMode = true
	cfg.Tape.ChecksumsDir = t.TempDir()
	svc, store := setupService(t, cfg)

	store.AddFile("/badc/spot1/data/a.nc", 4)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	if req := verifyRequest(t, store, "FROM VERIFY PROCESS"); req != nil {
		t.Errorf("expected empty verification request deleted, got %d", req.ID)
	}
	f, _ := store.FileByPath("/badc/spot1/data/a.nc")
	if f.Stage != models.StageUnverified {
		t.Errorf("expected file untouched, got %v", f.Stage)
	}
}

func TestQuickVerifyTrustsTapeListing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tape.TestMode = true
	cfg.Tape.SDLsPath = writeFakeSdLs(t,
		"x x TAPED 4 x x x x x x /badc/spot1/data/a.nc",
		"x x MIGRATING 4 x x x x x x /badc/spot1/data/b.nc",
		"x x TAPED 9 x x x x x x /badc/spot1/data/c.nc",
	)
	cfg.Staging.QuickVerifyPrefixes = []string{"/badc/spot1"}
	svc, store := setupService(t, cfg)

	store.AddFile("/badc/spot1/data/a.nc", 4)
	store.AddFile("/badc/spot1/data/b.nc", 4)
	store.AddFile("/badc/spot1/data/c.nc", 4)
	store.AddFile("/other/tree/d.nc", 4)

	if err := svc.QuickVerify(context.Background()); err != nil {
		t.Fatalf("quick verify failed: %v", err)
	}

	fa, _ := store.FileByPath("/badc/spot1/data/a.nc")
	if fa.Stage != models.StageOnTape {
		t.Errorf("expected taped file promoted to ONTAPE, got %v", fa.Stage)
	}
	if fa.VerifiedAt == nil {
		t.Error("expected verification stamped")
	}
	for _, p := range []string{"/badc/spot1/data/b.nc", "/badc/spot1/data/c.nc", "/other/tree/d.nc"} {
		f, _ := store.FileByPath(p)
		if f.Stage != models.StageUnverified {
			t.Errorf("expected %s untouched, got %v", p, f.Stage)
		}
	}

	req := verifyRequest(t, store, "FROM QUICK_VERIFY PROCESS")
	if req == nil {
		t.Fatal("expected a quick verify request")
	}
	members, _ := store.MemberFiles(req.ID)
	if len(members) != 1 || members[0].LogicalPath != "/badc/spot1/data/a.nc" {
		t.Errorf("unexpected members: %v", members)
	}
}

func TestQuickVerifyDisabledWithoutPrefixes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tape.TestMode = true
	svc, store := setupService(t, cfg)

	store.AddFile("/badc/spot1/data/a.nc", 4)
	if err := svc.QuickVerify(context.Background()); err != nil {
		t.Fatalf("quick verify failed: %v", err)
	}
	f, _ := store.FileByPath("/badc/spot1/data/a.nc")
	if f.Stage != models.StageUnverified {
		t.Errorf("expected no-op, got %v", f.Stage)
	}
}
