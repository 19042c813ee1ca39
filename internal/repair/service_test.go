package repair

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/database"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
	"github.com/RoseOO/nearline/internal/resolver"
	"github.com/RoseOO/nearline/internal/tape"
)

func setupService(t *testing.T, prefix string) (*Service, *catalog.Store) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
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
		map[string]string{prefix: "spot1"},
		map[string]string{"spot1": "/datacentre/archvol/pan1/archive/spot1"},
	)
	cfg := config.DefaultConfig()
	cfg.Tape.TestMode = true
	svc := NewService(store, resolver.NewHolder(res), tape.NewClient(cfg.Tape, logger), cfg, logger)
	return svc, store
}

func addFileAtStage(t *testing.T, store *catalog.Store, path string, stage models.Stage) *models.TapeFile {
	t.Helper()
	if _, err := store.AddFile(path, 4); err != nil {
		t.Fatalf("failed to add file: %v", err)
	}
	f, err := store.FileByPath(path)
	if err != nil {
		t.Fatalf("failed to look up file: %v", err)
	}
	if err := store.SetStage(f.ID, stage); err != nil {
		t.Fatalf("failed to set stage: %v", err)
	}
	f.Stage = stage
	return f
}

func TestRunUnknownRepair(t *testing.T) {
	svc, _ := setupService(t, "/badc/spot1")
	if err := svc.Run(context.Background(), "no_such_fix"); err == nil {
		t.Fatal("expected error for unknown repair")
	}
}

func TestClearSlots(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")

	q := &models.Quota{User: "alice", Size: 1 << 30}
	store.CreateQuota(q)
	now := time.Now().UTC()
	req := &models.TapeRequest{QuotaID: q.ID, RequestDate: now, Retention: now.Add(time.Hour), Active: true}
	store.CreateRequest(req, nil)

	store.EnsureSlots(2)
	slots, _ := store.ListSlots()
	store.AssignSlot(slots[0].ID, req.ID, now)
	store.AssignSlot(slots[1].ID, req.ID, now)
	store.SetSlotProcess(slots[1].ID, 12345, "host1", "/mnt/cache")

	if err := svc.Run(context.Background(), "clear_slots"); err != nil {
		t.Fatalf("clear_slots failed: %v", err)
	}

	s0, _ := store.SlotByID(slots[0].ID)
	if s0.RequestID != nil {
		t.Error("expected processless slot cleared")
	}
	s1, _ := store.SlotByID(slots[1].ID)
	if s1.RequestID == nil {
		t.Error("expected running slot kept")
	}
}

func TestRestoringToOnTape(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")
	tmpDir := t.TempDir()

	present := filepath.Join(tmpDir, "present.nc")
	os.WriteFile(present, []byte("data"), 0644)
	fp := addFileAtStage(t, store, present, models.StageRestoring)
	fm := addFileAtStage(t, store, filepath.Join(tmpDir, "missing.nc"), models.StageRestoring)

	if err := svc.Run(context.Background(), "restoring_to_ontape"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	got, _ := store.FileByID(fm.ID)
	if got.Stage != models.StageOnTape {
		t.Errorf("expected missing file ONTAPE, got %v", got.Stage)
	}
	got, _ = store.FileByID(fp.ID)
	if got.Stage != models.StageRestoring {
		t.Errorf("expected present file untouched, got %v", got.Stage)
	}
}

func TestResetStuckRequests(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")

	q := &models.Quota{User: "alice", Size: 1 << 30}
	store.CreateQuota(q)
	now := time.Now().UTC()

	stuck := &models.TapeRequest{QuotaID: q.ID, RequestDate: now, Retention: now.Add(time.Hour), Active: true}
	store.CreateRequest(stuck, nil)
	store.MarkRetrievalStarted(stuck.ID, now.Add(-time.Hour))

	finished := &models.TapeRequest{QuotaID: q.ID, RequestDate: now, Retention: now.Add(time.Hour), Active: true}
	store.CreateRequest(finished, nil)
	store.MarkRetrievalStarted(finished.ID, now.Add(-time.Hour))
	store.MarkRetrievalFinished(finished.ID, now.Add(-30*time.Minute))

	slotted := &models.TapeRequest{QuotaID: q.ID, RequestDate: now, Retention: now.Add(time.Hour), Active: true}
	store.CreateRequest(slotted, nil)
	store.MarkRetrievalStarted(slotted.ID, now)
	store.EnsureSlots(1)
	slots, _ := store.ListSlots()
	store.AssignSlot(slots[0].ID, slotted.ID, now)

	if err := svc.Run(context.Background(), "reset_stuck_requests"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	got, _ := store.RequestByID(stuck.ID)
	if got.Active {
		t.Error("expected stuck request deactivated")
	}
	if got.StoragedStart != nil || got.StoragedEnd != nil {
		t.Error("expected stuck request's retrieval stamps cleared")
	}
	got, _ = store.RequestByID(finished.ID)
	if !got.Active || got.StoragedEnd == nil {
		t.Error("expected finished request untouched")
	}
	got, _ = store.RequestByID(slotted.ID)
	if !got.Active {
		t.Error("expected slotted request untouched")
	}
}

func TestFixMissingLinks(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")
	tmpDir := t.TempDir()

	// Tape-only file with a working link comes back as RESTORED
	target := filepath.Join(tmpDir, "restored", "a.nc")
	os.MkdirAll(filepath.Dir(target), 0755)
	os.WriteFile(target, []byte("data"), 0644)
	linked := filepath.Join(tmpDir, "a.nc")
	os.Symlink(target, linked)
	fa := addFileAtStage(t, store, linked, models.StageOnTape)

	// Restored file with a broken link goes back to tape
	broken := filepath.Join(tmpDir, "b.nc")
	os.Symlink(filepath.Join(tmpDir, "nowhere"), broken)
	fb := addFileAtStage(t, store, broken, models.StageRestored)

	// Staged file with no file at all goes back to tape
	fc := addFileAtStage(t, store, filepath.Join(tmpDir, "c.nc"), models.StageOnDisk)

	if err := svc.Run(context.Background(), "fix_missing_links"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	got, _ := store.FileByID(fa.ID)
	if got.Stage != models.StageRestored {
		t.Errorf("expected linked file RESTORED, got %v", got.Stage)
	}
	got, _ = store.FileByID(fb.ID)
	if got.Stage != models.StageOnTape {
		t.Errorf("expected broken-link file ONTAPE, got %v", got.Stage)
	}
	if _, err := os.Lstat(broken); !os.IsNotExist(err) {
		t.Error("expected broken link removed")
	}
	got, _ = store.FileByID(fc.ID)
	if got.Stage != models.StageOnTape {
		t.Errorf("expected missing staged file ONTAPE, got %v", got.Stage)
	}
}

func TestRemoveDuplicatesKeepsTapeCopy(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")

	path := "/badc/spot1/data/a.nc"
	db := store.DB()
	db.Exec("INSERT INTO tape_files (logical_path, size, stage) VALUES (?, 4, ?)", path, models.StageUnverified)
	db.Exec("INSERT INTO tape_files (logical_path, size, stage) VALUES (?, 4, ?)", path, models.StageOnTape)

	if err := svc.Run(context.Background(), "remove_duplicates"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	rows, _ := store.FilesForPath(path)
	if len(rows) != 1 {
		t.Fatalf("expected one row left, got %d", len(rows))
	}
	if rows[0].Stage != models.StageOnTape {
		t.Errorf("expected surviving row ONTAPE, got %v", rows[0].Stage)
	}
}

func TestRemoveDuplicatesRestoredChecksLink(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")
	tmpDir := t.TempDir()

	path := filepath.Join(tmpDir, "a.nc")
	db := store.DB()
	db.Exec("INSERT INTO tape_files (logical_path, size, stage) VALUES (?, 4, ?)", path, models.StageRestored)
	db.Exec("INSERT INTO tape_files (logical_path, size, stage) VALUES (?, 4, ?)", path, models.StageOnTape)

	// no file on disk: survivor must end up ONTAPE
	if err := svc.Run(context.Background(), "remove_duplicates"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	rows, _ := store.FilesForPath(path)
	if len(rows) != 1 || rows[0].Stage != models.StageOnTape {
		t.Fatalf("expected single ONTAPE row, got %v", rows)
	}
}

func TestOnTapeToUnverified(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")
	tmpDir := t.TempDir()

	real := filepath.Join(tmpDir, "real.nc")
	os.WriteFile(real, []byte("data"), 0644)
	fr := addFileAtStage(t, store, real, models.StageOnTape)

	target := filepath.Join(tmpDir, "target.nc")
	os.WriteFile(target, []byte("data"), 0644)
	link := filepath.Join(tmpDir, "link.nc")
	os.Symlink(target, link)
	fl := addFileAtStage(t, store, link, models.StageOnTape)

	if err := svc.Run(context.Background(), "ontape_to_unverified"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	got, _ := store.FileByID(fr.ID)
	if got.Stage != models.StageUnverified {
		t.Errorf("expected real file UNVERIFIED, got %v", got.Stage)
	}
	got, _ = store.FileByID(fl.ID)
	if got.Stage != models.StageOnTape {
		t.Errorf("expected linked file untouched, got %v", got.Stage)
	}
}

func TestDeleteBrokenLinks(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")
	tmpDir := t.TempDir()

	broken := filepath.Join(tmpDir, "broken.nc")
	os.Symlink(filepath.Join(tmpDir, "nowhere"), broken)
	addFileAtStage(t, store, broken, models.StageOnTape)

	if err := svc.Run(context.Background(), "delete_broken_links"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if _, err := os.Lstat(broken); !os.IsNotExist(err) {
		t.Error("expected broken link removed")
	}
}

func TestRemapArchvol(t *testing.T) {
	tmpDir := t.TempDir()
	svc, store := setupService(t, tmpDir)

	good := filepath.Join(tmpDir, "data", "a.nc")
	os.MkdirAll(filepath.Dir(good), 0755)
	os.WriteFile(good, []byte("data"), 0644)

	wrong := "/datacentre/archvol/pan1/archive/spot1/data/a.nc"
	f := addFileAtStage(t, store, wrong, models.StageUnverified)

	if err := svc.Run(context.Background(), "remap_archvol"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	got, _ := store.FileByID(f.ID)
	if got.LogicalPath != good {
		t.Errorf("expected path remapped to %s, got %s", good, got.LogicalPath)
	}
}

func TestUnrequestedOnDiskEvicts(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")
	tmpDir := t.TempDir()

	target := filepath.Join(tmpDir, "restored", "a.nc")
	os.MkdirAll(filepath.Dir(target), 0755)
	os.WriteFile(target, []byte("data"), 0644)
	link := filepath.Join(tmpDir, "a.nc")
	os.Symlink(target, link)
	f := addFileAtStage(t, store, link, models.StageOnDisk)

	if err := svc.Run(context.Background(), "unrequested_ondisk"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	got, _ := store.FileByID(f.ID)
	if got.Stage != models.StageOnTape {
		t.Errorf("expected eviction to ONTAPE, got %v", got.Stage)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Error("expected link removed")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("expected payload removed")
	}
}

func TestUnrequestedOnDiskEvictsRealFiles(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")
	tmpDir := t.TempDir()

	// Verified primary copy: a real file, not a link
	real := filepath.Join(tmpDir, "a.nc")
	os.WriteFile(real, []byte("data"), 0644)
	f := addFileAtStage(t, store, real, models.StageOnDisk)

	if err := svc.Run(context.Background(), "unrequested_ondisk"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	got, _ := store.FileByID(f.ID)
	if got.Stage != models.StageOnTape {
		t.Errorf("expected eviction to ONTAPE, got %v", got.Stage)
	}
	if _, err := os.Lstat(real); !os.IsNotExist(err) {
		t.Error("expected real file removed")
	}
}

func TestUnrequestedOnDiskKeepsWantedFiles(t *testing.T) {
	svc, store := setupService(t, "/badc/spot1")
	tmpDir := t.TempDir()

	target := filepath.Join(tmpDir, "restored", "a.nc")
	os.MkdirAll(filepath.Dir(target), 0755)
	os.WriteFile(target, []byte("data"), 0644)
	link := filepath.Join(tmpDir, "a.nc")
	os.Symlink(target, link)
	f := addFileAtStage(t, store, link, models.StageOnDisk)

	q := &models.Quota{User: "alice", Size: 1 << 30}
	store.CreateQuota(q)
	now := time.Now().UTC()
	req := &models.TapeRequest{QuotaID: q.ID, RequestDate: now, Retention: now.Add(time.Hour), Active: true}
	store.CreateRequest(req, []string{link})
	store.AttachMembers(req.ID, []int64{f.ID})

	if err := svc.Run(context.Background(), "unrequested_ondisk"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}

	got, _ := store.FileByID(f.ID)
	if got.Stage != models.StageOnDisk {
		t.Errorf("expected wanted file kept, got %v", got.Stage)
	}
}
