package catalog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoseOO/nearline/internal/database"
	"github.com/RoseOO/nearline/internal/models"
)

func setupTestStore(t *testing.T) *Store {
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
	return NewStore(db)
}

func mustQuota(t *testing.T, s *Store, user string, size int64) *models.Quota {
	t.Helper()
	q := &models.Quota{User: user, Size: size, Email: user + "@example.com"}
	if _, err := s.CreateQuota(q); err != nil {
		t.Fatalf("failed to create quota: %v", err)
	}
	return q
}

func mustFile(t *testing.T, s *Store, path string, size int64, stage models.Stage) *models.TapeFile {
	t.Helper()
	if _, err := s.AddFile(path, size); err != nil {
		t.Fatalf("failed to add file: %v", err)
	}
	f, err := s.FileByPath(path)
	if err != nil {
		t.Fatalf("failed to look up file: %v", err)
	}
	if stage != models.StageUnverified {
		if err := s.SetStage(f.ID, stage); err != nil {
			t.Fatalf("failed to set stage: %v", err)
		}
		f.Stage = stage
	}
	return f
}

func mustRequest(t *testing.T, s *Store, q *models.Quota, retention time.Time, paths []string) *models.TapeRequest {
	t.Helper()
	req := &models.TapeRequest{
		QuotaID:     q.ID,
		Label:       "test request",
		RequestDate: time.Now().UTC(),
		Retention:   retention,
		Active:      true,
	}
	if _, err := s.CreateRequest(req, paths); err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return req
}

func TestAddFileIgnoresDuplicates(t *testing.T) {
	s := setupTestStore(t)

	created, err := s.AddFile("/badc/cira/data/a.nc", 100)
	if err != nil {
		t.Fatalf("failed to add file: %v", err)
	}
	if !created {
		t.Error("expected first add to create a row")
	}

	created, err = s.AddFile("/badc/cira/data/a.nc", 100)
	if err != nil {
		t.Fatalf("failed to re-add file: %v", err)
	}
	if created {
		t.Error("expected second add to be a no-op")
	}

	files, err := s.FilesForPath("/badc/cira/data/a.nc")
	if err != nil {
		t.Fatalf("failed to list rows: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected 1 row, got %d", len(files))
	}
}

func TestStageTransitions(t *testing.T) {
	s := setupTestStore(t)
	f := mustFile(t, s, "/badc/cira/data/a.nc", 100, models.StageOnTape)

	diskID, err := s.CreateDisk(&models.RestoreDisk{Mountpoint: "/cache/d1", Capacity: 1000})
	if err != nil {
		t.Fatalf("failed to create disk: %v", err)
	}

	if err := s.SetRestoring([]int64{f.ID}, diskID); err != nil {
		t.Fatalf("failed to set restoring: %v", err)
	}
	got, _ := s.FileByID(f.ID)
	if got.Stage != models.StageRestoring {
		t.Errorf("expected RESTORING, got %v", got.Stage)
	}
	if got.RestoreDiskID == nil || *got.RestoreDiskID != diskID {
		t.Error("expected restore disk recorded")
	}

	if err := s.SetRestored(f.ID); err != nil {
		t.Fatalf("failed to set restored: %v", err)
	}
	got, _ = s.FileByID(f.ID)
	if got.Stage != models.StageRestored {
		t.Errorf("expected RESTORED, got %v", got.Stage)
	}
	if got.RestoreDiskID == nil {
		t.Error("expected restore disk kept through RESTORED")
	}

	if err := s.SetOnTape([]int64{f.ID}); err != nil {
		t.Fatalf("failed to demote: %v", err)
	}
	got, _ = s.FileByID(f.ID)
	if got.Stage != models.StageOnTape {
		t.Errorf("expected ONTAPE, got %v", got.Stage)
	}
	if got.RestoreDiskID != nil {
		t.Error("expected disk detached on demotion")
	}
}

func TestSetVerified(t *testing.T) {
	s := setupTestStore(t)
	f := mustFile(t, s, "/badc/cira/data/a.nc", 100, models.StageUnverified)

	when := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetVerified(f.ID, models.StageOnTape, when); err != nil {
		t.Fatalf("failed to verify: %v", err)
	}

	got, _ := s.FileByID(f.ID)
	if got.Stage != models.StageOnTape {
		t.Errorf("expected ONTAPE after verify, got %v", got.Stage)
	}
	if got.VerifiedAt == nil || !got.VerifiedAt.Equal(when) {
		t.Errorf("expected verified_at %v, got %v", when, got.VerifiedAt)
	}
}

func TestResetUnverified(t *testing.T) {
	s := setupTestStore(t)
	f := mustFile(t, s, "/badc/cira/data/a.nc", 100, models.StageUnverified)
	diskID, _ := s.CreateDisk(&models.RestoreDisk{Mountpoint: "/cache/d1", Capacity: 1000})

	if err := s.SetVerified(f.ID, models.StageOnDisk, time.Now().UTC()); err != nil {
		t.Fatalf("failed to verify: %v", err)
	}
	if err := s.SetRestoring([]int64{f.ID}, diskID); err != nil {
		t.Fatalf("failed to set restoring: %v", err)
	}

	if err := s.ResetUnverified(f.ID); err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	got, _ := s.FileByID(f.ID)
	if got.Stage != models.StageUnverified {
		t.Errorf("expected UNVERIFIED, got %v", got.Stage)
	}
	if got.VerifiedAt != nil {
		t.Error("expected verification stamp cleared")
	}
	if got.RestoreDiskID != nil {
		t.Error("expected restore disk cleared")
	}
}

func TestRetrievalTimes(t *testing.T) {
	s := setupTestStore(t)
	q := mustQuota(t, s, "alice", 1000)
	req := mustRequest(t, s, q, time.Now().Add(time.Hour), nil)

	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := s.MarkRetrievalStarted(req.ID, start); err != nil {
		t.Fatalf("failed to stamp start: %v", err)
	}
	got, _ := s.RequestByID(req.ID)
	if got.StoragedStart == nil || !got.StoragedStart.Equal(start) {
		t.Errorf("expected storaged_start %v, got %v", start, got.StoragedStart)
	}
	if got.StoragedEnd != nil {
		t.Error("expected storaged_end unset")
	}

	end := start.Add(time.Hour)
	if err := s.MarkRetrievalFinished(req.ID, end); err != nil {
		t.Fatalf("failed to stamp end: %v", err)
	}
	got, _ = s.RequestByID(req.ID)
	if got.StoragedEnd == nil || !got.StoragedEnd.Equal(end) {
		t.Errorf("expected storaged_end %v, got %v", end, got.StoragedEnd)
	}

	if err := s.ClearRetrievalTimes(req.ID); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	got, _ = s.RequestByID(req.ID)
	if got.StoragedStart != nil || got.StoragedEnd != nil {
		t.Error("expected both retrieval stamps cleared")
	}
}

func TestFilesInChunks(t *testing.T) {
	s := setupTestStore(t)

	var paths []string
	for i := 0; i < 3; i++ {
		p := filepath.Join("/badc/cira/data", string(rune('a'+i))+".nc")
		mustFile(t, s, p, 10, models.StageOnTape)
		paths = append(paths, p)
	}
	paths = append(paths, "/badc/cira/data/missing.nc")

	files, err := s.FilesIn(paths)
	if err != nil {
		t.Fatalf("failed to resolve paths: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("expected 3 matches, got %d", len(files))
	}
}

func TestFilesMatchingEscapesWildcards(t *testing.T) {
	s := setupTestStore(t)
	mustFile(t, s, "/badc/cira/data/a_1.nc", 10, models.StageOnTape)
	mustFile(t, s, "/badc/cira/data/ab1.nc", 10, models.StageOnTape)

	files, err := s.FilesMatching("a_1", nil, 0)
	if err != nil {
		t.Fatalf("failed to match: %v", err)
	}
	if len(files) != 1 || files[0].LogicalPath != "/badc/cira/data/a_1.nc" {
		t.Errorf("expected literal underscore match only, got %v", files)
	}
}

func TestQuotaUsedCountsDistinctFiles(t *testing.T) {
	s := setupTestStore(t)
	q := mustQuota(t, s, "alice", 1000)
	f := mustFile(t, s, "/badc/cira/data/a.nc", 300, models.StageOnTape)

	now := time.Now().UTC()
	live := mustRequest(t, s, q, now.Add(24*time.Hour), nil)
	other := mustRequest(t, s, q, now.Add(48*time.Hour), nil)
	expired := mustRequest(t, s, q, now.Add(-time.Hour), nil)

	for _, r := range []*models.TapeRequest{live, other, expired} {
		if err := s.AttachMembers(r.ID, []int64{f.ID}); err != nil {
			t.Fatalf("failed to attach: %v", err)
		}
	}

	used, err := s.QuotaUsed(q.ID, now)
	if err != nil {
		t.Fatalf("failed to compute quota: %v", err)
	}
	// One file held by two live requests counts once
	if used != 300 {
		t.Errorf("expected used 300, got %d", used)
	}
}

func TestChooseDiskFirstFit(t *testing.T) {
	s := setupTestStore(t)
	d1, _ := s.CreateDisk(&models.RestoreDisk{Mountpoint: "/cache/d1", Capacity: 100})
	d2, _ := s.CreateDisk(&models.RestoreDisk{Mountpoint: "/cache/d2", Capacity: 1000})

	disk, err := s.ChooseDisk(50)
	if err != nil {
		t.Fatalf("failed to choose disk: %v", err)
	}
	if disk.ID != d1 {
		t.Errorf("expected first disk, got %d", disk.ID)
	}

	// d1 has only 50 free now; a 60-byte batch skips to d2
	disk, err = s.ChooseDisk(60)
	if err != nil {
		t.Fatalf("failed to choose disk: %v", err)
	}
	if disk.ID != d2 {
		t.Errorf("expected second disk, got %d", disk.ID)
	}

	if _, err := s.ChooseDisk(10000); !errors.Is(err, ErrNoDiskSpace) {
		t.Errorf("expected ErrNoDiskSpace, got %v", err)
	}
}

func TestRecomputeDiskUsage(t *testing.T) {
	s := setupTestStore(t)
	diskID, _ := s.CreateDisk(&models.RestoreDisk{Mountpoint: "/cache/d1", Capacity: 10000, Allocated: 9999})

	staged := mustFile(t, s, "/badc/cira/data/a.nc", 100, models.StageOnTape)
	inflight := mustFile(t, s, "/badc/cira/data/b.nc", 200, models.StageOnTape)
	if err := s.SetRestoring([]int64{staged.ID, inflight.ID}, diskID); err != nil {
		t.Fatalf("failed to set restoring: %v", err)
	}
	if err := s.SetRestored(staged.ID); err != nil {
		t.Fatalf("failed to set restored: %v", err)
	}

	if err := s.RecomputeDiskUsage(diskID); err != nil {
		t.Fatalf("failed to recompute: %v", err)
	}

	disk, _ := s.DiskByID(diskID)
	if disk.Used != 100 {
		t.Errorf("expected used 100, got %d", disk.Used)
	}
	if disk.Allocated != 300 {
		t.Errorf("expected allocated 300, got %d", disk.Allocated)
	}
}

func TestEnsureSlots(t *testing.T) {
	s := setupTestStore(t)

	if err := s.EnsureSlots(5); err != nil {
		t.Fatalf("failed to grow slots: %v", err)
	}
	slots, _ := s.ListSlots()
	if len(slots) != 5 {
		t.Fatalf("expected 5 slots, got %d", len(slots))
	}

	// Occupy one slot, then shrink below the occupied count
	q := mustQuota(t, s, "alice", 1000)
	req := mustRequest(t, s, q, time.Now().Add(time.Hour), nil)
	ok, err := s.AssignSlot(slots[0].ID, req.ID, time.Now())
	if err != nil || !ok {
		t.Fatalf("failed to assign slot: ok=%v err=%v", ok, err)
	}

	if err := s.EnsureSlots(0); err != nil {
		t.Fatalf("failed to shrink slots: %v", err)
	}
	slots, _ = s.ListSlots()
	if len(slots) != 1 {
		t.Errorf("expected the occupied slot to survive, got %d slots", len(slots))
	}
	if slots[0].RequestID == nil || *slots[0].RequestID != req.ID {
		t.Error("expected surviving slot to hold the request")
	}
}

func TestAssignSlotRaceLoses(t *testing.T) {
	s := setupTestStore(t)
	if err := s.EnsureSlots(1); err != nil {
		t.Fatalf("failed to create slot: %v", err)
	}
	slots, _ := s.ListSlots()
	q := mustQuota(t, s, "alice", 1000)
	r1 := mustRequest(t, s, q, time.Now().Add(time.Hour), nil)
	r2 := mustRequest(t, s, q, time.Now().Add(time.Hour), nil)

	ok, _ := s.AssignSlot(slots[0].ID, r1.ID, time.Now())
	if !ok {
		t.Fatal("expected first assign to win")
	}
	ok, _ = s.AssignSlot(slots[0].ID, r2.ID, time.Now())
	if ok {
		t.Error("expected second assign to lose")
	}
}

func TestMemberCountsAndCompletion(t *testing.T) {
	s := setupTestStore(t)
	q := mustQuota(t, s, "alice", 1000)
	req := mustRequest(t, s, q, time.Now().Add(time.Hour), []string{"/badc/a.nc", "/badc/b.nc"})

	a := mustFile(t, s, "/badc/a.nc", 10, models.StageOnDisk)
	b := mustFile(t, s, "/badc/b.nc", 10, models.StageOnTape)
	if err := s.AttachMembers(req.ID, []int64{a.ID, b.ID}); err != nil {
		t.Fatalf("failed to attach: %v", err)
	}

	total, staged, err := s.MemberCounts(req.ID)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if total != 2 || staged != 1 {
		t.Errorf("expected 2/1, got %d/%d", total, staged)
	}

	paths, err := s.RequestPaths(req.ID)
	if err != nil {
		t.Fatalf("failed to read paths: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("expected 2 stored paths, got %d", len(paths))
	}
}

func TestDuplicatePaths(t *testing.T) {
	s := setupTestStore(t)

	// Force a duplicate row past AddFile's existence check
	mustFile(t, s, "/badc/a.nc", 10, models.StageOnTape)
	if _, err := s.DB().Exec(
		"INSERT INTO tape_files (logical_path, size, stage) VALUES (?, ?, ?)",
		"/badc/a.nc", 10, models.StageUnverified); err != nil {
		t.Fatalf("failed to insert duplicate: %v", err)
	}

	dups, err := s.DuplicatePaths()
	if err != nil {
		t.Fatalf("failed to list duplicates: %v", err)
	}
	if len(dups) != 1 || dups[0] != "/badc/a.nc" {
		t.Errorf("expected one duplicate path, got %v", dups)
	}
}

func TestUnrequestedFiles(t *testing.T) {
	s := setupTestStore(t)
	q := mustQuota(t, s, "alice", 1000)
	now := time.Now().UTC()

	wanted := mustFile(t, s, "/badc/a.nc", 10, models.StageOnDisk)
	unwanted := mustFile(t, s, "/badc/b.nc", 10, models.StageOnDisk)

	live := mustRequest(t, s, q, now.Add(time.Hour), nil)
	if err := s.AttachMembers(live.ID, []int64{wanted.ID}); err != nil {
		t.Fatalf("failed to attach: %v", err)
	}
	expired := mustRequest(t, s, q, now.Add(-time.Hour), nil)
	if err := s.AttachMembers(expired.ID, []int64{unwanted.ID}); err != nil {
		t.Fatalf("failed to attach: %v", err)
	}

	files, err := s.UnrequestedFiles(models.StageOnDisk, now)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(files) != 1 || files[0].ID != unwanted.ID {
		t.Errorf("expected only the expired-request file, got %v", files)
	}
}
