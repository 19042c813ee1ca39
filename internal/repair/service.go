// Package repair holds the reconciliation fixes for catalog state that
// has drifted from the filesystem or the tape. Every repair is
// idempotent and safe to run against an arbitrary snapshot.
package repair

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
	"github.com/RoseOO/nearline/internal/resolver"
	"github.com/RoseOO/nearline/internal/tape"
)

// archvolPattern marks logical paths that were mis-registered with the
// physical archive volume path instead of the logical one.
const archvolPattern = "/datacentre/archvol"

var (
	// ErrUnknownRepair is returned for a repair name that doesn't exist.
	ErrUnknownRepair = errors.New("unknown repair")
	// ErrNoResolver is returned when the fileset mappings have not loaded.
	ErrNoResolver = errors.New("fileset mappings not loaded")
)

// Service runs named repairs.
type Service struct {
	store     *catalog.Store
	resolvers *resolver.Holder
	tape      *tape.Client
	client    *http.Client
	cfg       *config.Config
	logger    *logging.Logger

	repairs map[string]func(context.Context) error
}

// NewService creates the repair service.
func NewService(store *catalog.Store, resolvers *resolver.Holder, tapeClient *tape.Client,
	cfg *config.Config, logger *logging.Logger) *Service {
	s := &Service{
		store:     store,
		resolvers: resolvers,
		tape:      tapeClient,
		client:    &http.Client{Timeout: 30 * time.Second},
		cfg:       cfg,
		logger:    logger,
	}
	s.repairs = map[string]func(context.Context) error{
		"clear_slots":               s.ClearSlots,
		"restoring_to_ontape":       s.RestoringToOnTape,
		"reset_stuck_requests":      s.ResetStuckRequests,
		"fix_missing_links":         s.FixMissingLinks,
		"fix_restore_links":         s.FixRestoreLinks,
		"orphaned_files":            s.OrphanedFiles,
		"unrequested_ondisk":        s.UnrequestedOnDisk,
		"remove_duplicates":         s.RemoveDuplicates,
		"reset_removed_files":       s.ResetRemovedFiles,
		"remap_archvol":             s.RemapArchvol,
		"reset_deleted":             s.ResetDeleted,
		"ontape_to_unverified":      s.OnTapeToUnverified,
		"delete_broken_links":       s.DeleteBrokenLinks,
		"remove_empty_restore_dirs": s.RemoveEmptyRestoreDirs,
		"recalculate_used":          s.RecalculateUsed,
	}
	return s
}

// Names returns the available repair names, sorted.
func (s *Service) Names() []string {
	names := make([]string, 0, len(s.repairs))
	for name := range s.repairs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one repair by name.
func (s *Service) Run(ctx context.Context, name string) error {
	fn, ok := s.repairs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRepair, name)
	}
	s.logger.Info("Running repair", map[string]interface{}{"repair": name})
	return fn(ctx)
}

// ClearSlots frees slots that claim a request but never recorded a
// process.
func (s *Service) ClearSlots(ctx context.Context) error {
	slots, err := s.store.ListSlots()
	if err != nil {
		return err
	}
	for _, sl := range slots {
		if sl.RequestID == nil || sl.PID != nil {
			continue
		}
		if err := s.store.ClearSlot(sl.ID); err != nil {
			return err
		}
		s.logger.Info("Cleared slot", map[string]interface{}{"slot_id": sl.ID})
	}
	return nil
}

// RestoringToOnTape puts files stuck in RESTORING with nothing at their
// logical path back on tape.
func (s *Service) RestoringToOnTape(ctx context.Context) error {
	files, err := s.store.FilesByStage(models.StageRestoring, 0)
	if err != nil {
		return err
	}
	var ids []int64
	for _, f := range files {
		if !pathExists(f.LogicalPath) {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	s.logger.Info("Resetting stuck restoring files", map[string]interface{}{"files": len(ids)})
	return s.store.SetOnTape(ids)
}

// ResetStuckRequests deactivates requests whose retrieval started but
// never finished and which no longer hold a slot.
func (s *Service) ResetStuckRequests(ctx context.Context) error {
	requests, err := s.store.ActiveRequests()
	if err != nil {
		return err
	}
	slotted, err := s.store.SlottedRequestIDs()
	if err != nil {
		return err
	}
	for _, req := range requests {
		if slotted[req.ID] {
			continue
		}
		if req.StoragedStart == nil || req.StoragedEnd != nil {
			continue
		}
		if err := s.store.ClearRetrievalTimes(req.ID); err != nil {
			return err
		}
		if err := s.store.SetRequestActive(req.ID, false); err != nil {
			return err
		}
		s.logger.Info("Deactivated stuck request", map[string]interface{}{
			"request_id": req.ID,
			"label":      req.Label,
		})
	}
	return nil
}

// FixMissingLinks reconciles stages against what the archive tree really
// holds: tape-only files with a working link come back as RESTORED,
// staged files whose link or payload vanished go back to tape.
func (s *Service) FixMissingLinks(ctx context.Context) error {
	onTape, err := s.store.FilesByStage(models.StageOnTape, 0)
	if err != nil {
		return err
	}
	for _, f := range onTape {
		if !pathLexists(f.LogicalPath) {
			continue
		}
		if pathExists(f.LogicalPath) {
			if err := s.store.SetStage(f.ID, models.StageRestored); err != nil {
				return err
			}
			s.logger.Info("Restored stage from working link", map[string]interface{}{"file": f.LogicalPath})
		} else {
			os.Remove(f.LogicalPath)
		}
	}

	for _, stage := range []models.Stage{models.StageRestoring, models.StageRestored} {
		files, err := s.store.FilesByStage(stage, 0)
		if err != nil {
			return err
		}
		var ids []int64
		for _, f := range files {
			if pathLexists(f.LogicalPath) && !pathExists(f.LogicalPath) {
				os.Remove(f.LogicalPath)
				ids = append(ids, f.ID)
			}
		}
		if err := s.store.SetOnTape(ids); err != nil {
			return err
		}
	}

	onDisk, err := s.store.FilesByStage(models.StageOnDisk, 0)
	if err != nil {
		return err
	}
	var gone []int64
	for _, f := range onDisk {
		if !pathExists(f.LogicalPath) {
			gone = append(gone, f.ID)
		}
	}
	if len(gone) > 0 {
		s.logger.Info("Demoting missing staged files to tape", map[string]interface{}{"files": len(gone)})
	}
	return s.store.SetOnTape(gone)
}

// FixRestoreLinks relinks files whose restored copy survived on the
// restore disk but whose archive link is gone. Files with no surviving
// copy go back to tape.
func (s *Service) FixRestoreLinks(ctx context.Context) error {
	res := s.resolvers.Get()
	if res == nil {
		return ErrNoResolver
	}
	disks, err := s.diskMounts()
	if err != nil {
		return err
	}

	for _, stage := range []models.Stage{models.StageRestoring, models.StageRestored} {
		files, err := s.store.FilesByStage(stage, 0)
		if err != nil {
			return err
		}
		for _, f := range files {
			if pathExists(f.LogicalPath) {
				continue
			}

			restorePath := ""
			if f.RestoreDiskID != nil {
				if mount, ok := disks[*f.RestoreDiskID]; ok {
					if tapePath, err := res.TapePath(f.LogicalPath); err == nil {
						restorePath = mount + tapePath
					}
				}
			}

			if restorePath != "" && pathExists(restorePath) {
				if err := os.Symlink(restorePath, f.LogicalPath); err != nil {
					s.logger.Warn("Failed to relink restored file", map[string]interface{}{
						"file":  f.LogicalPath,
						"error": err.Error(),
					})
					continue
				}
				if err := s.store.SetStage(f.ID, models.StageRestored); err != nil {
					return err
				}
				s.logger.Info("Relinked restored file", map[string]interface{}{"file": f.LogicalPath})
			} else {
				if pathLexists(f.LogicalPath) {
					os.Remove(f.LogicalPath)
				}
				if err := s.store.SetOnTape([]int64{f.ID}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// OrphanedFiles deletes restored payloads left on the restore disks for
// files the catalog says are back on tape.
func (s *Service) OrphanedFiles(ctx context.Context) error {
	res := s.resolvers.Get()
	if res == nil {
		return ErrNoResolver
	}
	disks, err := s.store.ListDisks()
	if err != nil {
		return err
	}

	for _, disk := range disks {
		archiveRoot := filepath.Join(disk.Mountpoint, "archive")
		err := filepath.WalkDir(archiveRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel := strings.TrimPrefix(path, disk.Mountpoint)
			logical, err := res.LogicalPath(rel)
			if err != nil {
				return nil
			}
			f, err := s.store.FileByPath(logical)
			if err != nil {
				s.logger.Warn("No catalog record for restored copy", map[string]interface{}{"path": path})
				return nil
			}
			if f.Stage == models.StageOnTape && !pathExists(logical) {
				s.logger.Info("Deleting orphaned copy", map[string]interface{}{"path": path})
				os.Remove(path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// UnrequestedOnDisk evicts staged files no unexpired request wants.
func (s *Service) UnrequestedOnDisk(ctx context.Context) error {
	now := time.Now().UTC()
	for _, stage := range []models.Stage{models.StageOnDisk, models.StageRestored, models.StageRestoring} {
		files, err := s.store.UnrequestedFiles(stage, now)
		if err != nil {
			return err
		}
		var ids []int64
		for _, f := range files {
			removePayload(f.LogicalPath)
			ids = append(ids, f.ID)
		}
		if len(ids) > 0 {
			s.logger.Info("Evicted unrequested staged files", map[string]interface{}{
				"stage": stage.String(),
				"files": len(ids),
			})
			if err := s.store.SetOnTape(ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveDuplicates collapses duplicate catalog rows for one logical
// path down to a single authoritative row.
func (s *Service) RemoveDuplicates(ctx context.Context) error {
	paths, err := s.store.DuplicatePaths()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.dedupePath(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) dedupePath(logicalPath string) error {
	files, err := s.store.FilesForPath(logicalPath)
	if err != nil {
		return err
	}
	if len(files) < 2 {
		return nil
	}

	allSame := true
	hasRestored := false
	hasOnTape := false
	hasUnverified := false
	for _, f := range files {
		if f.Stage != files[0].Stage {
			allSame = false
		}
		switch f.Stage {
		case models.StageRestored:
			hasRestored = true
		case models.StageOnTape:
			hasOnTape = true
		case models.StageUnverified:
			hasUnverified = true
		}
	}

	keep := files[0]
	for _, f := range files[1:] {
		if err := s.store.DeleteFile(f.ID); err != nil {
			return err
		}
	}
	s.logger.Info("Removed duplicate rows", map[string]interface{}{
		"file":    logicalPath,
		"removed": len(files) - 1,
	})

	switch {
	case allSame:
		return nil
	case hasRestored:
		if pathExists(keep.LogicalPath) {
			return s.store.SetStage(keep.ID, models.StageRestored)
		}
		if pathLexists(keep.LogicalPath) {
			os.Remove(keep.LogicalPath)
		}
		return s.store.SetOnTape([]int64{keep.ID})
	case hasOnTape && hasUnverified:
		// The tape copy is authoritative.
		return s.store.SetOnTape([]int64{keep.ID})
	default:
		return nil
	}
}

// ResetRemovedFiles re-adds catalog rows for files the tape holds but
// the catalog lost. The tape-only feed names the spots to check.
func (s *Service) ResetRemovedFiles(ctx context.Context) error {
	res := s.resolvers.Get()
	if res == nil {
		return ErrNoResolver
	}
	spots, err := s.fetchTapeOnlySpots(ctx)
	if err != nil {
		return err
	}

	added := 0
	for _, spot := range spots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := s.tape.ListSpot(ctx, spot)
		if err != nil {
			s.logger.Error("Failed to list spot", map[string]interface{}{
				"spot":  spot,
				"error": err.Error(),
			})
			continue
		}
		for _, row := range rows {
			if !row.Taped() || row.Size < s.cfg.Tape.MinFileSize {
				continue
			}
			logical, err := res.LogicalPath(row.Path)
			if err != nil {
				continue
			}
			isNew, err := s.store.AddFile(logical, row.Size)
			if err != nil {
				return err
			}
			if !isNew {
				continue
			}
			f, err := s.store.FileByPath(logical)
			if err != nil {
				return err
			}
			if err := s.store.SetStage(f.ID, models.StageOnTape); err != nil {
				return err
			}
			added++
		}
	}
	s.logger.Info("Re-added removed files", map[string]interface{}{"files": added})
	return nil
}

// RemapArchvol rewrites logical paths that were registered with the
// physical archive volume path. The spot directory component names the
// fileset; the remainder joins onto its logical root.
func (s *Service) RemapArchvol(ctx context.Context) error {
	res := s.resolvers.Get()
	if res == nil {
		return ErrNoResolver
	}
	files, err := s.store.FilesMatching(archvolPattern, []models.Stage{models.StageUnverified}, 0)
	if err != nil {
		return err
	}

	for _, f := range files {
		spot, rest := splitSpotPath(f.LogicalPath)
		if spot == "" {
			continue
		}
		logical, err := res.LogicalPath("/archive/" + spot + "/" + rest)
		if err != nil {
			s.logger.Warn("No logical root for spot", map[string]interface{}{"spot": spot})
			continue
		}
		if !pathExists(logical) {
			s.logger.Warn("Remap target missing", map[string]interface{}{
				"from": f.LogicalPath,
				"to":   logical,
			})
			continue
		}
		if err := s.store.SetLogicalPath(f.ID, logical); err != nil {
			return err
		}
		s.logger.Info("Remapped file", map[string]interface{}{
			"from": f.LogicalPath,
			"to":   logical,
		})
	}
	return nil
}

// splitSpotPath pulls the spot directory out of a physical path and
// returns the path remainder below it.
func splitSpotPath(path string) (spot, rest string) {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.Contains(p, "spot") {
			return p, strings.Join(parts[i+1:], "/")
		}
	}
	return "", ""
}

// ResetDeleted revives DELETED rows whose file is demonstrably still on
// tape: RESTORED when a working link survives, ONTAPE otherwise.
func (s *Service) ResetDeleted(ctx context.Context) error {
	res := s.resolvers.Get()
	if res == nil {
		return ErrNoResolver
	}
	files, err := s.store.FilesByStage(models.StageDeleted, 0)
	if err != nil {
		return err
	}

	listings := map[string]map[string]bool{}
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, spot, err := res.Spot(f.LogicalPath)
		if err != nil {
			continue
		}
		names, ok := listings[spot]
		if !ok {
			names = s.spotBasenames(ctx, spot)
			listings[spot] = names
		}
		if !names[filepath.Base(f.LogicalPath)] {
			s.logger.Warn("Deleted file not on tape", map[string]interface{}{"file": f.LogicalPath})
			continue
		}

		if pathExists(f.LogicalPath) {
			if err := s.store.SetStage(f.ID, models.StageRestored); err != nil {
				return err
			}
		} else {
			if pathLexists(f.LogicalPath) {
				os.Remove(f.LogicalPath)
			}
			if err := s.store.SetOnTape([]int64{f.ID}); err != nil {
				return err
			}
		}
		s.logger.Info("Revived deleted file", map[string]interface{}{"file": f.LogicalPath})
	}
	return nil
}

// OnTapeToUnverified re-enters verification for files recorded as
// tape-only but present as real files in the archive.
func (s *Service) OnTapeToUnverified(ctx context.Context) error {
	files, err := s.store.FilesByStage(models.StageOnTape, 0)
	if err != nil {
		return err
	}
	var ids []int64
	for _, f := range files {
		info, err := os.Lstat(f.LogicalPath)
		if err != nil || info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		ids = append(ids, f.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	s.logger.Info("Returning on-disk files to verification", map[string]interface{}{"files": len(ids)})
	return s.store.SetStageBulk(ids, models.StageUnverified)
}

// DeleteBrokenLinks removes dangling archive links for tape-only files.
func (s *Service) DeleteBrokenLinks(ctx context.Context) error {
	files, err := s.store.FilesByStage(models.StageOnTape, 0)
	if err != nil {
		return err
	}
	for _, f := range files {
		if pathLexists(f.LogicalPath) && !pathExists(f.LogicalPath) {
			s.logger.Info("Removing broken link", map[string]interface{}{"file": f.LogicalPath})
			os.Remove(f.LogicalPath)
		}
	}
	return nil
}

// RemoveEmptyRestoreDirs prunes empty directory trees under each restore
// disk's archive root.
func (s *Service) RemoveEmptyRestoreDirs(ctx context.Context) error {
	disks, err := s.store.ListDisks()
	if err != nil {
		return err
	}
	for _, disk := range disks {
		root := filepath.Join(disk.Mountpoint, "archive")
		var dirs []string
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() && path != root {
				dirs = append(dirs, path)
			}
			return nil
		})
		// Deepest first so nested empty trees collapse in one pass
		sort.Slice(dirs, func(i, j int) bool {
			return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
		})
		for _, dir := range dirs {
			os.Remove(dir)
		}
	}
	return nil
}

// RecalculateUsed refreshes every restore disk's usage counters.
func (s *Service) RecalculateUsed(ctx context.Context) error {
	disks, err := s.store.ListDisks()
	if err != nil {
		return err
	}
	for _, disk := range disks {
		if err := s.store.RecomputeDiskUsage(disk.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) diskMounts() (map[int64]string, error) {
	disks, err := s.store.ListDisks()
	if err != nil {
		return nil, err
	}
	mounts := make(map[int64]string, len(disks))
	for _, d := range disks {
		mounts[d.ID] = d.Mountpoint
	}
	return mounts, nil
}

// spotBasenames lists the basenames of a spot's tape contents; an empty
// set on listing failure keeps the repair conservative.
func (s *Service) spotBasenames(ctx context.Context, spot string) map[string]bool {
	rows, err := s.tape.ListSpot(ctx, spot)
	if err != nil {
		s.logger.Error("Failed to list spot", map[string]interface{}{
			"spot":  spot,
			"error": err.Error(),
		})
		return map[string]bool{}
	}
	names := make(map[string]bool, len(rows))
	for _, r := range rows {
		names[filepath.Base(r.Path)] = true
	}
	return names
}

// fetchTapeOnlySpots reads the tape-only feed; the first column is the
// spot name.
func (s *Service) fetchTapeOnlySpots(ctx context.Context) ([]string, error) {
	url := s.cfg.Feeds.OnTapeURL
	if url == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	var spots []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 1 {
			spots = append(spots, fields[0])
		}
	}
	return spots, scanner.Err()
}

// removePayload deletes the on-disk payload: the archive link and
// whatever it points at, or the real file when the path is not a link.
func removePayload(logicalPath string) {
	if target, err := os.Readlink(logicalPath); err == nil {
		os.Remove(logicalPath)
		os.Remove(target)
		return
	}
	os.Remove(logicalPath)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func pathLexists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
