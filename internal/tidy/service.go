// Package tidy reclaims disk space: it unwinds expired requests, keeps
// the on-tape signposts in the archive tree accurate and prunes empty
// directories left on the restore disks.
package tidy

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
)

// Indexer mirrors pipeline.Indexer for files leaving disk.
type Indexer interface {
	FilesUnstaged(paths []string) error
}

// Service performs tidy passes.
type Service struct {
	store   *catalog.Store
	indexer Indexer
	cfg     config.StagingConfig
	logger  *logging.Logger
}

// NewService creates the tidy service.
func NewService(store *catalog.Store, indexer Indexer, cfg config.StagingConfig, logger *logging.Logger) *Service {
	return &Service{store: store, indexer: indexer, cfg: cfg, logger: logger}
}

// Run performs one tidy pass.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ExpireRequests(ctx, time.Now()); err != nil {
		return err
	}
	if err := s.UpdateSignposts(); err != nil {
		s.logger.Error("Failed to update signposts", map[string]interface{}{"error": err.Error()})
	}
	if err := s.CleanDisks(); err != nil {
		s.logger.Error("Failed to clean restore disks", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// ExpireRequests unwinds requests whose retention has passed: disk
// copies nobody else wants are removed and their files go back to tape,
// then the request itself is deleted.
func (s *Service) ExpireRequests(ctx context.Context, now time.Time) error {
	expired, err := s.store.ExpiredRequests(now)
	if err != nil {
		return err
	}

	for _, req := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.expireRequest(&req, now); err != nil {
			s.logger.Error("Failed to expire request", map[string]interface{}{
				"request_id": req.ID,
				"error":      err.Error(),
			})
		}
	}
	return nil
}

func (s *Service) expireRequest(req *models.TapeRequest, now time.Time) error {
	files, err := s.resolveFiles(req)
	if err != nil {
		return err
	}

	var demoted []int64
	var unstaged []string
	for _, f := range files {
		info, err := os.Lstat(f.LogicalPath)
		if err != nil {
			if f.Stage == models.StageRestored {
				// The disk copy vanished underneath us; ingestion can
				// re-add the file later.
				if err := s.store.DeleteFile(f.ID); err != nil {
					return err
				}
			}
			continue
		}
		if info.Mode()&os.ModeSymlink == 0 && f.VerifiedAt != nil && info.ModTime().After(*f.VerifiedAt) {
			// Changed since verification; back through the verifier.
			if err := s.store.ResetUnverified(f.ID); err != nil {
				return err
			}
			continue
		}
		if f.Stage != models.StageOnDisk && f.Stage != models.StageRestored {
			continue
		}
		wanted, err := s.store.RequestsWantingFile(f.ID, now)
		if err != nil {
			return err
		}
		if len(wanted) > 0 {
			// Another live request still needs the disk copy.
			continue
		}
		removeDiskCopy(f.LogicalPath)
		demoted = append(demoted, f.ID)
		unstaged = append(unstaged, f.LogicalPath)
	}

	if len(demoted) > 0 {
		if err := s.store.SetOnTape(demoted); err != nil {
			return err
		}
		if s.indexer != nil {
			if err := s.indexer.FilesUnstaged(unstaged); err != nil {
				s.logger.Warn("Failed to update search index", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}

	if err := s.store.SetRequestActive(req.ID, false); err != nil {
		return err
	}
	if err := s.store.DeleteRequest(req.ID); err != nil {
		return err
	}
	s.logger.Info("Expired request removed", map[string]interface{}{
		"request_id": req.ID,
		"files":      len(demoted),
	})
	return nil
}

// resolveFiles re-resolves an expired request's files from its stored
// paths so eviction sees files the member set never picked up. Pattern
// requests have no stored paths and fall back to their members. The path
// lookup runs in bounded chunks.
func (s *Service) resolveFiles(req *models.TapeRequest) ([]models.TapeFile, error) {
	paths, err := s.store.RequestPaths(req.ID)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		return s.store.FilesIn(paths)
	}
	return s.store.MemberFiles(req.ID)
}

// removeDiskCopy deletes the on-disk payload: for a restored file the
// archive link and the copy it points at, for a verified primary copy the
// file itself.
func removeDiskCopy(logicalPath string) {
	if target, err := os.Readlink(logicalPath); err == nil {
		os.Remove(logicalPath)
		os.Remove(target)
		return
	}
	os.Remove(logicalPath)
}

// UpdateSignposts keeps the 00FILES_ON_TAPE links accurate: every
// archive directory holding tape-only files gets one, directories that
// no longer do lose theirs.
func (s *Service) UpdateSignposts() error {
	if s.cfg.SignpostName == "" {
		return nil
	}

	onTapeDirs, err := s.dirsWithStage(models.StageOnTape, models.StageRestoring)
	if err != nil {
		return err
	}
	for dir := range onTapeDirs {
		link := filepath.Join(dir, s.cfg.SignpostName)
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := os.Symlink(s.cfg.SignpostTarget, link); err != nil {
			s.logger.Warn("Failed to create signpost", map[string]interface{}{
				"dir":   dir,
				"error": err.Error(),
			})
		}
	}

	// Directories holding only staged files lose their signpost
	stagedDirs, err := s.dirsWithStage(models.StageOnDisk, models.StageRestored, models.StageUnverified)
	if err != nil {
		return err
	}
	for dir := range stagedDirs {
		if onTapeDirs[dir] {
			continue
		}
		link := filepath.Join(dir, s.cfg.SignpostName)
		if _, err := os.Lstat(link); err == nil {
			os.Remove(link)
		}
	}
	return nil
}

// dirsWithStage returns the set of parent directories of files in the
// given stages.
func (s *Service) dirsWithStage(stages ...models.Stage) (map[string]bool, error) {
	dirs := map[string]bool{}
	for _, stage := range stages {
		files, err := s.store.FilesByStage(stage, 0)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			dirs[filepath.Dir(f.LogicalPath)] = true
		}
	}
	return dirs, nil
}

// CleanDisks removes leftover retrieval working files and empty
// directories from the restore disks, then refreshes their usage
// counters.
func (s *Service) CleanDisks() error {
	disks, err := s.store.ListDisks()
	if err != nil {
		return err
	}

	for _, disk := range disks {
		removeEmptyDirs(disk.Mountpoint)
		if err := s.store.RecomputeDiskUsage(disk.ID); err != nil {
			s.logger.Error("Failed to recompute disk usage", map[string]interface{}{
				"disk_id": disk.ID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// removeEmptyDirs prunes empty directories bottom-up, leaving the root.
func removeEmptyDirs(root string) {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})

	// Deepest first so nested empty trees collapse in one pass
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(os.PathSeparator)) > strings.Count(dirs[j], string(os.PathSeparator))
	})
	for _, dir := range dirs {
		os.Remove(dir)
	}
}
