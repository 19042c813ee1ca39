package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/models"
	"github.com/RoseOO/nearline/internal/tape"
)

// ListingName returns the retrieval listing file name for a request.
func ListingName(requestID int64) string {
	return fmt.Sprintf("retrieve_listing_%d.txt", requestID)
}

// LogName returns the retrieval log file name for a request.
func LogName(requestID int64) string {
	return fmt.Sprintf("retrieve_log_%d.txt", requestID)
}

// runSlot drives one retrieval pass for a loaded slot: pick a restore
// disk, hand the storage daemon a listing of tape paths and react to the
// per-file events from its log until the process exits.
func (s *Service) runSlot(ctx context.Context, slot *models.Slot) {
	if slot.RequestID == nil {
		return
	}
	req, err := s.store.RequestByID(*slot.RequestID)
	if err != nil {
		s.logger.Error("Slot holds unknown request", map[string]interface{}{
			"slot_id":    slot.ID,
			"request_id": *slot.RequestID,
		})
		return
	}

	onTape, err := s.store.MemberFiles(req.ID, models.StageOnTape)
	if err != nil {
		s.logger.Error("Failed to list request files", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
		return
	}
	if len(onTape) == 0 {
		// Nothing left on tape; release the slot.
		s.finishPass(slot, req, nil, "", "")
		return
	}

	r := s.resolvers.Get()
	if r == nil && !s.tape.TestMode() {
		s.logger.Warn("No fileset mapping loaded yet", map[string]interface{}{
			"request_id": req.ID,
		})
		return
	}

	var (
		lines []string
		ids   []int64
		total int64
	)
	for _, f := range onTape {
		tapePath := f.LogicalPath
		if !s.tape.TestMode() {
			tapePath, err = r.TapePath(f.LogicalPath)
			if err != nil {
				s.logger.Warn("Skipping file with no fileset", map[string]interface{}{
					"path": f.LogicalPath,
				})
				continue
			}
		}
		lines = append(lines, tapePath)
		ids = append(ids, f.ID)
		total += f.Size
	}
	if len(ids) == 0 {
		return
	}

	disk, err := s.store.ChooseDisk(total)
	if err != nil {
		if errors.Is(err, catalog.ErrNoDiskSpace) {
			s.logger.Warn("No restore disk can hold batch", map[string]interface{}{
				"request_id": req.ID,
				"size":       total,
			})
		} else {
			s.logger.Error("Failed to choose restore disk", map[string]interface{}{
				"request_id": req.ID,
				"error":      err.Error(),
			})
		}
		return
	}

	listingPath := filepath.Join(disk.Mountpoint, ListingName(req.ID))
	logPath := filepath.Join(disk.Mountpoint, LogName(req.ID))
	if err := os.WriteFile(listingPath, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		s.logger.Error("Failed to write retrieval listing", map[string]interface{}{
			"path":  listingPath,
			"error": err.Error(),
		})
		return
	}

	if err := s.store.SetRestoring(ids, disk.ID); err != nil {
		s.logger.Error("Failed to mark files restoring", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
		os.Remove(listingPath)
		return
	}

	retrieval, err := s.tape.StartRetrieval(logPath, disk.Mountpoint, listingPath)
	if err != nil {
		s.logger.Error("Failed to start retrieval", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
		s.store.SetOnTape(ids)
		os.Remove(listingPath)
		return
	}
	if err := s.store.SetSlotProcess(slot.ID, int64(retrieval.PID()), s.hostname, disk.Mountpoint); err != nil {
		s.logger.Error("Failed to record slot process", map[string]interface{}{
			"slot_id": slot.ID,
			"error":   err.Error(),
		})
	}
	if err := s.store.MarkRetrievalStarted(req.ID, time.Now()); err != nil {
		s.logger.Error("Failed to stamp retrieval start", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}

	watcher := tape.NewLogWatcher(logPath, s.tape.TestMode())
	for ev := range watcher.Watch(ctx, retrieval.Done()) {
		switch ev.Type {
		case tape.EventFileSaved:
			s.handleFileSaved(req, ev)
		case tape.EventProcessExited:
			if ev.Err != nil {
				s.logger.Warn("Retrieval exited with error", map[string]interface{}{
					"request_id": req.ID,
					"error":      ev.Err.Error(),
				})
			}
		}
	}
	if ctx.Err() != nil {
		// Shutting down; the startup sweep reconciles the slot later.
		return
	}

	s.finishPass(slot, req, disk, listingPath, logPath)
}

// handleFileSaved reacts to one file landing on the restore disk: check
// its size, publish the archive link, flip it RESTORED and credit every
// request waiting for it.
func (s *Service) handleFileSaved(req *models.TapeRequest, ev tape.Event) {
	logicalPath := ev.TapePath
	if r := s.resolvers.Get(); r != nil {
		var err error
		logicalPath, err = r.LogicalPath(ev.TapePath)
		if err != nil {
			s.logger.Warn("Saved file has no fileset mapping", map[string]interface{}{
				"tape_path": ev.TapePath,
			})
			return
		}
	}

	f, err := s.store.FileByPath(logicalPath)
	if err != nil {
		s.logger.Warn("Saved file not in catalog", map[string]interface{}{
			"path": logicalPath,
		})
		return
	}

	info, err := os.Stat(ev.LocalPath)
	if err != nil {
		s.logger.Error("Saved file missing on restore disk", map[string]interface{}{
			"path":  ev.LocalPath,
			"error": err.Error(),
		})
		return
	}
	if info.Size() != f.Size {
		// Leave it RESTORING; the end-of-pass sweep sends it back to tape.
		s.logger.Error("Saved file size mismatch", map[string]interface{}{
			"path":     logicalPath,
			"expected": f.Size,
			"actual":   info.Size(),
		})
		return
	}

	if err := publishLink(logicalPath, ev.LocalPath); err != nil {
		// Leave it RESTORING; the end-of-pass sweep and the repairs own
		// the conflict.
		s.logger.Error("Failed to publish archive link", map[string]interface{}{
			"path":  logicalPath,
			"error": err.Error(),
		})
		return
	}
	if err := s.store.SetRestored(f.ID); err != nil {
		s.logger.Error("Failed to mark file restored", map[string]interface{}{
			"path":  logicalPath,
			"error": err.Error(),
		})
		return
	}

	now := time.Now()
	s.creditRequest(req, now)

	// Every other live request waiting on this path gets the file too.
	others, err := s.store.RequestsWantingPath(logicalPath, now)
	if err == nil {
		for _, other := range others {
			if other.ID == req.ID {
				continue
			}
			if err := s.store.AttachMembers(other.ID, []int64{f.ID}); err != nil {
				continue
			}
			s.creditRequest(&other, now)
		}
	}

	if s.indexer != nil {
		if err := s.indexer.FilesStaged([]string{logicalPath}); err != nil {
			s.logger.Warn("Failed to update search index", map[string]interface{}{
				"path":  logicalPath,
				"error": err.Error(),
			})
		}
	}
}

// creditRequest stamps arrival times on a request and fires the
// first-file notification exactly once.
func (s *Service) creditRequest(req *models.TapeRequest, now time.Time) {
	first, err := s.store.MarkFirstFileOnDisk(req.ID, now)
	if err != nil {
		return
	}
	if first && req.NotifyOnFirst != "" && s.notifier != nil {
		s.notifier.NotifyFirstFile(req, req.NotifyOnFirst)
	}
	s.store.MarkLastFileOnDisk(req.ID, now)
}

// finishPass reconciles a slot after its retrieval exits. Files still
// marked RESTORING failed the pass and go back to tape; if anything
// remains on tape the slot is reset for another pass, otherwise it is
// freed and the completion notification sent.
func (s *Service) finishPass(slot *models.Slot, req *models.TapeRequest, disk *models.RestoreDisk, listingPath, logPath string) {
	restoring, err := s.store.MemberFiles(req.ID, models.StageRestoring)
	if err == nil && len(restoring) > 0 {
		ids := make([]int64, len(restoring))
		for i, f := range restoring {
			ids[i] = f.ID
		}
		s.logger.Warn("Returning unrestored files to tape", map[string]interface{}{
			"request_id": req.ID,
			"files":      len(ids),
		})
		s.store.SetOnTape(ids)
	}

	if disk != nil {
		if err := s.store.RecomputeDiskUsage(disk.ID); err != nil {
			s.logger.Error("Failed to recompute disk usage", map[string]interface{}{
				"disk_id": disk.ID,
				"error":   err.Error(),
			})
		}
	}
	if listingPath != "" {
		os.Remove(listingPath)
	}
	if logPath != "" {
		os.Remove(logPath)
	}

	onTape, err := s.store.MemberFiles(req.ID, models.StageOnTape)
	if err == nil && len(onTape) > 0 {
		// Another pass picks the request up again.
		if err := s.store.ClearRetrievalTimes(req.ID); err != nil {
			s.logger.Error("Failed to clear retrieval times", map[string]interface{}{
				"request_id": req.ID,
				"error":      err.Error(),
			})
		}
		if err := s.store.ResetSlotProcess(slot.ID); err != nil {
			s.logger.Error("Failed to reset slot", map[string]interface{}{
				"slot_id": slot.ID,
				"error":   err.Error(),
			})
		}
		return
	}

	if err := s.store.MarkRetrievalFinished(req.ID, time.Now()); err != nil {
		s.logger.Error("Failed to stamp retrieval end", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}
	if err := s.store.ClearSlot(slot.ID); err != nil {
		s.logger.Error("Failed to clear slot", map[string]interface{}{
			"slot_id": slot.ID,
			"error":   err.Error(),
		})
		return
	}
	s.logger.Info("Retrieval finished", map[string]interface{}{
		"request_id": req.ID,
	})

	if req.NotifyOnLast != "" && s.notifier != nil {
		_, staged, err := s.store.MemberCounts(req.ID)
		if err != nil {
			staged = 0
		}
		s.notifier.NotifyLastFile(req, req.NotifyOnLast, int(staged))
	}
}

// publishLink points the archive logical path at the restored copy. An
// existing symlink is replaced; a real file at the logical path is never
// touched.
func publishLink(logicalPath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(logicalPath), 0755); err != nil {
		return err
	}
	if info, err := os.Lstat(logicalPath); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("real file at %s", logicalPath)
		}
		if err := os.Remove(logicalPath); err != nil {
			return err
		}
	}
	return os.Symlink(localPath, logicalPath)
}
