// Package pipeline moves tape requests through their lifecycle: matching
// requests to catalogued files, handing out retrieval slots and driving
// the storage daemon retrievals that stage files to disk.
package pipeline

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
	"github.com/RoseOO/nearline/internal/resolver"
	"github.com/RoseOO/nearline/internal/tape"
)

// startGrace is how long an assigned slot may sit without a recorded
// process before it is considered broken.
const startGrace = 20 * time.Second

// Notifier delivers request lifecycle mail. Implementations must treat
// an empty recipient as "don't send".
type Notifier interface {
	NotifyFirstFile(req *models.TapeRequest, recipient string)
	NotifyLastFile(req *models.TapeRequest, recipient string, files int)
}

// Indexer tells the external search index which files entered or left
// the disk cache. Failures are the caller's to log, never fatal.
type Indexer interface {
	FilesStaged(paths []string) error
	FilesUnstaged(paths []string) error
}

// Service runs the staging pipeline.
type Service struct {
	store     *catalog.Store
	resolvers *resolver.Holder
	tape      *tape.Client
	notifier  Notifier
	indexer   Indexer
	cfg       config.StagingConfig
	logger    *logging.Logger
	hostname  string

	mu      sync.Mutex
	running map[int64]bool // slot id -> executor goroutine live
}

// NewService creates the pipeline service.
func NewService(store *catalog.Store, resolvers *resolver.Holder, tapeClient *tape.Client,
	notifier Notifier, indexer Indexer, cfg config.StagingConfig, logger *logging.Logger) *Service {
	hostname, _ := os.Hostname()
	return &Service{
		store:     store,
		resolvers: resolvers,
		tape:      tapeClient,
		notifier:  notifier,
		indexer:   indexer,
		cfg:       cfg,
		logger:    logger,
		hostname:  hostname,
		running:   map[int64]bool{},
	}
}

// Run performs one pipeline pass: refresh request membership, reconcile
// the slot pool, hand out slots and start retrievals.
func (s *Service) Run(ctx context.Context) {
	if err := s.UpdateRequests(ctx); err != nil {
		s.logger.Error("Failed to update requests", map[string]interface{}{"error": err.Error()})
	}
	if err := s.AdjustSlots(); err != nil {
		s.logger.Error("Failed to adjust slots", map[string]interface{}{"error": err.Error()})
	}
	if err := s.LoadSlots(); err != nil {
		s.logger.Error("Failed to load slots", map[string]interface{}{"error": err.Error()})
	}
	s.CheckHappy()
	s.RunSlots(ctx)
}

// UpdateRequests walks every request oldest-first: completed requests
// deactivate, requests with tape-side candidates attach them and
// activate. Inactive requests are included so a forward-looking request
// wakes up when its files are ingested.
func (s *Service) UpdateRequests(ctx context.Context) error {
	requests, err := s.store.AllRequests()
	if err != nil {
		return err
	}

	for _, req := range requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.updateRequest(&req); err != nil {
			s.logger.Error("Failed to update request", map[string]interface{}{
				"request_id": req.ID,
				"error":      err.Error(),
			})
		}
	}
	return nil
}

func (s *Service) updateRequest(req *models.TapeRequest) error {
	paths, err := s.store.RequestPaths(req.ID)
	if err != nil {
		return err
	}

	// A path request with every requested file staged is finished.
	// Pattern requests have no fixed size and never complete this way.
	if len(paths) > 0 {
		_, staged, err := s.store.MemberCounts(req.ID)
		if err != nil {
			return err
		}
		if staged == int64(len(paths)) {
			if req.Active {
				if err := s.store.SetRequestActive(req.ID, false); err != nil {
					return err
				}
				s.logger.Info("Request complete", map[string]interface{}{
					"request_id": req.ID,
					"files":      staged,
				})
			}
			return nil
		}
	}

	candidates, err := s.candidateFiles(req, paths)
	if err != nil {
		return err
	}

	ids := make([]int64, len(candidates))
	for i, f := range candidates {
		ids[i] = f.ID
	}
	if len(ids) > 0 {
		if err := s.store.AttachMembers(req.ID, ids); err != nil {
			return err
		}
	}

	if req.StorageLocation == "" {
		s.recordStorageLocation(req, candidates)
	}

	active := len(ids) > 0
	if active != req.Active {
		if err := s.store.SetRequestActive(req.ID, active); err != nil {
			return err
		}
		if active {
			s.logger.Info("Request activated", map[string]interface{}{
				"request_id": req.ID,
				"files":      len(ids),
			})
		}
	}
	return nil
}

// candidateFiles resolves the files a request can still pull: tape-side
// copies of its requested paths or pattern. Files already staged under
// another request are not candidates; they come back on tape when that
// request expires. The verifier's own requests resolve to UNVERIFIED
// files instead.
func (s *Service) candidateFiles(req *models.TapeRequest, paths []string) ([]models.TapeFile, error) {
	if req.User == models.VerifyQuotaUser {
		files, err := s.store.FilesIn(paths)
		if err != nil {
			return nil, err
		}
		var out []models.TapeFile
		for _, f := range files {
			if f.Stage == models.StageUnverified {
				out = append(out, f)
			}
		}
		return out, nil
	}

	if len(paths) > 0 {
		files, err := s.store.FilesIn(paths)
		if err != nil {
			return nil, err
		}
		var out []models.TapeFile
		for _, f := range files {
			switch f.Stage {
			case models.StageOnTape, models.StageRestoring:
				out = append(out, f)
			}
		}
		return out, nil
	}

	pattern := strings.TrimSpace(req.RequestPatterns)
	if pattern == "" {
		return nil, nil
	}
	return s.store.FilesMatching(pattern,
		[]models.Stage{models.StageOnTape, models.StageRestoring}, 0)
}

func (s *Service) recordStorageLocation(req *models.TapeRequest, files []models.TapeFile) {
	r := s.resolvers.Get()
	if r == nil || len(files) == 0 {
		return
	}
	_, spot, err := r.Spot(files[0].LogicalPath)
	if err != nil {
		return
	}
	if err := s.store.SetStorageLocation(req.ID, spot); err != nil {
		s.logger.Error("Failed to record storage location", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}
}

// AdjustSlots reconciles the slot pool to the configured size.
func (s *Service) AdjustSlots() error {
	return s.store.EnsureSlots(s.cfg.Slots)
}

// LoadSlots assigns the oldest runnable active requests to free slots,
// capped per quota user.
func (s *Service) LoadSlots() error {
	free, err := s.store.FreeSlots()
	if err != nil {
		return err
	}
	if len(free) == 0 {
		return nil
	}

	requests, err := s.store.ActiveRequests()
	if err != nil {
		return err
	}
	slotted, err := s.store.SlottedRequestIDs()
	if err != nil {
		return err
	}

	next := 0
	for _, req := range requests {
		if next >= len(free) {
			break
		}
		if slotted[req.ID] {
			continue
		}

		held, err := s.store.SlotCountForQuota(req.QuotaID)
		if err != nil {
			return err
		}
		if held >= s.cfg.MaxSlotsPerUser {
			continue
		}

		// Only requests with something left on tape need a slot.
		onTape, err := s.store.MemberFiles(req.ID, models.StageOnTape)
		if err != nil {
			return err
		}
		if len(onTape) == 0 {
			continue
		}

		ok, err := s.store.AssignSlot(free[next].ID, req.ID, time.Now())
		if err != nil {
			return err
		}
		if ok {
			s.logger.Info("Loaded request into slot", map[string]interface{}{
				"request_id": req.ID,
				"slot_id":    free[next].ID,
				"files":      len(onTape),
			})
			next++
		}
	}
	return nil
}

// CheckHappy sweeps loaded slots for dead retrievals: a recorded process
// that no longer exists on this host, or a slot that never started within
// the grace period. Broken slots are cleared and their in-flight files
// put back on tape.
func (s *Service) CheckHappy() {
	slots, err := s.store.LoadedSlots()
	if err != nil {
		s.logger.Error("Failed to list slots", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, slot := range slots {
		if s.isRunning(slot.ID) {
			continue
		}

		broken := false
		switch {
		case slot.PID != nil && slot.Hostname != nil && *slot.Hostname == s.hostname:
			broken = !tape.ProcessAlive(int(*slot.PID))
		case slot.PID == nil && slot.AssignedAt != nil:
			// Never started; give a freshly assigned slot time to spin up
			broken = time.Since(*slot.AssignedAt) > startGrace
		}
		if !broken {
			continue
		}

		s.logger.Warn("Clearing broken slot", map[string]interface{}{
			"slot_id":    slot.ID,
			"request_id": *slot.RequestID,
		})
		if err := s.breakSlot(&slot); err != nil {
			s.logger.Error("Failed to clear broken slot", map[string]interface{}{
				"slot_id": slot.ID,
				"error":   err.Error(),
			})
		}
	}
}

// breakSlot resets a dead slot: in-flight files go back to tape so a
// future pass retries them.
func (s *Service) breakSlot(slot *models.Slot) error {
	if slot.RequestID != nil {
		restoring, err := s.store.MemberFiles(*slot.RequestID, models.StageRestoring)
		if err != nil {
			return err
		}
		ids := make([]int64, len(restoring))
		for i, f := range restoring {
			ids[i] = f.ID
		}
		if err := s.store.SetOnTape(ids); err != nil {
			return err
		}
	}
	return s.store.ClearSlot(slot.ID)
}

// RunSlots starts an executor goroutine for every loaded slot that has
// no retrieval running yet. Concurrency is naturally bounded by the slot
// pool size.
func (s *Service) RunSlots(ctx context.Context) {
	slots, err := s.store.LoadedSlots()
	if err != nil {
		s.logger.Error("Failed to list slots", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, slot := range slots {
		if slot.PID != nil || !s.markRunning(slot.ID) {
			continue
		}
		go func(slot models.Slot) {
			defer s.unmarkRunning(slot.ID)
			s.runSlot(ctx, &slot)
		}(slot)
	}
}

func (s *Service) markRunning(slotID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[slotID] {
		return false
	}
	s.running[slotID] = true
	return true
}

func (s *Service) unmarkRunning(slotID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, slotID)
}

func (s *Service) isRunning(slotID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[slotID]
}
