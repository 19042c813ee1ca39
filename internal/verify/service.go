// Package verify promotes newly catalogued files out of the unverified
// stage. The full pass checks files against the per-spot checksum
// manifests written by the backup process; the quick pass trusts the
// storage daemon's own listing for filesets configured to allow it.
package verify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/models"
	"github.com/RoseOO/nearline/internal/resolver"
	"github.com/RoseOO/nearline/internal/tape"
)

// batchLimit caps how many unverified files one pass considers.
const batchLimit = 100000

// verifyQuotaSize is the allowance given to the reserved verification
// quota when it has to be recreated.
const verifyQuotaSize = 5_000_000_000_000

const (
	verifyLabel      = "FROM VERIFY PROCESS"
	quickVerifyLabel = "FROM QUICK_VERIFY PROCESS"
)

// ErrNoResolver is returned when the fileset mappings have not loaded.
var ErrNoResolver = errors.New("fileset mappings not loaded")

// Service runs verification passes.
type Service struct {
	store     *catalog.Store
	resolvers *resolver.Holder
	tape      *tape.Client
	cfg       *config.Config
	logger    *logging.Logger
}

// NewService creates the verification service.
func NewService(store *catalog.Store, resolvers *resolver.Holder, tapeClient *tape.Client, cfg *config.Config, logger *logging.Logger) *Service {
	return &Service{
		store:     store,
		resolvers: resolvers,
		tape:      tapeClient,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run performs a full verification pass. Each unverified file is looked
// up in its spot's checksum manifests; a match means the backup process
// restored a copy, so the file is verified and staged. Verified files
// are held under the reserved verification quota so tidy returns them
// to tape once the retention passes.
func (s *Service) Run(ctx context.Context) error {
	res := s.resolvers.Get()
	if res == nil {
		return ErrNoResolver
	}

	files, err := s.store.FilesByStage(models.StageUnverified, batchLimit)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	now := time.Now().UTC()
	req, err := s.createVerifyRequest(verifyLabel, now)
	if err != nil {
		return err
	}

	manifests := map[string]map[string]bool{}
	var verified []int64
	var verifiedBytes int64
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		prefix, spot, err := res.Spot(f.LogicalPath)
		if err != nil {
			s.logger.Warn("No fileset for file", map[string]interface{}{
				"file": f.LogicalPath,
			})
			continue
		}

		manifest, ok := manifests[spot]
		if !ok {
			manifest, err = s.loadManifests(spot)
			if err != nil {
				s.logger.Error("Failed to read checksum manifests", map[string]interface{}{
					"spot":  spot,
					"error": err.Error(),
				})
				manifest = map[string]bool{}
			}
			manifests[spot] = manifest
		}

		toFind := f.LogicalPath
		if !s.tape.TestMode() {
			toFind = s.cfg.Tape.RestoreCachePrefix + "/" + spot + strings.TrimPrefix(f.LogicalPath, prefix)
		}
		if !manifest[toFind] {
			continue
		}

		if err := s.store.SetVerified(f.ID, models.StageOnDisk, now); err != nil {
			return err
		}
		verified = append(verified, f.ID)
		verifiedBytes += f.Size
	}

	if len(verified) == 0 {
		if err := s.store.DeleteRequest(req.ID); err != nil {
			return err
		}
		s.logger.Info("Verify pass found nothing", map[string]interface{}{
			"checked": len(files),
		})
		return nil
	}

	if err := s.store.AttachMembers(req.ID, verified); err != nil {
		return err
	}
	if _, err := s.store.MarkFirstFileOnDisk(req.ID, now); err != nil {
		return err
	}
	if err := s.store.MarkLastFileOnDisk(req.ID, now); err != nil {
		return err
	}

	s.logger.Info("Verify pass complete", map[string]interface{}{
		"checked":  len(files),
		"verified": len(verified),
		"size":     humanize.Bytes(uint64(verifiedBytes)),
	})
	return nil
}

// QuickVerify trusts the storage daemon's listing for configured
// filesets: an unverified file the daemon reports taped at the right
// size goes straight to tape-only without waiting for a checksum pass.
func (s *Service) QuickVerify(ctx context.Context) error {
	prefixes := s.cfg.Staging.QuickVerifyPrefixes
	if len(prefixes) == 0 {
		return nil
	}
	res := s.resolvers.Get()
	if res == nil {
		return ErrNoResolver
	}

	var files []models.TapeFile
	for _, prefix := range prefixes {
		part, err := s.store.FilesWithPrefix(prefix, models.StageUnverified)
		if err != nil {
			return err
		}
		files = append(files, part...)
		if len(files) >= batchLimit {
			files = files[:batchLimit]
			break
		}
	}
	if len(files) == 0 {
		return nil
	}

	now := time.Now().UTC()
	req, err := s.createVerifyRequest(quickVerifyLabel, now)
	if err != nil {
		return err
	}

	listings := map[string]map[string]int64{}
	var verified []int64
	var verifiedBytes int64
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		prefix, spot, err := res.Spot(f.LogicalPath)
		if err != nil {
			continue
		}

		listing, ok := listings[spot]
		if !ok {
			listing, err = s.listTaped(ctx, spot)
			if err != nil {
				s.logger.Error("Failed to list spot", map[string]interface{}{
					"spot":  spot,
					"error": err.Error(),
				})
				listing = map[string]int64{}
			}
			listings[spot] = listing
		}

		toFind := f.LogicalPath
		if !s.tape.TestMode() {
			toFind = "/archive/" + spot + strings.TrimPrefix(f.LogicalPath, prefix)
		}
		size, ok := listing[toFind]
		if !ok || size != f.Size {
			continue
		}

		if err := s.store.SetVerified(f.ID, models.StageOnTape, now); err != nil {
			return err
		}
		verified = append(verified, f.ID)
		verifiedBytes += f.Size
	}

	if len(verified) == 0 {
		if err := s.store.DeleteRequest(req.ID); err != nil {
			return err
		}
		return nil
	}
	if err := s.store.AttachMembers(req.ID, verified); err != nil {
		return err
	}

	s.logger.Info("Quick verify pass complete", map[string]interface{}{
		"checked":  len(files),
		"verified": len(verified),
		"size":     humanize.Bytes(uint64(verifiedBytes)),
	})
	return nil
}

// createVerifyRequest opens a request under the reserved verification
// quota, recreating the quota if an operator removed it.
func (s *Service) createVerifyRequest(label string, now time.Time) (*models.TapeRequest, error) {
	quota, err := s.store.QuotaByUser(models.VerifyQuotaUser)
	if errors.Is(err, catalog.ErrNotFound) {
		quota = &models.Quota{
			User:  models.VerifyQuotaUser,
			Size:  verifyQuotaSize,
			Notes: "reserved for file verification",
		}
		if _, err := s.store.CreateQuota(quota); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	req := &models.TapeRequest{
		QuotaID:     quota.ID,
		Label:       label,
		RequestDate: now,
		Retention:   now.Add(s.cfg.VerifyRetentionPeriod()),
	}
	if _, err := s.store.CreateRequest(req, nil); err != nil {
		return nil, err
	}
	return req, nil
}

// loadManifests reads every checksum manifest for a spot into a path
// set. Manifest lines are "<checksum> <path>".
func (s *Service) loadManifests(spot string) (map[string]bool, error) {
	pattern := filepath.Join(s.cfg.Tape.ChecksumsDir, spot+".chksums.*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	paths := map[string]bool{}
	for _, name := range matches {
		if err := readManifest(name, paths); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
	}
	s.logger.Debug("Loaded checksum manifests", map[string]interface{}{
		"spot":      spot,
		"manifests": len(matches),
		"entries":   len(paths),
	})
	return paths, nil
}

func readManifest(name string, paths map[string]bool) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		paths[fields[1]] = true
	}
	return scanner.Err()
}

// listTaped runs sd_ls for a spot and keeps the good tape copies.
func (s *Service) listTaped(ctx context.Context, spot string) (map[string]int64, error) {
	rows, err := s.tape.ListSpot(ctx, spot)
	if err != nil {
		return nil, err
	}
	listing := make(map[string]int64, len(rows))
	for _, r := range rows {
		if r.Taped() && r.Size != 0 {
			listing[r.Path] = r.Size
		}
	}
	return listing, nil
}
