// Package ingest catalogues archive files whose primary copy lives on
// tape. It fetches the tape-only fileset feed and walks each fileset's
// disk tree, adding files big enough to be worth near-line handling.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/logging"
)

// Service scans tape-only filesets into the catalog.
type Service struct {
	store       *catalog.Store
	client      *http.Client
	onTapeURL   string
	minFileSize int64
	logger      *logging.Logger
}

// NewService creates the ingest service.
func NewService(store *catalog.Store, cfg *config.Config, logger *logging.Logger) *Service {
	return &Service{
		store:       store,
		client:      &http.Client{Timeout: 30 * time.Second},
		onTapeURL:   cfg.Feeds.OnTapeURL,
		minFileSize: cfg.Tape.MinFileSize,
		logger:      logger,
	}
}

// Run performs one ingest pass over every tape-only fileset.
func (s *Service) Run(ctx context.Context) error {
	if s.onTapeURL == "" {
		return nil
	}
	filesets, err := s.fetchFilesets(ctx)
	if err != nil {
		return err
	}

	var added, skipped int
	var addedBytes int64
	for _, root := range filesets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a, sk, bytes := s.scanFileset(ctx, root)
		added += a
		skipped += sk
		addedBytes += bytes
	}

	s.logger.Info("Ingest pass complete", map[string]interface{}{
		"filesets": len(filesets),
		"added":    added,
		"skipped":  skipped,
		"size":     humanize.Bytes(uint64(addedBytes)),
	})
	return nil
}

// fetchFilesets reads the tape-only feed. The third column of each line
// is the fileset's logical path.
func (s *Service) fetchFilesets(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.onTapeURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tape-only filesets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, s.onTapeURL)
	}

	var filesets []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		filesets = append(filesets, fields[2])
	}
	return filesets, scanner.Err()
}

// scanFileset walks one fileset tree adding new regular files. Links are
// the staging machinery's own work and small files aren't worth a tape
// round trip.
func (s *Service) scanFileset(ctx context.Context, root string) (added, skipped int, addedBytes int64) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() < s.minFileSize {
			skipped++
			return nil
		}

		isNew, err := s.store.AddFile(path, info.Size())
		if err != nil {
			s.logger.Error("Failed to add file", map[string]interface{}{
				"file":  path,
				"error": err.Error(),
			})
			return nil
		}
		if isNew {
			added++
			addedBytes += info.Size()
		}
		return nil
	})
	if err != nil && err != ctx.Err() {
		s.logger.Warn("Fileset walk aborted", map[string]interface{}{
			"fileset": root,
			"error":   err.Error(),
		})
	}
	return added, skipped, addedBytes
}
