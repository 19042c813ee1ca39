// Package resolver maps archive logical paths to the storage spots that
// hold them. A Resolver is an immutable snapshot of the fileset feeds;
// refreshing builds a new one and swaps it into a Holder so readers never
// see a half-updated mapping.
package resolver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrNoFileset is returned when no fileset prefix matches a path.
	ErrNoFileset = errors.New("no fileset associated with path")
	// ErrUnknownSpot is returned when a spot has no storage path.
	ErrUnknownSpot = errors.New("unknown spot")
)

// Resolver holds the fileset mappings. Immutable once built.
type Resolver struct {
	// logical prefixes, reverse sorted so longer paths match first
	prefixes []string
	// logical prefix -> spot name
	spotByPrefix map[string]string
	// spot name -> physical storage path
	storageBySpot map[string]string
	// spot name -> logical prefix
	prefixBySpot map[string]string
}

// New builds a Resolver from the prefix->spot and spot->storage maps.
func New(spotByPrefix, storageBySpot map[string]string) *Resolver {
	r := &Resolver{
		prefixes:      make([]string, 0, len(spotByPrefix)),
		spotByPrefix:  make(map[string]string, len(spotByPrefix)),
		storageBySpot: make(map[string]string, len(storageBySpot)),
		prefixBySpot:  make(map[string]string, len(spotByPrefix)),
	}
	for prefix, spot := range spotByPrefix {
		r.prefixes = append(r.prefixes, prefix)
		r.spotByPrefix[prefix] = spot
		r.prefixBySpot[spot] = prefix
	}
	for spot, storage := range storageBySpot {
		r.storageBySpot[spot] = storage
	}
	sort.Sort(sort.Reverse(sort.StringSlice(r.prefixes)))
	return r
}

// Spot returns the fileset prefix and spot name holding logicalPath.
func (r *Resolver) Spot(logicalPath string) (prefix, spot string, err error) {
	for _, p := range r.prefixes {
		if strings.HasPrefix(logicalPath, p) {
			return p, r.spotByPrefix[p], nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNoFileset, logicalPath)
}

// StoragePath returns the physical storage path for a spot.
func (r *Resolver) StoragePath(spot string) (string, error) {
	sp, ok := r.storageBySpot[spot]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSpot, spot)
	}
	return sp, nil
}

// ArchiveVolume returns the volume directory a spot's storage lives on,
// e.g. /datacentre/archvol/pan52/archive -> /datacentre/archvol/pan52.
func (r *Resolver) ArchiveVolume(spot string) (string, error) {
	sp, err := r.StoragePath(spot)
	if err != nil {
		return "", err
	}
	return path.Dir(sp), nil
}

// TapePath converts a logical path to the path the storage daemon knows
// the file by: the fileset prefix replaced with /archive/<spot>.
func (r *Resolver) TapePath(logicalPath string) (string, error) {
	prefix, spot, err := r.Spot(logicalPath)
	if err != nil {
		return "", err
	}
	return "/archive/" + spot + strings.TrimPrefix(logicalPath, prefix), nil
}

// LogicalPath converts a storage-daemon path back to a logical path. It
// is the inverse of TapePath; paths that are not under /archive/<spot>
// are returned unchanged so test-harness paths pass through.
func (r *Resolver) LogicalPath(tapePath string) (string, error) {
	rest, ok := strings.CutPrefix(tapePath, "/archive/")
	if !ok {
		return tapePath, nil
	}
	spot, sub, _ := strings.Cut(rest, "/")
	prefix, ok := r.prefixBySpot[spot]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSpot, spot)
	}
	if sub == "" {
		return prefix, nil
	}
	return prefix + "/" + sub, nil
}

// Spots returns all known spot names.
func (r *Resolver) Spots() []string {
	spots := make([]string, 0, len(r.prefixBySpot))
	for spot := range r.prefixBySpot {
		spots = append(spots, spot)
	}
	sort.Strings(spots)
	return spots
}

// Loader fetches the fileset feeds and builds Resolvers.
type Loader struct {
	client          *http.Client
	downloadConfURL string
	storagePathsURL string
}

// NewLoader creates a Loader for the two feed URLs.
func NewLoader(downloadConfURL, storagePathsURL string) *Loader {
	return &Loader{
		client:          &http.Client{Timeout: 30 * time.Second},
		downloadConfURL: downloadConfURL,
		storagePathsURL: storagePathsURL,
	}
}

// Load fetches both feeds and builds a fresh Resolver.
// The download conf feed has lines "spot_name logical_path"; the storage
// paths feed has lines "storage_path spot_name".
func (l *Loader) Load(ctx context.Context) (*Resolver, error) {
	spotByPrefix := map[string]string{}
	if err := l.fetchColumns(ctx, l.downloadConfURL, func(a, b string) {
		spotByPrefix[b] = a
	}); err != nil {
		return nil, fmt.Errorf("failed to load download conf: %w", err)
	}

	storageBySpot := map[string]string{}
	if err := l.fetchColumns(ctx, l.storagePathsURL, func(a, b string) {
		storageBySpot[b] = a
	}); err != nil {
		return nil, fmt.Errorf("failed to load storage paths: %w", err)
	}

	return New(spotByPrefix, storageBySpot), nil
}

func (l *Loader) fetchColumns(ctx context.Context, url string, record func(a, b string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		record(fields[0], fields[1])
	}
	return scanner.Err()
}

// Holder publishes the current Resolver to concurrent readers.
type Holder struct {
	current atomic.Pointer[Resolver]
}

// NewHolder creates a Holder seeded with r (may be nil).
func NewHolder(r *Resolver) *Holder {
	h := &Holder{}
	if r != nil {
		h.current.Store(r)
	}
	return h
}

// Get returns the current Resolver, or nil before the first Set.
func (h *Holder) Get() *Resolver {
	return h.current.Load()
}

// Set swaps in a new Resolver wholesale.
func (h *Holder) Set(r *Resolver) {
	h.current.Store(r)
}
