// Package index notifies the external search index when files enter or
// leave the disk cache, so searches can show availability.
package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RoseOO/nearline/internal/logging"
)

// updateBatch caps the paths sent in one POST.
const updateBatch = 1000

// Client posts availability updates. A Client with an empty URL is a
// no-op, so callers never need to special-case a disabled index.
type Client struct {
	url    string
	http   *http.Client
	logger *logging.Logger
}

// NewClient creates an index client. url may be empty to disable.
func NewClient(url string, logger *logging.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type update struct {
	Paths  []string `json:"paths"`
	OnDisk bool     `json:"on_disk"`
}

// FilesStaged reports paths that just became available on disk.
func (c *Client) FilesStaged(paths []string) error {
	return c.post(paths, true)
}

// FilesUnstaged reports paths whose disk copy was removed.
func (c *Client) FilesUnstaged(paths []string) error {
	return c.post(paths, false)
}

func (c *Client) post(paths []string, onDisk bool) error {
	if c.url == "" || len(paths) == 0 {
		return nil
	}

	for len(paths) > 0 {
		n := len(paths)
		if n > updateBatch {
			n = updateBatch
		}
		if err := c.postBatch(update{Paths: paths[:n], OnDisk: onDisk}); err != nil {
			return err
		}
		paths = paths[n:]
	}
	return nil
}

func (c *Client) postBatch(u update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post index update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("index update rejected with status %d", resp.StatusCode)
	}

	c.logger.Debug("Index updated", map[string]interface{}{
		"paths":   len(u.Paths),
		"on_disk": u.OnDisk,
	})
	return nil
}
