// Package tape drives the storage daemon's client tools: sd_ls for spot
// listings and sd_get for retrievals.
package tape

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/RoseOO/nearline/internal/cmdutil"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/logging"
)

// DefaultListTimeout bounds sd_ls runs; spot listings can be large but a
// hung daemon should not wedge the pipeline.
const DefaultListTimeout = 10 * time.Minute

// ErrListTimeout is returned when a spot listing exceeds the timeout.
var ErrListTimeout = errors.New("spot listing timed out")

// SpotFile is one row of a spot listing.
type SpotFile struct {
	Path   string
	Size   int64
	Status string
}

// Taped reports whether the storage daemon holds a good tape copy.
func (f SpotFile) Taped() bool {
	return f.Status == "TAPED"
}

// Client wraps the storage daemon command line tools.
type Client struct {
	sdGet    string
	sdLs     string
	host     string
	testMode bool
	logger   *logging.Logger
}

// NewClient creates a Client from the tape configuration.
func NewClient(cfg config.TapeConfig, logger *logging.Logger) *Client {
	return &Client{
		sdGet:    cfg.SDGetPath,
		sdLs:     cfg.SDLsPath,
		host:     cfg.Host,
		testMode: cfg.TestMode,
		logger:   logger,
	}
}

// TestMode reports whether the client talks to the test harness instead
// of the production daemon.
func (c *Client) TestMode() bool {
	return c.testMode
}

// ListSpot runs sd_ls for a spot and parses its file listing. Listing
// rows have eleven whitespace-separated fields; anything else (headers,
// progress chatter) is skipped.
func (c *Client) ListSpot(ctx context.Context, spot string) ([]SpotFile, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultListTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.sdLs, "-s", spot, "-L", "file")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: spot %s", ErrListTimeout, spot)
	}
	if err != nil {
		return nil, fmt.Errorf("sd_ls failed for spot %s: %s", spot, cmdutil.ErrorDetail(err, &stderr))
	}

	var files []SpotFile
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := bytes.Fields(scanner.Bytes())
		if len(fields) != 11 {
			continue
		}
		size, err := strconv.ParseInt(string(fields[3]), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, SpotFile{
			Status: string(fields[2]),
			Size:   size,
			Path:   string(fields[10]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	c.logger.Debug("Listed spot", map[string]interface{}{
		"spot":  spot,
		"files": len(files),
	})
	return files, nil
}

// Retrieval is a running sd_get process.
type Retrieval struct {
	cmd  *exec.Cmd
	done chan error
}

// PID returns the process id of the retrieval.
func (r *Retrieval) PID() int {
	return r.cmd.Process.Pid
}

// Done delivers the process exit result exactly once.
func (r *Retrieval) Done() <-chan error {
	return r.done
}

// Kill terminates the retrieval process.
func (r *Retrieval) Kill() error {
	return r.cmd.Process.Kill()
}

// StartRetrieval launches sd_get copying the files named in listingPath
// onto the restore disk at mountpoint, logging progress to logPath. The
// caller watches logPath for per-file events and Done for the exit.
func (c *Client) StartRetrieval(logPath, mountpoint, listingPath string) (*Retrieval, error) {
	cmd := exec.Command(c.sdGet,
		"-v",
		"-l", logPath,
		"-h", c.host,
		"-r", mountpoint,
		"-f", listingPath,
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start retrieval: %w", err)
	}

	c.logger.Info("Started retrieval", map[string]interface{}{
		"pid":     cmd.Process.Pid,
		"log":     logPath,
		"listing": listingPath,
		"disk":    mountpoint,
	})

	r := &Retrieval{cmd: cmd, done: make(chan error, 1)}
	go func() {
		r.done <- cmd.Wait()
	}()
	return r, nil
}

// ProcessAlive reports whether a pid is still running on this host.
func ProcessAlive(pid int) bool {
	// FindProcess always succeeds on unix; signal 0 probes existence.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
