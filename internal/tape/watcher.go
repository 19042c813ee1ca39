package tape

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

// EventType discriminates retrieval events.
type EventType int

const (
	// EventFileSaved - the retrieval wrote one file to the restore disk.
	EventFileSaved EventType = iota
	// EventProcessExited - the retrieval process finished; no further
	// events follow.
	EventProcessExited
)

// Event is one observation from a retrieval log.
type Event struct {
	Type EventType
	// TapePath and LocalPath are set for EventFileSaved.
	TapePath  string
	LocalPath string
	// Err is the process exit result for EventProcessExited.
	Err error
}

var (
	// The production daemon logs one line per saved file.
	prodSavePattern = regexp.MustCompile(`Saving (.*) into local file (.*)`)
	// The test harness copies files locally and logs a different line.
	testSavePattern = regexp.MustCompile(`Copying file: (.*) to (.*)`)
)

// LogWatcher tails a retrieval log and turns completed-file lines into
// events. Lines are consumed once; partially written trailing lines are
// left for the next poll.
type LogWatcher struct {
	path     string
	pattern  *regexp.Regexp
	interval time.Duration
}

// NewLogWatcher creates a watcher for a retrieval log. testMode selects
// the test harness line format.
func NewLogWatcher(logPath string, testMode bool) *LogWatcher {
	pattern := prodSavePattern
	if testMode {
		pattern = testSavePattern
	}
	return &LogWatcher{
		path:     logPath,
		pattern:  pattern,
		interval: time.Second,
	}
}

// Watch streams events until the retrieval's done channel fires, then
// drains the remaining log, emits EventProcessExited and closes the
// stream. Cancelling ctx stops the watcher without a final event.
func (w *LogWatcher) Watch(ctx context.Context, done <-chan error) <-chan Event {
	events := make(chan Event)
	go w.run(ctx, done, events)
	return events
}

func (w *LogWatcher) run(ctx context.Context, done <-chan error, events chan<- Event) {
	defer close(events)

	var offset int64
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-done:
			// Final sweep picks up lines written just before exit.
			offset = w.emitNewLines(ctx, offset, events)
			select {
			case events <- Event{Type: EventProcessExited, Err: err}:
			case <-ctx.Done():
			}
			return
		case <-ticker.C:
			offset = w.emitNewLines(ctx, offset, events)
		}
	}
}

// emitNewLines reads complete lines past offset and emits saved-file
// events. Returns the new offset.
func (w *LogWatcher) emitNewLines(ctx context.Context, offset int64, events chan<- Event) int64 {
	f, err := os.Open(w.path)
	if err != nil {
		// The log appears only once the retrieval starts writing.
		return offset
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Incomplete trailing line; re-read it next poll.
			return offset
		}
		offset += int64(len(line))

		m := w.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		select {
		case events <- Event{Type: EventFileSaved, TapePath: strings.TrimSpace(m[1]), LocalPath: strings.TrimSpace(m[2])}:
		case <-ctx.Done():
			return offset
		}
	}
}
