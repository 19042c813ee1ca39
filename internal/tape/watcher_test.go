package tape

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collectEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestWatcherEmitsSavedFilesThenExit(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "retrieve_log_7.txt")

	content := "starting up\n" +
		"Saving /archive/spot-1/a.nc into local file /cache/d1/archive/spot-1/a.nc\n" +
		"Saving /archive/spot-1/b.nc into local file /cache/d1/archive/spot-1/b.nc\n"
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}

	done := make(chan error, 1)
	done <- nil

	w := NewLogWatcher(logPath, false)
	events := collectEvents(t, w.Watch(context.Background(), done))

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %v", len(events), events)
	}
	if events[0].Type != EventFileSaved || events[0].TapePath != "/archive/spot-1/a.nc" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[0].LocalPath != "/cache/d1/archive/spot-1/a.nc" {
		t.Errorf("unexpected local path %s", events[0].LocalPath)
	}
	if events[2].Type != EventProcessExited || events[2].Err != nil {
		t.Errorf("unexpected final event %+v", events[2])
	}
}

func TestWatcherTestModePattern(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "retrieve_log_8.txt")

	content := "Copying file: /badc/cira/data/a.nc to /cache/d1/badc/cira/data/a.nc\n"
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}

	done := make(chan error, 1)
	done <- nil

	w := NewLogWatcher(logPath, true)
	events := collectEvents(t, w.Watch(context.Background(), done))

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].TapePath != "/badc/cira/data/a.nc" {
		t.Errorf("unexpected tape path %s", events[0].TapePath)
	}
}

func TestWatcherIgnoresPartialLine(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "retrieve_log_9.txt")

	// No trailing newline - the line is still being written
	content := "Saving /archive/spot-1/a.nc into local file /cache/d1/a"
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}

	w := NewLogWatcher(logPath, false)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	events := w.Watch(ctx, make(chan error))
	for ev := range events {
		if ev.Type == EventFileSaved {
			t.Errorf("partial line should not produce an event: %+v", ev)
		}
	}
}

func TestWatcherPicksUpAppendedLines(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "retrieve_log_10.txt")

	w := NewLogWatcher(logPath, false)
	w.interval = 10 * time.Millisecond

	done := make(chan error, 1)
	events := w.Watch(context.Background(), done)

	// Log appears after the watcher starts, as in a real retrieval
	go func() {
		time.Sleep(30 * time.Millisecond)
		f, _ := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		f.WriteString("Saving /archive/spot-1/late.nc into local file /cache/d1/late.nc\n")
		f.Close()
		time.Sleep(50 * time.Millisecond)
		done <- nil
	}()

	got := collectEvents(t, events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d: %v", len(got), got)
	}
	if got[0].TapePath != "/archive/spot-1/late.nc" {
		t.Errorf("unexpected tape path %s", got[0].TapePath)
	}
}
