// Package cmdutil formats failures from the external storage daemon
// commands (sd_get, sd_ls) so logs carry the exit code and whatever the
// tool printed on stderr.
package cmdutil

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrorDetail returns a human-readable description of a command failure.
// An explicit stderr buffer is preferred (the sd_ls runner captures
// stderr itself); when nil the function falls back to the Stderr field
// of exec.ExitError, populated by Output and CombinedOutput.
func ErrorDetail(err error, stderr *bytes.Buffer) string {
	if err == nil {
		return ""
	}

	var detail strings.Builder
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintf(&detail, "exit code %d", exitErr.ExitCode())
		stderrText := ""
		if stderr != nil && stderr.Len() > 0 {
			stderrText = strings.TrimSpace(stderr.String())
		} else if len(exitErr.Stderr) > 0 {
			stderrText = strings.TrimSpace(string(exitErr.Stderr))
		}
		if stderrText != "" {
			fmt.Fprintf(&detail, ": %s", stderrText)
		}
	} else {
		detail.WriteString(err.Error())
	}

	return detail.String()
}
