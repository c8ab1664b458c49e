// Package agent dispatches resolved source directories to the external
// scanning agent and waits for the backend to finish ingesting the upload.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ramibo/ws-conan-scanner/internal/backend"
)

// Fixed exclusions appended on top of any user-configured excludes:
// generated package-manager artifacts and leftovers of previous runs.
var defaultExcludes = []string{
	"**/conan_scanned_*",
	"**/*conan_export.tgz",
	"**/*conan_package.tgz",
	"**/*conanfile.py",
	"**/node_modules",
	"**/src/test",
	"**/testdata",
}

// MaxArchiveExtractionDepth is the deepest nesting of archives the agent
// unpacks while scanning.
const MaxArchiveExtractionDepth = 7

// Config is the scanning agent's file-selection configuration.
type Config struct {
	Includes               []string
	Excludes               []string
	ArchiveExtractionDepth int
	LogLevel               string
}

// Request is one scan invocation.
type Request struct {
	Dirs         []string
	ProductName  string
	ProductToken string
	ProjectName  string
	ProjectToken string
	Config       Config
}

// Result is the agent's synchronous response: a human-readable summary and
// the opaque token used to track the asynchronous upload.
type Result struct {
	Summary       string
	TrackingToken string
}

// Scanner is the external scanning agent.
type Scanner interface {
	Scan(ctx context.Context, req Request) (Result, error)
}

// ErrUploadFailed reports a terminal failure or unknown state from the
// backend's upload-status endpoint. Fatal: without a completed upload there
// is no inventory to reconcile.
var ErrUploadFailed = errors.New("scan upload failed")

// Dispatcher invokes the scanning agent and polls upload status until a
// terminal state.
type Dispatcher struct {
	Agent  Scanner
	Status backend.Client
	Logger *log.Logger

	// PollInterval defaults to 20s. PollTimeout bounds the whole wait;
	// zero disables the bound (the original tool polled forever).
	PollInterval time.Duration
	PollTimeout  time.Duration

	sleep func(time.Duration) // test seam
}

// Dispatch normalizes the target directories, layers the fixed exclusions
// on top of userExcludes, runs the scan and waits for the upload to land.
func (d *Dispatcher) Dispatch(ctx context.Context, dirs, userExcludes []string, req Request) error {
	abs := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		a, err := filepath.Abs(dir)
		if err != nil {
			d.Logger.Warn("cannot resolve scan directory", "dir", dir, "err", err)
			continue
		}
		abs = append(abs, a)
	}

	req.Dirs = abs
	req.Config.Includes = []string{"**/*.*"}
	req.Config.Excludes = append(append([]string{}, userExcludes...), defaultExcludes...)
	req.Config.ArchiveExtractionDepth = MaxArchiveExtractionDepth
	req.Config.LogLevel = "debug"

	res, err := d.Agent.Scan(ctx, req)
	if err != nil {
		return fmt.Errorf("scan invocation failed: %w", err)
	}
	if res.Summary != "" {
		d.Logger.Info(strings.TrimSpace(res.Summary))
	}

	return d.waitForUpload(ctx, res.TrackingToken)
}

// waitForUpload polls the backend every PollInterval until the upload
// reaches a terminal state. "UPDATED" and "FINISHED" end the wait
// successfully; "UNKNOWN" and "FAILED" are fatal; anything else keeps
// polling until PollTimeout (when set) expires.
func (d *Dispatcher) waitForUpload(ctx context.Context, token string) error {
	interval := d.PollInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	sleep := d.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var deadline time.Time
	if d.PollTimeout > 0 {
		deadline = time.Now().Add(d.PollTimeout)
	}

	for {
		status, err := d.Status.ScanStatus(ctx, token)
		if err != nil {
			return fmt.Errorf("scan status query failed: %w", err)
		}
		d.Logger.Info("scan data upload status", "status", status)

		switch status {
		case "UPDATED", "FINISHED":
			d.Logger.Info("scan upload completed")
			return nil
		case "UNKNOWN", "FAILED":
			return fmt.Errorf("%w: upload status %s", ErrUploadFailed, status)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: still %s after %s", ErrUploadFailed, status, d.PollTimeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sleep(interval)
	}
}
