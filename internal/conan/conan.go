// Package conan wraps the Conan package-manager CLI.
//
// Conan is invoked as a black box: dependency listing (`conan info`),
// package install (`conan install`) and source extraction (`conan source`)
// are all shell commands whose stdout/JSON output is parsed here. Nothing
// in this package computes a dependency graph itself; that is Conan's job.
package conan

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
)

// Runner executes an external command and returns its combined output.
// It exists so tests can substitute canned command transcripts for the
// real conan binary.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. Combined output is returned even
// on failure so callers can log the tool's own diagnostics.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Tool drives the conan binary.
type Tool struct {
	Bin    string // conan executable, normally just "conan"
	Logger *log.Logger

	run Runner
}

// New creates a Tool that invokes the conan binary on PATH.
func New(logger *log.Logger) *Tool {
	return &Tool{Bin: "conan", Logger: logger, run: ExecRunner}
}

// NewWithRunner creates a Tool with a custom command runner (tests).
func NewWithRunner(logger *log.Logger, run Runner) *Tool {
	return &Tool{Bin: "conan", Logger: logger, run: run}
}

// exec runs a conan subcommand, logging the command line and its output.
func (t *Tool) exec(ctx context.Context, args ...string) (string, error) {
	t.Logger.Debug("running conan", "args", strings.Join(args, " "))
	out, err := t.run(ctx, t.Bin, args...)
	if len(out) > 0 {
		t.Logger.Debug(strings.TrimSpace(string(out)))
	}
	return string(out), err
}

// CheckInstalled validates that conan is installed and answering.
// A broken or absent conan is a fatal precondition for the whole run.
func (t *Tool) CheckInstalled(ctx context.Context) error {
	out, err := t.exec(ctx, "--version")
	if err != nil {
		return fmt.Errorf("conan is not installed or not on PATH: %w", err)
	}
	if !strings.Contains(out, "Conan version") {
		return fmt.Errorf("unexpected `conan --version` output %q, check the conan installation", strings.TrimSpace(out))
	}
	t.Logger.Info("conan identified", "version", strings.TrimSpace(out))
	return nil
}

// InstallExport runs `conan install` for a single package export folder,
// scoped to installFolder. ref must carry a user/channel part ("pkg/1.0@").
func (t *Tool) InstallExport(ctx context.Context, installFolder, exportFolder, ref, profileName string) error {
	_, err := t.exec(ctx, "install",
		"--install-folder", installFolder,
		exportFolder, ref,
		"--profile:build", profileName)
	return err
}

// SourceExport runs `conan source` for a package export folder, extracting
// the recipe's sources (and its conandata.yml) into sourceFolder.
func (t *Tool) SourceExport(ctx context.Context, sourceFolder, installFolder, exportFolder string) error {
	_, err := t.exec(ctx, "source",
		"--source-folder", sourceFolder,
		"--install-folder", installFolder,
		exportFolder)
	return err
}

// InstallBuildAll runs the optional pre-step `conan install <ref> --build`,
// populating the conan cache before source recovery is attempted.
func (t *Tool) InstallBuildAll(ctx context.Context, installRef, installFolder, profileName string) error {
	_, err := t.exec(ctx, "install", installRef,
		"--install-folder", installFolder,
		"--build",
		"--profile:build", profileName)
	return err
}

// SourceProject runs `conan source` against the project's own conanfile.py,
// extracting the main package's sources into sourceFolder.
func (t *Tool) SourceProject(ctx context.Context, projectPath, sourceFolder string) error {
	_, err := t.exec(ctx, "source", projectPath, "--source-folder", sourceFolder)
	return err
}

// RunAdditionalCommands executes user-supplied shell commands verbatim.
// Failures are logged and do not stop the run.
func RunAdditionalCommands(ctx context.Context, logger *log.Logger, run Runner, commands []string) {
	for _, command := range commands {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}
		logger.Info("running additional command", "command", command)
		out, err := run(ctx, "sh", "-c", command)
		if len(out) > 0 {
			logger.Debug(strings.TrimSpace(string(out)))
		}
		if err != nil {
			logger.Error("additional command failed", "command", command, "err", err)
		}
	}
}
