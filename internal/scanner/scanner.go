// Package scanner orchestrates the scan pipeline end to end: profile
// resolution, dependency mapping, source recovery, index reconciliation,
// scan dispatch and source-file reattribution. Data flows linearly; each
// stage enriches the shared dependency-record collection threaded through
// by reference.
package scanner

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ramibo/ws-conan-scanner/internal/agent"
	"github.com/ramibo/ws-conan-scanner/internal/backend"
	"github.com/ramibo/ws-conan-scanner/internal/conan"
	"github.com/ramibo/ws-conan-scanner/internal/config"
	"github.com/ramibo/ws-conan-scanner/internal/index"
	"github.com/ramibo/ws-conan-scanner/internal/recovery"
	"github.com/ramibo/ws-conan-scanner/internal/remap"
)

// Supported project manifest files, in detection order.
var manifestFiles = []string{"conanfile.txt", "conanfile.py"}

// Pipeline wires the stages together. All collaborators are injected so
// tests can run the full flow against fakes.
type Pipeline struct {
	Config  *config.Config
	Conan   *conan.Tool
	Backend backend.Client
	Agent   agent.Scanner
	Logger  *log.Logger

	// HTTP is used for the canonical index fetch only.
	HTTP *http.Client
}

// Result summarizes a completed run.
type Result struct {
	Dependencies []*conan.Dependency
	ScanDirs     []string
	OrgName      string
	Elapsed      time.Duration
}

// Run executes the whole pipeline. Errors returned here are fatal
// preconditions; everything else is logged and survived.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	cfg := p.Config

	p.removePreviousRunTempFolders()

	orgName, err := p.Backend.OrganizationName(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend connection check failed: %w", err)
	}
	p.Logger.Info("starting conan scan", "organization", orgName, "project", cfg.ProjectPath)

	if err := p.Conan.CheckInstalled(ctx); err != nil {
		return nil, err
	}

	profile, err := p.Conan.ResolveProfile(ctx, cfg.ProfileName)
	if err != nil {
		return nil, err
	}

	conan.RunAdditionalCommands(ctx, p.Logger, conan.ExecRunner, cfg.AdditionalCommands)

	isConanfilePy, err := p.validateProjectManifest()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create temp dir %s: %w", cfg.TempDir, err)
	}
	defer p.finishTempDir()

	deps, err := p.Conan.MapDependencies(ctx, cfg.InstallRef, cfg.TempDir, cfg.IncludeBuildRequires)
	if err != nil {
		return nil, err
	}
	p.Logger.Info("dependencies mapped", "count", len(deps))

	if cfg.RunPreStep {
		p.Logger.Info("running conan install pre-step")
		if err := p.Conan.InstallBuildAll(ctx, cfg.InstallRef, cfg.TempDir, cfg.ProfileName); err != nil {
			p.Logger.Error("conan install pre-step failed", "err", err)
		}
	}

	if cfg.ResolveMainPackage && cfg.MainPackage == "" && isConanfilePy {
		p.Logger.Info("extracting main package sources via conan source")
		if err := p.Conan.SourceProject(ctx, cfg.ProjectPath, cfg.TempDir); err != nil {
			p.Logger.Error("main package source extraction failed", "err", err)
		}
	}

	scanDirs := []string{cfg.ProjectPath}

	// Source recovery: packages whose cache source folder is absent get
	// the fallback chain; the rest contribute their cache folders.
	engine := recovery.New(p.Conan, profile, cfg.ProfileName, filepath.Join(cfg.TempDir, "temp_deps"), p.Logger)
	missing := engine.MissingSources(deps)
	if len(missing) > 0 {
		scanDirs = append(scanDirs, engine.Recover(ctx, missing)...)
	}
	scanDirs = append(scanDirs, engine.CachedSourceDirs(deps, missing)...)

	// Index reconciliation.
	canonical, err := index.Fetch(ctx, p.HTTP, cfg.IndexURL)
	if err != nil {
		// A missing index only disables canonical matching; raw URLs still flow.
		p.Logger.Warn("canonical index unavailable", "err", err)
		canonical = map[string]index.Entry{}
	}
	reconciler := &index.Reconciler{
		Backend: p.Backend,
		Index:   canonical,
		Profile: profile,
		Logger:  p.Logger,
	}
	reconciler.Reconcile(ctx, deps)

	// Scan dispatch.
	dispatcher := &agent.Dispatcher{
		Agent:       p.Agent,
		Status:      p.Backend,
		Logger:      p.Logger,
		PollTimeout: cfg.ScanPollTimeout,
	}
	req := agent.Request{
		ProductName:  cfg.ProductName,
		ProductToken: cfg.ProductToken,
		ProjectName:  cfg.ProjectName,
		ProjectToken: cfg.ProjectToken,
	}
	if err := dispatcher.Dispatch(ctx, scanDirs, userExcludes(), req); err != nil {
		return nil, err
	}

	// Reattribution.
	if cfg.ChangeOriginLibrary {
		if err := p.reattribute(ctx, deps, orgName); err != nil {
			p.Logger.Error("source-file reattribution incomplete", "err", err)
		}
	}

	return &Result{
		Dependencies: deps,
		ScanDirs:     scanDirs,
		OrgName:      orgName,
		Elapsed:      time.Since(start),
	}, nil
}

// validateProjectManifest checks that a supported conanfile exists in the
// project path. Fatal when absent; reports whether it is a conanfile.py
// (which enables main-package source extraction).
func (p *Pipeline) validateProjectManifest() (isConanfilePy bool, err error) {
	p.Logger.Info("checking for conanfile")
	found := false
	for _, name := range manifestFiles {
		if _, statErr := os.Stat(filepath.Join(p.Config.ProjectPath, name)); statErr == nil {
			p.Logger.Info("manifest file found", "file", name)
			found = true
			isConanfilePy = name == "conanfile.py"
		}
	}
	if !found {
		return false, fmt.Errorf("no supported conanfile found in %s", p.Config.ProjectPath)
	}
	return isConanfilePy, nil
}

// reattribute resolves the project token and runs the reattribution engine.
func (p *Pipeline) reattribute(ctx context.Context, deps []*conan.Dependency, orgName string) error {
	projectToken, err := p.resolveProjectToken(ctx)
	if err != nil {
		return err
	}
	engine := &remap.Engine{
		Backend: p.Backend,
		Logger:  p.Logger,
		OrgName: orgName,
		Comment: p.Config.AuditComment(),
	}
	return engine.Run(ctx, deps, projectToken)
}

// resolveProjectToken derives the project token from the configuration:
// explicit tokens win, otherwise names are resolved through the backend.
func (p *Pipeline) resolveProjectToken(ctx context.Context) (string, error) {
	cfg := p.Config
	if cfg.ProjectToken != "" {
		return cfg.ProjectToken, nil
	}

	productToken := cfg.ProductToken
	if productToken == "" {
		token, err := p.Backend.ProductToken(ctx, cfg.ProductName)
		if err != nil {
			return "", fmt.Errorf("cannot resolve product token: %w", err)
		}
		productToken = token
	}

	token, err := p.Backend.ProjectToken(ctx, cfg.ProjectName, productToken)
	if err != nil {
		return "", fmt.Errorf("cannot resolve project token: %w", err)
	}
	return token, nil
}

// userExcludes reads extra exclusion globs from the environment, matching
// the scanning agent's own convention.
func userExcludes() []string {
	if v := os.Getenv("SCAN_EXCLUDES"); v != "" {
		return filepath.SplitList(v)
	}
	return nil
}

// removePreviousRunTempFolders deletes working directories left behind by
// earlier runs. Failures are logged, never fatal.
func (p *Pipeline) removePreviousRunTempFolders() {
	patterns := []string{
		filepath.Join(p.Config.ConanInstallFolder, config.TempFolderPrefix+"*"),
		filepath.Join(p.Config.UnifiedAgentPath, "ws-ua_*"),
	}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				p.Logger.Error("cannot remove previous run folder", "path", m, "err", err)
				continue
			}
			p.Logger.Info("removed previous run folder", "path", m)
		}
	}
}

// finishTempDir deletes the run's temp directory, or renames it into the
// project when the caller asked to keep it. Failures are logged.
func (p *Pipeline) finishTempDir() {
	cfg := p.Config
	if !cfg.KeepInstallFolder {
		if err := os.RemoveAll(cfg.TempDir); err != nil {
			p.Logger.Error("cannot remove temp dir", "path", cfg.TempDir, "err", err)
			return
		}
		p.Logger.Info("removed temp dir", "path", cfg.TempDir)
		return
	}
	kept := filepath.Join(cfg.ProjectPath, "conan_scanned_"+cfg.DateTimeNow)
	if err := os.Rename(cfg.TempDir, kept); err != nil {
		p.Logger.Error("cannot rename temp dir", "from", cfg.TempDir, "to", kept, "err", err)
		return
	}
	p.Logger.Info("kept scan working directory", "path", kept)
}
