// Package recovery locates or retrieves the source files of dependencies
// whose conan cache source folder is missing.
//
// Recovery is an ordered fallback chain. Each strategy is a function from
// (dependency, per-package context) to an outcome; a small driver evaluates
// the chain in order and stops at the first strategy that recovers the
// package. Failure to recover one package never aborts the batch.
package recovery

import (
	"context"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/ramibo/ws-conan-scanner/internal/conan"
)

// conanDataFile is the manifest file name inside an export or working folder.
const conanDataFile = "conandata.yml"

// Engine recovers missing package sources into per-package working
// directories under WorkDir.
type Engine struct {
	Conan       *conan.Tool
	Profile     conan.Profile
	ProfileName string
	WorkDir     string // <tempDir>/temp_deps
	Logger      *log.Logger

	download downloadFunc
}

// New creates an Engine downloading archives over HTTP.
func New(tool *conan.Tool, profile conan.Profile, profileName, workDir string, logger *log.Logger) *Engine {
	e := &Engine{
		Conan:       tool,
		Profile:     profile,
		ProfileName: profileName,
		WorkDir:     workDir,
		Logger:      logger,
	}
	e.download = e.downloadArchive
	return e
}

// MissingSources partitions deps into those whose cache source folder is
// absent from disk. Dependencies with sources already cached are never
// passed to the recovery chain.
func (e *Engine) MissingSources(deps []*conan.Dependency) []*conan.Dependency {
	var missing []*conan.Dependency
	for _, dep := range deps {
		if dep.SourceFolderExists() {
			e.Logger.Info("source folder exists", "reference", dep.Reference, "path", dep.SourceFolder)
			continue
		}
		e.Logger.Info("source folder missing", "reference", dep.Reference, "path", dep.SourceFolder)
		missing = append(missing, dep)
	}
	return missing
}

// CachedSourceDirs returns the cache source folders of the dependencies not
// in missing, resolving their manifest path to the export folder's
// conandata.yml on the way.
func (e *Engine) CachedSourceDirs(deps, missing []*conan.Dependency) []string {
	missingSet := map[string]bool{}
	for _, dep := range missing {
		missingSet[dep.Reference] = true
	}

	var dirs []string
	for _, dep := range deps {
		if missingSet[dep.Reference] {
			continue
		}
		dep.ConanDataPath = filepath.Join(dep.ExportFolder, conanDataFile)
		dirs = append(dirs, dep.SourceFolder)
	}
	return dirs
}

// outcome is a single strategy's verdict for one package.
type outcome int

const (
	// outcomeNext: strategy not applicable or failed, try the next one.
	outcomeNext outcome = iota
	// outcomeRecovered: sources are in place, stop the chain.
	outcomeRecovered
)

// strategy is one step of the fallback chain.
type strategy struct {
	name string
	run  func(ctx context.Context, dep *conan.Dependency, pc *packageContext) outcome
}

// packageContext carries the per-package state the strategies share.
type packageContext struct {
	dir            string // package-scoped working directory
	exportManifest string // <exportFolder>/conandata.yml
	workManifest   string // <dir>/conandata.yml
	installFailed  bool   // the install/source step ran and failed
}

// Recover attempts the fallback chain for every missing dependency and
// returns the working directories of the packages that were recovered.
// Per-package failures are logged and skipped.
func (e *Engine) Recover(ctx context.Context, missing []*conan.Dependency) []string {
	if len(missing) == 0 {
		return nil
	}
	refs := make([]string, 0, len(missing))
	for _, dep := range missing {
		refs = append(refs, dep.Reference)
	}
	e.Logger.Info("packages missing sources in the conan cache, extracting", "target", e.WorkDir, "packages", refs)

	chain := []strategy{
		{name: "conan-install", run: e.conanInstallStrategy},
		{name: "workdir-manifest", run: e.workdirManifestStrategy},
		{name: "export-manifest", run: e.exportManifestStrategy},
		{name: "regenerate-manifest", run: e.regenerateManifestStrategy},
	}

	var recovered []string
	for _, dep := range missing {
		dir := filepath.Join(e.WorkDir, dep.FolderName())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			e.Logger.Error("cannot create package working directory", "reference", dep.Reference, "err", err)
			continue
		}

		pc := &packageContext{
			dir:            dir,
			exportManifest: filepath.Join(dep.ExportFolder, conanDataFile),
			workManifest:   filepath.Join(dir, conanDataFile),
		}

		done := false
		for _, s := range chain {
			if s.run(ctx, dep, pc) == outcomeRecovered {
				e.Logger.Debug("package recovered", "reference", dep.Reference, "strategy", s.name)
				dep.RecoveredDir = pc.dir
				recovered = append(recovered, pc.dir)
				done = true
				break
			}
		}
		if !done {
			e.Logger.Warn("source files were not found", "reference", dep.Reference)
		}
	}
	return recovered
}

// conanInstallStrategy runs conan install + conan source against the
// package's export folder. On success the recipe has extracted the sources
// into the working directory; the manifest is then located either there or
// in the export folder.
func (e *Engine) conanInstallStrategy(ctx context.Context, dep *conan.Dependency, pc *packageContext) outcome {
	if !fileExists(filepath.Join(dep.ExportFolder, "conanfile.py")) {
		return outcomeNext
	}

	if err := e.Conan.InstallExport(ctx, pc.dir, dep.ExportFolder, dep.InstallRef(), e.ProfileName); err != nil {
		e.Logger.Error("conan install failed", "reference", dep.Reference, "err", err)
		pc.installFailed = true
		return outcomeNext
	}
	if err := e.Conan.SourceExport(ctx, pc.dir, pc.dir, dep.ExportFolder); err != nil {
		e.Logger.Error("conan source failed", "reference", dep.Reference, "err", err)
		pc.installFailed = true
		return outcomeNext
	}

	switch {
	case fileExists(pc.workManifest):
		dep.ConanDataPath = pc.workManifest
	case fileExists(pc.exportManifest):
		dep.ConanDataPath = pc.exportManifest
	}
	return outcomeRecovered
}

// workdirManifestStrategy downloads the archive using a conandata.yml the
// failed install/source step left in the working directory.
func (e *Engine) workdirManifestStrategy(ctx context.Context, dep *conan.Dependency, pc *packageContext) outcome {
	if !pc.installFailed || !fileExists(pc.workManifest) {
		return outcomeNext
	}
	e.Logger.Info("trying source archive from working-directory manifest", "reference", dep.Reference, "manifest", pc.workManifest)
	if err := e.download(ctx, pc.workManifest, pc.dir, dep.Reference); err != nil {
		e.Logger.Error("archive download failed", "reference", dep.Reference, "err", err)
		return outcomeNext
	}
	dep.ConanDataPath = pc.workManifest
	return outcomeRecovered
}

// exportManifestStrategy downloads the archive using the conandata.yml
// shipped in the package's export folder.
func (e *Engine) exportManifestStrategy(ctx context.Context, dep *conan.Dependency, pc *packageContext) outcome {
	if !fileExists(pc.exportManifest) {
		return outcomeNext
	}
	e.Logger.Info("trying source archive from export-folder manifest", "reference", dep.Reference, "manifest", pc.exportManifest)
	if err := e.download(ctx, pc.exportManifest, pc.dir, dep.Reference); err != nil {
		e.Logger.Error("archive download failed", "reference", dep.Reference, "err", err)
		return outcomeNext
	}
	dep.ConanDataPath = pc.exportManifest
	return outcomeRecovered
}

// regenerateManifestStrategy force-runs conan source to make the recipe
// write a fresh conandata.yml into the working directory, then downloads.
// Applies only to packages that have a recipe but no manifest anywhere.
func (e *Engine) regenerateManifestStrategy(ctx context.Context, dep *conan.Dependency, pc *packageContext) outcome {
	if !fileExists(filepath.Join(dep.ExportFolder, "conanfile.py")) {
		return outcomeNext
	}
	e.Logger.Info("conandata.yml missing from export folder, regenerating with conan source", "reference", dep.Reference)
	if err := e.Conan.SourceExport(ctx, pc.dir, pc.dir, dep.ExportFolder); err != nil {
		e.Logger.Error("conan source failed", "reference", dep.Reference, "err", err)
		return outcomeNext
	}
	if !fileExists(pc.workManifest) {
		return outcomeNext
	}
	if err := e.download(ctx, pc.workManifest, pc.dir, dep.Reference); err != nil {
		e.Logger.Error("archive download failed", "reference", dep.Reference, "err", err)
		return outcomeNext
	}
	dep.ConanDataPath = pc.workManifest
	return outcomeRecovered
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// downloadFunc downloads a package's source archive given its manifest.
type downloadFunc func(ctx context.Context, manifestPath, destDir, reference string) error
