package conan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Dependency is one resolved package reference from `conan info`, enriched
// stage by stage as it moves through the pipeline:
//
//   - created by MapDependencies (reference, cache paths, revision)
//   - RecoveredDir / ConanDataPath set by the source-recovery engine
//   - DownloadURL / KeyUUID set by the index reconciler
//   - MatchCounter incremented by the reattribution engine
type Dependency struct {
	Reference    string // "name/version[@user/channel]"
	Name         string
	Version      string
	ExportFolder string // conan cache export folder (holds the recipe + conandata.yml)
	SourceFolder string // conan cache source folder (may not exist on disk)
	Revision     string
	BuildRequire bool // listed only because --dry-build included build requirements

	RecoveredDir  string // package-scoped temp dir sources were downloaded to, "" until recovered
	ConanDataPath string // resolved conandata.yml location, "" when the package has none
	DownloadURL   string // canonical (index) or raw upstream archive URL, "" when unknown
	KeyUUID       string // backend identity handle from the index sync, "" when none

	MatchCounter int // source files confirmed correctly attributed in phase 1
}

// reRef matches conan package references like "boost/1.82.0" or
// "openssl/3.1.4@conan/stable#rev".
// Groups: 1=name, 2=version, 3=@user/channel (optional), 4=#revision (optional).
var reRef = regexp.MustCompile(`^([A-Za-z0-9_\-\.+]+)/([A-Za-z0-9_\-\.+]+)(@[^\s#]*)?(?:#([A-Za-z0-9\-_]+))?$`)

// FolderName returns the reference with '/' replaced by '-', the naming
// convention used for package-scoped temp directories (and therefore the
// token looked for in scanned source-file paths).
func (d *Dependency) FolderName() string {
	return strings.ReplaceAll(d.Reference, "/", "-")
}

// InstallRef returns the reference in the form `conan install` accepts:
// a reference without user/channel gets a trailing "@".
func (d *Dependency) InstallRef() string {
	if strings.Contains(d.Reference, "@") {
		return d.Reference
	}
	return d.Reference + "@"
}

// SourceFolderExists reports whether the cache source folder is on disk.
// A dependency with sources already in the cache is never re-downloaded.
func (d *Dependency) SourceFolderExists() bool {
	if d.SourceFolder == "" {
		return false
	}
	info, err := os.Stat(d.SourceFolder)
	return err == nil && info.IsDir()
}

// infoItem is one entry of the JSON written by `conan info --json`.
type infoItem struct {
	Reference    string  `json:"reference"`
	ExportFolder string  `json:"export_folder"`
	SourceFolder string  `json:"source_folder"`
	Revision     *string `json:"revision"`
	BuildRequire bool    `json:"build_requires_only,omitempty"`
}

// MapDependencies lists the full dependency set of installRef with
//
//	conan info <ref> --paths [--dry-build] --json <tempDir>/deps.json
//
// and returns one Dependency per entry carrying a revision tag. Entries
// without a revision (the project root and placeholder nodes) are dropped.
// A failing info command is a fatal precondition: nothing downstream can
// run without the dependency list.
func (t *Tool) MapDependencies(ctx context.Context, installRef, tempDir string, includeBuildRequires bool) ([]*Dependency, error) {
	depsJSON := filepath.Join(tempDir, "deps.json")
	t.Logger.Info("mapping project dependencies", "output", depsJSON)

	args := []string{"info", installRef, "--paths"}
	if includeBuildRequires {
		args = append(args, "--dry-build")
	}
	args = append(args, "--json", depsJSON)

	if out, err := t.exec(ctx, args...); err != nil {
		t.Logger.Error(strings.TrimSpace(out))
		return nil, fmt.Errorf("conan dependency listing failed: %w", err)
	}

	data, err := os.ReadFile(depsJSON)
	if err != nil {
		return nil, fmt.Errorf("cannot read dependency listing %s: %w", depsJSON, err)
	}
	return parseDependencies(data)
}

// parseDependencies decodes `conan info --json` output, keeping only items
// with a revision tag. The reference string is unique across the result.
func parseDependencies(data []byte) ([]*Dependency, error) {
	var items []infoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("cannot parse dependency listing: %w", err)
	}

	seen := map[string]bool{}
	var deps []*Dependency
	for _, item := range items {
		if item.Revision == nil || seen[item.Reference] {
			continue
		}
		seen[item.Reference] = true

		name, version := splitReference(item.Reference)
		deps = append(deps, &Dependency{
			Reference:    item.Reference,
			Name:         name,
			Version:      version,
			ExportFolder: item.ExportFolder,
			SourceFolder: item.SourceFolder,
			Revision:     *item.Revision,
			BuildRequire: item.BuildRequire,
		})
	}
	return deps, nil
}

// splitReference splits "name/version[@user/channel][#rev]" into name and
// the full version part (everything after the first '/', matching the
// package naming convention used in scan paths).
func splitReference(ref string) (name, version string) {
	if m := reRef.FindStringSubmatch(strings.TrimSpace(ref)); m != nil {
		return m[1], m[2]
	}
	name, version, _ = strings.Cut(ref, "/")
	return name, version
}
