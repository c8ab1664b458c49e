// Package remap corrects source-file-to-library attribution in the backend
// after a scan.
//
// The backend's scanner attributes source files by content matching, which
// mixes up libraries that share files (zlib inside boost, bundled headers,
// vendored code). This engine re-attributes files to the library the local
// conan cache says they came from, in three phases:
//
//	phase 1: path containment + download-link equality; files whose link
//	           already equals the owning dependency's URL are accurate,
//	           files with a known identity handle are queued for
//	           reassignment, the rest fall through
//	phase 2: drop files whose path matched 2+ dependencies: confident
//	           reattribution needs an unambiguous path match
//	phase 3: per remaining dependency, keyword-search the global catalog
//	           by URL equality, then fall back to a name+version substring
//	           match over the project inventory
//
// Every backend mutation goes through ReassignSourceFiles; the in-memory
// inventory copies are never written back. Per-call failures are logged and
// swallowed; partial remapping is acceptable.
package remap

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ramibo/ws-conan-scanner/internal/backend"
	"github.com/ramibo/ws-conan-scanner/internal/conan"
)

// unmatchedArtifact marks the backend's bucket for files it could not
// attribute at all; those rows carry no due-diligence link.
const unmatchedArtifact = "Unmatched Source Files"

// sourceLibraryInventoryType and sourceLibrarySearchType are the library
// type markers the two backend surfaces use for source libraries.
const (
	sourceLibraryInventoryType = "SOURCE_LIBRARY"
	sourceLibrarySearchType    = "Source Library"
)

// Engine reattributes a project's source files against the dependency
// records assembled by the pipeline.
type Engine struct {
	Backend backend.Client
	Logger  *log.Logger
	OrgName string
	Comment string // audit comment attached to every reassignment call
}

// queue accumulates sha1 hashes per target identity handle, preserving
// first-seen order so reassignment calls are deterministic.
type queue struct {
	order []string
	sha1s map[string][]string
}

func newQueue() *queue {
	return &queue{sha1s: map[string][]string{}}
}

func (q *queue) add(key, sha1 string) {
	if _, ok := q.sha1s[key]; !ok {
		q.order = append(q.order, key)
	}
	q.sha1s[key] = append(q.sha1s[key], sha1)
}

// Run executes the full reattribution flow for the project identified by
// projectToken. Returns an error only when the backend inventory itself
// cannot be fetched; everything after that is best effort.
func (e *Engine) Run(ctx context.Context, deps []*conan.Dependency, projectToken string) error {
	e.Logger.Info("validating source-file matching accuracy against the local conan cache",
		"organization", e.OrgName)

	dueDiligence, err := e.Backend.DueDiligence(ctx, projectToken)
	if err != nil {
		return fmt.Errorf("due-diligence report: %w", err)
	}
	ddByLibrary := dueDiligenceByLibrary(dueDiligence)

	sourceFiles, err := e.Backend.SourceFileInventory(ctx, projectToken)
	if err != nil {
		return fmt.Errorf("source-file inventory: %w", err)
	}
	annotate(sourceFiles, ddByLibrary)

	inventory, err := e.Backend.Inventory(ctx, projectToken)
	if err != nil {
		return fmt.Errorf("project inventory: %w", err)
	}
	invByDownloadLink := inventoryByDownloadLink(inventory, ddByLibrary)

	// Phase 1: split the inventory into accurate matches, identity-handle
	// reassignments, and leftovers for the later phases.
	leftovers, identityQueue := e.phase1(deps, sourceFiles, invByDownloadLink)

	if len(identityQueue.order) > 0 {
		e.executeReassignments(ctx, identityQueue, projectToken)
	}

	if len(leftovers) == 0 {
		return nil
	}

	// Phase 2: discard ambiguous files.
	narrowed := narrow(leftovers)

	// Phase 3: fallback search per dependency.
	e.phase3(ctx, deps, narrowed, projectToken)
	return nil
}

// dueDiligenceByLibrary keys the due-diligence report by library name,
// stripping the trailing '*' marker multi-license rows carry.
func dueDiligenceByLibrary(entries []backend.DueDiligenceEntry) map[string]backend.DueDiligenceEntry {
	byName := map[string]backend.DueDiligenceEntry{}
	for _, entry := range entries {
		entry.Library = strings.TrimSuffix(entry.Library, "*")
		byName[entry.Library] = entry
	}
	return byName
}

// annotate synthesizes each file's "name-version" key and joins in its
// due-diligence download link. Files in the unmatched bucket get no link.
func annotate(files []*backend.SourceFile, dd map[string]backend.DueDiligenceEntry) {
	for _, sf := range files {
		sf.FullName = sf.Library.ArtifactID + "-" + sf.Library.Version
		if strings.Contains(sf.Library.ArtifactID, unmatchedArtifact) {
			continue
		}
		sf.DownloadLink = dd[sf.FullName].DownloadLink
	}
}

// inventoryByDownloadLink joins the due-diligence link onto every inventory
// item and keys the result by that link.
func inventoryByDownloadLink(items []backend.InventoryItem, dd map[string]backend.DueDiligenceEntry) map[string]backend.InventoryItem {
	byLink := map[string]backend.InventoryItem{}
	for _, item := range items {
		item.DownloadLink = dd[item.Filename].DownloadLink
		byLink[item.DownloadLink] = item
	}
	return byLink
}

// pathMatches reports whether the scanned file's path falls inside the
// dependency's package folder or cache source folder.
func pathMatches(dep *conan.Dependency, path string) bool {
	if strings.Contains(path, dep.FolderName()) {
		return true
	}
	return dep.SourceFolder != "" && strings.Contains(path, dep.SourceFolder)
}

// phase1 walks every (dependency, file) pair joined by path containment.
// A file whose annotated download link equals the dependency's resolved
// URL is already correctly attributed; a file owned by a dependency with a
// canonical identity handle is queued under that handle; the rest are
// leftovers for phases 2 and 3.
func (e *Engine) phase1(deps []*conan.Dependency, files []*backend.SourceFile, invByLink map[string]backend.InventoryItem) ([]*backend.SourceFile, *queue) {
	identityQueue := newQueue()
	var leftovers []*backend.SourceFile
	queued := map[*backend.SourceFile]bool{}

	remappable := 0
	for _, dep := range deps {
		matched, ok := invByLink[dep.DownloadURL]
		for _, sf := range files {
			if !pathMatches(dep, sf.Path) {
				continue
			}
			switch {
			case ok && sf.DownloadLink != "" && sf.DownloadLink == dep.DownloadURL:
				sf.AccurateMatch = true
				dep.MatchCounter++
			case dep.KeyUUID != "":
				sf.NeedRemap = true
				identityQueue.add(dep.KeyUUID, sf.SHA1)
				remappable++
			default:
				sf.PathMatches++
				if !queued[sf] {
					queued[sf] = true
					leftovers = append(leftovers, sf)
				}
				remappable++
			}
		}

		if dep.MatchCounter > 0 {
			e.Logger.Info("source files already mapped to the correct library",
				"package", dep.FolderName(), "count", dep.MatchCounter, "library", matched.Filename)
		} else {
			e.Logger.Info("no source files mapped to the correct library",
				"package", dep.FolderName())
		}
	}
	e.Logger.Info("source files eligible for remapping", "count", remappable)
	return leftovers, identityQueue
}

// executeReassignments issues one backend call per target identity, each
// carrying all the queued hashes for that identity. Backend errors are
// logged and swallowed.
func (e *Engine) executeReassignments(ctx context.Context, q *queue, projectToken string) {
	moved := 0
	for _, keyUUID := range q.order {
		sha1s := q.sha1s[keyUUID]
		if err := e.Backend.ReassignSourceFiles(ctx, keyUUID, sha1s, e.Comment); err != nil {
			e.Logger.Warn("reassignment call failed", "identity", keyUUID, "files", len(sha1s), "err", err)
			continue
		}
		moved += len(sha1s)
		e.Logger.Info("source files moved", "count", len(sha1s), "library", e.libraryFilename(ctx, projectToken, keyUUID))
	}
	e.Logger.Info("total source files remapped", "count", moved)
}

// libraryFilename resolves an identity handle to its inventory filename for
// logging. Best effort only.
func (e *Engine) libraryFilename(ctx context.Context, projectToken, keyUUID string) string {
	inventory, err := e.Backend.Inventory(ctx, projectToken)
	if err != nil {
		return keyUUID
	}
	for _, item := range inventory {
		if item.KeyUUID == keyUUID {
			return item.Filename
		}
	}
	return keyUUID
}

// narrow keeps the files that are neither accurate nor queued and whose
// path matched fewer than 2 dependencies. Files matching 2+ package paths
// are ambiguous; re-running narrow on its own output removes nothing.
func narrow(files []*backend.SourceFile) []*backend.SourceFile {
	var kept []*backend.SourceFile
	for _, sf := range files {
		if sf.AccurateMatch || sf.NeedRemap {
			continue
		}
		if sf.PathMatches < 2 {
			kept = append(kept, sf)
		}
	}
	return kept
}

// phase3 regroups the narrowed files by dependency and, for each dependency
// that still has no identity handle, tries a global keyword search by URL
// equality and then a name+version substring match over the project
// inventory. Unmatched files are logged and left as they are.
func (e *Engine) phase3(ctx context.Context, deps []*conan.Dependency, files []*backend.SourceFile, projectToken string) {
	groups := newQueue()
	byDep := map[string]*conan.Dependency{}
	for _, dep := range deps {
		byDep[dep.FolderName()] = dep
		for _, sf := range files {
			if pathMatches(dep, sf.Path) {
				groups.add(dep.FolderName(), sf.SHA1)
			}
		}
	}
	if len(groups.order) == 0 {
		return
	}

	bySHA1 := map[string]*backend.SourceFile{}
	for _, sf := range files {
		bySHA1[sf.SHA1] = sf
	}

	inventory, err := e.Backend.Inventory(ctx, projectToken)
	if err != nil {
		e.Logger.Warn("cannot fetch inventory for fallback matching", "err", err)
		inventory = nil
	}

	matchedCount := 0
	for _, folder := range groups.order {
		dep := byDep[folder]
		sha1s := groups.sha1s[folder]

		matched := false
		switch {
		case dep.KeyUUID != "":
			// The identity handle arrived after phase 1 queued these files.
			matched = e.reassign(ctx, dep.KeyUUID, sha1s, folder, "")
		case e.matchBySearch(ctx, dep, sha1s, folder):
			matched = true
		case e.matchByName(ctx, dep, sha1s, folder, inventory, bySHA1):
			matched = true
		}

		if matched {
			matchedCount++
			e.Logger.Info("fallback matching progress", "matched", matchedCount, "total", len(groups.order))
		} else {
			e.Logger.Info("no match found for remaining source files", "package", folder, "files", len(sha1s))
		}
	}
}

// matchBySearch looks the dependency up in the global catalog by keyword
// and matches on exact canonical-download-URL equality.
func (e *Engine) matchBySearch(ctx context.Context, dep *conan.Dependency, sha1s []string, folder string) bool {
	if dep.DownloadURL == "" {
		return false
	}
	e.Logger.Info("trying global search for remaining source files", "package", folder)
	hits, err := e.Backend.SearchLibraries(ctx, dep.Name)
	if err != nil {
		e.Logger.Warn("library search failed", "package", folder, "err", err)
		return false
	}
	for _, hit := range hits {
		if hit.Type != sourceLibrarySearchType {
			continue
		}
		if hit.URL == dep.DownloadURL {
			e.Logger.Info("match found by global search", "package", folder, "library", hit.Filename)
			return e.reassign(ctx, hit.KeyUUID, sha1s, folder, hit.Filename)
		}
	}
	return false
}

// matchByName scans the project inventory for a source library whose
// filename contains both the dependency's name and version. Hashes already
// attributed to that exact filename are skipped; when every hash turns out
// to be already attributed the dependency still counts as matched.
func (e *Engine) matchByName(ctx context.Context, dep *conan.Dependency, sha1s []string, folder string, inventory []backend.InventoryItem, bySHA1 map[string]*backend.SourceFile) bool {
	e.Logger.Info("trying name match for remaining source files", "package", folder)
	name := strings.ToLower(dep.Name)
	version := strings.ToLower(dep.Version)

	for _, item := range inventory {
		filename := strings.ToLower(item.Filename)
		if item.Type != sourceLibraryInventoryType || !strings.Contains(filename, name) || !strings.Contains(filename, version) {
			continue
		}
		e.Logger.Info("match found by name", "package", folder, "library", item.Filename)

		var pending []string
		for _, sha1 := range sha1s {
			if sf := bySHA1[sha1]; sf != nil && sf.FullName == item.Filename {
				e.Logger.Debug("source file already mapped", "sha1", sha1, "library", item.Filename)
				continue
			}
			pending = append(pending, sha1)
		}
		if len(pending) == 0 {
			// Everything already points at the right library.
			return true
		}
		return e.reassign(ctx, item.KeyUUID, pending, folder, item.Filename)
	}
	return false
}

// reassign issues one reassignment call. Failures are logged and reported
// as a non-match so the caller's accounting stays honest.
func (e *Engine) reassign(ctx context.Context, keyUUID string, sha1s []string, folder, filename string) bool {
	if err := e.Backend.ReassignSourceFiles(ctx, keyUUID, sha1s, e.Comment); err != nil {
		e.Logger.Warn("reassignment call failed", "package", folder, "identity", keyUUID, "err", err)
		return false
	}
	if filename == "" {
		filename = keyUUID
	}
	e.Logger.Info("source files reassigned", "package", folder, "count", len(sha1s), "library", filename)
	return true
}
