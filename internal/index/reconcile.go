package index

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/ramibo/ws-conan-scanner/internal/backend"
	"github.com/ramibo/ws-conan-scanner/internal/conan"
	"github.com/ramibo/ws-conan-scanner/internal/conandata"
)

// Reconciler records each dependency's resolved download URL and, on an
// index hit, synchronizes the canonical library identity with the backend.
type Reconciler struct {
	Backend backend.Client
	Index   map[string]Entry
	Profile conan.Profile
	Logger  *log.Logger
}

// Reconcile resolves every dependency's upstream URL from its manifest and
// matches it against the canonical index.
//
// Index hit: the canonical download URL is recorded and the canonical
// identity is synced with the backend, capturing the identity handle. A
// benign conflict (identity already registered) is logged and skipped.
// Index miss: the raw upstream URL is recorded as-is: it may still match
// the backend's own catalog by URL equality during reattribution.
// No manifest: the URL stays empty, deliberately preventing any URL-based
// match downstream (system pseudo-packages have no sources to attribute).
func (r *Reconciler) Reconcile(ctx context.Context, deps []*conan.Dependency) {
	for _, dep := range deps {
		dep.MatchCounter = 0

		if dep.ConanDataPath == "" {
			dep.DownloadURL = ""
			r.Logger.Debug("no conandata.yml, skipping index lookup", "reference", dep.Reference)
			continue
		}

		url := r.resolveURL(dep)
		if url == "" {
			dep.DownloadURL = ""
			continue
		}

		entry, ok := r.Index[url]
		if !ok {
			dep.DownloadURL = url
			continue
		}

		dep.DownloadURL = entry.DownloadURL
		result, err := r.Backend.SyncSourceLibrary(ctx, backend.LibraryIdentity{
			Owner:        entry.Owner,
			Name:         entry.Name,
			Version:      entry.Version,
			Host:         entry.RepoURL,
			DownloadLink: entry.DownloadURL,
		})
		if err != nil {
			// Identity sync is best effort; the backend may know the
			// library through another route.
			r.Logger.Warn("canonical identity sync failed", "reference", dep.Reference, "err", err)
			continue
		}
		if result.AlreadyExists {
			r.Logger.Debug("canonical identity already registered", "reference", dep.Reference)
		}
		dep.KeyUUID = result.KeyUUID
	}
}

// resolveURL extracts the platform-resolved upstream URL from the
// dependency's manifest. Missing or unreadable manifests are per-package
// failures, logged and skipped.
func (r *Reconciler) resolveURL(dep *conan.Dependency) string {
	m, err := conandata.Load(dep.ConanDataPath)
	if err != nil {
		r.Logger.Warn("cannot read conandata.yml", "reference", dep.Reference, "path", dep.ConanDataPath, "err", err)
		return ""
	}
	url, ok := m.ResolveURL(r.Profile)
	if !ok {
		r.Logger.Debug("no resolvable source URL", "reference", dep.Reference, "path", dep.ConanDataPath)
		return ""
	}
	return url
}
