// Package backend talks to the analysis service: the system of record for
// scanned inventories, due-diligence data and library identities.
//
// The service is an external collaborator. The Client interface covers only
// the operations the pipeline consumes; the HTTP implementation lives in
// http.go and tests substitute fakes.
package backend

import "context"

// LibraryIdentity describes a canonical source library to register or look
// up: the descriptor sent on an identity sync.
type LibraryIdentity struct {
	Owner        string
	Name         string
	Version      string
	Host         string
	DownloadLink string
}

// SyncResult is the outcome of an identity sync. A benign conflict (the
// identity already exists server-side) is a value, not an error, so the
// caller's continue-on-conflict decision is visible in the type.
type SyncResult struct {
	KeyUUID       string // opaque identity handle, possibly empty on conflict
	AlreadyExists bool
}

// LibraryRef identifies the library a source file is currently attributed to.
type LibraryRef struct {
	ArtifactID string
	Version    string
	KeyUUID    string
	Filename   string
	Type       string
}

// SourceFile is one row of the project's scanned source-file inventory.
// The annotation fields (FullName, DownloadLink) and the transient match
// flags are populated in-memory during reattribution; the authoritative
// backend record only changes through ReassignSourceFiles.
type SourceFile struct {
	Path    string
	SHA1    string
	Library LibraryRef

	FullName     string // "<artifactId>-<version>", synthesized during reattribution
	DownloadLink string // joined in from the due-diligence report

	AccurateMatch bool // phase 1: download link matched the owning dependency
	NeedRemap     bool // phase 1: queued for reassignment by identity handle
	PathMatches   int  // dependencies whose path pattern contained this file
}

// DueDiligenceEntry is one library row of the project due-diligence report.
type DueDiligenceEntry struct {
	Library      string // library name, may carry a trailing '*' for multi-license rows
	DownloadLink string
}

// InventoryItem is one library of the full project inventory.
type InventoryItem struct {
	KeyUUID  string
	Filename string
	Type     string // "SOURCE_LIBRARY" for source libraries

	DownloadLink string // joined in from the due-diligence report
}

// SearchHit is one result of a keyword library search.
type SearchHit struct {
	KeyUUID  string
	Filename string
	URL      string // canonical download URL
	Type     string // "Source Library" for source libraries
}

// Client is the analysis-service surface the pipeline depends on.
type Client interface {
	// OrganizationName returns the organization the credentials belong to.
	// Also serves as the connection check at startup.
	OrganizationName(ctx context.Context) (string, error)

	// SyncSourceLibrary registers (or looks up) a canonical source library
	// and returns its identity handle. An already-existing identity is
	// reported via SyncResult.AlreadyExists, not as an error.
	SyncSourceLibrary(ctx context.Context, id LibraryIdentity) (SyncResult, error)

	// ProductToken resolves a product token from its name.
	ProductToken(ctx context.Context, productName string) (string, error)

	// ProjectToken resolves a project token from its name, scoped to a
	// product token.
	ProjectToken(ctx context.Context, projectName, productToken string) (string, error)

	// DueDiligence fetches the project due-diligence report.
	DueDiligence(ctx context.Context, projectToken string) ([]DueDiligenceEntry, error)

	// SourceFileInventory fetches the per-file attribution table.
	SourceFileInventory(ctx context.Context, projectToken string) ([]*SourceFile, error)

	// Inventory fetches the full project inventory including dependency info.
	Inventory(ctx context.Context, projectToken string) ([]InventoryItem, error)

	// SearchLibraries searches the global library catalog by keyword.
	SearchLibraries(ctx context.Context, keyword string) ([]SearchHit, error)

	// ReassignSourceFiles moves the source files identified by sha1 to the
	// library identified by keyUUID, with an audit comment.
	ReassignSourceFiles(ctx context.Context, keyUUID string, sha1s []string, comment string) error

	// ScanStatus returns the upload status for a scan tracking token
	// ("FINISHED", "UPDATED", "FAILED", "UNKNOWN", or an in-progress state).
	ScanStatus(ctx context.Context, trackingToken string) (string, error)
}
