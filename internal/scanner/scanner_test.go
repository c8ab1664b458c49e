package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ramibo/ws-conan-scanner/internal/agent"
	"github.com/ramibo/ws-conan-scanner/internal/backend"
	"github.com/ramibo/ws-conan-scanner/internal/conan"
	"github.com/ramibo/ws-conan-scanner/internal/config"
)

const (
	upstreamURL  = "https://example.com/libfoo-1.2.0.tar.gz"
	canonicalURL = "https://github.com/foo-org/libfoo/archive/1.2.0.tar.gz"
)

// fakeBackend covers the full Client surface the pipeline touches.
type fakeBackend struct {
	orgErr error

	syncs     []backend.LibraryIdentity
	reassigns [][]string

	sourceFiles  []*backend.SourceFile
	dueDiligence []backend.DueDiligenceEntry
	inventory    []backend.InventoryItem

	scanStatuses []string
	statusCalls  int
}

func (f *fakeBackend) OrganizationName(ctx context.Context) (string, error) {
	return "Test Org", f.orgErr
}

func (f *fakeBackend) SyncSourceLibrary(ctx context.Context, id backend.LibraryIdentity) (backend.SyncResult, error) {
	f.syncs = append(f.syncs, id)
	return backend.SyncResult{KeyUUID: "uuid-libfoo"}, nil
}

func (f *fakeBackend) ProductToken(ctx context.Context, productName string) (string, error) {
	return "pt-demo", nil
}

func (f *fakeBackend) ProjectToken(ctx context.Context, projectName, productToken string) (string, error) {
	return "pj-demo", nil
}

func (f *fakeBackend) DueDiligence(ctx context.Context, projectToken string) ([]backend.DueDiligenceEntry, error) {
	return f.dueDiligence, nil
}

func (f *fakeBackend) SourceFileInventory(ctx context.Context, projectToken string) ([]*backend.SourceFile, error) {
	return f.sourceFiles, nil
}

func (f *fakeBackend) Inventory(ctx context.Context, projectToken string) ([]backend.InventoryItem, error) {
	return f.inventory, nil
}

func (f *fakeBackend) SearchLibraries(ctx context.Context, keyword string) ([]backend.SearchHit, error) {
	return nil, nil
}

func (f *fakeBackend) ReassignSourceFiles(ctx context.Context, keyUUID string, sha1s []string, comment string) error {
	f.reassigns = append(f.reassigns, append([]string{keyUUID}, sha1s...))
	return nil
}

func (f *fakeBackend) ScanStatus(ctx context.Context, trackingToken string) (string, error) {
	i := f.statusCalls
	f.statusCalls++
	if i >= len(f.scanStatuses) {
		i = len(f.scanStatuses) - 1
	}
	return f.scanStatuses[i], nil
}

type fakeAgent struct {
	req agent.Request
	err error
}

func (f *fakeAgent) Scan(ctx context.Context, req agent.Request) (agent.Result, error) {
	f.req = req
	return agent.Result{Summary: "Support Token: tok-1", TrackingToken: "tok-1"}, f.err
}

// conanRunner simulates the conan CLI for a project with one dependency,
// libfoo/1.2.0, whose cache source folder is absent.
func conanRunner(t *testing.T, exportDir string) conan.Runner {
	t.Helper()
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "conan" {
			return nil, fmt.Errorf("unexpected binary %q", name)
		}
		switch args[0] {
		case "--version":
			return []byte("Conan version 1.59.0"), nil
		case "profile":
			if args[1] == "show" {
				return []byte("[settings]"), nil
			}
			switch strings.TrimPrefix(args[2], "settings.") {
			case "os", "os_build":
				return []byte("Linux\n"), nil
			case "arch", "arch_build":
				return []byte("x86_64\n"), nil
			case "compiler":
				return []byte("gcc\n"), nil
			case "compiler.version":
				return []byte("11\n"), nil
			case "build_type":
				return []byte("Release\n"), nil
			}
			return nil, errors.New("setting not defined")
		case "info":
			// Last two args are "--json" and the output path.
			out := args[len(args)-1]
			deps := fmt.Sprintf(`[
				{"reference": "conanfile.txt", "export_folder": "", "source_folder": ""},
				{"reference": "libfoo/1.2.0",
				 "export_folder": %q,
				 "source_folder": %q,
				 "revision": "rev1"}
			]`, exportDir, filepath.Join(exportDir, "no-such-source"))
			return nil, os.WriteFile(out, []byte(deps), 0o644)
		case "install", "source":
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected conan call: %v", args)
	}
}

func indexServer(t *testing.T) *httptest.Server {
	t.Helper()
	csv := "conanDownloadUrl,indexOwner,name,indexVersion,repoUrl,indexDownloadUrl\n" +
		upstreamURL + ",foo-org,libfoo,1.2.0,https://github.com/foo-org/libfoo," + canonicalURL + "\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, csv)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testPipeline(t *testing.T, be *fakeBackend, ag *fakeAgent) (*Pipeline, *config.Config) {
	t.Helper()
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "conanfile.txt"), []byte("[requires]\nlibfoo/1.2.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The recovery chain installs from this export folder; its conandata.yml
	// carries the upstream URL the index knows about.
	exportDir := filepath.Join(t.TempDir(), "export")
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(exportDir, "conanfile.py"), []byte("class Recipe: pass"), 0o644); err != nil {
		t.Fatal(err)
	}
	yml := "sources:\n  \"1.2.0\":\n    url: \"" + upstreamURL + "\"\n"
	if err := os.WriteFile(filepath.Join(exportDir, "conandata.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.URL = "https://app.example.com"
	cfg.UserKey = "user-key"
	cfg.OrgToken = "org-token"
	cfg.ProjectPath = project
	cfg.ProjectToken = "pj-demo"
	if err := cfg.Finish(time.Now()); err != nil {
		t.Fatal(err)
	}
	cfg.IndexURL = indexServer(t).URL

	logger := log.New(io.Discard)
	return &Pipeline{
		Config:  cfg,
		Conan:   conan.NewWithRunner(logger, conanRunner(t, exportDir)),
		Backend: be,
		Agent:   ag,
		Logger:  logger,
	}, cfg
}

// ============================================================
// Full pipeline
// ============================================================

func TestRun_EndToEnd(t *testing.T) {
	be := &fakeBackend{
		scanStatuses: []string{"FINISHED"},
		dueDiligence: []backend.DueDiligenceEntry{
			{Library: "otherlib-9.9", DownloadLink: "https://example.com/otherlib.tar.gz"},
		},
		sourceFiles: []*backend.SourceFile{
			{Path: "/tmp/deps/libfoo-1.2.0/foo.c", SHA1: "sha-1",
				Library: backend.LibraryRef{ArtifactID: "otherlib", Version: "9.9"}},
		},
		inventory: []backend.InventoryItem{
			{KeyUUID: "uuid-libfoo", Filename: "libfoo-1.2.0", Type: "SOURCE_LIBRARY"},
		},
	}
	ag := &fakeAgent{}
	p, cfg := testPipeline(t, be, ag)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.OrgName != "Test Org" {
		t.Errorf("OrgName = %q", result.OrgName)
	}
	if len(result.Dependencies) != 1 || result.Dependencies[0].Reference != "libfoo/1.2.0" {
		t.Fatalf("Dependencies = %+v", result.Dependencies)
	}
	dep := result.Dependencies[0]

	// The canonical index matched the upstream URL.
	if dep.DownloadURL != canonicalURL {
		t.Errorf("DownloadURL = %q, want the canonical URL", dep.DownloadURL)
	}
	if dep.KeyUUID != "uuid-libfoo" {
		t.Errorf("KeyUUID = %q", dep.KeyUUID)
	}
	if len(be.syncs) != 1 || be.syncs[0].Name != "libfoo" {
		t.Errorf("identity syncs = %+v", be.syncs)
	}

	// The recovered package directory joined the project in the scan set.
	if len(result.ScanDirs) != 2 || result.ScanDirs[0] != cfg.ProjectPath {
		t.Fatalf("ScanDirs = %v", result.ScanDirs)
	}
	if want := filepath.Join(cfg.TempDir, "temp_deps", "libfoo-1.2.0"); result.ScanDirs[1] != want {
		t.Errorf("recovered dir = %q, want %q", result.ScanDirs[1], want)
	}
	if len(ag.req.Dirs) != 2 {
		t.Errorf("agent scanned %v", ag.req.Dirs)
	}

	// The upload was polled to completion.
	if be.statusCalls != 1 {
		t.Errorf("status polls = %d, want 1", be.statusCalls)
	}

	// The mis-attributed file was moved to libfoo's identity.
	if len(be.reassigns) != 1 {
		t.Fatalf("reassigns = %v, want one", be.reassigns)
	}
	if call := be.reassigns[0]; call[0] != "uuid-libfoo" || call[1] != "sha-1" {
		t.Errorf("reassign call = %v", call)
	}

	// The run's temp directory is removed afterwards.
	if _, err := os.Stat(cfg.TempDir); !os.IsNotExist(err) {
		t.Errorf("temp dir %s still exists", cfg.TempDir)
	}
}

// TestRun_IndexMissRecordsRawURL: with no canonical index entry for the
// upstream URL, the raw URL is recorded on the dependency and no identity
// sync happens; the recovered directory still reaches the scan set.
func TestRun_IndexMissRecordsRawURL(t *testing.T) {
	be := &fakeBackend{scanStatuses: []string{"FINISHED"}}
	ag := &fakeAgent{}
	p, cfg := testPipeline(t, be, ag)
	cfg.ChangeOriginLibrary = false

	// Serve an index that knows nothing about libfoo.
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "conanDownloadUrl,indexOwner,name,indexVersion,repoUrl,indexDownloadUrl\n")
	}))
	defer empty.Close()
	cfg.IndexURL = empty.URL

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	dep := result.Dependencies[0]
	if dep.DownloadURL != upstreamURL {
		t.Errorf("DownloadURL = %q, want the raw upstream URL", dep.DownloadURL)
	}
	if dep.KeyUUID != "" || len(be.syncs) != 0 {
		t.Errorf("no identity sync expected on miss: KeyUUID=%q syncs=%+v", dep.KeyUUID, be.syncs)
	}
	if len(result.ScanDirs) != 2 {
		t.Errorf("ScanDirs = %v", result.ScanDirs)
	}
}

func TestRun_KeepInstallFolderRenamesTempDir(t *testing.T) {
	be := &fakeBackend{scanStatuses: []string{"FINISHED"}}
	ag := &fakeAgent{}
	p, cfg := testPipeline(t, be, ag)
	cfg.ChangeOriginLibrary = false
	cfg.KeepInstallFolder = true

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	kept := filepath.Join(cfg.ProjectPath, "conan_scanned_"+cfg.DateTimeNow)
	if info, err := os.Stat(kept); err != nil || !info.IsDir() {
		t.Errorf("kept working directory %s not found: %v", kept, err)
	}
}

func TestRun_RemovesPreviousRunFolders(t *testing.T) {
	be := &fakeBackend{scanStatuses: []string{"FINISHED"}}
	ag := &fakeAgent{}
	p, cfg := testPipeline(t, be, ag)
	cfg.ChangeOriginLibrary = false

	stale := filepath.Join(cfg.ConanInstallFolder, config.TempFolderPrefix+"20200101000000000000")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale run folder %s was not removed", stale)
	}
}

// ============================================================
// Fatal preconditions
// ============================================================

func TestRun_BackendConnectionCheckIsFatal(t *testing.T) {
	be := &fakeBackend{orgErr: errors.New("invalid credentials")}
	p, _ := testPipeline(t, be, &fakeAgent{})

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("Run: expected error when the connection check fails")
	}
}

func TestRun_MissingConanfileIsFatal(t *testing.T) {
	be := &fakeBackend{scanStatuses: []string{"FINISHED"}}
	p, cfg := testPipeline(t, be, &fakeAgent{})
	if err := os.Remove(filepath.Join(cfg.ProjectPath, "conanfile.txt")); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("Run: expected error when no conanfile exists")
	}
}

func TestRun_DependencyListingFailureIsFatal(t *testing.T) {
	be := &fakeBackend{scanStatuses: []string{"FINISHED"}}
	p, _ := testPipeline(t, be, &fakeAgent{})

	// Replace the runner with one whose `conan info` always fails.
	exportDir := t.TempDir()
	inner := conanRunner(t, exportDir)
	p.Conan = conan.NewWithRunner(log.New(io.Discard), func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if args[0] == "info" {
			return []byte("ERROR: failed to resolve graph"), errors.New("exit status 1")
		}
		return inner(ctx, name, args...)
	})

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("Run: expected error when dependency listing fails")
	}
}

func TestRun_UploadFailureIsFatal(t *testing.T) {
	be := &fakeBackend{scanStatuses: []string{"FAILED"}}
	p, _ := testPipeline(t, be, &fakeAgent{})

	_, err := p.Run(context.Background())
	if !errors.Is(err, agent.ErrUploadFailed) {
		t.Fatalf("err = %v, want ErrUploadFailed", err)
	}
}
