package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ramibo/ws-conan-scanner/internal/backend"
)

type fakeScanner struct {
	req    Request
	result Result
	err    error
}

func (f *fakeScanner) Scan(ctx context.Context, req Request) (Result, error) {
	f.req = req
	return f.result, f.err
}

// statusBackend replays a fixed sequence of upload statuses.
type statusBackend struct {
	backend.Client

	statuses []string
	err      error
	calls    int
}

func (s *statusBackend) ScanStatus(ctx context.Context, token string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	i := s.calls
	s.calls++
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	return s.statuses[i], nil
}

func testDispatcher(scanner Scanner, status *statusBackend) *Dispatcher {
	return &Dispatcher{
		Agent:  scanner,
		Status: status,
		Logger: log.New(io.Discard),
		sleep:  func(time.Duration) {},
	}
}

// ============================================================
// Dispatch: request shaping
// ============================================================

func TestDispatch_ShapesRequest(t *testing.T) {
	sc := &fakeScanner{result: Result{TrackingToken: "tok"}}
	st := &statusBackend{statuses: []string{"FINISHED"}}

	err := testDispatcher(sc, st).Dispatch(context.Background(),
		[]string{"/proj", "/tmp/work/zlib-1.2.13"},
		[]string{"**/build"},
		Request{ProjectName: "demo"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(sc.req.Dirs) != 2 {
		t.Errorf("Dirs = %v, want both directories", sc.req.Dirs)
	}
	if len(sc.req.Config.Includes) != 1 || sc.req.Config.Includes[0] != "**/*.*" {
		t.Errorf("Includes = %v", sc.req.Config.Includes)
	}
	// User excludes come first, the fixed exclusions are appended.
	if sc.req.Config.Excludes[0] != "**/build" {
		t.Errorf("Excludes = %v, want user excludes first", sc.req.Config.Excludes)
	}
	if len(sc.req.Config.Excludes) != 1+len(defaultExcludes) {
		t.Errorf("Excludes = %v, want the fixed exclusions appended", sc.req.Config.Excludes)
	}
	if sc.req.Config.ArchiveExtractionDepth != MaxArchiveExtractionDepth {
		t.Errorf("ArchiveExtractionDepth = %d", sc.req.Config.ArchiveExtractionDepth)
	}
}

func TestDispatch_ScanFailureIsFatal(t *testing.T) {
	sc := &fakeScanner{err: errors.New("jar not found")}
	st := &statusBackend{statuses: []string{"FINISHED"}}

	if err := testDispatcher(sc, st).Dispatch(context.Background(), []string{"/proj"}, nil, Request{}); err == nil {
		t.Fatal("Dispatch: expected error when the agent fails, got nil")
	}
	if st.calls != 0 {
		t.Errorf("status polled %d times after a failed scan, want 0", st.calls)
	}
}

// ============================================================
// waitForUpload: poll loop
// ============================================================

func TestWaitForUpload_PollsUntilFinished(t *testing.T) {
	sc := &fakeScanner{result: Result{TrackingToken: "tok"}}
	st := &statusBackend{statuses: []string{"IN_PROGRESS", "IN_PROGRESS", "FINISHED"}}

	if err := testDispatcher(sc, st).Dispatch(context.Background(), []string{"/proj"}, nil, Request{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if st.calls != 3 {
		t.Errorf("status polled %d times, want 3", st.calls)
	}
}

func TestWaitForUpload_UpdatedIsSuccess(t *testing.T) {
	sc := &fakeScanner{result: Result{TrackingToken: "tok"}}
	st := &statusBackend{statuses: []string{"UPDATED"}}

	if err := testDispatcher(sc, st).Dispatch(context.Background(), []string{"/proj"}, nil, Request{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestWaitForUpload_TerminalFailures(t *testing.T) {
	for _, status := range []string{"UNKNOWN", "FAILED"} {
		sc := &fakeScanner{result: Result{TrackingToken: "tok"}}
		st := &statusBackend{statuses: []string{status}}

		err := testDispatcher(sc, st).Dispatch(context.Background(), []string{"/proj"}, nil, Request{})
		if !errors.Is(err, ErrUploadFailed) {
			t.Errorf("status %s: err = %v, want ErrUploadFailed", status, err)
		}
	}
}

func TestWaitForUpload_StatusQueryError(t *testing.T) {
	sc := &fakeScanner{result: Result{TrackingToken: "tok"}}
	st := &statusBackend{err: errors.New("connection refused")}

	if err := testDispatcher(sc, st).Dispatch(context.Background(), []string{"/proj"}, nil, Request{}); err == nil {
		t.Fatal("Dispatch: expected error when status query fails, got nil")
	}
}

func TestWaitForUpload_Timeout(t *testing.T) {
	sc := &fakeScanner{result: Result{TrackingToken: "tok"}}
	st := &statusBackend{statuses: []string{"IN_PROGRESS"}}

	d := testDispatcher(sc, st)
	d.PollTimeout = time.Nanosecond

	err := d.Dispatch(context.Background(), []string{"/proj"}, nil, Request{})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("err = %v, want ErrUploadFailed after timeout", err)
	}
}

func TestWaitForUpload_ContextCancelled(t *testing.T) {
	sc := &fakeScanner{result: Result{TrackingToken: "tok"}}
	st := &statusBackend{statuses: []string{"IN_PROGRESS"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := testDispatcher(sc, st).Dispatch(ctx, []string{"/proj"}, nil, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// ============================================================
// UnifiedAgent
// ============================================================

func TestUnifiedAgent_ScanParsesSupportToken(t *testing.T) {
	dir := t.TempDir()
	ua := NewUnifiedAgent(dir, "https://app.example.com", "user-key", "org-token", log.New(io.Discard))

	var gotArgs []string
	ua.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("scan summary\nSupport Token: a1b2c3d4e5\n"), nil
	}

	res, err := ua.Scan(context.Background(), Request{
		Dirs:        []string{"/proj", "/work/zlib-1.2.13"},
		ProjectName: "demo",
		Config:      Config{Includes: []string{"**/*.*"}, ArchiveExtractionDepth: 7},
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.TrackingToken != "a1b2c3d4e5" {
		t.Errorf("TrackingToken = %q", res.TrackingToken)
	}
	if gotArgs[0] != "java" || gotArgs[1] != "-jar" {
		t.Errorf("command = %v, want java -jar ...", gotArgs)
	}
	if want := "/proj,/work/zlib-1.2.13"; gotArgs[len(gotArgs)-1] != want {
		t.Errorf("-d argument = %q, want %q", gotArgs[len(gotArgs)-1], want)
	}
}

func TestUnifiedAgent_MissingTokenIsError(t *testing.T) {
	ua := NewUnifiedAgent(t.TempDir(), "https://app.example.com", "k", "t", log.New(io.Discard))
	ua.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("no token here"), nil
	}

	if _, err := ua.Scan(context.Background(), Request{Dirs: []string{"/proj"}}); err == nil {
		t.Fatal("Scan: expected error when output has no support token, got nil")
	}
}

func TestUnifiedAgent_ConfigFile(t *testing.T) {
	ua := NewUnifiedAgent("/agent", "https://app.example.com", "user-key", "org-token", log.New(io.Discard))
	conf := ua.configFile(Request{
		ProjectName: "demo",
		Config: Config{
			Includes:               []string{"**/*.*"},
			Excludes:               []string{"**/testdata"},
			ArchiveExtractionDepth: 7,
			LogLevel:               "debug",
		},
	})

	for _, want := range []string{
		"wss.url=https://app.example.com/agent\n",
		"userKey=user-key\n",
		"apiKey=org-token\n",
		"projectName=demo\n",
		"includes=**/*.*\n",
		"excludes=**/testdata\n",
		"archiveExtractionDepth=7\n",
		"log.level=debug\n",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("config missing %q:\n%s", want, conf)
		}
	}
	// Empty optional properties are omitted entirely.
	if strings.Contains(conf, "productToken=") {
		t.Errorf("config carries empty productToken:\n%s", conf)
	}
}
