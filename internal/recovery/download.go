package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ramibo/ws-conan-scanner/internal/conandata"
)

// HTTPClient is the client used for archive downloads. Overridable for
// tests; downloads use no retry; a failure is terminal for that package.
var HTTPClient = &http.Client{Timeout: 10 * time.Minute}

// downloadArchive resolves the upstream URL from the package's conandata.yml
// and fetches the archive into destDir, named after the URL's last path
// element. Failure modes are distinguished so the per-package log line says
// whether the manifest, the URL, or the network was at fault.
func (e *Engine) downloadArchive(ctx context.Context, manifestPath, destDir, reference string) error {
	m, err := conandata.Load(manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("conandata.yml for %s was not found or is not accessible: %w", reference, err)
		}
		return fmt.Errorf("malformed conandata.yml for %s: %w", reference, err)
	}

	rawURL, ok := m.ResolveURL(e.Profile)
	if !ok {
		return fmt.Errorf("no source URL in %s for %s", manifestPath, reference)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid source URL %q for %s", rawURL, reference)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid source URL %q for %s: %w", rawURL, reference, err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("archive request for %s failed: %w", reference, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive request for %s returned status %d", reference, resp.StatusCode)
	}

	dest := filepath.Join(destDir, path.Base(parsed.Path))
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}

	e.Logger.Info("source archive retrieved", "reference", reference, "url", rawURL, "saved", dest)
	return nil
}
