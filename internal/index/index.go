// Package index cross-references dependency download URLs against the
// canonical-library index: a remotely hosted CSV mapping upstream source
// URLs to verified library identities.
package index

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultURL is the hosted canonical index location.
const DefaultURL = "https://unified-agent.s3.amazonaws.com/conan_index_url_map.csv"

// Entry is one canonical index row: an upstream URL together with the
// verified library identity it belongs to.
type Entry struct {
	ConanDownloadURL string // upstream URL as it appears in conandata.yml
	Owner            string
	Name             string
	Version          string
	RepoURL          string // hosting repository
	DownloadURL      string // canonical download URL
}

// columns of the index CSV, by header name.
var columns = []string{"conanDownloadUrl", "indexOwner", "name", "indexVersion", "repoUrl", "indexDownloadUrl"}

// Fetch downloads the index once and returns it keyed by upstream URL.
// The index is read-only reference data for the rest of the run.
func Fetch(ctx context.Context, client *http.Client, url string) (map[string]Entry, error) {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("canonical index fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("canonical index fetch returned status %d", resp.StatusCode)
	}
	return parse(resp.Body)
}

// parse reads the index CSV. Rows missing the upstream-URL key are skipped.
func parse(r io.Reader) (map[string]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("canonical index is empty: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, want := range columns {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("canonical index is missing column %q", want)
		}
	}

	field := func(row []string, name string) string {
		if i := col[name]; i < len(row) {
			return row[i]
		}
		return ""
	}

	entries := map[string]Entry{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed canonical index row: %w", err)
		}
		key := field(row, "conanDownloadUrl")
		if key == "" {
			continue
		}
		entries[key] = Entry{
			ConanDownloadURL: key,
			Owner:            field(row, "indexOwner"),
			Name:             field(row, "name"),
			Version:          field(row, "indexVersion"),
			RepoURL:          field(row, "repoUrl"),
			DownloadURL:      field(row, "indexDownloadUrl"),
		}
	}
	return entries, nil
}
