package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// API error codes the service returns inside an HTTP 200 envelope.
const (
	errCodeAlreadyExists = 3028 // library identity already registered
)

// HTTPClient is the JSON-over-HTTP implementation of Client. Every
// operation is a POST of {requestType, userKey, ...} to the service's
// /api endpoint; errors come back as {errorCode, errorMessage} envelopes.
type HTTPClient struct {
	URL      string // service base URL, e.g. "https://app.example.com"
	UserKey  string
	OrgToken string

	HTTP *http.Client
}

// NewHTTPClient creates a client for the service at baseURL. The generous
// timeout matches the service's slow report endpoints.
func NewHTTPClient(baseURL, userKey, orgToken string) *HTTPClient {
	return &HTTPClient{
		URL:      strings.TrimRight(baseURL, "/"),
		UserKey:  userKey,
		OrgToken: orgToken,
		HTTP:     &http.Client{Timeout: time.Hour},
	}
}

// apiError is a service-level failure reported inside a 200 response.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// call posts one API request and decodes the response into out.
func (c *HTTPClient) call(ctx context.Context, requestType string, params map[string]any, out any) error {
	body := map[string]any{
		"requestType": requestType,
		"userKey":     c.UserKey,
	}
	for k, v := range params {
		body[k] = v
	}
	if _, ok := body["orgToken"]; !ok {
		body["orgToken"] = c.OrgToken
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/api/v1.3", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", requestType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", requestType, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", requestType, err)
	}

	// Service-level errors are delivered in a 200 envelope.
	var envelope struct {
		ErrorCode    int    `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.ErrorCode != 0 {
		return &apiError{Code: envelope.ErrorCode, Message: envelope.ErrorMessage}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: cannot decode response: %w", requestType, err)
		}
	}
	return nil
}

func (c *HTTPClient) OrganizationName(ctx context.Context) (string, error) {
	var resp struct {
		OrgName string `json:"orgName"`
	}
	if err := c.call(ctx, "getOrganizationDetails", nil, &resp); err != nil {
		return "", err
	}
	return resp.OrgName, nil
}

func (c *HTTPClient) SyncSourceLibrary(ctx context.Context, id LibraryIdentity) (SyncResult, error) {
	var resp struct {
		KeyUUID string `json:"keyUuid"`
	}
	err := c.call(ctx, "getSourceLibraryInfo", map[string]any{
		"owner":        id.Owner,
		"name":         id.Name,
		"version":      id.Version,
		"host":         id.Host,
		"downloadLink": id.DownloadLink,
	}, &resp)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == errCodeAlreadyExists {
		return SyncResult{AlreadyExists: true}, nil
	}
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{KeyUUID: resp.KeyUUID}, nil
}

func (c *HTTPClient) ProductToken(ctx context.Context, productName string) (string, error) {
	var resp struct {
		Products []struct {
			Name  string `json:"productName"`
			Token string `json:"productToken"`
		} `json:"products"`
	}
	if err := c.call(ctx, "getAllProducts", nil, &resp); err != nil {
		return "", err
	}
	for _, p := range resp.Products {
		if p.Name == productName {
			return p.Token, nil
		}
	}
	return "", fmt.Errorf("product %q not found", productName)
}

func (c *HTTPClient) ProjectToken(ctx context.Context, projectName, productToken string) (string, error) {
	var resp struct {
		Projects []struct {
			Name  string `json:"projectName"`
			Token string `json:"projectToken"`
		} `json:"projects"`
	}
	err := c.call(ctx, "getAllProjects", map[string]any{"productToken": productToken}, &resp)
	if err != nil {
		return "", err
	}
	for _, p := range resp.Projects {
		if p.Name == projectName {
			return p.Token, nil
		}
	}
	return "", fmt.Errorf("project %q not found under product token", projectName)
}

func (c *HTTPClient) DueDiligence(ctx context.Context, projectToken string) ([]DueDiligenceEntry, error) {
	var resp struct {
		Libraries []struct {
			Name         string `json:"library"`
			DownloadLink string `json:"downloadLink"`
		} `json:"libraries"`
	}
	err := c.call(ctx, "getProjectDueDiligenceReport", map[string]any{
		"projectToken": projectToken,
		"format":       "json",
	}, &resp)
	if err != nil {
		return nil, err
	}
	entries := make([]DueDiligenceEntry, 0, len(resp.Libraries))
	for _, l := range resp.Libraries {
		entries = append(entries, DueDiligenceEntry{Library: l.Name, DownloadLink: l.DownloadLink})
	}
	return entries, nil
}

func (c *HTTPClient) SourceFileInventory(ctx context.Context, projectToken string) ([]*SourceFile, error) {
	var resp struct {
		SourceFiles []struct {
			Path    string `json:"path"`
			SHA1    string `json:"sha1"`
			Library struct {
				ArtifactID string `json:"artifactId"`
				Version    string `json:"version"`
				KeyUUID    string `json:"keyUuid"`
				Filename   string `json:"filename"`
				Type       string `json:"type"`
			} `json:"library"`
		} `json:"sourceFiles"`
	}
	err := c.call(ctx, "getProjectSourceFileInventoryReport", map[string]any{
		"projectToken": projectToken,
		"format":       "json",
	}, &resp)
	if err != nil {
		return nil, err
	}
	files := make([]*SourceFile, 0, len(resp.SourceFiles))
	for _, f := range resp.SourceFiles {
		files = append(files, &SourceFile{
			Path: f.Path,
			SHA1: f.SHA1,
			Library: LibraryRef{
				ArtifactID: f.Library.ArtifactID,
				Version:    f.Library.Version,
				KeyUUID:    f.Library.KeyUUID,
				Filename:   f.Library.Filename,
				Type:       f.Library.Type,
			},
		})
	}
	return files, nil
}

func (c *HTTPClient) Inventory(ctx context.Context, projectToken string) ([]InventoryItem, error) {
	var resp struct {
		Libraries []struct {
			KeyUUID  string `json:"keyUuid"`
			Filename string `json:"filename"`
			Type     string `json:"type"`
		} `json:"libraries"`
	}
	err := c.call(ctx, "getProjectInventory", map[string]any{
		"projectToken":       projectToken,
		"includeInHouseData": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	items := make([]InventoryItem, 0, len(resp.Libraries))
	for _, l := range resp.Libraries {
		items = append(items, InventoryItem{KeyUUID: l.KeyUUID, Filename: l.Filename, Type: l.Type})
	}
	return items, nil
}

func (c *HTTPClient) SearchLibraries(ctx context.Context, keyword string) ([]SearchHit, error) {
	var resp struct {
		Libraries []struct {
			KeyUUID  string `json:"keyUuid"`
			Filename string `json:"filename"`
			URL      string `json:"url"`
			Type     string `json:"type"`
		} `json:"libraries"`
	}
	err := c.call(ctx, "getLibraryInfo", map[string]any{"searchValue": keyword}, &resp)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(resp.Libraries))
	for _, l := range resp.Libraries {
		hits = append(hits, SearchHit{KeyUUID: l.KeyUUID, Filename: l.Filename, URL: l.URL, Type: l.Type})
	}
	return hits, nil
}

func (c *HTTPClient) ReassignSourceFiles(ctx context.Context, keyUUID string, sha1s []string, comment string) error {
	return c.call(ctx, "changeOriginLibrary", map[string]any{
		"targetKeyUuid": keyUUID,
		"sourceFiles":   sha1s,
		"userComments":  comment,
	}, nil)
}

func (c *HTTPClient) ScanStatus(ctx context.Context, trackingToken string) (string, error) {
	var resp struct {
		RequestState string `json:"requestState"`
	}
	err := c.call(ctx, "getRequestState", map[string]any{"requestToken": trackingToken}, &resp)
	if err != nil {
		return "", err
	}
	return resp.RequestState, nil
}
