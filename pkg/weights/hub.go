// Package weights resolves model identifiers to local weight files,
// downloading them from a Hugging Face style hub as needed. Files live in
// the standard hub cache layout (models--org--repo/snapshots/main) so they
// are shared with other tools using the same cache.
package weights

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
)

const (
	defaultBaseURL   = "https://huggingface.co"
	defaultUserAgent = "lemonade-server"
)

// HubClient handles hub API interactions.
type HubClient struct {
	httpClient *http.Client
	userAgent  string
	token      string
	baseURL    string
}

// HubClientOption configures a HubClient.
type HubClientOption func(*HubClient)

// WithToken sets the hub API token for authentication.
func WithToken(token string) HubClientOption {
	return func(c *HubClient) {
		if token != "" {
			c.token = token
		}
	}
}

// WithTransport sets the HTTP transport for the client.
func WithTransport(transport http.RoundTripper) HubClientOption {
	return func(c *HubClient) {
		if transport != nil {
			c.httpClient.Transport = transport
		}
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(userAgent string) HubClientOption {
	return func(c *HubClient) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(baseURL string) HubClientOption {
	return func(c *HubClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// NewHubClient creates a new hub API client.
func NewHubClient(opts ...HubClientOption) *HubClient {
	c := &HubClient{
		httpClient: &http.Client{},
		userAgent:  defaultUserAgent,
		baseURL:    defaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RepoFile represents a file in a hub repository.
type RepoFile struct {
	Type string   `json:"type"` // "file" or "directory"
	Path string   `json:"path"` // Relative path in repo
	Size int64    `json:"size"` // File size in bytes (0 for directories)
	OID  string   `json:"oid"`  // Git blob ID
	LFS  *LFSInfo `json:"lfs"`  // Present if LFS file
}

// LFSInfo contains LFS-specific file information.
type LFSInfo struct {
	OID         string `json:"oid"`          // LFS object ID (sha256)
	Size        int64  `json:"size"`         // Actual file size
	PointerSize int64  `json:"pointer_size"` // Size of pointer file
}

// ActualSize returns the actual file size, accounting for LFS.
func (f *RepoFile) ActualSize() int64 {
	if f.LFS != nil {
		return f.LFS.Size
	}
	return f.Size
}

// Filename returns the base filename without directory path.
func (f *RepoFile) Filename() string {
	return path.Base(f.Path)
}

// TotalSize calculates the total size of files.
func TotalSize(files []RepoFile) int64 {
	var total int64
	for _, f := range files {
		total += f.ActualSize()
	}
	return total
}

// ListFiles returns all files in a repository at a given revision,
// recursively traversing all directories.
func (c *HubClient) ListFiles(ctx context.Context, repo, revision string) ([]RepoFile, error) {
	if revision == "" {
		revision = "main"
	}
	return c.listFilesRecursive(ctx, repo, revision, "")
}

func (c *HubClient) listFilesRecursive(ctx context.Context, repo, revision, filePath string) ([]RepoFile, error) {
	entries, err := c.ListFilesInPath(ctx, repo, revision, filePath)
	if err != nil {
		return nil, err
	}

	var allFiles []RepoFile
	for _, entry := range entries {
		switch entry.Type {
		case "file":
			allFiles = append(allFiles, entry)
		case "directory":
			subFiles, err := c.listFilesRecursive(ctx, repo, revision, entry.Path)
			if err != nil {
				return nil, fmt.Errorf("list files in %s: %w", entry.Path, err)
			}
			allFiles = append(allFiles, subFiles...)
		}
	}
	return allFiles, nil
}

// ListFilesInPath returns files and directories at a specific path in the
// repository.
func (c *HubClient) ListFilesInPath(ctx context.Context, repo, revision, filePath string) ([]RepoFile, error) {
	if revision == "" {
		revision = "main"
	}

	endpointPath := path.Join(revision, filePath)
	url := fmt.Sprintf("%s/api/models/%s/tree/%s", c.baseURL, repo, endpointPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp, repo); err != nil {
		return nil, err
	}

	var files []RepoFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return files, nil
}

// DownloadFile streams a file from the repository starting at offset.
// It returns the reader, the number of bytes it will yield (-1 if unknown)
// and whether the server honored the requested offset; when it did not, the
// reader restarts at byte zero and the caller must discard any partial data.
func (c *HubClient) DownloadFile(ctx context.Context, repo, revision, filename string, offset int64) (io.ReadCloser, int64, bool, error) {
	if revision == "" {
		revision = "main"
	}

	// The resolve endpoint follows LFS redirects automatically.
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, repo, revision, filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, 0, false, fmt.Errorf("create request: %w", err)
	}

	c.setHeaders(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, false, fmt.Errorf("download file: %w", err)
	}

	if offset > 0 && resp.StatusCode == http.StatusPartialContent {
		return resp.Body, resp.ContentLength, true, nil
	}
	if err := c.checkResponse(resp, repo); err != nil {
		resp.Body.Close()
		return nil, 0, false, err
	}
	return resp.Body, resp.ContentLength, false, nil
}

func (c *HubClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *HubClient) checkResponse(resp *http.Response, repo string) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Repo: repo, StatusCode: resp.StatusCode}
	case http.StatusNotFound:
		return &NotFoundError{Repo: repo}
	case http.StatusTooManyRequests:
		return &RateLimitError{Repo: repo}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// AuthError indicates authentication failure.
type AuthError struct {
	Repo       string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication required for repository %q (status %d)", e.Repo, e.StatusCode)
}

// NotFoundError indicates the repository or file was not found.
type NotFoundError struct {
	Repo string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("repository %q not found", e.Repo)
}

// RateLimitError indicates rate limiting.
type RateLimitError struct {
	Repo string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited while accessing repository %q", e.Repo)
}
