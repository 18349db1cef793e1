package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	mediaType  = "application/vnd.github+json"
	apiVersion = "2022-11-28"

	// maxErrorBody caps how much of an error response is kept for messages
	maxErrorBody = 4 << 10
)

// ErrMissingTree is returned when a successful tree response has no tree array
var ErrMissingTree = errors.New("missing tree")

// Entry types in a git tree listing
const (
	TypeBlob   = "blob"
	TypeTree   = "tree"
	TypeCommit = "commit"
)

// TreeEntry describes one entry of a repository tree
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
	SHA  string `json:"sha"`
	URL  string `json:"url,omitempty"`
}

// IsBlob returns true if the entry is a file
func (e TreeEntry) IsBlob() bool {
	return e.Type == TypeBlob
}

// Tree is the response of the recursive git trees endpoint
type Tree struct {
	SHA       string      `json:"sha"`
	URL       string      `json:"url"`
	Entries   []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// Repository identifies a repository branch on GitHub
type Repository struct {
	Owner  string
	Name   string
	Branch string
}

// String returns the owner/name@branch form of the repository
func (r Repository) String() string {
	return r.Owner + "/" + r.Name + "@" + r.Branch
}

// Client provides read access to a single repository branch
type Client interface {
	// FetchTree lists every entry of the branch recursively
	FetchTree(ctx context.Context) (*Tree, error)
	// RawURL returns the unauthenticated download URL of an entry
	RawURL(entry TreeEntry) string
	// FetchRaw opens the content of an entry. The caller closes the body.
	FetchRaw(ctx context.Context, entry TreeEntry) (io.ReadCloser, error)
}

// StatusError is returned when GitHub answers with a non-success status
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Temporary reports whether the request may succeed when repeated
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPClient talks to the GitHub REST API and the raw content host
type HTTPClient struct {
	repo      Repository
	apiURL    string
	rawURL    string
	token     string
	userAgent string
	http      *http.Client
}

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithTimeout sets a per-request timeout. Zero keeps the client default.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) {
		if d > 0 {
			h.http = &http.Client{Transport: h.http.Transport, Timeout: d}
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request
func WithUserAgent(ua string) Option {
	return func(h *HTTPClient) { h.userAgent = ua }
}

// NewHTTPClient creates a client for repo. apiURL and rawURL are the base
// URLs of the REST API and the raw content host.
func NewHTTPClient(repo Repository, apiURL, rawURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		repo:      repo,
		apiURL:    strings.TrimRight(apiURL, "/"),
		rawURL:    strings.TrimRight(rawURL, "/"),
		token:     token,
		userAgent: "fplsync",
		http:      &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TreeURL returns the recursive tree listing endpoint of the branch
func (c *HTTPClient) TreeURL() string {
	return fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1",
		c.apiURL,
		url.PathEscape(c.repo.Owner),
		url.PathEscape(c.repo.Name),
		url.PathEscape(c.repo.Branch))
}

// FetchTree retrieves the full recursive tree of the branch in one call.
// Non-success responses are returned as *StatusError; nothing is retried.
func (c *HTTPClient) FetchTree(ctx context.Context) (*Tree, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.TreeURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tree request: %w", err)
	}
	req.Header.Set("Accept", mediaType)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	// Entries is a pointer so a body without a tree array can be told
	// apart from an empty listing
	var body struct {
		SHA       string       `json:"sha"`
		URL       string       `json:"url"`
		Entries   *[]TreeEntry `json:"tree"`
		Truncated bool         `json:"truncated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode tree response: %w", err)
	}
	if body.Entries == nil {
		return nil, fmt.Errorf("failed to decode tree response: %w", ErrMissingTree)
	}

	return &Tree{
		SHA:       body.SHA,
		URL:       body.URL,
		Entries:   *body.Entries,
		Truncated: body.Truncated,
	}, nil
}

// RawURL returns base/owner/repo/branch/path. The path is used verbatim.
func (c *HTTPClient) RawURL(entry TreeEntry) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", c.rawURL, c.repo.Owner, c.repo.Name, c.repo.Branch, entry.Path)
}

// FetchRaw performs an unauthenticated GET of the entry's raw URL
func (c *HTTPClient) FetchRaw(ctx context.Context, entry TreeEntry) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RawURL(entry), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

// checkStatus converts a non-2xx response into a *StatusError
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		StatusCode: resp.StatusCode,
		URL:        resp.Request.URL.String(),
		Body:       errorMessage(body),
	}
}

// errorMessage extracts the "message" field GitHub puts in error bodies,
// falling back to the trimmed raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}
