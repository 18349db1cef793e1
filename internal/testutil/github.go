package testutil

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeGitHub serves the git trees API and the raw content host for one
// repository branch from memory.
type FakeGitHub struct {
	Owner  string
	Repo   string
	Branch string

	server *httptest.Server

	mu          sync.Mutex
	paths       []string // tree order
	files       map[string]string
	dirs        map[string]bool
	rawStatus   map[string]int
	rawHits     map[string]int
	treeStatus  int
	treeBody    string
	treeHits    int
	treeHeaders http.Header
}

// NewFakeGitHub starts a fake for owner/repo@branch. The server is closed
// when the test finishes.
func NewFakeGitHub(t *testing.T, owner, repo, branch string) *FakeGitHub {
	t.Helper()

	f := &FakeGitHub{
		Owner:     owner,
		Repo:      repo,
		Branch:    branch,
		files:     make(map[string]string),
		dirs:      make(map[string]bool),
		rawStatus: make(map[string]int),
		rawHits:   make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

// APIURL is the base URL to use in place of https://api.github.com
func (f *FakeGitHub) APIURL() string {
	return f.server.URL
}

// RawURL is the base URL to use in place of https://raw.githubusercontent.com
func (f *FakeGitHub) RawURL() string {
	return f.server.URL + "/raw"
}

// AddFile adds or replaces a blob. New paths are appended to the tree order.
func (f *FakeGitHub) AddFile(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.files[path]; !exists && !f.dirs[path] {
		f.paths = append(f.paths, path)
	}
	f.files[path] = content
}

// AddDir adds a tree entry
func (f *FakeGitHub) AddDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[path] {
		f.paths = append(f.paths, path)
	}
	f.dirs[path] = true
}

// FailRaw makes raw downloads of path answer with status
func (f *FakeGitHub) FailRaw(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawStatus[path] = status
}

// FailTree makes the tree endpoint answer with status
func (f *FakeGitHub) FailTree(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.treeStatus = status
}

// SetTreeBody replaces the tree response body verbatim
func (f *FakeGitHub) SetTreeBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.treeBody = body
}

// TreeHits returns how many tree requests were served
func (f *FakeGitHub) TreeHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.treeHits
}

// TreeHeaders returns the headers of the last tree request
func (f *FakeGitHub) TreeHeaders() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.treeHeaders.Clone()
}

// RawHits returns how many raw requests were made for path
func (f *FakeGitHub) RawHits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rawHits[path]
}

// TotalRawHits returns the number of raw requests across all paths
func (f *FakeGitHub) TotalRawHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.rawHits {
		total += n
	}
	return total
}

// BlobSHA returns the git blob hash of content
func BlobSHA(content string) string {
	h := sha1.New()
	_, _ = fmt.Fprintf(h, "blob %d\x00", len(content))
	_, _ = h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

func (f *FakeGitHub) serve(w http.ResponseWriter, r *http.Request) {
	treePath := fmt.Sprintf("/repos/%s/%s/git/trees/%s", f.Owner, f.Repo, f.Branch)
	rawPrefix := fmt.Sprintf("/raw/%s/%s/%s/", f.Owner, f.Repo, f.Branch)

	switch {
	case r.Method != http.MethodGet:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	case r.URL.Path == treePath:
		f.serveTree(w, r)
	case strings.HasPrefix(r.URL.Path, rawPrefix):
		f.serveRaw(w, strings.TrimPrefix(r.URL.Path, rawPrefix))
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeGitHub) serveTree(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.treeHits++
	f.treeHeaders = r.Header.Clone()

	if f.treeStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.treeStatus)
		_, _ = fmt.Fprintf(w, `{"message":%q}`, http.StatusText(f.treeStatus))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if f.treeBody != "" {
		_, _ = w.Write([]byte(f.treeBody))
		return
	}

	type entry struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
		Size int    `json:"size,omitempty"`
	}
	entries := make([]entry, 0, len(f.paths))
	treeHash := sha1.New()
	for _, p := range f.paths {
		if f.dirs[p] {
			entries = append(entries, entry{Path: p, Mode: "040000", Type: "tree", SHA: BlobSHA(p)})
			continue
		}
		content := f.files[p]
		sha := BlobSHA(content)
		_, _ = treeHash.Write([]byte(p + sha))
		entries = append(entries, entry{Path: p, Mode: "100644", Type: "blob", SHA: sha, Size: len(content)})
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"sha":       hex.EncodeToString(treeHash.Sum(nil)),
		"url":       f.server.URL + r.URL.Path,
		"tree":      entries,
		"truncated": false,
	})
}

func (f *FakeGitHub) serveRaw(w http.ResponseWriter, path string) {
	f.mu.Lock()
	f.rawHits[path]++
	status := f.rawStatus[path]
	content, ok := f.files[path]
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !ok {
		http.Error(w, "404: Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(content))
}
