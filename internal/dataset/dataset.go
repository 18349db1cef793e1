package dataset

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/fplsync/fplsync/internal/github"
)

var (
	// ErrInvalidPath is returned for repository paths that are empty or
	// contain empty, "." or ".." segments
	ErrInvalidPath = errors.New("invalid repository path")
	// ErrOutsideDataDir is returned for paths that do not live below the
	// data directory
	ErrOutsideDataDir = errors.New("path is outside the data directory")
)

// Matches returns true if repoPath sits below dataDir and ends in ext.
// The data directory is matched as a whole leading segment, so "data2/x.csv"
// does not match "data".
func Matches(repoPath, dataDir, ext string) bool {
	first, rest, ok := strings.Cut(repoPath, "/")
	if !ok || first != dataDir || rest == "" {
		return false
	}
	return strings.HasSuffix(rest, ext)
}

// Filter returns the blob entries that Matches accepts, preserving order
func Filter(entries []github.TreeEntry, dataDir, ext string) []github.TreeEntry {
	result := make([]github.TreeEntry, 0)
	for _, entry := range entries {
		if !entry.IsBlob() {
			continue
		}
		if Matches(entry.Path, dataDir, ext) {
			result = append(result, entry)
		}
	}
	return result
}

// RelativePath strips the leading data directory segment from repoPath.
// For example: data/2023-24/gws/gw1.csv -> 2023-24/gws/gw1.csv
func RelativePath(repoPath, dataDir string) (string, error) {
	segments := strings.Split(repoPath, "/")
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, repoPath)
		}
	}
	if len(segments) < 2 || segments[0] != dataDir {
		return "", fmt.Errorf("%w: %q", ErrOutsideDataDir, repoPath)
	}
	return path.Join(segments[1:]...), nil
}

// LocalPath maps a repository path below dataDir to its mirrored location
// under root, using the host's path separator.
func LocalPath(root, dataDir, repoPath string) (string, error) {
	rel, err := RelativePath(repoPath, dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}
