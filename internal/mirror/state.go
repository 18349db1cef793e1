package mirror

import (
	"time"

	"github.com/fplsync/fplsync/internal/github"
)

// State is the manifest of the last mirror run
type State struct {
	RunID      string                  `json:"run_id"`
	Repository string                  `json:"repository"`
	TreeSHA    string                  `json:"tree_sha"`
	UpdatedAt  time.Time               `json:"updated_at"`
	Files      map[string]MirroredFile `json:"files"`
}

// MirroredFile records one file written to the output directory
type MirroredFile struct {
	LocalPath string `json:"local_path"`
	SHA       string `json:"sha"` // git blob hash from the tree listing
	Size      int64  `json:"size"`
}

// Report summarizes a mirror run
type Report struct {
	RunID      string
	TreeSHA    string
	Listed     int // entries in the remote tree
	Matched    int // entries that passed the filter
	Downloaded int
	Skipped    int // unchanged files in incremental mode
	Failed     []*DownloadError
	Planned    []PlannedFile // dry-run only
}

// PlannedFile is a download that a dry run would have performed
type PlannedFile struct {
	Entry     github.TreeEntry
	URL       string
	LocalPath string
}
