package mirror

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fplsync/fplsync/internal/config"
	"github.com/fplsync/fplsync/internal/dataset"
	"github.com/fplsync/fplsync/internal/github"
)

// Engine orchestrates the mirror process
type Engine struct {
	cfg    *config.Config
	client github.Client
	logger *slog.Logger
	dryRun bool

	// concurrency is sync.concurrency, at least 1
	concurrency int

	// sleep waits between retries; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a new mirror engine
func NewEngine(cfg *config.Config, client github.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:         cfg,
		client:      client,
		logger:      logger,
		dryRun:      dryRun,
		concurrency: max(cfg.Sync.Concurrency, 1),
		sleep:       sleepContext,
	}
}

// List fetches the repository tree and returns it together with the entries
// selected for mirroring.
func (e *Engine) List(ctx context.Context) (*github.Tree, []github.TreeEntry, error) {
	tree, err := e.client.FetchTree(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch repository tree: %w", err)
	}
	files := dataset.Filter(tree.Entries, e.cfg.Source.DataDir, e.cfg.Source.Extension)
	return tree, files, nil
}

// Run executes the complete mirror process. Failing to create the output
// directory or to list the repository aborts the run; failures of single
// files are logged, collected in the report and skipped.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	logger := e.logger.With("run_id", report.RunID)

	logger.Info("starting sync",
		"repo", e.cfg.FullName(),
		"branch", e.cfg.Source.Branch,
		"output_dir", e.cfg.Paths.OutputDir,
		"dry_run", e.dryRun)

	// Ensure output directory exists
	if !e.dryRun {
		if err := os.MkdirAll(e.cfg.Paths.OutputDir, 0755); err != nil {
			return report, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	tree, files, err := e.List(ctx)
	if err != nil {
		return report, err
	}
	report.TreeSHA = tree.SHA
	report.Listed = len(tree.Entries)
	report.Matched = len(files)

	if tree.Truncated {
		logger.Warn("repository tree was truncated by the API, some files may be missing")
	}
	logger.Info("discovered data files", "listed", report.Listed, "matched", report.Matched)

	// check for dry-run mode
	if e.dryRun {
		e.plan(logger, files, report)
		logger.Info("dry-run complete, no changes applied", "planned", len(report.Planned), "skipped", report.Skipped)
		return report, nil
	}

	// Load previous state
	prevState, err := e.loadState()
	if err != nil {
		logger.Warn("failed to load previous state (will treat as fresh sync)", "error", err)
		prevState = newState()
	}

	var (
		mu       sync.Mutex
		mirrored = make(map[string]MirroredFile)
		aborted  *DownloadError
	)

	// runCtx is canceled by a failure that must not be skipped
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)

	for _, entry := range files {
		if runCtx.Err() != nil {
			break
		}
		entry := entry

		if e.cfg.Sync.Incremental && e.unchanged(entry) {
			logger.Debug("skipping unchanged file", "path", entry.Path)
			mu.Lock()
			report.Skipped++
			mirrored[entry.Path] = e.mirroredFile(entry)
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			err := e.downloadWithRetry(runCtx, logger, entry)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var dlErr *DownloadError
				if !errors.As(err, &dlErr) {
					dlErr = &DownloadError{Path: entry.Path, Kind: KindNetwork, Err: err}
				}
				if !dlErr.Continuable() {
					if aborted == nil {
						aborted = dlErr
					}
					cancel()
					return nil
				}
				report.Failed = append(report.Failed, dlErr)
				logger.Error("failed to save file", "path", dlErr.Path, "kind", dlErr.Kind, "error", dlErr.Err)
				return nil
			}
			report.Downloaded++
			mirrored[entry.Path] = e.mirroredFile(entry)
			logger.Debug("saved file", "path", entry.Path)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if aborted != nil {
		return report, fmt.Errorf("sync aborted: %w", aborted)
	}

	// Save new state
	newState := e.buildState(report, prevState, files, mirrored)
	if err := e.saveState(newState); err != nil {
		logger.Warn("failed to save state", "error", err)
	}

	logger.Info("sync completed",
		"downloaded", report.Downloaded,
		"skipped", report.Skipped,
		"failed", len(report.Failed))
	return report, nil
}

// Download mirrors a single entry into the output directory. The content is
// written to a temporary file that replaces the destination only once the
// whole body has been received. Errors are *DownloadError.
func (e *Engine) Download(ctx context.Context, entry github.TreeEntry) error {
	dest, err := dataset.LocalPath(e.cfg.Paths.OutputDir, e.cfg.Source.DataDir, entry.Path)
	if err != nil {
		return &DownloadError{Path: entry.Path, Kind: KindInvalidPath, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &DownloadError{Path: entry.Path, Kind: KindFilesystem, Err: err}
	}

	body, err := e.client.FetchRaw(ctx, entry)
	if err != nil {
		return fetchError(entry.Path, err)
	}
	defer func() {
		_ = body.Close()
	}()

	src := &trackingReader{r: body}
	if err := writeFileAtomic(dest, src); err != nil {
		if src.err != nil {
			return &DownloadError{Path: entry.Path, Kind: KindNetwork, Err: src.err}
		}
		return &DownloadError{Path: entry.Path, Kind: KindFilesystem, Err: err}
	}

	return nil
}

// downloadWithRetry retries retryable failures up to sync.retries times with
// a linearly growing backoff
func (e *Engine) downloadWithRetry(ctx context.Context, logger *slog.Logger, entry github.TreeEntry) error {
	for attempt := 0; ; attempt++ {
		err := e.Download(ctx, entry)
		if err == nil {
			return nil
		}

		var dlErr *DownloadError
		if attempt >= e.cfg.Sync.Retries || !errors.As(err, &dlErr) || !dlErr.Retryable() {
			return err
		}

		backoff := e.cfg.Sync.RetryBackoff * time.Duration(attempt+1)
		logger.Warn("retrying download", "path", entry.Path, "attempt", attempt+1, "backoff", backoff, "error", dlErr.Err)
		if err := e.sleep(ctx, backoff); err != nil {
			return &DownloadError{Path: entry.Path, Kind: KindNetwork, Err: err}
		}
	}
}

// plan fills the report with what a real run would download. In incremental
// mode files that are already up to date count as skipped.
func (e *Engine) plan(logger *slog.Logger, files []github.TreeEntry, report *Report) {
	for _, entry := range files {
		if e.cfg.Sync.Incremental && e.unchanged(entry) {
			report.Skipped++
			logger.Info("[dry-run] would skip unchanged file", "path", entry.Path)
			continue
		}
		dest, err := dataset.LocalPath(e.cfg.Paths.OutputDir, e.cfg.Source.DataDir, entry.Path)
		if err != nil {
			logger.Warn("[dry-run] would skip invalid path", "path", entry.Path, "error", err)
			continue
		}
		p := PlannedFile{Entry: entry, URL: e.client.RawURL(entry), LocalPath: dest}
		report.Planned = append(report.Planned, p)
		logger.Info("[dry-run] would download", "path", entry.Path, "url", p.URL, "dest", p.LocalPath)
	}
}

// unchanged reports whether the local copy already has the entry's content
func (e *Engine) unchanged(entry github.TreeEntry) bool {
	if entry.SHA == "" {
		return false
	}
	dest, err := dataset.LocalPath(e.cfg.Paths.OutputDir, e.cfg.Source.DataDir, entry.Path)
	if err != nil {
		return false
	}
	hash, err := fileHash(dest)
	if err != nil {
		return false
	}
	return hash == entry.SHA
}

func (e *Engine) mirroredFile(entry github.TreeEntry) MirroredFile {
	dest, _ := dataset.LocalPath(e.cfg.Paths.OutputDir, e.cfg.Source.DataDir, entry.Path)
	return MirroredFile{LocalPath: dest, SHA: entry.SHA, Size: entry.Size}
}

// buildState creates the manifest for this run. Files that failed keep their
// previous record; files no longer in the tree are dropped.
func (e *Engine) buildState(report *Report, prevState *State, files []github.TreeEntry, mirrored map[string]MirroredFile) *State {
	state := &State{
		RunID:      report.RunID,
		Repository: e.cfg.FullName() + "@" + e.cfg.Source.Branch,
		TreeSHA:    report.TreeSHA,
		UpdatedAt:  time.Now().UTC(),
		Files:      make(map[string]MirroredFile, len(files)),
	}

	for _, entry := range files {
		if m, ok := mirrored[entry.Path]; ok {
			state.Files[entry.Path] = m
			continue
		}
		if prev, ok := prevState.Files[entry.Path]; ok {
			state.Files[entry.Path] = prev
		}
	}

	return state
}

func newState() *State {
	return &State{Files: make(map[string]MirroredFile)}
}

// loadState loads the previous state from disk
func (e *Engine) loadState() (*State, error) {
	data, err := os.ReadFile(e.cfg.StateFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Files == nil {
		state.Files = make(map[string]MirroredFile)
	}

	return &state, nil
}

// saveState persists the state to disk
func (e *Engine) saveState(state *State) error {
	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(e.cfg.StateFilePath(), data, 0644)
}

// writeFileAtomic streams r into dst through a temp file and an atomic rename
func writeFileAtomic(dst string, r io.Reader) error {
	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".fplsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	// Copy content
	if _, err := io.Copy(tmpFile, r); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}

	// Close temp file
	if err := tmpFile.Close(); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpPath, dst)
}

// trackingReader remembers the first read error so copy failures can be
// attributed to the network rather than the disk
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

// fileHash computes the git blob hash (SHA-1 over "blob <size>\x00" and the
// content) of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	h := sha1.New()
	_, _ = fmt.Fprintf(h, "blob %d\x00", info.Size())
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
