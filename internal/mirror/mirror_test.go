package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fplsync/fplsync/internal/config"
	"github.com/fplsync/fplsync/internal/github"
	"github.com/fplsync/fplsync/internal/testutil"
)

const (
	gw1 = "data/2023-24/gws/gw1.csv"
	gw2 = "data/2023-24/gws/gw2.csv"
	gw3 = "data/2023-24/gws/gw3.csv"
)

// mockClient implements github.Client for testing.
type mockClient struct {
	tree     *github.Tree
	treeErr  error
	bodies   map[string]io.ReadCloser
	fetchErr map[string]error
	onFetch  func(path string)

	mu      sync.Mutex
	fetched []string
}

func (m *mockClient) FetchTree(_ context.Context) (*github.Tree, error) {
	return m.tree, m.treeErr
}

func (m *mockClient) RawURL(entry github.TreeEntry) string {
	return "https://raw.example.test/" + entry.Path
}

func (m *mockClient) FetchRaw(_ context.Context, entry github.TreeEntry) (io.ReadCloser, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, entry.Path)
	m.mu.Unlock()
	if m.onFetch != nil {
		m.onFetch(entry.Path)
	}
	if err := m.fetchErr[entry.Path]; err != nil {
		return nil, err
	}
	if body, ok := m.bodies[entry.Path]; ok {
		return body, nil
	}
	return io.NopCloser(strings.NewReader("content of " + entry.Path)), nil
}

// failingReader returns some bytes and then a read error
type failingReader struct {
	sent bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, "partial,"), nil
	}
	return 0, errors.New("connection reset by peer")
}

func (f *failingReader) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T, fake *testutil.FakeGitHub) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(tmpDir, "raw")
	cfg.Paths.StateDir = filepath.Join(tmpDir, "state")
	if fake != nil {
		cfg.Source.APIURL = fake.APIURL()
		cfg.Source.RawURL = fake.RawURL()
	}
	return cfg
}

func newFake(t *testing.T) *testutil.FakeGitHub {
	t.Helper()
	return testutil.NewFakeGitHub(t, config.DefaultOwner, config.DefaultRepo, config.DefaultBranch)
}

func newTestEngine(cfg *config.Config, dryRun bool) *Engine {
	client := github.NewHTTPClient(
		github.Repository{Owner: cfg.Source.Owner, Name: cfg.Source.Repo, Branch: cfg.Source.Branch},
		cfg.Source.APIURL, cfg.Source.RawURL, "ghp_test")
	return NewEngine(cfg, client, testLogger(), dryRun)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func assertNoTempFiles(t *testing.T, root string) {
	t.Helper()
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.HasPrefix(info.Name(), ".fplsync-tmp-") {
			t.Errorf("temp file left behind: %s", path)
		}
		return nil
	})
}

func TestRun_MirrorsCSVFiles(t *testing.T) {
	fake := newFake(t)
	fake.AddFile("README.md", "# readme")
	fake.AddDir("data")
	fake.AddFile(gw1, "name,points\nSalah,12\n")
	fake.AddFile("data/2023-24/players_raw.json", "{}")
	fake.AddFile("data2/fixtures.csv", "id\n1\n")
	fake.AddFile("data/teams.csv", "id,name\n1,Arsenal\n")

	cfg := testConfig(t, fake)
	report, err := newTestEngine(cfg, false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if report.Listed != 6 {
		t.Errorf("expected 6 listed entries, got %d", report.Listed)
	}
	if report.Matched != 2 || report.Downloaded != 2 || len(report.Failed) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.RunID == "" {
		t.Error("expected run id to be set")
	}

	got := readFile(t, filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws", "gw1.csv"))
	if got != "name,points\nSalah,12\n" {
		t.Errorf("unexpected gw1.csv content %q", got)
	}
	got = readFile(t, filepath.Join(cfg.Paths.OutputDir, "teams.csv"))
	if got != "id,name\n1,Arsenal\n" {
		t.Errorf("unexpected teams.csv content %q", got)
	}

	if fake.RawHits("README.md") != 0 || fake.RawHits("data2/fixtures.csv") != 0 || fake.RawHits("data/2023-24/players_raw.json") != 0 {
		t.Error("non-matching files must not be downloaded")
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, "fixtures.csv")); !os.IsNotExist(err) {
		t.Error("data2/fixtures.csv must not be mirrored")
	}
	assertNoTempFiles(t, cfg.Paths.OutputDir)
}

func TestRun_ContinuesAfterFailedDownload(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")
	fake.AddFile(gw2, "gw2")
	fake.AddFile(gw3, "gw3")
	fake.FailRaw(gw2, http.StatusNotFound)

	cfg := testConfig(t, fake)
	report, err := newTestEngine(cfg, false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if report.Downloaded != 2 {
		t.Errorf("expected 2 downloads, got %d", report.Downloaded)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(report.Failed))
	}
	failed := report.Failed[0]
	if failed.Path != gw2 || failed.Kind != KindHTTP {
		t.Errorf("unexpected failure %+v", failed)
	}

	gws := filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws")
	if readFile(t, filepath.Join(gws, "gw1.csv")) != "gw1" {
		t.Error("gw1.csv not written")
	}
	if readFile(t, filepath.Join(gws, "gw3.csv")) != "gw3" {
		t.Error("gw3.csv not written")
	}
	if _, err := os.Stat(filepath.Join(gws, "gw2.csv")); !os.IsNotExist(err) {
		t.Error("failed download must not leave a file")
	}
	assertNoTempFiles(t, cfg.Paths.OutputDir)
}

func TestRun_TreeFailureAbortsBeforeDownloads(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			fake := newFake(t)
			fake.AddFile(gw1, "gw1")
			fake.FailTree(status)

			cfg := testConfig(t, fake)
			report, err := newTestEngine(cfg, false).Run(context.Background())
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var statusErr *github.StatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != status {
				t.Fatalf("expected StatusError %d, got %v", status, err)
			}
			if fake.TotalRawHits() != 0 {
				t.Errorf("expected zero downloads, got %d", fake.TotalRawHits())
			}
			if report.Downloaded != 0 {
				t.Errorf("expected zero downloads in report, got %d", report.Downloaded)
			}
			if _, err := os.Stat(cfg.StateFilePath()); !os.IsNotExist(err) {
				t.Error("state must not be written when listing fails")
			}
		})
	}
}

func TestRun_Idempotent(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "name,points\nSalah,12\n")
	fake.AddFile("data/2023-24/cleaned_players.csv", "first_name,second_name\nMohamed,Salah\n")

	cfg := testConfig(t, fake)
	engine := newTestEngine(cfg, false)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := readFile(t, filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws", "gw1.csv"))

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second := readFile(t, filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws", "gw1.csv"))

	if first != second {
		t.Errorf("content changed between runs: %q != %q", first, second)
	}
	if report.Downloaded != 2 {
		t.Errorf("files are overwritten on every run, expected 2 downloads, got %d", report.Downloaded)
	}

	var count int
	_ = filepath.Walk(cfg.Paths.OutputDir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			count++
		}
		return nil
	})
	if count != 2 {
		t.Errorf("expected exactly 2 files on disk, got %d", count)
	}
}

func TestRun_OverwritesChangedContent(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "v1")

	cfg := testConfig(t, fake)
	engine := newTestEngine(cfg, false)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	fake.AddFile(gw1, "v2")
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws", "gw1.csv")); got != "v2" {
		t.Errorf("expected v2, got %q", got)
	}
}

func TestRun_Incremental(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")
	fake.AddFile(gw2, "gw2")

	cfg := testConfig(t, fake)
	cfg.Sync.Incremental = true
	engine := newTestEngine(cfg, false)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	fake.AddFile(gw2, "gw2 updated")
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.Skipped != 1 || report.Downloaded != 1 {
		t.Errorf("expected 1 skipped and 1 downloaded, got %+v", report)
	}
	if fake.RawHits(gw1) != 1 {
		t.Errorf("unchanged gw1 should be downloaded once, got %d", fake.RawHits(gw1))
	}
	if fake.RawHits(gw2) != 2 {
		t.Errorf("changed gw2 should be downloaded twice, got %d", fake.RawHits(gw2))
	}
}

func TestRun_DryRun(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")
	fake.AddFile("data/teams.csv", "teams")

	cfg := testConfig(t, fake)
	report, err := newTestEngine(cfg, true).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Planned) != 2 {
		t.Fatalf("expected 2 planned downloads, got %d", len(report.Planned))
	}
	wantURL := fake.RawURL() + "/vaastav/Fantasy-Premier-League/master/" + gw1
	if report.Planned[0].URL != wantURL {
		t.Errorf("planned URL = %s, want %s", report.Planned[0].URL, wantURL)
	}
	wantDest := filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws", "gw1.csv")
	if report.Planned[0].LocalPath != wantDest {
		t.Errorf("planned dest = %s, want %s", report.Planned[0].LocalPath, wantDest)
	}

	if fake.TotalRawHits() != 0 {
		t.Error("dry run must not download")
	}
	if _, err := os.Stat(cfg.Paths.OutputDir); !os.IsNotExist(err) {
		t.Error("dry run must not create the output directory")
	}
}

func TestRun_RetriesTemporaryFailures(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")
	fake.AddFile(gw2, "gw2")
	fake.FailRaw(gw1, http.StatusServiceUnavailable)
	fake.FailRaw(gw2, http.StatusNotFound)

	cfg := testConfig(t, fake)
	cfg.Sync.Retries = 2
	cfg.Sync.RetryBackoff = time.Second

	engine := newTestEngine(cfg, false)
	var slept []time.Duration
	engine.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(report.Failed))
	}
	if fake.RawHits(gw1) != 3 {
		t.Errorf("503 should be tried 3 times, got %d", fake.RawHits(gw1))
	}
	if fake.RawHits(gw2) != 1 {
		t.Errorf("404 must not be retried, got %d", fake.RawHits(gw2))
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("unexpected backoff sequence %v", slept)
	}
}

func TestRun_NoRetriesByDefault(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")
	fake.FailRaw(gw1, http.StatusBadGateway)

	cfg := testConfig(t, fake)
	if _, err := newTestEngine(cfg, false).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fake.RawHits(gw1) != 1 {
		t.Errorf("expected a single attempt, got %d", fake.RawHits(gw1))
	}
}

func TestRun_FilesystemFailureIsContinuable(t *testing.T) {
	fake := newFake(t)
	fake.AddFile("data/2022-23/gws/gw1.csv", "blocked")
	fake.AddFile(gw1, "gw1")

	cfg := testConfig(t, fake)
	// A regular file where a directory is needed
	if err := os.MkdirAll(cfg.Paths.OutputDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Paths.OutputDir, "2022-23"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := newTestEngine(cfg, false).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Failed) != 1 || report.Failed[0].Kind != KindFilesystem {
		t.Fatalf("expected one filesystem failure, got %+v", report.Failed)
	}
	if report.Failed[0].Retryable() {
		t.Error("filesystem failures must not be retryable")
	}
	if report.Downloaded != 1 {
		t.Errorf("expected remaining file to be downloaded, got %d", report.Downloaded)
	}
}

func TestRun_Concurrent(t *testing.T) {
	fake := newFake(t)
	for season := 2016; season < 2024; season++ {
		for gw := 1; gw <= 5; gw++ {
			fake.AddFile(fmt.Sprintf("data/%d-%02d/gws/gw%d.csv", season, (season+1)%100, gw), fmt.Sprintf("%d:%d", season, gw))
		}
	}

	cfg := testConfig(t, fake)
	cfg.Sync.Concurrency = 8

	report, err := newTestEngine(cfg, false).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Downloaded != 40 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report downloaded=%d failed=%d", report.Downloaded, len(report.Failed))
	}

	got := readFile(t, filepath.Join(cfg.Paths.OutputDir, "2020-21", "gws", "gw3.csv"))
	if got != "2020:3" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestRun_SequentialKeepsTreeOrder(t *testing.T) {
	entries := []github.TreeEntry{
		{Path: "data/c.csv", Type: github.TypeBlob},
		{Path: "data/a.csv", Type: github.TypeBlob},
		{Path: "data/b.csv", Type: github.TypeBlob},
	}
	client := &mockClient{tree: &github.Tree{Entries: entries}}

	cfg := testConfig(t, nil)
	report, err := NewEngine(cfg, client, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Downloaded != 3 {
		t.Fatalf("expected 3 downloads, got %d", report.Downloaded)
	}

	want := []string{"data/c.csv", "data/a.csv", "data/b.csv"}
	for i := range want {
		if client.fetched[i] != want[i] {
			t.Errorf("download %d = %s, want %s", i, client.fetched[i], want[i])
		}
	}
}

func TestRun_WritesState(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")
	fake.AddFile(gw2, "gw2")

	cfg := testConfig(t, fake)
	engine := newTestEngine(cfg, false)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.StateFilePath())
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatal(err)
	}

	if state.RunID != report.RunID {
		t.Errorf("state run id %s != report run id %s", state.RunID, report.RunID)
	}
	if state.TreeSHA == "" || state.TreeSHA != report.TreeSHA {
		t.Errorf("unexpected tree sha %q", state.TreeSHA)
	}
	if state.Repository != "vaastav/Fantasy-Premier-League@master" {
		t.Errorf("unexpected repository %s", state.Repository)
	}
	mf, ok := state.Files[gw1]
	if !ok {
		t.Fatalf("expected %s in state", gw1)
	}
	if mf.SHA != testutil.BlobSHA("gw1") || mf.Size != 3 {
		t.Errorf("unexpected state entry %+v", mf)
	}
	if mf.LocalPath != filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws", "gw1.csv") {
		t.Errorf("unexpected local path %s", mf.LocalPath)
	}
}

func TestRun_StateKeepsPreviousRecordOnFailure(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")

	cfg := testConfig(t, fake)
	engine := newTestEngine(cfg, false)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	fake.AddFile(gw1, "gw1 v2")
	fake.FailRaw(gw1, http.StatusInternalServerError)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	state, err := engine.loadState()
	if err != nil {
		t.Fatal(err)
	}
	if state.Files[gw1].SHA != testutil.BlobSHA("gw1") {
		t.Errorf("expected previous record to be kept, got %+v", state.Files[gw1])
	}
}

func TestRun_CorruptStateIsIgnored(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")

	cfg := testConfig(t, fake)
	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.StateFilePath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := newTestEngine(cfg, false).Run(context.Background())
	if err != nil {
		t.Fatalf("corrupt state must not fail the run: %v", err)
	}
	if report.Downloaded != 1 {
		t.Errorf("expected 1 download, got %d", report.Downloaded)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")

	cfg := testConfig(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestEngine(cfg, false).Run(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if fake.TotalRawHits() != 0 {
		t.Error("no downloads expected after cancellation")
	}
}

func TestRun_MissingTreeKeepsState(t *testing.T) {
	for _, body := range []string{`{"message":"ok"}`, `null`} {
		t.Run(body, func(t *testing.T) {
			fake := newFake(t)
			fake.AddFile(gw1, "gw1")

			cfg := testConfig(t, fake)
			engine := newTestEngine(cfg, false)
			if _, err := engine.Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			before, err := os.ReadFile(cfg.StateFilePath())
			if err != nil {
				t.Fatal(err)
			}

			fake.SetTreeBody(body)
			if _, err := engine.Run(context.Background()); !errors.Is(err, github.ErrMissingTree) {
				t.Fatalf("expected ErrMissingTree, got %v", err)
			}

			after, err := os.ReadFile(cfg.StateFilePath())
			if err != nil {
				t.Fatal(err)
			}
			if string(after) != string(before) {
				t.Errorf("state file changed after failed listing:\n%s", after)
			}
		})
	}
}

func TestRun_CanceledDownloadStopsRun(t *testing.T) {
	cfg := testConfig(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &mockClient{
		tree: &github.Tree{Entries: []github.TreeEntry{
			{Path: gw1, Type: github.TypeBlob},
			{Path: gw2, Type: github.TypeBlob},
			{Path: gw3, Type: github.TypeBlob},
		}},
		fetchErr: map[string]error{gw1: fmt.Errorf("get %s: %w", gw1, context.Canceled)},
		onFetch: func(path string) {
			if path == gw1 {
				cancel()
			}
		},
	}

	report, err := NewEngine(cfg, client, testLogger(), false).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(report.Failed) != 0 {
		t.Errorf("canceled downloads must not be reported as failed files, got %v", report.Failed)
	}
	if len(client.fetched) != 1 {
		t.Errorf("expected no downloads after cancellation, fetched %v", client.fetched)
	}
	if _, err := os.Stat(cfg.StateFilePath()); !os.IsNotExist(err) {
		t.Error("state must not be written for a canceled run")
	}
}

func TestRun_NonContinuableFailureAborts(t *testing.T) {
	cfg := testConfig(t, nil)
	client := &mockClient{
		tree: &github.Tree{Entries: []github.TreeEntry{
			{Path: gw1, Type: github.TypeBlob},
			{Path: gw2, Type: github.TypeBlob},
		}},
		fetchErr: map[string]error{gw1: fmt.Errorf("get %s: %w", gw1, context.Canceled)},
	}

	report, err := NewEngine(cfg, client, testLogger(), false).Run(context.Background())

	var dlErr *DownloadError
	if !errors.As(err, &dlErr) || dlErr.Path != gw1 {
		t.Fatalf("expected run to abort with the gw1 error, got %v", err)
	}
	if report.Downloaded != 0 || len(report.Failed) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(client.fetched) != 1 {
		t.Errorf("expected scheduling to stop after gw1, fetched %v", client.fetched)
	}
}

func TestRun_DryRunIncrementalSkipsUnchanged(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "gw1")
	fake.AddFile(gw2, "gw2")

	cfg := testConfig(t, fake)
	cfg.Sync.Incremental = true
	if _, err := newTestEngine(cfg, false).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	fake.AddFile(gw2, "gw2 updated")
	hits := fake.TotalRawHits()

	report, err := newTestEngine(cfg, true).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.Skipped != 1 {
		t.Errorf("expected 1 skipped file, got %d", report.Skipped)
	}
	if len(report.Planned) != 1 || report.Planned[0].Entry.Path != gw2 {
		t.Errorf("expected only gw2 to be planned, got %+v", report.Planned)
	}
	if fake.TotalRawHits() != hits {
		t.Error("dry run must not download")
	}
}

func TestRun_ZeroConcurrencyDoesNotBlock(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Sync.Concurrency = 0
	client := &mockClient{tree: &github.Tree{Entries: []github.TreeEntry{
		{Path: gw1, Type: github.TypeBlob},
		{Path: gw2, Type: github.TypeBlob},
	}}}

	done := make(chan *Report, 1)
	go func() {
		report, err := NewEngine(cfg, client, testLogger(), false).Run(context.Background())
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
		done <- report
	}()

	select {
	case report := <-done:
		if report == nil || report.Downloaded != 2 {
			t.Errorf("expected 2 downloads, got %+v", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked with concurrency 0")
	}
}

func TestDownload_LocalPath(t *testing.T) {
	fake := newFake(t)
	fake.AddFile(gw1, "name,points\n")

	cfg := testConfig(t, fake)
	engine := newTestEngine(cfg, false)

	if err := engine.Download(context.Background(), github.TreeEntry{Path: gw1, Type: github.TypeBlob}); err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	dir := filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws")
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory %s to be created", dir)
	}
	if got := readFile(t, filepath.Join(dir, "gw1.csv")); got != "name,points\n" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestDownload_InvalidPath(t *testing.T) {
	cfg := testConfig(t, nil)
	engine := NewEngine(cfg, &mockClient{}, testLogger(), false)

	err := engine.Download(context.Background(), github.TreeEntry{Path: "data/../../escape.csv"})

	var dlErr *DownloadError
	if !errors.As(err, &dlErr) || dlErr.Kind != KindInvalidPath {
		t.Fatalf("expected invalid path error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(cfg.Paths.OutputDir), "escape.csv")); !os.IsNotExist(statErr) {
		t.Error("file written outside the output directory")
	}
}

func TestDownload_InterruptedBodyLeavesNoFile(t *testing.T) {
	cfg := testConfig(t, nil)
	client := &mockClient{bodies: map[string]io.ReadCloser{gw1: &failingReader{}}}
	engine := NewEngine(cfg, client, testLogger(), false)

	err := engine.Download(context.Background(), github.TreeEntry{Path: gw1})

	var dlErr *DownloadError
	if !errors.As(err, &dlErr) || dlErr.Kind != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if !dlErr.Retryable() {
		t.Error("interrupted body should be retryable")
	}

	dest := filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws", "gw1.csv")
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("interrupted download must not leave a destination file")
	}
	assertNoTempFiles(t, cfg.Paths.OutputDir)
}

func TestDownload_InterruptedBodyKeepsPreviousFile(t *testing.T) {
	cfg := testConfig(t, nil)
	dest := filepath.Join(cfg.Paths.OutputDir, "2023-24", "gws", "gw1.csv")
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}

	client := &mockClient{bodies: map[string]io.ReadCloser{gw1: &failingReader{}}}
	engine := NewEngine(cfg, client, testLogger(), false)
	if err := engine.Download(context.Background(), github.TreeEntry{Path: gw1}); err == nil {
		t.Fatal("expected error")
	}

	if got := readFile(t, dest); got != "previous" {
		t.Errorf("previous file was modified: %q", got)
	}
}

func TestDownloadError_Classification(t *testing.T) {
	tests := []struct {
		name        string
		err         *DownloadError
		retryable   bool
		continuable bool
	}{
		{
			name:        "network",
			err:         fetchError("p", errors.New("dial tcp: connection refused")),
			retryable:   true,
			continuable: true,
		},
		{
			name:        "canceled",
			err:         fetchError("p", fmt.Errorf("get: %w", context.Canceled)),
			retryable:   false,
			continuable: false,
		},
		{
			name:        "http 500",
			err:         fetchError("p", &github.StatusError{StatusCode: http.StatusInternalServerError}),
			retryable:   true,
			continuable: true,
		},
		{
			name:        "http 429",
			err:         fetchError("p", &github.StatusError{StatusCode: http.StatusTooManyRequests}),
			retryable:   true,
			continuable: true,
		},
		{
			name:        "http 404",
			err:         fetchError("p", &github.StatusError{StatusCode: http.StatusNotFound}),
			retryable:   false,
			continuable: true,
		},
		{
			name:        "filesystem",
			err:         &DownloadError{Path: "p", Kind: KindFilesystem, Err: os.ErrPermission},
			retryable:   false,
			continuable: true,
		},
		{
			name:        "invalid path",
			err:         &DownloadError{Path: "p", Kind: KindInvalidPath, Err: errors.New("bad")},
			retryable:   false,
			continuable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Continuable(); got != tt.continuable {
				t.Errorf("Continuable() = %v, want %v", got, tt.continuable)
			}
			if got := tt.err.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestDownloadError_Message(t *testing.T) {
	err := &DownloadError{Path: gw1, Kind: KindHTTP, Err: errors.New("unexpected status 404")}
	want := "failed to save data/2023-24/gws/gw1.csv (http): unexpected status 404"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(fmt.Errorf("wrapped: %w", err), err.Err) {
		t.Error("expected Unwrap to expose the cause")
	}
}

func TestFileHash(t *testing.T) {
	tmpPath := filepath.Join(t.TempDir(), "test.csv")

	content := "id,web_name\n1,Saka\n"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	hash, err := fileHash(tmpPath)
	if err != nil {
		t.Fatal(err)
	}
	if hash != testutil.BlobSHA(content) {
		t.Errorf("fileHash() = %s, want git blob hash %s", hash, testutil.BlobSHA(content))
	}

	// Empty blob hash as printed by git hash-object /dev/null
	empty := filepath.Join(t.TempDir(), "empty.csv")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	hash, err = fileHash(empty)
	if err != nil {
		t.Fatal(err)
	}
	if hash != "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391" {
		t.Errorf("unexpected empty blob hash %s", hash)
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
