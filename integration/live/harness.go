//go:build integration

package live

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fplsync/fplsync/internal/testutil"
)

const (
	tokenEnv       = "GITHUB_API_KEY"
	defaultTimeout = 10 * time.Minute
)

// Harness builds the fplsync binary once and runs it against the real
// GitHub API inside a scratch working directory
type Harness struct {
	t          *testing.T
	binary     string
	workDir    string
	configPath string
	keepOnFail bool
}

// NewHarness creates a new test harness. The test is skipped when no GitHub
// token is available.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if os.Getenv(tokenEnv) == "" {
		t.Skipf("%s not set, skipping live GitHub tests", tokenEnv)
	}

	workDir, err := os.MkdirTemp("", "fplsync-live-*")
	if err != nil {
		t.Fatalf("create work dir: %v", err)
	}

	h := &Harness{
		t:          t,
		workDir:    workDir,
		keepOnFail: os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
	t.Cleanup(h.Cleanup)
	return h
}

// Build compiles the fplsync binary into the work directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "fplsync")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/fplsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	h.t.Logf("Binary built at %s", h.binary)
	return nil
}

// WriteConfig writes a config file into the work directory. Relative paths
// in content resolve against the work directory.
func (h *Harness) WriteConfig(content string) {
	h.t.Helper()
	h.configPath = filepath.Join(h.workDir, "config.yaml")
	if err := os.WriteFile(h.configPath, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes fplsync with args and returns stdout, stderr and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}
	if h.configPath != "" {
		args = append(args, "--config", h.configPath)
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes fplsync and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Path returns rel resolved against the work directory
func (h *Harness) Path(rel string) string {
	return filepath.Join(h.workDir, rel)
}

// FileExists checks if a regular file exists below the work directory
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(h.Path(rel))
	return err == nil && info.Mode().IsRegular()
}

// Cleanup removes the work directory
func (h *Harness) Cleanup() {
	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, keeping %s", h.workDir)
		return
	}
	if err := os.RemoveAll(h.workDir); err != nil {
		h.t.Logf("Warning: failed to remove work dir: %v", err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
