package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fplsync/fplsync/internal/config"
	"github.com/fplsync/fplsync/internal/github"
	"github.com/fplsync/fplsync/internal/mirror"
	"github.com/fplsync/fplsync/internal/webhook"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	strict    bool
)

// errFilesFailed is returned by sync --strict when any file could not be saved
var errFilesFailed = errors.New("one or more files failed to download")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fplsync",
	Short: "Mirror the Fantasy Premier League CSV dataset from GitHub",
	Long: `fplsync mirrors the CSV files under data/ of the vaastav/Fantasy-Premier-League
GitHub repository into a local directory, keeping the remote directory layout.

It can run as a one-shot sync (for example from a systemd timer or cron) or as a
long-running webhook daemon that re-syncs on GitHub push events.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download every CSV file under the data directory",
	Long: `Sync lists the repository tree through the GitHub API, selects the CSV files
below the data directory and downloads each of them from the raw content host.

A failure to list the repository aborts the run. A file that fails to download
is logged and skipped; use --strict to exit non-zero in that case.`,
	RunE: runSync,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the files that sync would download",
	RunE:  runList,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync and then listens for GitHub webhook events,
re-syncing whenever the mirrored branch is pushed.

This mode requires serve.enabled and a webhook secret file in the configuration.
A systemd-activated socket is used when one is passed to the process.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fplsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/fplsync/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be downloaded without writing files")
	syncCmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any file fails to download")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	// Create mirror engine
	engine := mirror.NewEngine(cfg, client, logger, dryRun)

	// Run sync
	report, err := engine.Run(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	if strict && len(report.Failed) > 0 {
		return fmt.Errorf("%w: %d of %d", errFilesFailed, len(report.Failed), report.Matched)
	}

	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	_, files, err := mirror.NewEngine(cfg, client, logger, true).List(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, entry := range files {
		_, _ = fmt.Fprintf(out, "%s\t%s\n", entry.Path, client.RawURL(entry))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is not enabled in configuration (set serve.enabled: true)")
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, client, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig loads --config, or the default config file when it exists, or
// falls back to the built-in defaults. The dotenv file is applied afterwards.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := readConfig(logger)
	if err != nil {
		return nil, err
	}

	if err := cfg.LoadEnvFile(); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.FullName(),
		"branch", cfg.Source.Branch,
		"output_dir", cfg.Paths.OutputDir,
		"state_dir", cfg.Paths.StateDir,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func readConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		return config.Load(cfgFile)
	}

	configPath, err := defaultConfigPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(configPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("no config file found, using defaults", "path", configPath)
			return config.Default(), nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	logger.Info("loading configuration", "path", configPath)
	return config.Load(configPath)
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "fplsync", "config.yaml"), nil
}

// newClient builds the GitHub client for the configured repository
func newClient(cfg *config.Config, logger *slog.Logger) (*github.HTTPClient, error) {
	token, err := cfg.Token()
	if err != nil {
		return nil, err
	}
	if token == "" {
		logger.Warn("no GitHub token configured, API requests are rate limited",
			"token_env", cfg.Auth.TokenEnv)
	}

	repo := github.Repository{
		Owner:  cfg.Source.Owner,
		Name:   cfg.Source.Repo,
		Branch: cfg.Source.Branch,
	}
	return github.NewHTTPClient(repo, cfg.Source.APIURL, cfg.Source.RawURL, token,
		github.WithTimeout(cfg.Sync.Timeout),
		github.WithUserAgent("fplsync/"+version),
	), nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
