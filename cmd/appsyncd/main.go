package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hopkinslab/appsyncd/internal/apply"
	"github.com/hopkinslab/appsyncd/internal/config"
	"github.com/hopkinslab/appsyncd/internal/git"
	"github.com/hopkinslab/appsyncd/internal/update"
	"github.com/hopkinslab/appsyncd/internal/version"
	"github.com/hopkinslab/appsyncd/internal/workspace"
)

var (
	// Set by goreleaser
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	assumeYes bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "appsyncd",
	Short: "Keep a local application installation in sync with its source repository",
	Long: `appsyncd keeps a locally installed copy of the analysis application's source
files synchronized with the canonical GitHub repository.

It compares the persisted version identifier against the repository's current
commit, stages a fresh snapshot when they differ, and replaces the managed
files - deferring the replacement to a detached helper process when the
running program's own files are among the targets.`,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether an update is available",
	Long: `Check queries the configured repository for its current commit and compares
it against the locally persisted version identifier. No files are modified.`,
	RunE: runCheck,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for an update and apply it after confirmation",
	Long: `Update performs a version check and, when the remote has moved ahead, asks
for confirmation, stages a snapshot of the repository, and replaces the
managed files.

With the deferred strategy (the default on Windows) the process exits once
the replacement is scheduled so that a detached helper can move files the
running program holds open.`,
	RunE: runUpdate,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the staging workspace left by a previous update",
	RunE:  runClean,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("appsyncd %s\n", buildVersion)
		fmt.Printf("  commit: %s\n", buildCommit)
		fmt.Printf("  built:  %s\n", buildDate)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/appsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Update command flags
	updateCmd.Flags().BoolVar(&assumeYes, "yes", false, "apply an available update without prompting")

	// Add commands
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	result, err := orch.Check(ctx)
	if err != nil {
		return err
	}

	switch result.Status {
	case update.StatusUpToDate:
		fmt.Printf("up to date (%s)\n", result.Local)
	case update.StatusUpdateAvailable:
		fmt.Printf("update available: %s -> %s\n", result.Local, result.Remote)
	case update.StatusCheckFailed:
		return fmt.Errorf("check failed: %w", result.Err)
	}

	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	if err := orch.Run(ctx); err != nil {
		logger.Error("update failed", "error", err)
		return err
	}

	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	return orch.Clean()
}

// buildOrchestrator wires the update subsystem with terminal-backed host
// callbacks.
func buildOrchestrator(cfg *config.Config, logger *slog.Logger) (*update.Orchestrator, error) {
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	store := version.NewStore(cfg.VersionFilePath())
	cleaner := workspace.NewCleaner(logger)
	stager := workspace.NewStager(gitClient, cleaner, logger)
	immediate := apply.NewImmediate(logger)
	deferred := apply.NewDeferred(store, cfg.Update.GraceInterval.Std(), logger)

	return update.New(cfg, gitClient, store, stager, cleaner, immediate, deferred, confirmPrompt, printOutput, logger)
}

// confirmPrompt asks a yes/no question on the terminal.
func confirmPrompt(prompt string) bool {
	if assumeYes {
		return true
	}

	fmt.Printf("%s (y/n): ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), "y")
}

func printOutput(text string) {
	fmt.Println(text)
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
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/appsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"ref", cfg.Repo.Ref,
		"root_dir", cfg.Paths.RootDir,
		"strategy", cfg.Update.Strategy)

	return cfg, nil
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
