package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/romtools/rommerge/internal/config"
	"github.com/romtools/rommerge/internal/git"
	"github.com/romtools/rommerge/internal/manifest"
	"github.com/romtools/rommerge/internal/merge"
	"github.com/romtools/rommerge/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
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

	// Merge command flags
	sourceDir   string
	manifestDir string
	systemTag   string
	vendorTag   string
	workers     int
	push        bool
	setVersion  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rommerge",
	Short: "Merge upstream revisions across a multi-repository source tree",
	Long: `rommerge synchronizes an Android ROM-style source tree against one or two
upstream manifest sources. It downloads the upstream manifests, rewrites them
for local tracking, merges the upstream tag into every tracked repository in
parallel and optionally pushes the results to the publish remote.`,
	SilenceUsage: true,
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge the upstream tags into all tracked repositories",
	Long: `Merge fetches the system and/or vendor upstream manifests, updates the local
manifest copies, bumps the default manifest revisions, then merges the
upstream tag into every repository listed in both the baseline manifest and
an upstream manifest. Repositories are processed concurrently; a failure in
one repository never affects the others.`,
	RunE: runMerge,
}

var setVersionCmd = &cobra.Command{
	Use:   "set-version <major.minor>",
	Short: "Patch the version makefile",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetVersion,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rommerge %s\n", buildVersion)
		fmt.Printf("  commit: %s\n", buildCommit)
		fmt.Printf("  built:  %s\n", buildDate)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in configuration)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Merge command flags
	mergeCmd.Flags().StringVar(&sourceDir, "source-dir", "", "source tree root (overrides config)")
	mergeCmd.Flags().StringVar(&manifestDir, "manifest-dir", "", "manifest directory (overrides config)")
	mergeCmd.Flags().StringVarP(&systemTag, "system-tag", "s", "", "upstream system tag to merge")
	mergeCmd.Flags().StringVarP(&vendorTag, "vendor-tag", "v", "", "upstream vendor tag to merge")
	mergeCmd.Flags().IntVarP(&workers, "threads", "t", 0, "merge worker count (default: one per processor)")
	mergeCmd.Flags().BoolVarP(&push, "push", "p", false, "push merged repositories to the publish remote")
	mergeCmd.Flags().StringVar(&setVersion, "set-version", "", "version (major.minor) to write after merging")

	// Add commands
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(setVersionCmd)
	rootCmd.AddCommand(versionCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	if systemTag == "" && vendorTag == "" {
		return fmt.Errorf("no tags specified, set at least one of --system-tag or --vendor-tag")
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	gitClient := git.NewShellClient()
	httpClient := &http.Client{Timeout: 60 * time.Second}

	// Download and rewrite the upstream manifests concurrently. A broken
	// upstream drops that upstream's jobs; the other one still proceeds, so
	// the group is not context-bound.
	var system, vendor *merge.Upstream
	var g errgroup.Group
	g.Go(func() error {
		var err error
		system, err = prepareUpstream(ctx, logger, cfg, httpClient, "system", systemTag)
		return err
	})
	g.Go(func() error {
		var err error
		vendor, err = prepareUpstream(ctx, logger, cfg, httpClient, "vendor", vendorTag)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Warn("continuing without a failed upstream", "error", err)
	}

	// The baseline manifest defines which repositories exist at all; without
	// it no jobs can be derived.
	baselineFile := manifest.NewFile(cfg.Source.ManifestDir, cfg.Source.BaselineManifest, "")
	baseline, err := manifest.Repos(baselineFile)
	if err != nil {
		return fmt.Errorf("failed to read baseline manifest: %w", err)
	}

	if err := updateDefaultManifest(ctx, logger, cfg, gitClient, system, vendor); err != nil {
		logger.Error("failed to update default manifest", "error", err)
	}

	jobs := merge.BuildJobs(baseline, system, vendor, cfg.Source.Dir, cfg.Merge.Push)
	logger.Info("starting merge run", "jobs", len(jobs), "workers", cfg.Merge.Workers, "push", cfg.Merge.Push)

	engine := merge.NewEngine(gitClient, logger, merge.Options{
		PublishRemote: cfg.Publish.Remote,
		PublishBranch: cfg.Publish.Branch,
		Workers:       cfg.Merge.Workers,
	})
	outcomes := engine.Run(ctx, jobs)
	summarize(logger, outcomes)

	if setVersion != "" {
		v, err := version.ParseVersion(setVersion)
		if err != nil {
			return err
		}
		path := filepath.Join(cfg.Source.Dir, cfg.Version.File)
		if err := version.Patch(path, cfg.Version.Prefix, v); err != nil {
			return fmt.Errorf("failed to set version: %w", err)
		}
		logger.Info("version set", "version", v.String(), "file", path)
	}

	return nil
}

func runSetVersion(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v, err := version.ParseVersion(args[0])
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.Source.Dir, cfg.Version.File)
	if err := version.Patch(path, cfg.Version.Prefix, v); err != nil {
		return fmt.Errorf("failed to set version: %w", err)
	}
	logger.Info("version set", "version", v.String(), "file", path)
	return nil
}

// prepareUpstream downloads and rewrites one upstream manifest and loads its
// repository mapping. A returned error disables that upstream but never
// aborts the run.
func prepareUpstream(ctx context.Context, logger *slog.Logger, cfg *config.Config, client *http.Client, name, tag string) (*merge.Upstream, error) {
	if tag == "" {
		return nil, nil
	}

	f := manifest.NewFile(cfg.Source.ManifestDir, name, tag)
	url := cfg.ManifestURL(name, tag)

	logger.Info("updating upstream manifest", "upstream", name, "tag", tag, "url", url)
	if err := manifest.Update(ctx, client, f, url, cfg.RemoteName(name), cfg.Upstream.ShallowClonePrefixes); err != nil {
		return nil, fmt.Errorf("failed to update %s manifest: %w", name, err)
	}

	repos, err := manifest.Repos(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s manifest: %w", name, err)
	}

	return &merge.Upstream{
		Spec: merge.RemoteSpec{
			Name:     cfg.RemoteName(name),
			URL:      cfg.Upstream.RemoteURL,
			Revision: f.Revision(),
		},
		Repos: repos,
	}, nil
}

// updateDefaultManifest bumps the default manifest's remote revisions to the
// new upstream revision and commits the manifest repository. The system
// upstream wins when both are present.
func updateDefaultManifest(ctx context.Context, logger *slog.Logger, cfg *config.Config, gitClient git.Client, system, vendor *merge.Upstream) error {
	upstream := system
	label := "system"
	if upstream == nil {
		upstream = vendor
		label = "vendor"
	}
	if upstream == nil {
		return nil
	}

	f := manifest.NewFile(cfg.Source.ManifestDir, cfg.Source.DefaultManifest, "")
	changed, err := manifest.BumpRemoteRevision(f, upstream.Spec.Name, upstream.Spec.Revision)
	if err != nil {
		return err
	}
	if !changed {
		logger.Info("default manifest already at revision", "revision", upstream.Spec.Revision)
		return nil
	}

	msg := fmt.Sprintf("%s: Update default manifest to %s", label, upstream.Spec.Revision)
	logger.Info("committing default manifest", "message", msg)

	dir := cfg.Source.ManifestDir
	if err := gitClient.Open(ctx, dir); err != nil {
		return err
	}
	if err := gitClient.StageAll(ctx, dir); err != nil {
		return err
	}
	if _, err := gitClient.Commit(ctx, dir, msg); err != nil {
		return err
	}
	if cfg.Merge.Push {
		if err := gitClient.Push(ctx, dir, cfg.Publish.Remote, cfg.Publish.Branch); err != nil {
			return fmt.Errorf("failed to push manifest repository: %w", err)
		}
	}
	return nil
}

// summarize logs the aggregate result of a merge run.
func summarize(logger *slog.Logger, outcomes []merge.Outcome) {
	var merged, upToDate, conflicts, errors int
	for _, o := range outcomes {
		switch o.Status {
		case merge.StatusMerged:
			merged++
		case merge.StatusUpToDate:
			upToDate++
		case merge.StatusConflict:
			conflicts++
		case merge.StatusError:
			errors++
		}
	}
	logger.Info("merge run complete",
		"merged", merged,
		"up_to_date", upToDate,
		"conflicts", conflicts,
		"errors", errors)
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

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile == "" {
		cfg := config.Default()
		applyFlagOverrides(cfg)
		return cfg, nil
	}

	logger.Info("loading configuration", "path", cfgFile)
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg)

	logger.Debug("configuration loaded",
		"source_dir", cfg.Source.Dir,
		"manifest_dir", cfg.Source.ManifestDir,
		"publish_remote", cfg.Publish.Remote,
		"publish_branch", cfg.Publish.Branch)

	return cfg, nil
}

// applyFlagOverrides lets command line flags win over config file values.
func applyFlagOverrides(cfg *config.Config) {
	if sourceDir != "" {
		cfg.Source.Dir = sourceDir
	}
	if manifestDir != "" {
		cfg.Source.ManifestDir = manifestDir
	}
	if workers > 0 {
		cfg.Merge.Workers = workers
	}
	if push {
		cfg.Merge.Push = true
	}
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
