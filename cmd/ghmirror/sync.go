package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/logging"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/ratelimit"
	"github.com/wesm/github-issue-mirror/internal/storage"
	"github.com/wesm/github-issue-mirror/internal/sync"
)

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror everything that changed since the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, opts, cmd.OutOrStdout(), http.DefaultTransport)
		},
	}
}

func runSync(ctx context.Context, opts *options, out io.Writer, transport http.RoundTripper) error {
	cfg, err := opts.load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closer, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	owner, name, err := sync.ParseRepositoryString(cfg.Repository)
	if err != nil {
		return err
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := database.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	governor := ratelimit.New(transport,
		ratelimit.WithSafetyMargin(cfg.SafetyMargin()),
		ratelimit.WithLogger(logger))

	client, err := api.NewGitHubClient(owner, name, api.Options{
		Token:      cfg.GitHubToken,
		BaseURL:    cfg.APIBaseURL,
		GraphQLURL: cfg.GraphQLURL,
		Transport:  governor,
		PerPage:    cfg.PerPage,
	})
	if err != nil {
		return err
	}
	if cfg.GitHubToken == "" {
		logger.Warn("no GitHub token configured, using unauthenticated requests")
	}

	store := storage.New(afero.NewOsFs(), filepath.Join(cfg.DataDir, owner, name))
	syncer := sync.New(owner, name, client, database, store,
		sync.WithGovernor(governor, client),
		sync.WithLogger(logger))

	summary, err := syncer.SyncRepository(ctx)
	if err != nil {
		return fmt.Errorf("sync of %s failed: %w", cfg.Repository, err)
	}

	printSummary(out, cfg.Repository, summary)
	return nil
}

func printSummary(out io.Writer, repo string, s *sync.Summary) {
	fmt.Fprintf(out, "Synced %s (%s mode) in %s\n", repo, s.Mode, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  stale:        %d issues, %d pull requests, %d issue threads, %d review threads\n",
		s.Stale[models.StreamIssues], s.Stale[models.StreamPullRequests],
		s.Stale[models.StreamIssueComments], s.Stale[models.StreamPullRequestComments])
	fmt.Fprintf(out, "  written:      %s objects, %s threads\n",
		humanize.Comma(int64(s.ObjectsWritten)), humanize.Comma(int64(s.ThreadsWritten)))
	fmt.Fprintf(out, "  not modified: %s\n", humanize.Comma(int64(s.NotModified)))
	if s.Gone > 0 {
		fmt.Fprintf(out, "  gone:         %d\n", s.Gone)
	}
	if s.Failed > 0 {
		fmt.Fprintf(out, "  failed:       %d (retried on the next run)\n", s.Failed)
	}
}
