package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/storage"
	"github.com/wesm/github-issue-mirror/internal/sync"
)

func newStatusCmd(opts *options) *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show watermarks and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts, cmd.OutOrStdout(), runs, time.Now())
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of recent runs to show")
	return cmd
}

func runStatus(ctx context.Context, opts *options, out io.Writer, runs int, now time.Time) error {
	cfg, err := opts.load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

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

	st, err := database.LoadState(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "=== %s ===\n", cfg.Repository)

	store := storage.New(afero.NewOsFs(), filepath.Join(cfg.DataDir, owner, name))
	fmt.Fprintf(out, "Mirrored objects: %s\n", mirroredObjects(store))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tLAST CHECKED\t")
	for _, stream := range models.AllStreams {
		wm := st.Watermark(stream)
		checked := "never"
		if !wm.LastCheckedAt.IsZero() {
			checked = fmt.Sprintf("%s (%s)", wm.LastCheckedAt.Format(time.RFC3339),
				humanize.RelTime(wm.LastCheckedAt, now, "ago", "from now"))
		}
		fmt.Fprintf(w, "%s\t%s\t\n", stream, checked)
	}
	w.Flush()
	fmt.Fprintln(out)

	records, err := database.LastRuns(ctx, runs)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Recent Runs ===")
	if len(records) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMODE\tOBJECTS\tTHREADS\tNOT MODIFIED\tGONE\tFAILED\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Mode, r.ObjectsWritten, r.ThreadsWritten, r.NotModified, r.Gone, r.Failed,
			truncate(r.Error, 40))
	}
	return w.Flush()
}

func mirroredObjects(store *storage.Store) string {
	ok, err := store.HasIndex()
	if err != nil {
		return fmt.Sprintf("unavailable (%v)", err)
	}
	if !ok {
		return "none yet"
	}
	idx, err := store.LoadIndex()
	if err != nil {
		return fmt.Sprintf("unavailable (%v)", err)
	}
	return humanize.Comma(int64(idx.Len()))
}

// truncate shortens s to at most maxLen runes
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
