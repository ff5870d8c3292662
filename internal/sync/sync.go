package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/clock"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/ratelimit"
	"github.com/wesm/github-issue-mirror/internal/storage"
)

// Remote is the part of the GitHub API the sync engine consumes
type Remote interface {
	GetEvents(ctx context.Context, etag string, fn func([]models.FeedEntry) bool) (string, bool, error)
	ListIssuesSince(ctx context.Context, since time.Time, fn func(models.Summary) bool) error
	ListPullRequestsByUpdated(ctx context.Context, fn func(models.Summary) bool) error
	ListRepoCommentsSince(ctx context.Context, origin models.Origin, since time.Time, fn func(models.CommentRef) bool) error
	GetObject(ctx context.Context, kind models.Kind, number int, etag string) (models.FetchResult, error)
	ListObjectComments(ctx context.Context, number int, origin models.Origin, since time.Time) ([]models.Comment, error)
}

// StateStore persists watermarks, freshness tokens and the run log
type StateStore interface {
	LoadState(ctx context.Context) (*db.State, error)
	Commit(ctx context.Context, st *db.State) error
	LogRun(ctx context.Context, rec db.RunRecord) error
}

// Mode records how a run found its stale objects
type Mode string

const (
	// ModeEvents means the activity feed was trusted
	ModeEvents Mode = "events"
	// ModeScan means the per-stream listings were scanned
	ModeScan Mode = "scan"
	// ModeInitial is a scan with no local mirror yet
	ModeInitial Mode = "initial"
)

// Summary reports the outcome of one run
type Summary struct {
	RunID          string
	Mode           Mode
	Stale          map[models.Stream]int
	ObjectsWritten int
	NotModified    int
	ThreadsWritten int
	Gone           int
	Failed         int
	Duration       time.Duration
}

// Run carries the state of a single sync run through every component
type Run struct {
	ID         string
	CapturedAt time.Time
	FirstRun   bool
	State      *db.State
	Index      *storage.Index

	summary  *Summary
	failures map[models.Stream]int
	logger   *slog.Logger
}

// fail records a failure against stream
func (r *Run) fail(stream models.Stream) {
	r.failures[stream]++
	r.summary.Failed++
}

// failed reports whether anything failed during the run
func (r *Run) failed() bool {
	return r.summary.Failed > 0
}

// since returns the lower bound for a stream's listing. A first run always
// starts from the beginning.
func (r *Run) since(stream models.Stream) time.Time {
	if r.FirstRun {
		return time.Time{}
	}
	return r.State.Watermark(stream).LastCheckedAt
}

// Syncer mirrors one repository into local storage
type Syncer struct {
	owner  string
	name   string
	remote Remote
	state  StateStore
	store  *storage.Store

	governor *ratelimit.Governor
	prober   ratelimit.Prober
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Syncer
type Option func(*Syncer)

// WithGovernor initializes g from p at the start of every run
func WithGovernor(g *ratelimit.Governor, p ratelimit.Prober) Option {
	return func(s *Syncer) {
		s.governor = g
		s.prober = p
	}
}

// WithClock sets the clock used for capture times
func WithClock(c clock.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// New creates a new syncer for owner/name
func New(owner, name string, remote Remote, state StateStore, store *storage.Store, opts ...Option) *Syncer {
	s := &Syncer{
		owner:  owner,
		name:   name,
		remote: remote,
		state:  state,
		store:  store,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncRepository runs one incremental sync. Per-object and per-stream
// failures are counted in the summary; an error is only returned when the
// state could not be loaded or committed, or ctx was cancelled.
func (s *Syncer) SyncRepository(ctx context.Context) (*Summary, error) {
	start := s.clock.Now()
	run := &Run{
		ID:         uuid.NewString(),
		CapturedAt: start.UTC().Truncate(time.Second),
		failures:   make(map[models.Stream]int),
	}
	run.summary = &Summary{RunID: run.ID}
	run.logger = s.logger.With("run_id", run.ID, "repository", s.owner+"/"+s.name)

	err := s.syncRun(ctx, run)
	run.summary.Duration = s.clock.Now().Sub(start)

	rec := db.RunRecord{
		ID:             run.ID,
		StartedAt:      start,
		FinishedAt:     s.clock.Now(),
		Mode:           string(run.summary.Mode),
		ObjectsWritten: run.summary.ObjectsWritten,
		ThreadsWritten: run.summary.ThreadsWritten,
		NotModified:    run.summary.NotModified,
		Gone:           run.summary.Gone,
		Failed:         run.summary.Failed,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if logErr := s.state.LogRun(context.WithoutCancel(ctx), rec); logErr != nil {
		run.logger.Warn("failed to record run", "err", logErr)
	}

	if err != nil {
		return run.summary, err
	}

	run.logger.Info("sync complete",
		"mode", run.summary.Mode,
		"objects_written", run.summary.ObjectsWritten,
		"not_modified", run.summary.NotModified,
		"threads_written", run.summary.ThreadsWritten,
		"gone", run.summary.Gone,
		"failed", run.summary.Failed,
		"duration", run.summary.Duration.Round(time.Millisecond))
	return run.summary, nil
}

func (s *Syncer) syncRun(ctx context.Context, run *Run) error {
	if s.governor != nil && s.prober != nil {
		s.governor.Init(ctx, s.prober)
	}

	st, err := s.state.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	run.State = st

	hasIndex, err := s.store.HasIndex()
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	run.Index = storage.NewIndex()
	if hasIndex {
		if run.Index, err = s.store.LoadIndex(); err != nil {
			return fmt.Errorf("failed to load index: %w", err)
		}
	}
	run.FirstRun = !hasIndex || st.Watermark(models.StreamIssues).LastCheckedAt.IsZero()

	run.logger.Info("starting sync",
		"first_run", run.FirstRun,
		"events_watermark", st.Watermark(models.StreamEvents).LastCheckedAt)

	set, err := s.detectFromEvents(ctx, run)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run.logger.Warn("activity feed unavailable, falling back to scan", "err", err)
		run.fail(models.StreamEvents)
	}

	switch {
	case run.FirstRun:
		run.summary.Mode = ModeInitial
		set = s.scan(ctx, run)
	case set == nil || !set.Trustworthy:
		run.summary.Mode = ModeScan
		set = s.scan(ctx, run)
	default:
		run.summary.Mode = ModeEvents
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	run.summary.Stale = set.Counts()

	run.logger.Info("stale objects found",
		"mode", run.summary.Mode,
		"issues", set.Len(models.StreamIssues),
		"pull_requests", set.Len(models.StreamPullRequests),
		"issue_comments", set.Len(models.StreamIssueComments),
		"pull_request_comments", set.Len(models.StreamPullRequestComments))

	s.refreshAll(ctx, run, set)
	s.mergeAll(ctx, run, set)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if run.Index.Dirty() || !hasIndex {
		if err := s.store.SaveIndex(run.Index, run.CapturedAt); err != nil {
			// Listing scans rebuild the index, so only those streams are held back
			run.logger.Warn("failed to save index", "err", err)
			run.fail(models.StreamIssues)
			run.fail(models.StreamPullRequests)
		}
	}

	s.stageWatermarks(run)

	if err := s.state.Commit(ctx, run.State); err != nil {
		return fmt.Errorf("failed to commit sync state: %w", err)
	}
	return nil
}

// stageWatermarks advances every stream that completed without failure. The
// feed watermark only moves when the whole run succeeded, since the next
// feed pass must cover anything a failed stream left behind.
func (s *Syncer) stageWatermarks(run *Run) {
	for _, stream := range models.RefreshableStreams {
		if run.failures[stream] > 0 {
			run.logger.Warn("holding back watermark", "stream", stream, "failures", run.failures[stream])
			continue
		}
		run.State.StageWatermark(stream, models.Watermark{LastCheckedAt: run.CapturedAt})
	}
	if run.failed() {
		run.State.Unstage(models.StreamEvents)
	}
}

// recordError classifies a per-object error. Objects deleted upstream are
// logged and left as holes; anything else counts against the stream.
func (s *Syncer) recordError(run *Run, stream models.Stream, number int, kind models.Kind, err error) {
	if errors.Is(err, api.ErrNotFound) {
		run.summary.Gone++
		run.logger.Info("object gone upstream", "number", number, "kind", kind)
		return
	}
	run.fail(stream)
	run.logger.Warn("failed to sync object", "stream", stream, "number", number, "kind", kind, "err", err)
}

// ParseRepositoryString parses a repository string in the format "owner/name"
func ParseRepositoryString(repoStr string) (string, string, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return parts[0], parts[1], nil
}
