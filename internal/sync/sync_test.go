package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/github-issue-mirror/internal/clock"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// crashingStore fails every commit, as if the process died right before it
type crashingStore struct {
	*db.DB
}

func (c *crashingStore) Commit(ctx context.Context, st *db.State) error {
	return errors.New("simulated crash")
}

type harness struct {
	remote *fakeRemote
	db     *db.DB
	fs     afero.Fs
	store  *storage.Store
	clock  *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, database.Initialize(context.Background()))
	t.Cleanup(func() { database.Close() })

	fs := afero.NewMemMapFs()
	return &harness{
		remote: newFakeRemote(),
		db:     database,
		fs:     fs,
		store:  storage.New(fs, "/mirror/octo/repo"),
		clock:  clock.NewFake(t0),
	}
}

func (h *harness) syncer(state StateStore) *Syncer {
	return New("octo", "repo", h.remote, state, h.store,
		WithClock(h.clock), WithLogger(discardLogger()))
}

func (h *harness) run(t *testing.T) *Summary {
	t.Helper()
	summary, err := h.syncer(h.db).SyncRepository(context.Background())
	require.NoError(t, err)
	return summary
}

func (h *harness) watermark(t *testing.T, stream models.Stream) models.Watermark {
	t.Helper()
	st, err := h.db.LoadState(context.Background())
	require.NoError(t, err)
	return st.Watermark(stream)
}

func (h *harness) thread(t *testing.T, number int) *models.CommentThread {
	t.Helper()
	thread, err := h.store.ReadThread(number)
	require.NoError(t, err)
	return thread
}

func commentIDs(thread *models.CommentThread) []int64 {
	var ids []int64
	for _, c := range thread.Comments {
		ids = append(ids, c.ID)
	}
	return ids
}

// seedThreeIssues sets up issues 1, 3 and 7 with one comment on issue 3
func seedThreeIssues(h *harness) {
	for _, n := range []int{1, 3, 7} {
		h.remote.addObject(n, models.KindIssue, t0.Add(-time.Hour))
	}
	h.remote.addComment(fakeComment{number: 3, origin: models.OriginOrdinary, id: 10,
		createdAt: t0.Add(-30 * time.Minute), body: "first"})
}

func TestFirstRun(t *testing.T) {
	h := newHarness(t)
	seedThreeIssues(h)

	summary := h.run(t)

	assert.Equal(t, ModeInitial, summary.Mode)
	assert.Equal(t, 3, summary.ObjectsWritten)
	assert.Equal(t, 1, summary.ThreadsWritten)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, h.remote.commentListings, "first run fetches threads whole")

	for _, n := range []int{1, 3, 7} {
		exists, err := afero.Exists(h.fs, filepath.Join("/mirror/octo/repo/0xx", filepath.Base(h.store.ObjectPath(n))))
		require.NoError(t, err)
		assert.True(t, exists, "object %d", n)

		obj, err := h.store.ReadObject(n)
		require.NoError(t, err)
		require.NotNil(t, obj)
		assert.Equal(t, models.KindIssue, obj.Kind)
	}

	for _, stream := range models.AllStreams {
		assert.Equal(t, t0, h.watermark(t, stream).LastCheckedAt, stream)
	}
	assert.Equal(t, `"feed-0"`, h.watermark(t, models.StreamEvents).FeedToken)

	idx, err := h.store.LoadIndex()
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len())

	runs, err := h.db.LastRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].ID)
	assert.Equal(t, 3, runs[0].ObjectsWritten)
}

func TestSecondRunAppendsNewComment(t *testing.T) {
	tests := []struct {
		name     string
		feed     func(h *harness)
		wantMode Mode
	}{
		{
			name: "trusted feed",
			feed: func(h *harness) {
				h.remote.eventsETag = `"feed-1"`
				h.remote.events = []models.FeedEntry{
					{ID: "2", Type: "IssueCommentEvent", CreatedAt: t0.Add(30 * time.Minute), Number: 3},
					{ID: "1", Type: "IssuesEvent", CreatedAt: t0.Add(-time.Hour), Number: 1},
				}
			},
			wantMode: ModeEvents,
		},
		{
			name: "feed gap",
			feed: func(h *harness) {
				h.remote.eventsETag = `"feed-1"`
				h.remote.events = []models.FeedEntry{
					{ID: "2", Type: "IssueCommentEvent", CreatedAt: t0.Add(30 * time.Minute), Number: 3},
				}
			},
			wantMode: ModeScan,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			seedThreeIssues(h)
			h.run(t)

			h.clock.Advance(time.Hour)
			h.remote.addComment(fakeComment{number: 3, origin: models.OriginOrdinary, id: 999,
				createdAt: t0.Add(30 * time.Minute), body: "new"})
			tt.feed(h)

			summary := h.run(t)
			assert.Equal(t, tt.wantMode, summary.Mode)
			assert.Zero(t, summary.ObjectsWritten)
			assert.Equal(t, 1, summary.ThreadsWritten)
			assert.Zero(t, summary.Failed)

			thread := h.thread(t, 3)
			assert.Equal(t, []int64{10, 999}, commentIDs(thread))
			assert.True(t, thread.IsSorted())
			assert.Equal(t, t0.Add(time.Hour), thread.LastCheckedAt)

			for _, n := range []int{1, 7} {
				assert.Empty(t, h.thread(t, n).Comments)
			}
			assert.Equal(t, t0.Add(time.Hour), h.watermark(t, models.StreamIssueComments).LastCheckedAt)
			assert.Equal(t, `"feed-1"`, h.watermark(t, models.StreamEvents).FeedToken)
		})
	}
}

func TestIdempotentRerun(t *testing.T) {
	h := newHarness(t)
	seedThreeIssues(h)
	h.run(t)

	// Unchanged feed
	h.clock.Advance(time.Hour)
	summary := h.run(t)
	assert.Equal(t, ModeEvents, summary.Mode)
	assert.Zero(t, summary.ObjectsWritten)
	assert.Zero(t, summary.ThreadsWritten)

	// Feed unavailable, scan finds nothing new either
	h.clock.Advance(time.Hour)
	h.remote.eventsErr = errors.New("feed down")
	summary = h.run(t)
	assert.Equal(t, ModeScan, summary.Mode)
	assert.Zero(t, summary.ObjectsWritten)
	assert.Zero(t, summary.ThreadsWritten)
	assert.Equal(t, t0.Add(2*time.Hour), h.watermark(t, models.StreamIssues).LastCheckedAt)
	assert.Equal(t, t0.Add(time.Hour), h.watermark(t, models.StreamEvents).LastCheckedAt)
}

func TestRefreshSkipsUnchangedObjects(t *testing.T) {
	h := newHarness(t)
	seedThreeIssues(h)
	h.run(t)

	// The feed reports activity on an object whose payload did not change
	h.clock.Advance(time.Hour)
	h.remote.eventsETag = `"feed-1"`
	h.remote.events = []models.FeedEntry{
		{ID: "3", Type: "IssuesEvent", CreatedAt: t0.Add(10 * time.Minute), Number: 7},
		{ID: "1", Type: "IssuesEvent", CreatedAt: t0.Add(-time.Hour), Number: 1},
	}
	summary := h.run(t)
	assert.Equal(t, 1, summary.NotModified)
	assert.Zero(t, summary.ObjectsWritten)

	// Now it did
	h.clock.Advance(time.Hour)
	h.remote.touch(7, t0.Add(90*time.Minute))
	h.remote.eventsETag = `"feed-2"`
	h.remote.events = append([]models.FeedEntry{
		{ID: "4", Type: "IssuesEvent", CreatedAt: t0.Add(90 * time.Minute), Number: 7},
	}, h.remote.events...)
	summary = h.run(t)
	assert.Equal(t, 1, summary.ObjectsWritten)

	obj, err := h.store.ReadObject(7)
	require.NoError(t, err)
	assert.Contains(t, string(obj.Payload), "object 7 v2")

	idx, err := h.store.LoadIndex()
	require.NoError(t, err)
	sum, ok := idx.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, "object 7 v2", sum.Title)
}

func TestCrashBeforeCommitIsRederived(t *testing.T) {
	h := newHarness(t)
	seedThreeIssues(h)

	_, err := h.syncer(&crashingStore{DB: h.db}).SyncRepository(context.Background())
	require.Error(t, err)

	for _, stream := range models.AllStreams {
		assert.True(t, h.watermark(t, stream).LastCheckedAt.IsZero(), stream)
	}

	runs, err := h.db.LastRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "simulated crash")

	h.remote.addComment(fakeComment{number: 7, origin: models.OriginOrdinary, id: 20,
		createdAt: t0.Add(-10 * time.Minute), body: "late"})

	summary := h.run(t)
	assert.Equal(t, ModeInitial, summary.Mode)
	assert.Equal(t, 3, summary.ObjectsWritten, "tokens were never committed")
	assert.Equal(t, []int64{10}, commentIDs(h.thread(t, 3)))
	assert.Equal(t, []int64{20}, commentIDs(h.thread(t, 7)))
	assert.Equal(t, t0, h.watermark(t, models.StreamIssues).LastCheckedAt)
}

func TestPartialFailureHoldsBackStream(t *testing.T) {
	h := newHarness(t)
	seedThreeIssues(h)
	h.remote.objectErrs[3] = errors.New("502 bad gateway")

	summary := h.run(t)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.ObjectsWritten)

	assert.True(t, h.watermark(t, models.StreamIssues).LastCheckedAt.IsZero())
	assert.True(t, h.watermark(t, models.StreamEvents).LastCheckedAt.IsZero())
	assert.Equal(t, t0, h.watermark(t, models.StreamPullRequests).LastCheckedAt)

	obj, err := h.store.ReadObject(3)
	require.NoError(t, err)
	assert.Nil(t, obj)

	delete(h.remote.objectErrs, 3)
	h.clock.Advance(time.Hour)
	summary = h.run(t)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 1, summary.ObjectsWritten)
	assert.Equal(t, 2, summary.NotModified)
	assert.Equal(t, t0.Add(time.Hour), h.watermark(t, models.StreamIssues).LastCheckedAt)
}

func TestGoneObjectIsNotAFailure(t *testing.T) {
	h := newHarness(t)
	seedThreeIssues(h)
	h.run(t)

	h.clock.Advance(time.Hour)
	h.remote.eventsETag = `"feed-1"`
	h.remote.events = []models.FeedEntry{
		{ID: "5", Type: "IssuesEvent", CreatedAt: t0.Add(5 * time.Minute), Number: 5},
		{ID: "1", Type: "IssuesEvent", CreatedAt: t0.Add(-time.Hour), Number: 1},
	}

	summary := h.run(t)
	assert.Equal(t, 1, summary.Gone)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, t0.Add(time.Hour), h.watermark(t, models.StreamEvents).LastCheckedAt)

	obj, err := h.store.ReadObject(5)
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestPullRequestScanStopsAtWatermark(t *testing.T) {
	h := newHarness(t)
	h.remote.addObject(20, models.KindPullRequest, t0.Add(-3*time.Hour))
	h.remote.addObject(21, models.KindPullRequest, t0.Add(-4*time.Hour))
	h.remote.addObject(22, models.KindPullRequest, t0.Add(-5*time.Hour))
	h.run(t)
	assert.Equal(t, 3, h.remote.pullsDelivered)

	h.clock.Advance(time.Hour)
	h.remote.touch(20, t0.Add(30*time.Minute))
	h.remote.eventsErr = errors.New("feed down")
	h.remote.pullsDelivered = 0

	summary := h.run(t)
	assert.Equal(t, ModeScan, summary.Mode)
	assert.Equal(t, 1, summary.Stale[models.StreamPullRequests])
	assert.Equal(t, 1, summary.ObjectsWritten)
	assert.Equal(t, 2, h.remote.pullsDelivered, "listing stops at the first older entry")
}

func TestPullRequestThreadKeepsBothOrigins(t *testing.T) {
	h := newHarness(t)
	h.remote.addObject(4, models.KindPullRequest, t0.Add(-time.Hour))
	h.remote.addComment(fakeComment{number: 4, origin: models.OriginReview, id: 10,
		createdAt: t0.Add(-40 * time.Minute), body: "nit"})
	h.remote.addComment(fakeComment{number: 4, origin: models.OriginOrdinary, id: 10,
		createdAt: t0.Add(-50 * time.Minute), body: "lgtm"})

	summary := h.run(t)
	assert.Equal(t, 1, summary.ThreadsWritten)

	thread := h.thread(t, 4)
	require.Len(t, thread.Comments, 2)
	assert.Equal(t, models.OriginOrdinary, thread.Comments[0].Origin)
	assert.Equal(t, models.OriginReview, thread.Comments[1].Origin)

	obj, err := h.store.ReadObject(4)
	require.NoError(t, err)
	assert.Equal(t, models.KindPullRequest, obj.Kind)

	// An edited review comment replaces the stored one in place
	h.clock.Advance(time.Hour)
	h.remote.comments[0].body = "nit, fixed"
	h.remote.comments[0].updatedAt = t0.Add(20 * time.Minute)
	h.remote.eventsErr = errors.New("feed down")

	summary = h.run(t)
	assert.Equal(t, 1, summary.ThreadsWritten)
	thread = h.thread(t, 4)
	require.Len(t, thread.Comments, 2)
	var body struct {
		Body string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(thread.Comments[1].Payload, &body))
	assert.Equal(t, "nit, fixed", body.Body)
}

func TestCancelledRunCommitsNothing(t *testing.T) {
	h := newHarness(t)
	seedThreeIssues(h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.syncer(h.db).SyncRepository(ctx)
	require.ErrorIs(t, err, context.Canceled)
	for _, stream := range models.AllStreams {
		assert.True(t, h.watermark(t, stream).LastCheckedAt.IsZero(), stream)
	}
}

func TestParseRepositoryString(t *testing.T) {
	owner, name, err := ParseRepositoryString("octo/repo")
	require.NoError(t, err)
	assert.Equal(t, "octo", owner)
	assert.Equal(t, "repo", name)

	for _, bad := range []string{"octo", "octo/repo/extra", "/repo", "octo/"} {
		_, _, err := ParseRepositoryString(bad)
		assert.Error(t, err, bad)
	}
}
