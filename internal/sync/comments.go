package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/models"
)

// mergeAll merges every stale comment thread once, even when the object is
// queued by both comment streams
func (s *Syncer) mergeAll(ctx context.Context, run *Run, set *StaleSet) {
	var numbers []int
	seen := make(map[int]bool)
	for _, stream := range []models.Stream{models.StreamIssueComments, models.StreamPullRequestComments} {
		for _, n := range set.Numbers(stream) {
			if !seen[n] {
				seen[n] = true
				numbers = append(numbers, n)
			}
		}
	}

	for _, number := range numbers {
		if ctx.Err() != nil {
			return
		}

		inReview := set.Contains(models.StreamPullRequestComments, number)
		isPR := inReview
		if sum, ok := run.Index.Lookup(number); ok && sum.Kind == models.KindPullRequest {
			isPR = true
		}
		kind := models.KindIssue
		if isPR {
			kind = models.KindPullRequest
		}

		if err := s.mergeComments(ctx, run, number, isPR); err != nil {
			var streams []models.Stream
			if set.Contains(models.StreamIssueComments, number) {
				streams = append(streams, models.StreamIssueComments)
			}
			if inReview {
				streams = append(streams, models.StreamPullRequestComments)
			}
			s.recordError(run, streams[0], number, kind, err)
			// The second stream is held back too, without double counting the object
			if len(streams) > 1 && !errors.Is(err, api.ErrNotFound) {
				run.failures[streams[1]]++
			}
		}
	}
}

// commentSince returns the lower bound for fetching one origin's comments
func (r *Run) commentSince(origin models.Origin) time.Time {
	return r.since(commentStream(origin))
}

// mergeComments fetches the changed comments of one object and merges them
// into its stored thread by (origin, id). Review comments are only fetched
// for pull requests. The thread is rewritten only when a comment was added
// or changed.
func (s *Syncer) mergeComments(ctx context.Context, run *Run, number int, isPR bool) error {
	thread, err := s.store.ReadThread(number)
	if err != nil {
		return err
	}

	origins := []models.Origin{models.OriginOrdinary}
	if isPR {
		origins = append(origins, models.OriginReview)
	}

	var incoming []models.Comment
	for _, origin := range origins {
		comments, err := s.remote.ListObjectComments(ctx, number, origin, run.commentSince(origin))
		if err != nil {
			return err
		}
		incoming = append(incoming, comments...)
	}

	added, updated := thread.Merge(incoming)
	if added+updated == 0 {
		return nil
	}

	thread.LastCheckedAt = run.CapturedAt
	if err := s.store.WriteThread(thread); err != nil {
		return fmt.Errorf("failed to write comments for #%d: %w", number, err)
	}
	run.summary.ThreadsWritten++
	run.logger.Debug("comment thread merged", "number", number, "added", added, "updated", updated)
	return nil
}
