package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// scan computes the stale set from the per-stream listings. A stream whose
// listing fails is counted as failed so its watermark stays put.
func (s *Syncer) scan(ctx context.Context, run *Run) *StaleSet {
	set := NewStaleSet()

	if err := s.scanStaleIssues(ctx, run, run.since(models.StreamIssues), set); err != nil {
		run.logger.Warn("issue scan failed", "err", err)
		run.fail(models.StreamIssues)
	}
	if err := s.scanStalePullRequests(ctx, run, run.since(models.StreamPullRequests), set); err != nil {
		run.logger.Warn("pull request scan failed", "err", err)
		run.fail(models.StreamPullRequests)
	}

	if run.FirstRun {
		// Everything is new, so every object's thread is fetched whole instead
		// of diffing the repository-wide comment listings.
		for _, n := range set.Numbers(models.StreamIssues) {
			set.Add(models.StreamIssueComments, n)
		}
		for _, n := range set.Numbers(models.StreamPullRequests) {
			set.Add(models.StreamIssueComments, n)
			set.Add(models.StreamPullRequestComments, n)
		}
		// A thread missed because its object listing failed must be found again
		if run.failures[models.StreamIssues] > 0 || run.failures[models.StreamPullRequests] > 0 {
			run.fail(models.StreamIssueComments)
		}
		if run.failures[models.StreamPullRequests] > 0 {
			run.fail(models.StreamPullRequestComments)
		}
		return set
	}

	for _, origin := range []models.Origin{models.OriginOrdinary, models.OriginReview} {
		stream := commentStream(origin)
		if err := s.scanStaleComments(ctx, run, origin, run.since(stream), set); err != nil {
			run.logger.Warn("comment scan failed", "origin", origin, "err", err)
			run.fail(stream)
		}
	}
	return set
}

// scanStaleIssues queues every issue changed since the watermark. The issue
// listing also returns pull requests; those only feed the index since the
// pull request scan owns them.
func (s *Syncer) scanStaleIssues(ctx context.Context, run *Run, since time.Time, set *StaleSet) error {
	err := s.remote.ListIssuesSince(ctx, since, func(sum models.Summary) bool {
		run.Index.Upsert(sum)
		if sum.Kind == models.KindIssue {
			set.Add(models.StreamIssues, sum.Number)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to scan issues: %w", err)
	}
	return nil
}

// scanStalePullRequests walks pull requests newest change first and stops at
// the first one older than the watermark
func (s *Syncer) scanStalePullRequests(ctx context.Context, run *Run, since time.Time, set *StaleSet) error {
	err := s.remote.ListPullRequestsByUpdated(ctx, func(sum models.Summary) bool {
		if sum.UpdatedAt.Before(since) {
			return false
		}
		run.Index.Upsert(sum)
		set.Add(models.StreamPullRequests, sum.Number)
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to scan pull requests: %w", err)
	}
	return nil
}

// scanStaleComments queues the owner of every comment of one origin changed
// since the watermark
func (s *Syncer) scanStaleComments(ctx context.Context, run *Run, origin models.Origin, since time.Time, set *StaleSet) error {
	stream := commentStream(origin)
	err := s.remote.ListRepoCommentsSince(ctx, origin, since, func(ref models.CommentRef) bool {
		set.Add(stream, ref.Number)
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s comments: %w", origin, err)
	}
	return nil
}

func commentStream(origin models.Origin) models.Stream {
	if origin == models.OriginReview {
		return models.StreamPullRequestComments
	}
	return models.StreamIssueComments
}
