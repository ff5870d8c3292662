package sync

import (
	"context"
	"fmt"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// streamForEvent maps a feed entry type to the stream whose objects it touches
func streamForEvent(eventType string) (models.Stream, bool) {
	switch eventType {
	case "IssuesEvent":
		return models.StreamIssues, true
	case "PullRequestEvent", "PullRequestReviewEvent":
		return models.StreamPullRequests, true
	case "IssueCommentEvent":
		return models.StreamIssueComments, true
	case "PullRequestReviewCommentEvent":
		return models.StreamPullRequestComments, true
	}
	return "", false
}

// detectFromEvents derives the stale set from the activity feed.
//
// The feed is only trusted when it reaches back past the previous feed
// watermark: some entry must be strictly older than it, otherwise activity
// may have fallen out of the feed's retention window. Entries are not assumed
// to be ordered, so every page the feed retains is read and every entry
// classified. An untrustworthy pass returns an empty set with Trustworthy
// unset, never a partial one.
//
// The new feed token is staged with the run's capture time whatever the
// outcome.
func (s *Syncer) detectFromEvents(ctx context.Context, run *Run) (*StaleSet, error) {
	prior := run.State.Watermark(models.StreamEvents)
	set := NewStaleSet()
	overlap := false
	entries := 0

	etag, notModified, err := s.remote.GetEvents(ctx, prior.FeedToken, func(page []models.FeedEntry) bool {
		for _, e := range page {
			entries++
			if e.CreatedAt.Before(prior.LastCheckedAt) {
				overlap = true
				continue
			}
			stream, ok := streamForEvent(e.Type)
			if !ok || e.Number <= 0 {
				continue
			}
			set.Add(stream, e.Number)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read activity feed: %w", err)
	}

	run.State.StageWatermark(models.StreamEvents, models.Watermark{
		LastCheckedAt: run.CapturedAt,
		FeedToken:     etag,
	})

	if notModified {
		run.logger.Debug("activity feed not modified")
		empty := NewStaleSet()
		empty.Trustworthy = true
		return empty, nil
	}

	if !overlap {
		run.logger.Info("activity feed does not reach the last watermark", "entries", entries)
		return NewStaleSet(), nil
	}

	set.Trustworthy = true
	run.logger.Debug("activity feed trusted", "entries", entries, "stale", set.Total())
	return set, nil
}
