package sync

import (
	"context"
	"fmt"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// refreshAll refreshes every stale issue and pull request
func (s *Syncer) refreshAll(ctx context.Context, run *Run, set *StaleSet) {
	streams := []struct {
		stream models.Stream
		kind   models.Kind
	}{
		{models.StreamIssues, models.KindIssue},
		{models.StreamPullRequests, models.KindPullRequest},
	}

	for _, st := range streams {
		for _, number := range set.Numbers(st.stream) {
			if ctx.Err() != nil {
				return
			}
			if err := s.refresh(ctx, run, number, st.kind); err != nil {
				s.recordError(run, st.stream, number, st.kind, err)
			}
		}
	}
}

// refresh conditionally fetches one object and persists it when it changed.
// The new freshness token is only staged after the payload is written.
func (s *Syncer) refresh(ctx context.Context, run *Run, number int, kind models.Kind) error {
	key := models.ObjectKey{Kind: kind, Number: number}

	res, err := s.remote.GetObject(ctx, kind, number, run.State.Token(key))
	if err != nil {
		return err
	}
	if res.NotModified {
		run.summary.NotModified++
		return nil
	}

	obj := &models.MirroredObject{
		Number:         number,
		Kind:           kind,
		FreshnessToken: res.ETag,
		Payload:        res.Payload,
	}
	if err := s.store.WriteObject(obj); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	run.State.StageToken(key, obj.FreshnessToken)
	run.summary.ObjectsWritten++

	if sum, err := models.SummaryFromPayload(obj.Payload); err == nil {
		sum.Kind = kind
		run.Index.Upsert(sum)
	} else {
		run.logger.Debug("payload has no summary fields", "number", number, "kind", kind, "err", err)
	}

	return nil
}
