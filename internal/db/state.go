package db

import (
	"context"
	"fmt"
	"time"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// State is the in-memory view of the sync state for one run. Reads see the
// committed values (overlaid by anything staged); writes are staged and only
// reach the database through Commit.
type State struct {
	watermarks map[models.Stream]models.Watermark
	tokens     map[models.ObjectKey]string

	pendingWatermarks map[models.Stream]models.Watermark
	pendingTokens     map[models.ObjectKey]string
}

// NewState returns an empty state
func NewState() *State {
	return &State{
		watermarks:        make(map[models.Stream]models.Watermark),
		tokens:            make(map[models.ObjectKey]string),
		pendingWatermarks: make(map[models.Stream]models.Watermark),
		pendingTokens:     make(map[models.ObjectKey]string),
	}
}

// Watermark returns the committed watermark for a stream. Staged watermarks
// are deliberately not visible: they describe the current run, not the last
// completed one.
func (s *State) Watermark(stream models.Stream) models.Watermark {
	return s.watermarks[stream]
}

// Token returns the freshness token for an object, preferring a staged one
func (s *State) Token(key models.ObjectKey) string {
	if t, ok := s.pendingTokens[key]; ok {
		return t
	}
	return s.tokens[key]
}

// StageWatermark records a watermark advance to be committed later
func (s *State) StageWatermark(stream models.Stream, wm models.Watermark) {
	s.pendingWatermarks[stream] = wm
}

// StageToken records a freshness token to be committed later
func (s *State) StageToken(key models.ObjectKey, etag string) {
	s.pendingTokens[key] = etag
}

// Unstage drops a staged watermark so the stream is not advanced this run
func (s *State) Unstage(stream models.Stream) {
	delete(s.pendingWatermarks, stream)
}

// Staged returns the staged watermark for a stream, if any
func (s *State) Staged(stream models.Stream) (models.Watermark, bool) {
	wm, ok := s.pendingWatermarks[stream]
	return wm, ok
}

// PendingCount returns the number of staged entries
func (s *State) PendingCount() int {
	return len(s.pendingWatermarks) + len(s.pendingTokens)
}

// fold moves staged entries into the committed view
func (s *State) fold() {
	for stream, wm := range s.pendingWatermarks {
		s.watermarks[stream] = wm
	}
	for key, etag := range s.pendingTokens {
		s.tokens[key] = etag
	}
	s.pendingWatermarks = make(map[models.Stream]models.Watermark)
	s.pendingTokens = make(map[models.ObjectKey]string)
}

// LoadState reads the committed watermarks and freshness tokens
func (db *DB) LoadState(ctx context.Context) (*State, error) {
	st := NewState()

	rows, err := db.QueryContext(ctx, `SELECT stream, last_checked_at, feed_token FROM watermarks`)
	if err != nil {
		return nil, fmt.Errorf("failed to load watermarks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stream  string
			checked time.Time
			token   string
		)
		if err := rows.Scan(&stream, &checked, &token); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		st.watermarks[models.Stream(stream)] = models.Watermark{
			LastCheckedAt: checked.UTC(),
			FeedToken:     token,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load watermarks: %w", err)
	}

	tokenRows, err := db.QueryContext(ctx, `SELECT kind, number, etag FROM object_tokens`)
	if err != nil {
		return nil, fmt.Errorf("failed to load object tokens: %w", err)
	}
	defer tokenRows.Close()

	for tokenRows.Next() {
		var (
			kind   string
			number int
			etag   string
		)
		if err := tokenRows.Scan(&kind, &number, &etag); err != nil {
			return nil, fmt.Errorf("failed to scan object token: %w", err)
		}
		st.tokens[models.ObjectKey{Kind: models.Kind(kind), Number: number}] = etag
	}
	if err := tokenRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load object tokens: %w", err)
	}

	return st, nil
}

// Commit writes every staged entry in a single transaction. On failure the
// database is unchanged and the entries stay staged.
func (db *DB) Commit(ctx context.Context, st *State) error {
	if st.PendingCount() == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	for stream, wm := range st.pendingWatermarks {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO watermarks (stream, last_checked_at, feed_token)
		VALUES (?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			last_checked_at = excluded.last_checked_at,
			feed_token = excluded.feed_token
		`, string(stream), wm.LastCheckedAt.UTC(), wm.FeedToken)
		if err != nil {
			return fmt.Errorf("failed to commit watermark %s: %w", stream, err)
		}
	}

	for key, etag := range st.pendingTokens {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO object_tokens (kind, number, etag)
		VALUES (?, ?, ?)
		ON CONFLICT(kind, number) DO UPDATE SET
			etag = excluded.etag
		`, string(key.Kind), key.Number, etag)
		if err != nil {
			return fmt.Errorf("failed to commit token for %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync state: %w", err)
	}

	st.fold()
	return nil
}
