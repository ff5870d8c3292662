package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind distinguishes issues from pull requests; both share the issue number space
type Kind string

const (
	KindIssue       Kind = "issue"
	KindPullRequest Kind = "pull_request"
)

// Stream identifies one independently watermarked sync stream
type Stream string

const (
	StreamIssues              Stream = "issues"
	StreamPullRequests        Stream = "pullRequests"
	StreamIssueComments       Stream = "issueComments"
	StreamPullRequestComments Stream = "pullRequestComments"
	StreamEvents              Stream = "events"
)

// RefreshableStreams are the streams whose objects are re-fetched when stale
var RefreshableStreams = []Stream{
	StreamIssues,
	StreamPullRequests,
	StreamIssueComments,
	StreamPullRequestComments,
}

// AllStreams lists every stream that carries a watermark
var AllStreams = append(append([]Stream{}, RefreshableStreams...), StreamEvents)

// Watermark marks everything at or before LastCheckedAt as fully synchronized.
// FeedToken is only used by the events stream.
type Watermark struct {
	LastCheckedAt time.Time
	FeedToken     string
}

// ObjectKey identifies a mirrored object for freshness-token bookkeeping
type ObjectKey struct {
	Kind   Kind
	Number int
}

func (k ObjectKey) String() string {
	return fmt.Sprintf("%s#%d", k.Kind, k.Number)
}

// MirroredObject is an issue or pull request with its opaque remote representation
type MirroredObject struct {
	Number         int             `json:"number"`
	Kind           Kind            `json:"kind"`
	FreshnessToken string          `json:"-"`
	Payload        json.RawMessage `json:"payload"`
}

// Key returns the object's token key
func (o *MirroredObject) Key() ObjectKey {
	return ObjectKey{Kind: o.Kind, Number: o.Number}
}

// Summary is one entry of the issue/pull request summary list
type Summary struct {
	Number    int       `json:"number"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title,omitempty"`
	State     string    `json:"state,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeedEntry is one entry of the repository activity feed
type FeedEntry struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Number    int
}

// CommentRef points from a repository-wide comment listing back to its owning object
type CommentRef struct {
	ID        int64
	Origin    Origin
	Number    int
	UpdatedAt time.Time
}

// FetchResult is the outcome of a conditional GET
type FetchResult struct {
	Payload     json.RawMessage
	ETag        string
	NotModified bool
}
