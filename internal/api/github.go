package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/go-querystring/query"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/ratelimit"
)

// DefaultPerPage is the largest page size the GitHub API accepts
const DefaultPerPage = 100

// ErrNotFound is returned when the remote object no longer exists
var ErrNotFound = errors.New("not found")

// Options configures a GitHubClient
type Options struct {
	// Token authenticates requests; GraphQL is only available with a token
	Token string
	// BaseURL overrides the REST endpoint (GitHub Enterprise, tests)
	BaseURL string
	// GraphQLURL overrides the GraphQL endpoint
	GraphQLURL string
	// Transport sits below the auth layer, normally the rate governor
	Transport http.RoundTripper
	PerPage   int
}

// GitHubClient represents a client for the GitHub API scoped to one repository
type GitHubClient struct {
	client  *github.Client
	graphql *githubv4.Client
	owner   string
	name    string
	perPage int
}

// NewGitHubClient creates a new GitHub API client for owner/name
func NewGitHubClient(owner, name string, opts Options) (*GitHubClient, error) {
	httpClient := &http.Client{Transport: opts.Transport}

	if opts.Token != "" {
		// Create an authenticated client if a token is provided
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: opts.Token},
		)
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, ts)
	}

	client := github.NewClient(httpClient)
	if opts.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid API base URL: %w", err)
		}
		client.BaseURL = u
	}

	var gql *githubv4.Client
	if opts.Token != "" {
		if opts.GraphQLURL != "" {
			gql = githubv4.NewEnterpriseClient(opts.GraphQLURL, httpClient)
		} else {
			gql = githubv4.NewClient(httpClient)
		}
	}

	perPage := opts.PerPage
	if perPage <= 0 || perPage > DefaultPerPage {
		perPage = DefaultPerPage
	}

	return &GitHubClient{
		client:  client,
		graphql: gql,
		owner:   owner,
		name:    name,
		perPage: perPage,
	}, nil
}

// RateLimits reports the current budget per resource
func (c *GitHubClient) RateLimits(ctx context.Context) (map[string]ratelimit.Budget, error) {
	limits, _, err := c.client.RateLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limits: %w", err)
	}

	budgets := make(map[string]ratelimit.Budget)
	add := func(resource string, r *github.Rate) {
		if r == nil {
			return
		}
		budgets[resource] = ratelimit.Budget{
			Limit:     r.Limit,
			Remaining: r.Remaining,
			Reset:     r.Reset.Time.UTC(),
		}
	}
	add(ratelimit.ResourceCore, limits.Core)
	add(ratelimit.ResourceGraphQL, limits.GraphQL)
	add(ratelimit.ResourceSearch, limits.Search)

	return budgets, nil
}

// GetObject fetches the full representation of an issue or pull request,
// conditionally on etag when one is known
func (c *GitHubClient) GetObject(ctx context.Context, kind models.Kind, number int, etag string) (models.FetchResult, error) {
	collection := "issues"
	if kind == models.KindPullRequest {
		collection = "pulls"
	}
	u := fmt.Sprintf("repos/%v/%v/%s/%d", c.owner, c.name, collection, number)

	var raw json.RawMessage
	resp, notModified, err := c.conditionalGet(ctx, u, etag, &raw)
	if err != nil {
		return models.FetchResult{}, fmt.Errorf("failed to get %s #%d: %w", kind, number, err)
	}
	if notModified {
		return models.FetchResult{ETag: etag, NotModified: true}, nil
	}

	return models.FetchResult{
		Payload: models.CompactJSON(raw),
		ETag:    resp.Header.Get("ETag"),
	}, nil
}

// conditionalGet issues a GET with If-None-Match. A rejected precondition
// means the stored token is useless, so the request is repeated without it.
func (c *GitHubClient) conditionalGet(ctx context.Context, u, etag string, v interface{}) (*github.Response, bool, error) {
	req, err := c.client.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(ctx, req, v)
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotModified:
			return resp, true, nil
		case http.StatusPreconditionFailed:
			if etag != "" {
				return c.conditionalGet(ctx, u, "", v)
			}
		}
	}
	if err != nil {
		return resp, false, wrapError(resp, err)
	}
	return resp, false, nil
}

// GetEvents reads the repository activity feed. The first page is requested
// conditionally on etag; fn receives each page and returns false to stop paging.
func (c *GitHubClient) GetEvents(ctx context.Context, etag string, fn func([]models.FeedEntry) bool) (string, bool, error) {
	newETag := etag
	page := 1

	for {
		u := fmt.Sprintf("repos/%v/%v/events?per_page=%d&page=%d", c.owner, c.name, c.perPage, page)

		reqETag := ""
		if page == 1 {
			reqETag = etag
		}

		var events []*github.Event
		resp, notModified, err := c.conditionalGet(ctx, u, reqETag, &events)
		if err != nil {
			return "", false, fmt.Errorf("failed to get events: %w", err)
		}
		if notModified {
			return etag, true, nil
		}
		if page == 1 {
			newETag = resp.Header.Get("ETag")
		}

		entries := make([]models.FeedEntry, 0, len(events))
		for _, e := range events {
			entries = append(entries, ConvertGitHubEvent(e))
		}

		if !fn(entries) || resp.NextPage == 0 {
			return newETag, false, nil
		}
		page = resp.NextPage
	}
}

// ConvertGitHubEvent converts a feed event to our model. Events whose payload
// cannot be parsed keep their timestamp with a zero number.
func ConvertGitHubEvent(e *github.Event) models.FeedEntry {
	entry := models.FeedEntry{
		ID:        e.GetID(),
		Type:      e.GetType(),
		CreatedAt: e.GetCreatedAt().Time.UTC(),
	}

	payload, err := e.ParsePayload()
	if err != nil {
		return entry
	}

	switch p := payload.(type) {
	case *github.IssuesEvent:
		entry.Number = p.GetIssue().GetNumber()
	case *github.IssueCommentEvent:
		entry.Number = p.GetIssue().GetNumber()
	case *github.PullRequestEvent:
		entry.Number = p.GetNumber()
		if entry.Number == 0 {
			entry.Number = p.GetPullRequest().GetNumber()
		}
	case *github.PullRequestReviewEvent:
		entry.Number = p.GetPullRequest().GetNumber()
	case *github.PullRequestReviewCommentEvent:
		entry.Number = p.GetPullRequest().GetNumber()
	}

	return entry
}

// listOptions is encoded onto list requests with go-querystring
type listOptions struct {
	State     string    `url:"state,omitempty"`
	Sort      string    `url:"sort,omitempty"`
	Direction string    `url:"direction,omitempty"`
	Since     time.Time `url:"since,omitempty"`
	Page      int       `url:"page,omitempty"`
	PerPage   int       `url:"per_page,omitempty"`
}

// listPages walks every page of a list endpoint, handing each decoded item to
// fn until fn returns false
func listPages[T any](ctx context.Context, c *GitHubClient, u string, opts listOptions, fn func(T) bool) error {
	opts.PerPage = c.perPage
	if !opts.Since.IsZero() {
		opts.Since = opts.Since.UTC().Truncate(time.Second)
	}

	for {
		v, err := query.Values(opts)
		if err != nil {
			return fmt.Errorf("failed to encode options: %w", err)
		}

		req, err := c.client.NewRequest(http.MethodGet, u+"?"+v.Encode(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		var items []T
		resp, err := c.client.Do(ctx, req, &items)
		if err != nil {
			return wrapError(resp, err)
		}

		for _, item := range items {
			if !fn(item) {
				return nil
			}
		}

		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

type issueListItem struct {
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	State       string          `json:"state"`
	UpdatedAt   time.Time       `json:"updated_at"`
	PullRequest json.RawMessage `json:"pull_request"`
}

func (it issueListItem) summary(kind models.Kind) models.Summary {
	if len(it.PullRequest) > 0 && string(it.PullRequest) != "null" {
		kind = models.KindPullRequest
	}
	return models.Summary{
		Number:    it.Number,
		Kind:      kind,
		Title:     it.Title,
		State:     it.State,
		UpdatedAt: it.UpdatedAt.UTC(),
	}
}

// ListIssuesSince lists issues and pull requests changed since the given
// time, oldest change first
func (c *GitHubClient) ListIssuesSince(ctx context.Context, since time.Time, fn func(models.Summary) bool) error {
	u := fmt.Sprintf("repos/%v/%v/issues", c.owner, c.name)
	opts := listOptions{State: "all", Sort: "updated", Direction: "asc", Since: since}

	err := listPages(ctx, c, u, opts, func(it issueListItem) bool {
		return fn(it.summary(models.KindIssue))
	})
	if err != nil {
		return fmt.Errorf("failed to list issues: %w", err)
	}
	return nil
}

// ListPullRequestsByUpdated lists pull requests most recently changed first.
// GraphQL is used when available since only numbers and timestamps are needed.
func (c *GitHubClient) ListPullRequestsByUpdated(ctx context.Context, fn func(models.Summary) bool) error {
	if c.graphql != nil {
		return c.listPullRequestsGraphQL(ctx, fn)
	}

	u := fmt.Sprintf("repos/%v/%v/pulls", c.owner, c.name)
	opts := listOptions{State: "all", Sort: "updated", Direction: "desc"}

	err := listPages(ctx, c, u, opts, func(it issueListItem) bool {
		return fn(it.summary(models.KindPullRequest))
	})
	if err != nil {
		return fmt.Errorf("failed to list pull requests: %w", err)
	}
	return nil
}

type commentListItem struct {
	ID             int64     `json:"id"`
	UpdatedAt      time.Time `json:"updated_at"`
	IssueURL       string    `json:"issue_url"`
	PullRequestURL string    `json:"pull_request_url"`
}

// ListRepoCommentsSince lists every comment of one origin across the
// repository changed since the given time, resolving each to its owning
// object number
func (c *GitHubClient) ListRepoCommentsSince(ctx context.Context, origin models.Origin, since time.Time, fn func(models.CommentRef) bool) error {
	u := fmt.Sprintf("repos/%v/%v/issues/comments", c.owner, c.name)
	if origin == models.OriginReview {
		u = fmt.Sprintf("repos/%v/%v/pulls/comments", c.owner, c.name)
	}
	opts := listOptions{Sort: "updated", Direction: "asc", Since: since}

	var convErr error
	err := listPages(ctx, c, u, opts, func(it commentListItem) bool {
		ref := it.IssueURL
		if origin == models.OriginReview {
			ref = it.PullRequestURL
		}
		number, err := NumberFromURL(ref)
		if err != nil {
			convErr = fmt.Errorf("comment %d: %w", it.ID, err)
			return false
		}
		return fn(models.CommentRef{
			ID:        it.ID,
			Origin:    origin,
			Number:    number,
			UpdatedAt: it.UpdatedAt.UTC(),
		})
	})
	if err == nil {
		err = convErr
	}
	if err != nil {
		return fmt.Errorf("failed to list %s comments: %w", origin, err)
	}
	return nil
}

// ListObjectComments fetches one object's comments of one origin changed since the given time
func (c *GitHubClient) ListObjectComments(ctx context.Context, number int, origin models.Origin, since time.Time) ([]models.Comment, error) {
	u := fmt.Sprintf("repos/%v/%v/issues/%d/comments", c.owner, c.name, number)
	opts := listOptions{Since: since}
	if origin == models.OriginReview {
		u = fmt.Sprintf("repos/%v/%v/pulls/%d/comments", c.owner, c.name, number)
		opts.Sort = "created"
		opts.Direction = "asc"
	}

	var (
		comments []models.Comment
		convErr  error
	)
	err := listPages(ctx, c, u, opts, func(raw json.RawMessage) bool {
		cm, err := models.CommentFromPayload(origin, raw)
		if err != nil {
			convErr = err
			return false
		}
		comments = append(comments, cm)
		return true
	})
	if err == nil {
		err = convErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s comments for #%d: %w", origin, number, err)
	}

	return comments, nil
}

// NumberFromURL extracts the trailing object number from an API URL such as
// https://api.github.com/repos/o/r/issues/42
func NumberFromURL(raw string) (int, error) {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return 0, fmt.Errorf("invalid object URL %q", raw)
	}
	n, err := strconv.Atoi(path.Base(u.Path))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("no object number in URL %q", raw)
	}
	return n, nil
}

// wrapError maps gone objects onto ErrNotFound
func wrapError(resp *github.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
