package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/shurcooL/githubv4"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// PullRequestNode is the slice of a pull request the staleness scan needs
type PullRequestNode struct {
	Number    githubv4.Int
	Title     githubv4.String
	State     githubv4.String
	UpdatedAt githubv4.DateTime
}

func convertPullRequestNode(n PullRequestNode) models.Summary {
	state := strings.ToLower(string(n.State))
	if state == "merged" {
		// REST reports merged pull requests as closed
		state = "closed"
	}
	return models.Summary{
		Number:    int(n.Number),
		Kind:      models.KindPullRequest,
		Title:     string(n.Title),
		State:     state,
		UpdatedAt: n.UpdatedAt.Time.UTC(),
	}
}

// listPullRequestsGraphQL pages through pull requests ordered by most recent
// update until fn returns false or the list is exhausted
func (c *GitHubClient) listPullRequestsGraphQL(ctx context.Context, fn func(models.Summary) bool) error {
	var cursor *githubv4.String

	for {
		nodes, hasNext, endCursor, err := c.fetchPullRequestsBatch(ctx, cursor)
		if err != nil {
			return err
		}

		for _, n := range nodes {
			if !fn(convertPullRequestNode(n)) {
				return nil
			}
		}

		if !hasNext {
			return nil
		}
		cursor = endCursor
	}
}

// fetchPullRequestsBatch fetches one page of pull requests, newest update first
func (c *GitHubClient) fetchPullRequestsBatch(
	ctx context.Context,
	afterCursor *githubv4.String,
) ([]PullRequestNode, bool, *githubv4.String, error) {
	var query struct {
		Repository struct {
			PullRequests struct {
				Nodes    []PullRequestNode
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"pullRequests(first: $perPage, after: $cursor, orderBy: {field: UPDATED_AT, direction: DESC})"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := map[string]interface{}{
		"owner":   githubv4.String(c.owner),
		"name":    githubv4.String(c.name),
		"perPage": githubv4.Int(c.perPage),
		"cursor":  afterCursor,
	}

	if err := c.graphql.Query(ctx, &query, variables); err != nil {
		return nil, false, nil, fmt.Errorf("failed to query pull requests: %w", err)
	}

	page := query.Repository.PullRequests
	endCursor := page.PageInfo.EndCursor
	return page.Nodes, bool(page.PageInfo.HasNextPage), &endCursor, nil
}
