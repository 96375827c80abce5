package gateway

import (
	"context"
	"net/http"
	"net/url"
)

// GitChanges lists the changed paths in the runtime workspace.
func (c *Client) GitChanges(ctx context.Context, t Target) ([]*GitChange, error) {
	var result struct {
		Changes []*GitChange `json:"changes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/git/changes", t.SessionAPIKey, nil, &result); err != nil {
		return nil, err
	}
	return result.Changes, nil
}

// GitDiff fetches the diff of one workspace path.
func (c *Client) GitDiff(ctx context.Context, t Target, path string) (*GitDiff, error) {
	q := url.Values{}
	q.Set("path", path)

	var diff GitDiff
	if err := c.doJSON(ctx, http.MethodGet, t.URL+"/git/diff?"+q.Encode(), t.SessionAPIKey, nil, &diff); err != nil {
		return nil, err
	}
	return &diff, nil
}
