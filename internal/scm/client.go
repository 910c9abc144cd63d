// Package scm reads issues, pull requests and issue timelines from the
// GitHub REST API on behalf of an installed GitHub App.
package scm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bountyrelay/bountyrelay/internal/util"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found on source-control platform")

// maxTimelinePages bounds timeline pagination.
const maxTimelinePages = 20

type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// PullRequestRef is the pull_request object embedded in an issue that is a PR.
type PullRequestRef struct {
	URL      string     `json:"url"`
	MergedAt *time.Time `json:"merged_at"`
}

type Issue struct {
	ID          int64           `json:"id"`
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	State       string          `json:"state"`
	User        User            `json:"user"`
	PullRequest *PullRequestRef `json:"pull_request,omitempty"`
}

// IsMergedPullRequest reports whether the issue is a pull request that has
// been merged.
func (i *Issue) IsMergedPullRequest() bool {
	return i.PullRequest != nil && i.PullRequest.MergedAt != nil
}

type PullRequest struct {
	ID       int64      `json:"id"`
	Number   int        `json:"number"`
	Title    string     `json:"title"`
	Body     string     `json:"body"`
	State    string     `json:"state"`
	Merged   bool       `json:"merged"`
	MergedAt *time.Time `json:"merged_at"`
	User     User       `json:"user"`
}

type TimelineSource struct {
	Type  string `json:"type"`
	Issue *Issue `json:"issue"`
}

type TimelineEvent struct {
	Event     string          `json:"event"`
	Actor     *User           `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`
	Source    *TimelineSource `json:"source,omitempty"`
}

// Client is a read-only GitHub REST client.
type Client struct {
	apiURL string
	http   *http.Client
	tokens TokenSource
	retry  *util.RetryConfig
}

// ClientConfig holds configuration for Client.
type ClientConfig struct {
	APIURL     string
	HTTPClient *http.Client
	Tokens     TokenSource
	Retry      *util.RetryConfig
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Retry == nil {
		cfg.Retry = util.DefaultRetryConfig()
	}
	return &Client{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		http:   cfg.HTTPClient,
		tokens: cfg.Tokens,
		retry:  cfg.Retry,
	}
}

func (c *Client) GetIssue(ctx context.Context, repo types.RegisteredRepository, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", repo.Owner, repo.Name, number)
	if _, err := c.get(ctx, repo.InstallationID, c.apiURL+path, &issue); err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo.FullName(), number, err)
	}
	return &issue, nil
}

func (c *Client) GetPullRequest(ctx context.Context, repo types.RegisteredRepository, number int) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", repo.Owner, repo.Name, number)
	if _, err := c.get(ctx, repo.InstallationID, c.apiURL+path, &pr); err != nil {
		return nil, fmt.Errorf("get pull request %s#%d: %w", repo.FullName(), number, err)
	}
	return &pr, nil
}

// ListTimeline returns the issue's timeline in chronological order, following
// Link pagination.
func (c *Client) ListTimeline(ctx context.Context, repo types.RegisteredRepository, number int) ([]TimelineEvent, error) {
	next := fmt.Sprintf("%s/repos/%s/%s/issues/%d/timeline?per_page=100", c.apiURL, repo.Owner, repo.Name, number)

	var events []TimelineEvent
	for page := 0; next != "" && page < maxTimelinePages; page++ {
		var batch []TimelineEvent
		header, err := c.get(ctx, repo.InstallationID, next, &batch)
		if err != nil {
			return nil, fmt.Errorf("list timeline %s#%d: %w", repo.FullName(), number, err)
		}
		events = append(events, batch...)
		next = nextLink(header.Get("Link"))
	}
	return events, nil
}

func (c *Client) get(ctx context.Context, installationID int64, url string, out interface{}) (http.Header, error) {
	token, err := c.tokens.Token(ctx, installationID)
	if err != nil {
		return nil, err
	}

	header, result := util.RetryWithValue(ctx, c.retry, func() (http.Header, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, util.MarkNonRetryable(err)
		}
		setHeaders(req, token)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := statusError(resp)
			if !util.RetryableStatus(resp.StatusCode) {
				return nil, util.MarkNonRetryable(err)
			}
			return nil, err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, util.MarkNonRetryable(fmt.Errorf("failed to decode response: %w", err))
		}
		return resp.Header, nil
	})
	if result.LastError != nil {
		return nil, result.LastError
	}
	return header, nil
}

func setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "bountyrelay")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// nextLink extracts the rel="next" URL from a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		for _, param := range segments[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				return target
			}
		}
	}
	return ""
}
