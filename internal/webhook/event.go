package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/bountyrelay/bountyrelay/internal/settlement"
)

// Kind classifies a delivery.
type Kind int

const (
	KindIgnored Kind = iota
	KindPullRequestMerged
	KindIssueClosed
)

func (k Kind) String() string {
	switch k {
	case KindPullRequestMerged:
		return "pull_request_merged"
	case KindIssueClosed:
		return "issue_closed"
	default:
		return "ignored"
	}
}

// Event is a parsed delivery. Exactly one of PullRequest and Issue is set
// unless Kind is KindIgnored.
type Event struct {
	Kind        Kind
	PullRequest *settlement.PullRequestEvent
	Issue       *settlement.IssueClosedEvent
}

type account struct {
	Login string `json:"login"`
}

type repository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int     `json:"number"`
		Merged bool    `json:"merged"`
		Body   string  `json:"body"`
		User   account `json:"user"`
	} `json:"pull_request"`
	Repository repository `json:"repository"`
}

type issuesPayload struct {
	Action string `json:"action"`
	Issue  struct {
		ID          int64           `json:"id"`
		Number      int             `json:"number"`
		StateReason string          `json:"state_reason"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Repository repository `json:"repository"`
}

// ParseEvent decodes a delivery of the given X-GitHub-Event type. Events other
// than a merged pull request or a completed issue close are KindIgnored.
func ParseEvent(eventType, deliveryID string, body []byte) (Event, error) {
	switch eventType {
	case "pull_request":
		var p pullRequestPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, fmt.Errorf("invalid pull_request payload: %w", err)
		}
		if p.Action != "closed" || !p.PullRequest.Merged {
			return Event{}, nil
		}
		return Event{
			Kind: KindPullRequestMerged,
			PullRequest: &settlement.PullRequestEvent{
				DeliveryID: deliveryID,
				RepoID:     p.Repository.ID,
				Number:     p.PullRequest.Number,
				Merged:     true,
				Body:       p.PullRequest.Body,
				Author:     p.PullRequest.User.Login,
			},
		}, nil

	case "issues":
		var p issuesPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, fmt.Errorf("invalid issues payload: %w", err)
		}
		isPullRequest := len(p.Issue.PullRequest) > 0 && string(p.Issue.PullRequest) != "null"
		if p.Action != "closed" || p.Issue.StateReason == "not_planned" || isPullRequest {
			return Event{}, nil
		}
		return Event{
			Kind: KindIssueClosed,
			Issue: &settlement.IssueClosedEvent{
				DeliveryID: deliveryID,
				RepoID:     p.Repository.ID,
				Number:     p.Issue.Number,
			},
		}, nil

	default:
		return Event{}, nil
	}
}
