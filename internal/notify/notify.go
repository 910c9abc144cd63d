// Package notify delivers best-effort side notifications about bounty
// activity to an external CRM. Delivery failures are logged by callers and
// never fail the ledger operation that triggered them.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// Event types
const (
	EventRewardAllocated  = "reward_allocated"
	EventRepositoryFunded = "repository_funded"
	EventRewardPaid       = "reward_paid"
)

// Event is one notification.
type Event struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	RepoID     int64        `json:"repo_id"`
	IssueID    int64        `json:"issue_id,omitempty"`
	Actor      string       `json:"actor,omitempty"`
	Amount     types.Amount `json:"amount"`
	TxHash     string       `json:"tx_hash,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// NewEvent stamps a fresh id and the current time.
func NewEvent(eventType string, repoID int64) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		RepoID:     repoID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e Event) key() []byte {
	return []byte(strconv.FormatInt(e.RepoID, 10))
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }

// Config selects and configures a Notifier.
type Config struct {
	Driver       string // "none", "http" or "kafka"
	URL          string
	KafkaBrokers []string
	KafkaTopic   string
}

// New builds the notifier named by cfg.Driver.
func New(cfg Config) (Notifier, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("notify url is required for the http driver")
		}
		return NewHTTPNotifier(cfg.URL, nil), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
			return nil, fmt.Errorf("kafka brokers and topic are required for the kafka driver")
		}
		return NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}
