package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bountyrelay/bountyrelay/internal/util"
)

// HTTPNotifier POSTs events as JSON. 5xx responses and transport errors are
// retried; 4xx responses are not.
type HTTPNotifier struct {
	url    string
	client *http.Client
	retry  *util.RetryConfig
}

func NewHTTPNotifier(url string, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPNotifier{url: url, client: client, retry: util.DefaultRetryConfig()}
}

func (n *HTTPNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	result := util.Retry(ctx, n.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return util.MarkNonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", event.ID)

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("notify endpoint returned %d", resp.StatusCode)
		if !util.RetryableStatus(resp.StatusCode) {
			return util.MarkNonRetryable(err)
		}
		return err
	})
	if result.LastError != nil {
		return fmt.Errorf("failed to deliver %s event: %w", event.Type, result.LastError)
	}
	return nil
}

func (n *HTTPNotifier) Close() error { return nil }
