// Package webhook receives GitHub deliveries, authenticates them against the
// shared secret and hands merged pull requests and closed issues to the
// settlement pipeline after the response has been sent.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/metrics"
	"github.com/bountyrelay/bountyrelay/internal/settlement"
	"github.com/bountyrelay/bountyrelay/internal/util"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

const (
	EventHeader    = "X-GitHub-Event"
	DeliveryHeader = "X-GitHub-Delivery"

	// maxBodyBytes is GitHub's payload cap.
	maxBodyBytes = 25 << 20

	defaultDedupTTL        = 10 * time.Minute
	defaultDispatchTimeout = 5 * time.Minute
)

// Dispatcher runs settlement for parsed events.
type Dispatcher interface {
	HandlePullRequest(ctx context.Context, ev settlement.PullRequestEvent) []types.SettlementAttempt
	HandleIssueClosed(ctx context.Context, ev settlement.IssueClosedEvent) []types.SettlementAttempt
}

// Config holds configuration for the webhook handler.
type Config struct {
	Secret          []byte
	DedupTTL        time.Duration // how long a delivery id is remembered
	DispatchTimeout time.Duration // bound on one background settlement run
	Clock           clockwork.Clock
	Metrics         *metrics.Metrics
}

// Handler is the webhook endpoint.
type Handler struct {
	dispatcher Dispatcher
	config     Config
	clock      clockwork.Clock

	mu   sync.Mutex
	seen map[string]time.Time

	inflight util.Tracker
	baseCtx  context.Context
	cancel   context.CancelFunc
}

func NewHandler(d Dispatcher, config Config) *Handler {
	if config.DedupTTL <= 0 {
		config.DedupTTL = defaultDedupTTL
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaultDispatchTimeout
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		dispatcher: d,
		config:     config,
		clock:      clock,
		seen:       make(map[string]time.Time),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	eventType := r.Header.Get(EventHeader)
	deliveryID := r.Header.Get(DeliveryHeader)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.config.Metrics.WebhookDelivery(eventType, "invalid")
		writeStatus(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if !VerifySignature(body, r.Header.Get(SignatureHeader), h.config.Secret) {
		h.config.Metrics.WebhookDelivery(eventType, "unauthorized")
		logging.Warn("webhook signature rejected",
			logging.Component("webhook"),
			logging.DeliveryID(deliveryID),
			"event", eventType,
			"remote", r.RemoteAddr)
		writeStatus(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := ParseEvent(eventType, deliveryID, body)
	if err != nil {
		h.config.Metrics.WebhookDelivery(eventType, "invalid")
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.Kind == KindIgnored {
		h.config.Metrics.WebhookDelivery(eventType, "ignored")
		writeStatus(w, http.StatusOK, "ignored")
		return
	}
	if deliveryID != "" && !h.firstDelivery(deliveryID) {
		h.config.Metrics.WebhookDelivery(eventType, "duplicate")
		logging.Info("duplicate webhook delivery dropped",
			logging.Component("webhook"), logging.DeliveryID(deliveryID))
		writeStatus(w, http.StatusOK, "duplicate")
		return
	}

	h.config.Metrics.WebhookDelivery(eventType, "accepted")
	writeStatus(w, http.StatusAccepted, "accepted")
	h.dispatch(deliveryID, ev)
}

// firstDelivery records id and reports whether it was not seen within the TTL.
// An id stays recorded while its run is in flight and after it succeeds.
func (h *Handler) firstDelivery(id string) bool {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	for seenID, at := range h.seen {
		if now.Sub(at) >= h.config.DedupTTL {
			delete(h.seen, seenID)
		}
	}
	if _, ok := h.seen[id]; ok {
		return false
	}
	h.seen[id] = now
	return true
}

// forget drops id so a redelivery of it is dispatched again.
func (h *Handler) forget(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seen, id)
}

func (h *Handler) dispatch(deliveryID string, ev Event) {
	h.inflight.Go("webhook-dispatch", func() {
		ctx, cancel := context.WithTimeout(h.baseCtx, h.config.DispatchTimeout)
		defer cancel()

		// Stays true when the dispatcher panics.
		retriable := true
		defer func() {
			if retriable {
				h.forget(deliveryID)
			}
		}()

		var attempts []types.SettlementAttempt
		switch ev.Kind {
		case KindPullRequestMerged:
			attempts = h.dispatcher.HandlePullRequest(ctx, *ev.PullRequest)
		case KindIssueClosed:
			attempts = h.dispatcher.HandleIssueClosed(ctx, *ev.Issue)
		}
		retriable = anyFailed(attempts)
		logging.Debug("webhook delivery processed",
			logging.Component("webhook"),
			logging.DeliveryID(deliveryID),
			"kind", ev.Kind.String(),
			"attempts", len(attempts),
			"redeliverable", retriable)
	})
}

func anyFailed(attempts []types.SettlementAttempt) bool {
	for _, a := range attempts {
		if a.Outcome == types.SettlementFailed {
			return true
		}
	}
	return false
}

// Shutdown waits for in-flight settlement runs. When ctx ends first the runs
// are cancelled and ctx's error is returned.
func (h *Handler) Shutdown(ctx context.Context) error {
	err := h.inflight.Wait(ctx)
	h.cancel()
	if err != nil {
		// Cancelled runs return promptly; wait for them so none outlive the handler.
		_ = h.inflight.Wait(context.Background())
		return errors.Join(errors.New("webhook dispatch interrupted"), err)
	}
	return nil
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
