// Package notifier delivers job outcome notifications to a webhook endpoint,
// with an optional event mirror to Pub/Sub. Delivery is asynchronous behind a
// bounded queue so a slow endpoint never blocks job bookkeeping.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/logging"
	"github.com/claimradar/harvester/internal/queue"
	"github.com/claimradar/harvester/internal/telemetry"
)

// Config tunes webhook delivery.
type Config struct {
	// WebhookURL receives outcome notifications. Empty disables webhook
	// delivery; the Pub/Sub mirror still runs if configured.
	WebhookURL string
	// MaxAttempts bounds delivery retries per notification.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// Concurrency is the delivery worker count.
	Concurrency int
	// QueueDepth bounds pending notifications; on overflow new
	// notifications are dropped with a warning.
	QueueDepth int
	// Topic names the Pub/Sub topic for the event mirror.
	Topic string
	// Timeout bounds one webhook POST.
	Timeout time.Duration
}

// Notification is one outcome event on the wire.
type Notification struct {
	Event      string                   `json:"event"`
	Timestamp  time.Time                `json:"timestamp"`
	JobID      string                   `json:"jobId"`
	SourceType harvest.SourceType       `json:"sourceType,omitempty"`
	Result     *harvest.CollectorResult `json:"result,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Notifier consumes queue events and fans deliveries out to a worker pool.
type Notifier struct {
	cfg       Config
	client    *http.Client
	publisher harvest.Publisher
	clock     harvest.Clock
	logger    *zap.Logger

	pending chan Notification
	wg      sync.WaitGroup
	once    sync.Once
}

// New builds a Notifier. publisher may be nil to disable the mirror.
func New(cfg Config, publisher harvest.Publisher, clock harvest.Clock, logger *zap.Logger) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		publisher: publisher,
		clock:     clock,
		logger:    logging.Component(logger, "notifier"),
		pending:   make(chan Notification, cfg.QueueDepth),
	}
}

// Run consumes queue events until the channel closes, then drains pending
// deliveries. Call it on its own goroutine.
func (n *Notifier) Run(ctx context.Context, events <-chan queue.Event) {
	for i := 0; i < n.cfg.Concurrency; i++ {
		n.wg.Add(1)
		go n.deliveryWorker(ctx)
	}
	for evt := range events {
		n.offer(n.fromEvent(evt))
	}
	n.once.Do(func() { close(n.pending) })
	n.wg.Wait()
}

func (n *Notifier) fromEvent(evt queue.Event) Notification {
	notif := Notification{
		Timestamp: n.clock.Now(),
		JobID:     evt.Job.ID,
	}
	switch evt.Type {
	case queue.EventCompleted:
		notif.Event = "collection.completed"
		notif.Result = evt.Job.Result
		if evt.Job.Result != nil {
			notif.SourceType = evt.Job.Result.SourceType
		}
	default:
		notif.Event = "collection.failed"
		notif.Error = evt.Job.ErrorText
	}
	return notif
}

// offer hands a notification to the delivery pool without blocking.
func (n *Notifier) offer(notif Notification) {
	select {
	case n.pending <- notif:
	default:
		telemetry.ObserveWebhookDelivery("dropped")
		n.logger.Warn("notification dropped, delivery queue full",
			zap.String("job_id", notif.JobID),
			zap.String("event", notif.Event),
		)
	}
}

func (n *Notifier) deliveryWorker(ctx context.Context) {
	defer n.wg.Done()
	for notif := range n.pending {
		n.deliver(ctx, notif)
	}
}

// deliver mirrors the event and posts the webhook with bounded retries. After
// the retry budget the notification is dropped; job state is already final
// and unaffected.
func (n *Notifier) deliver(ctx context.Context, notif Notification) {
	n.mirror(ctx, notif)
	if n.cfg.WebhookURL == "" {
		return
	}

	backoff := n.cfg.BackoffBase
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		err := n.post(ctx, notif)
		if err == nil {
			telemetry.ObserveWebhookDelivery("delivered")
			return
		}
		n.logger.Warn("webhook delivery failed",
			zap.String("job_id", notif.JobID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == n.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			telemetry.ObserveWebhookDelivery("abandoned")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	telemetry.ObserveWebhookDelivery("exhausted")
	n.logger.Error("webhook delivery abandoned after retry budget",
		zap.String("job_id", notif.JobID),
		zap.String("event", notif.Event),
	)
}

func (n *Notifier) post(ctx context.Context, notif Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			n.logger.Warn("close webhook response body", zap.Error(closeErr))
		}
	}()
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)); err != nil {
		n.logger.Debug("drain webhook response body", zap.Error(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// mirror publishes the event to Pub/Sub when a publisher is wired. Mirror
// failures never affect webhook delivery.
func (n *Notifier) mirror(ctx context.Context, notif Notification) {
	if n.publisher == nil || n.cfg.Topic == "" {
		return
	}
	if _, err := n.publisher.Publish(ctx, n.cfg.Topic, notif); err != nil {
		n.logger.Warn("event mirror publish failed",
			zap.String("job_id", notif.JobID),
			zap.Error(err),
		)
	}
}
