// Package notify delivers claim links to email and phone recipients through
// an external delivery provider. Delivery is best-effort and asynchronous:
// an escrow hold is never rolled back or delayed because its notification
// could not be sent.
package notify

import (
	"context"
	"log/slog"
	"time"

	"paylink/escrow"
	"paylink/models"
	"paylink/observability/logging"
	"paylink/observability/metrics"
)

// Sender performs a single delivery attempt for one claim link.
type Sender interface {
	Send(ctx context.Context, link escrow.ClaimLink) error
}

// EngagementMarker records delivery confirmations against the escrow record.
// *escrow.Ledger satisfies it.
type EngagementMarker interface {
	RecordEngagement(ctx context.Context, trackingID string, state models.EscrowStatus) (*models.EscrowPayment, error)
}

// Option adjusts dispatcher behaviour.
type Option func(*Dispatcher)

// WithQueueCapacity bounds the number of pending notifications.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithMaxAttempts bounds delivery retries per link.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the base retry delay. Attempt n waits n times the base.
func WithBackoff(base time.Duration) Option {
	return func(d *Dispatcher) {
		if base > 0 {
			d.backoff = base
		}
	}
}

// WithEngagementMarker records a DELIVERED engagement after a successful
// provider call.
func WithEngagementMarker(m EngagementMarker) Option {
	return func(d *Dispatcher) { d.marker = m }
}

// WithMetrics counts delivery outcomes on the given instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// SetEngagementMarker installs the marker after construction, for wiring
// where the escrow ledger itself is the dispatcher's consumer. Call before
// Run.
func (d *Dispatcher) SetEngagementMarker(m EngagementMarker) {
	d.marker = m
}

const (
	defaultQueueCapacity = 1024
	defaultMaxAttempts   = 3
	defaultBackoff       = 2 * time.Second
)

// Dispatcher queues claim links and delivers them from a background worker.
// It implements escrow.ClaimNotifier.
type Dispatcher struct {
	sender      Sender
	marker      EngagementMarker
	logger      *slog.Logger
	metrics     *metrics.Metrics
	queue       chan escrow.ClaimLink
	capacity    int
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) bool
}

// NewDispatcher constructs a dispatcher. Run must be started for deliveries
// to happen.
func NewDispatcher(sender Sender, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:      sender,
		logger:      logger,
		capacity:    defaultQueueCapacity,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New(nil)
	}
	d.queue = make(chan escrow.ClaimLink, d.capacity)
	d.sleep = func(ctx context.Context, wait time.Duration) bool {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}
	return d
}

// SendClaimLink enqueues a link without blocking. A full queue drops the
// notification; the recipient can still claim through the tracking page.
func (d *Dispatcher) SendClaimLink(_ context.Context, link escrow.ClaimLink) {
	select {
	case d.queue <- link:
	default:
		d.logger.Warn("notification queue full, dropping claim link",
			"channel", link.Channel, "trackingID", link.TrackingID,
			logging.Identifier("recipient", link.Identifier))
		d.metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
	}
}

// Run delivers queued links until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case link := <-d.queue:
			d.deliver(ctx, link)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, link escrow.ClaimLink) {
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err = d.sender.Send(ctx, link); err == nil {
			d.metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
			d.markDelivered(ctx, link)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < d.maxAttempts {
			if !d.sleep(ctx, time.Duration(attempt)*d.backoff) {
				return
			}
		}
	}
	d.logger.Error("claim link delivery failed",
		"channel", link.Channel, "trackingID", link.TrackingID,
		"attempts", d.maxAttempts, "error", err,
		logging.Identifier("recipient", link.Identifier))
	d.metrics.NotificationsTotal.WithLabelValues("failed").Inc()
}

func (d *Dispatcher) markDelivered(ctx context.Context, link escrow.ClaimLink) {
	if d.marker == nil {
		return
	}
	if _, err := d.marker.RecordEngagement(ctx, link.TrackingID, models.EscrowDelivered); err != nil {
		d.logger.Warn("record delivery engagement", "trackingID", link.TrackingID, "error", err)
	}
}
