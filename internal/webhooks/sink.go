package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/perimeter/internal/circuitbreaker"
	"github.com/mbd888/perimeter/internal/idgen"
	"github.com/mbd888/perimeter/internal/retry"
	"github.com/mbd888/perimeter/internal/sentinel"
	"github.com/mbd888/perimeter/internal/traces"
)

var (
	webhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perimeter",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by result.",
	}, []string{"result"})

	webhookSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "perimeter",
		Subsystem: "webhook",
		Name:      "skipped_total",
		Help:      "Total deliveries skipped because the circuit was open.",
	})
)

func init() {
	prometheus.MustRegister(webhookDeliveriesTotal, webhookSkippedTotal)
}

const (
	deliveryMaxAttempts = 3
	deliveryBaseDelay   = 500 * time.Millisecond
)

// Delivery is the payload POSTed to subscribed endpoints.
type Delivery struct {
	ID        string                       `json:"id"`
	Timestamp time.Time                    `json:"timestamp"`
	Alert     *sentinel.SuspiciousActivity `json:"alert"`
}

// Sink delivers alerts to webhook subscriptions. It implements the alert
// handler interface and runs on the engine's dispatcher goroutine, so all
// network work here is already off the request path.
type Sink struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewSink creates a webhook sink over the subscription store.
func NewSink(store Store, logger *slog.Logger) *Sink {
	return &Sink{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 60*time.Second),
		logger:  logger,
	}
}

// Name identifies the sink to the dispatcher.
func (s *Sink) Name() string { return "webhook" }

// Handle delivers the activity to every matching subscription. Per-endpoint
// failures are recorded on the subscription and never abort the fan-out.
func (s *Sink) Handle(ctx context.Context, activity *sentinel.SuspiciousActivity) error {
	ctx, span := traces.StartSpan(ctx, "webhooks.fanout",
		traces.ActivityType(string(activity.Type)),
		traces.ActivitySeverity(string(activity.Severity)),
	)
	defer span.End()

	subs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	delivery := &Delivery{
		ID:        idgen.WithPrefix("dlv_"),
		Timestamp: time.Now(),
		Alert:     activity,
	}
	payload, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	for _, sub := range subs {
		if !sub.matches(activity) {
			continue
		}
		if !s.breaker.Allow(sub.ID) {
			webhookSkippedTotal.Inc()
			continue
		}
		s.deliver(ctx, sub, activity, payload)
	}
	return nil
}

func (s *Sink) deliver(ctx context.Context, sub *Subscription, activity *sentinel.SuspiciousActivity, payload []byte) {
	ctx, span := traces.StartSpan(ctx, "webhooks.deliver", traces.SubscriptionID(sub.ID))
	defer span.End()

	err := retry.Do(ctx, deliveryMaxAttempts, deliveryBaseDelay, func() error {
		return s.post(ctx, sub, activity, payload)
	})
	if err != nil {
		webhookDeliveriesTotal.WithLabelValues("error").Inc()
		s.breaker.RecordFailure(sub.ID)
		s.updateError(ctx, sub, err.Error())
		s.logger.Warn("webhook delivery failed",
			"subscription", sub.ID, "activity", activity.ID, "error", err)
		return
	}
	webhookDeliveriesTotal.WithLabelValues("ok").Inc()
	s.breaker.RecordSuccess(sub.ID)
	s.updateSuccess(ctx, sub)
}

func (s *Sink) post(ctx context.Context, sub *Subscription, activity *sentinel.SuspiciousActivity, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Perimeter-Event", string(activity.Type))
	req.Header.Set("X-Perimeter-Severity", string(activity.Severity))
	req.Header.Set("X-Perimeter-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Perimeter-Signature", sign(payload, sub.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// Endpoint rejected the payload; retrying won't change that.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Sink) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := s.store.Update(ctx, sub); err != nil {
		s.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", err)
	}
}

func (s *Sink) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	if err := s.store.Update(ctx, sub); err != nil {
		s.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", err)
	}
}
