// Package webhook notifies client subscribers when a batch reaches a terminal state.
//
// Every subscription is delivered independently and concurrently, with its own retries. A
// notification that exhausts its attempts is recorded as a delivery failure for follow-up; it is
// never escalated to the batch.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/backoff"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/metrics"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
)

const defaultTimeout = 30 * time.Second

type Notifier interface {
	DeliverBatchFinalized(ctx context.Context, batch *domain.ImportBatch) error
}

type Engine struct {
	webhooks   repository.WebhookRepository
	httpClient *http.Client
	strategy   backoff.Strategy
	clock      clock.Clock
}

func NewEngine(webhooks repository.WebhookRepository, timeout time.Duration, strategy backoff.Strategy, clock clock.Clock) *Engine {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Engine{
		webhooks:   webhooks,
		httpClient: &http.Client{Timeout: timeout},
		strategy:   strategy,
		clock:      clock,
	}
}

// DeliverBatchFinalized notifies every active subscription of the batch's client and waits for all
// of them. Only a failure to load the subscriptions is returned.
func (e *Engine) DeliverBatchFinalized(ctx context.Context, batch *domain.ImportBatch) error {
	subscriptions, err := e.webhooks.GetActiveSubscriptions(ctx, batch.ClientId)
	if err != nil {
		return err
	}
	logger := log.WithField("batchId", batch.Id).WithField("clientId", batch.ClientId)
	if len(subscriptions) == 0 {
		logger.Debug("no active webhook subscriptions")
		return nil
	}

	payload := NewPayload(batch, e.clock.Now())
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.WithStack(err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, subscription := range subscriptions {
		subscription := subscription
		g.Go(func() error {
			e.deliver(ctx, subscription, batch.Id, payload.Event, body)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) deliver(ctx context.Context, subscription *domain.WebhookSubscription, batchId uuid.UUID, event string, body []byte) {
	logger := log.
		WithField("batchId", batchId).
		WithField("subscriptionId", subscription.Id).
		WithField("url", subscription.Url)

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return e.post(ctx, subscription, event, body)
		},
		append(backoff.RetryOptions(ctx, e.strategy),
			retry.OnRetry(func(n uint, err error) {
				logger.WithField("attempt", n+1).WithError(err).Warn("webhook delivery failed")
			}),
		)...,
	)
	if ctx.Err() != nil {
		logger.Warn("webhook delivery cancelled")
		return
	}
	metrics.RecordWebhook(event, err == nil)
	if err == nil {
		logger.WithField("attempt", attempts).Info("webhook delivered")
		return
	}

	logging.WithStacktrace(logger, err).Errorf("webhook delivery gave up after %d attempts", attempts)
	failure := &domain.WebhookDeliveryFailure{
		Id:             uuid.New(),
		SubscriptionId: subscription.Id,
		ClientId:       subscription.ClientId,
		BatchId:        batchId,
		Event:          event,
		Attempts:       attempts,
		Error:          err.Error(),
		FailedAt:       e.clock.Now().UTC(),
	}
	if err := e.webhooks.RecordDeliveryFailure(ctx, failure); err != nil {
		logging.WithStacktrace(logger, err).Error("failed to record webhook delivery failure")
	}
}

// The signature is computed per attempt so that the timestamp reflects when the request was sent.
func (e *Engine) post(ctx context.Context, subscription *domain.WebhookSubscription, event string, body []byte) error {
	timestamp := e.clock.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscription.Url, bytes.NewReader(body))
	if err != nil {
		// A malformed url will not get better.
		return retry.Unrecoverable(errors.WithStack(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(subscription.Secret, timestamp, body))
	req.Header.Set(TimestampHeader, strconv.FormatInt(timestamp, 10))
	req.Header.Set(EventHeader, event)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
