// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// Auditor records delivery outcomes on the audit ledger. Implemented by
// ledger.Recorder; nil disables audit writes (tests).
type Auditor interface {
	RecordDeadLetter(ctx context.Context, p *models.DeadLetterPayload) error
	RecordRedrive(ctx context.Context, deadLetterID, operator string) error
}

// Worker owns the retry state for outbound deliveries. Retry scheduling is
// explicit on the item (attempt count plus next-attempt time) processed by a
// timer loop, never nested blocking retries. The worker runs under the
// supervision tree as a suture service.
type Worker struct {
	cfg         config.DeliveryConfig
	sender      Sender
	pending     PendingStore
	deadLetters DeadLetterStore
	auditor     Auditor
	bus         *Bus

	breakers map[string]*gobreaker.CircuitBreaker[any]
	limiter  *rate.Limiter

	mu    sync.Mutex
	queue map[string]*Item
	wake  chan struct{}

	now func() time.Time
}

// NewWorker wires the dispatcher. DispatchRate 0 disables rate limiting.
func NewWorker(cfg config.DeliveryConfig, sender Sender, pending PendingStore, deadLetters DeadLetterStore) *Worker {
	w := &Worker{
		cfg:         cfg,
		sender:      sender,
		pending:     pending,
		deadLetters: deadLetters,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[any]),
		queue:       make(map[string]*Item),
		wake:        make(chan struct{}, 1),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}
	for _, ep := range cfg.Endpoints {
		w.breakers[ep.Name] = newEndpointBreaker(ep.Name)
	}
	return w
}

func newEndpointBreaker(name string) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Above one item's full retry ladder, so a single bad payload
			// never opens the breaker for healthy traffic.
			return counts.ConsecutiveFailures >= 6
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateHalfOpen:
				v = 1
			case gobreaker.StateOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	})
}

// SetAuditor attaches the ledger recorder.
func (w *Worker) SetAuditor(a Auditor) { w.auditor = a }

// SetNow injects the clock for deterministic backoff tests.
func (w *Worker) SetNow(now func() time.Time) { w.now = now }

// AttachBus connects the worker to the pipeline's notification bus; Serve
// consumes it.
func (w *Worker) AttachBus(b *Bus) { w.bus = b }

// Recover loads pending items from the WAL into the live queue. Called once
// on start so deliveries interrupted by a crash resume.
func (w *Worker) Recover() (int, error) {
	items, err := w.pending.List()
	if err != nil {
		return 0, fmt.Errorf("recover pending deliveries: %w", err)
	}
	w.mu.Lock()
	for _, item := range items {
		w.queue[item.ID] = item
	}
	depth := len(w.queue)
	w.mu.Unlock()
	metrics.DeliveryQueueDepth.Set(float64(depth))
	if len(items) > 0 {
		logging.Info().Int("count", len(items)).
			Msg("recovered pending deliveries from WAL")
	}
	return len(items), nil
}

// Enqueue fans the notification out to every endpoint matching its kind and
// persists each resulting item before it becomes dispatchable. Item IDs are
// stable per (notification, endpoint) so a duplicate publish overwrites
// rather than doubles.
func (w *Worker) Enqueue(ctx context.Context, n *Notification) error {
	now := w.now()
	for _, ep := range w.cfg.Endpoints {
		if !endpointWants(ep, n.Kind) {
			continue
		}
		item := &Item{
			ID:           n.ID + "/" + ep.Name,
			Notification: *n,
			Endpoint:     ep.Name,
			NextAttempt:  now,
		}
		if err := w.pending.Put(item); err != nil {
			return err
		}
		w.mu.Lock()
		w.queue[item.ID] = item
		depth := len(w.queue)
		w.mu.Unlock()
		metrics.DeliveryQueueDepth.Set(float64(depth))
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func endpointWants(ep config.EndpointConfig, kind Kind) bool {
	if len(ep.Kinds) == 0 {
		return true
	}
	for _, k := range ep.Kinds {
		if k == string(kind) {
			return true
		}
	}
	return false
}

// ProcessDue attempts every item whose NextAttempt has passed and returns the
// number of successful deliveries. Failures are rescheduled with exponential
// backoff or dead-lettered once attempts are exhausted.
func (w *Worker) ProcessDue(ctx context.Context) int {
	now := w.now()
	w.mu.Lock()
	due := make([]*Item, 0, len(w.queue))
	for _, item := range w.queue {
		if !item.NextAttempt.After(now) {
			due = append(due, item)
		}
	}
	w.mu.Unlock()
	// Oldest first keeps the backoff ladder honest under burst load.
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttempt.Before(due[j].NextAttempt) })

	delivered := 0
	for _, item := range due {
		if ctx.Err() != nil {
			return delivered
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return delivered
			}
		}
		if w.attempt(ctx, item) {
			delivered++
		}
	}
	return delivered
}

// attempt performs one dispatch. Returns true on success.
func (w *Worker) attempt(ctx context.Context, item *Item) bool {
	ep, ok := w.endpoint(item.Endpoint)
	if !ok {
		// Endpoint removed from config; dead-letter rather than drop.
		w.deadLetter(ctx, item, fmt.Errorf("endpoint %s no longer configured: %w", item.Endpoint, models.ErrDelivery))
		return false
	}

	item.Attempts++
	metrics.DeliveriesAttempted.WithLabelValues(ep.Name, string(item.Notification.Kind)).Inc()

	start := time.Now()
	_, err := w.breakers[ep.Name].Execute(func() (any, error) {
		return nil, w.sender.Send(ctx, ep, &item.Notification)
	})
	metrics.DeliveryDuration.WithLabelValues(ep.Name).Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "failure"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
	}
	metrics.CircuitBreakerRequests.WithLabelValues(ep.Name, result).Inc()

	if err == nil {
		w.remove(item.ID)
		metrics.DeliveriesSucceeded.WithLabelValues(ep.Name, string(item.Notification.Kind)).Inc()
		return true
	}

	item.LastError = err.Error()
	if item.Attempts >= w.maxAttempts() {
		w.deadLetter(ctx, item, err)
		return false
	}

	item.NextAttempt = w.now().Add(w.backoff(item.Attempts))
	if perr := w.pending.Put(item); perr != nil {
		logging.Ctx(ctx).Error().Err(perr).Str("item_id", item.ID).
			Msg("failed to persist delivery retry state")
	}
	metrics.DeliveriesRetried.WithLabelValues(ep.Name).Inc()
	logging.Ctx(ctx).Warn().Err(err).
		Str("item_id", item.ID).
		Str("endpoint", ep.Name).
		Int("attempts", item.Attempts).
		Time("next_attempt", item.NextAttempt).
		Msg("delivery failed, retry scheduled")
	return false
}

// backoff returns the delay after the given attempt count: initial backoff
// doubled per attempt, capped at the configured maximum.
func (w *Worker) backoff(attempts int) time.Duration {
	initial := w.cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	factor := w.cfg.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	d := time.Duration(float64(initial) * math.Pow(factor, float64(attempts-1)))
	if limit := w.cfg.MaxBackoff; limit > 0 && d > limit {
		d = limit
	}
	return d
}

func (w *Worker) maxAttempts() int {
	if w.cfg.MaxAttempts > 0 {
		return w.cfg.MaxAttempts
	}
	return 5
}

func (w *Worker) endpoint(name string) (config.EndpointConfig, bool) {
	for _, ep := range w.cfg.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return config.EndpointConfig{}, false
}

func (w *Worker) deadLetter(ctx context.Context, item *Item, cause error) {
	payload, _ := json.Marshal(&item.Notification)
	dl := &models.DeadLetterPayload{
		Kind:      models.DeadLetterDelivery,
		UserID:    item.Notification.UserID,
		Endpoint:  item.Endpoint,
		Reason:    cause.Error(),
		Payload:   payload,
		Attempts:  item.Attempts,
		CreatedAt: w.now(),
	}
	if err := w.deadLetters.Add(ctx, dl); err != nil {
		// Keep the item queued; losing it would break at-least-once.
		logging.Ctx(ctx).Error().Err(err).Str("item_id", item.ID).
			Msg("failed to dead-letter delivery, keeping in queue")
		item.NextAttempt = w.now().Add(w.backoff(item.Attempts))
		return
	}
	w.remove(item.ID)
	if w.auditor != nil {
		if err := w.auditor.RecordDeadLetter(ctx, dl); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("dead_letter_id", dl.ID).
				Msg("failed to record dead letter on ledger")
		}
	}
	logging.Ctx(ctx).Error().
		Str("item_id", item.ID).
		Str("endpoint", item.Endpoint).
		Int("attempts", item.Attempts).
		Str("reason", cause.Error()).
		Msg("delivery dead-lettered")
}

func (w *Worker) remove(id string) {
	w.mu.Lock()
	delete(w.queue, id)
	depth := len(w.queue)
	w.mu.Unlock()
	metrics.DeliveryQueueDepth.Set(float64(depth))
	if err := w.pending.Delete(id); err != nil {
		logging.Error().Err(err).Str("item_id", id).
			Msg("failed to delete delivered item from WAL")
	}
}

// PendingItems returns a snapshot of the queue sorted by next attempt.
func (w *Worker) PendingItems() []*Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	items := make([]*Item, 0, len(w.queue))
	for _, item := range w.queue {
		clone := *item
		items = append(items, &clone)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].NextAttempt.Before(items[j].NextAttempt) })
	return items
}

// Redrive re-queues a dead-lettered delivery at the operator's request. The
// entry stays in the store, marked retried, until the operator resolves it.
// Ingress dead letters are re-posted through the API, not redriven here.
func (w *Worker) Redrive(ctx context.Context, deadLetterID, operator string) error {
	dl, err := w.deadLetters.Get(ctx, deadLetterID)
	if err != nil {
		return err
	}
	if dl.Resolved {
		return fmt.Errorf("dead letter %s already resolved: %w", deadLetterID, models.ErrNotFound)
	}
	if dl.Kind != models.DeadLetterDelivery {
		return models.NewValidationError("kind", "only delivery dead letters can be redriven")
	}

	var n Notification
	if err := json.Unmarshal(dl.Payload, &n); err != nil {
		return fmt.Errorf("decode dead letter %s payload: %w", deadLetterID, err)
	}

	item := &Item{
		ID:           n.ID + "/" + dl.Endpoint + "/redrive",
		Notification: n,
		Endpoint:     dl.Endpoint,
		NextAttempt:  w.now(),
	}
	if err := w.pending.Put(item); err != nil {
		return err
	}
	w.mu.Lock()
	w.queue[item.ID] = item
	depth := len(w.queue)
	w.mu.Unlock()
	metrics.DeliveryQueueDepth.Set(float64(depth))

	if err := w.deadLetters.MarkRetried(ctx, deadLetterID); err != nil {
		return err
	}
	metrics.DLQMessagesRedriven.Inc()
	if w.auditor != nil {
		if err := w.auditor.RecordRedrive(ctx, deadLetterID, operator); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("dead_letter_id", deadLetterID).
				Msg("failed to record redrive on ledger")
		}
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Serve implements suture.Service: recover the WAL, consume the bus, and run
// the timer loop until ctx is canceled. In-flight retries are abandoned on
// shutdown; the WAL re-queues them on the next start.
func (w *Worker) Serve(ctx context.Context) error {
	if _, err := w.Recover(); err != nil {
		return err
	}

	if w.bus != nil {
		msgs, err := w.bus.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to notification bus: %w", err)
		}
		go w.consume(ctx, msgs)
	}

	timer := time.NewTimer(w.wait())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		w.ProcessDue(ctx)
		timer.Reset(w.wait())
	}
}

func (w *Worker) consume(ctx context.Context, msgs <-chan *message.Message) {
	for msg := range msgs {
		n, err := DecodeNotification(msg)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("message_id", msg.UUID).
				Msg("dropping undecodable bus message")
			continue
		}
		if err := w.Enqueue(ctx, n); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("notification_id", n.ID).
				Msg("failed to enqueue notification")
		}
	}
}

// wait returns how long the timer loop should sleep: until the earliest
// scheduled attempt, or an idle second when the queue is empty.
func (w *Worker) wait() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return time.Second
	}
	now := w.now()
	next := time.Duration(math.MaxInt64)
	for _, item := range w.queue {
		d := item.NextAttempt.Sub(now)
		if d < next {
			next = d
		}
	}
	if next < 10*time.Millisecond {
		next = 10 * time.Millisecond
	}
	return next
}
