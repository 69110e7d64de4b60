package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coconut3301/backend/internal/metrics"
	"github.com/coconut3301/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	opDispatcherNew = "notify.dispatcher.new"
	opSendToUser    = "notify.send_to_user"
	opSendToAll     = "notify.send_to_all"

	reasonMissingStore     = "missing_store"
	reasonMissingTransport = "missing_transport"
	reasonPanic            = "panic"

	defaultDeliveryTimeout      = 10 * time.Second
	defaultBroadcastConcurrency = 8
)

var (
	errMissingStore     = errors.New("dispatch store is required")
	errMissingTransport = errors.New("delivery transport is required")
	// ErrDeliveryTimeout marks a delivery that did not finish within the per-endpoint budget.
	ErrDeliveryTimeout = errors.New("notify: delivery timed out")
)

// Transport attempts a single push to one endpoint token.
type Transport interface {
	Deliver(ctx context.Context, token string, notification Notification) (Outcome, error)
}

type DispatcherConfig struct {
	Store     Store
	Transport Transport
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
	IDs       IDProvider
	// DeliveryTimeout bounds each endpoint attempt; an expired attempt is a transient failure.
	DeliveryTimeout time.Duration
	// BroadcastConcurrency caps concurrent recipients during SendToAll.
	BroadcastConcurrency int
}

// Dispatcher delivers notifications to every endpoint of a user, honoring preferences, pruning dead
// endpoints, and writing one log entry per call. It never returns an error: failures are logged and
// reflected in the delivered count.
type Dispatcher struct {
	store       Store
	transport   Transport
	logger      *zap.Logger
	metrics     *metrics.Metrics
	clock       func() time.Time
	ids         IDProvider
	timeout     time.Duration
	concurrency int
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opDispatcherNew, reasonMissingStore, errMissingStore)
	}
	if cfg.Transport == nil {
		return nil, newServiceError(opDispatcherNew, reasonMissingTransport, errMissingTransport)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	concurrency := cfg.BroadcastConcurrency
	if concurrency <= 0 {
		concurrency = defaultBroadcastConcurrency
	}
	return &Dispatcher{
		store:       cfg.Store,
		transport:   cfg.Transport,
		logger:      logger,
		metrics:     cfg.Metrics,
		clock:       clock,
		ids:         ids,
		timeout:     timeout,
		concurrency: concurrency,
	}, nil
}

// SendToUser returns the number of endpoints that accepted the notification.
func (d *Dispatcher) SendToUser(ctx context.Context, userID users.UserID, notification Notification) (delivered int) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logError(opSendToUser, reasonPanic, fmt.Errorf("%v", recovered), zap.String(fieldUserID, userID.String()))
		}
	}()
	if notification.Category == "" {
		notification.Category = CategoryGeneral
	}
	fields := []zap.Field{
		zap.String(fieldUserID, userID.String()),
		zap.String("category", string(notification.Category)),
	}

	preferences, err := d.store.Preferences(ctx, userID)
	if err != nil {
		d.logError(opSendToUser, reasonQueryFailed, err, fields...)
		return 0
	}
	if !ShouldDeliver(preferences, notification.Category) {
		d.metrics.ObserveSuppressed(string(notification.Category))
		d.appendLog(ctx, userID, notification, StatusSuppressed, 0, 0)
		return 0
	}

	endpoints, err := d.store.EndpointsForUser(ctx, userID)
	if err != nil {
		d.logError(opSendToUser, reasonQueryFailed, err, fields...)
		return 0
	}
	if len(endpoints) == 0 {
		d.appendLog(ctx, userID, notification, StatusNoEndpoints, 0, 0)
		return 0
	}

	var invalidTokens []string
	for _, endpoint := range endpoints {
		outcome := d.deliver(ctx, endpoint, notification)
		d.metrics.ObserveDelivery(outcome.String())
		switch outcome {
		case OutcomeDelivered:
			delivered++
		case OutcomePermanentlyInvalid:
			invalidTokens = append(invalidTokens, endpoint.Token)
		}
	}

	if len(invalidTokens) > 0 {
		removed, err := d.store.PruneEndpoints(ctx, userID, invalidTokens)
		if err != nil {
			d.logError(opSendToUser, reasonWriteFailed, err, append(fields, zap.Int("invalid", len(invalidTokens)))...)
		} else {
			d.metrics.ObservePruned(removed)
			d.logger.Info("pruned invalid endpoints", append(fields, zap.Int64("removed", removed))...)
		}
	}

	status := StatusSent
	if delivered == 0 {
		status = StatusNoEndpoints
	}
	d.appendLog(ctx, userID, notification, status, len(endpoints), delivered)
	return delivered
}

// SendToAll fans out to every user owning at least one endpoint and sums delivered counts.
// Each recipient is isolated: one failing user never stops the rest.
func (d *Dispatcher) SendToAll(ctx context.Context, notification Notification) int {
	recipients, err := d.store.UsersWithEndpoints(ctx)
	if err != nil {
		d.logError(opSendToAll, reasonQueryFailed, err)
		return 0
	}

	var total atomic.Int64
	var group errgroup.Group
	group.SetLimit(d.concurrency)
	for _, userID := range recipients {
		group.Go(func() error {
			total.Add(int64(d.SendToUser(ctx, userID, notification)))
			return nil
		})
	}
	_ = group.Wait()

	d.logger.Info("broadcast dispatched",
		zap.String("category", string(notification.Category)),
		zap.Int("recipients", len(recipients)),
		zap.Int64("delivered", total.Load()))
	return int(total.Load())
}

type deliveryResult struct {
	outcome Outcome
	err     error
}

// deliver bounds a single attempt by the delivery timeout even when the transport ignores its context.
func (d *Dispatcher) deliver(ctx context.Context, endpoint Endpoint, notification Notification) Outcome {
	deliveryCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	results := make(chan deliveryResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				results <- deliveryResult{outcome: OutcomeTransientFailure, err: fmt.Errorf("transport panic: %v", recovered)}
			}
		}()
		outcome, err := d.transport.Deliver(deliveryCtx, endpoint.Token, notification)
		results <- deliveryResult{outcome: outcome, err: err}
	}()

	var result deliveryResult
	select {
	case result = <-results:
	case <-deliveryCtx.Done():
		result = deliveryResult{outcome: OutcomeTransientFailure, err: ErrDeliveryTimeout}
	}

	switch result.outcome {
	case OutcomeDelivered, OutcomePermanentlyInvalid, OutcomeTransientFailure:
	default:
		result.outcome = OutcomeTransientFailure
	}
	if result.err != nil {
		d.logger.Warn("push delivery failed",
			zap.String(fieldUserID, endpoint.UserID),
			zap.Int64("endpoint_id", endpoint.ID),
			zap.String("outcome", result.outcome.String()),
			zap.Error(result.err))
	}
	return result.outcome
}

func (d *Dispatcher) appendLog(ctx context.Context, userID users.UserID, notification Notification, status string, attempted, delivered int) {
	id, err := d.ids.NewID()
	if err != nil {
		d.logError(opAppendLog, reasonWriteFailed, err, zap.String(fieldUserID, userID.String()))
		return
	}
	data := notification.Data
	if data == nil {
		data = map[string]string{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		d.logError(opAppendLog, reasonWriteFailed, err, zap.String(fieldUserID, userID.String()))
		return
	}
	entry := LogEntry{
		ID:        id,
		UserID:    userID.String(),
		Category:  notification.Category,
		Title:     notification.Title,
		Body:      notification.Body,
		Data:      datatypes.JSON(payload),
		Attempted: attempted,
		Delivered: delivered,
		Status:    status,
		SentAt:    nowUTC(d.clock),
	}
	if err := d.store.AppendLog(ctx, entry); err != nil {
		d.logError(opAppendLog, reasonWriteFailed, err, zap.String(fieldUserID, userID.String()))
	}
}

func (d *Dispatcher) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := d.logger
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("notification dispatch error", attrs...)
}
