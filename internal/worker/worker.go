package worker

import (
	"context"
	"time"

	"rental-service/internal/broker"
	"rental-service/internal/payment"
	"rental-service/internal/service"
	"rental-service/internal/util"

	"go.uber.org/zap"
)

// CallbackReconciler applies provider callbacks.
type CallbackReconciler interface {
	HandleCallback(ctx context.Context, providerID string, raw payment.RawCallback) (payment.Ack, error)
}

// CallbackWorker applies provider callbacks forwarded over Kafka
type CallbackWorker struct {
	consumer   *broker.Consumer
	handler    *broker.CallbackHandler
	reconciler CallbackReconciler
	logger     *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(consumer *broker.Consumer, reconciler CallbackReconciler) *CallbackWorker {
	w := &CallbackWorker{
		consumer:   consumer,
		handler:    broker.NewCallbackHandler(),
		reconciler: reconciler,
		logger:     util.GetLogger().With(zap.String("worker", "callbacks"), zap.String("host", util.Hostname())),
	}
	w.handler.OnCallback(w.apply)
	return w
}

// apply returns an error only when another delivery could succeed.
func (w *CallbackWorker) apply(ctx context.Context, cb *broker.ForwardedCallback) error {
	_, err := w.reconciler.HandleCallback(ctx, cb.Provider, payment.RawCallback{Headers: cb.Headers, Body: cb.Body})
	if err == nil {
		return nil
	}
	if service.IsRedeliverable(err) {
		return err
	}
	w.logger.Warn("Forwarded callback rejected", zap.String("provider", cb.Provider), zap.Error(err))
	return broker.Permanent(err)
}

// Start starts the worker
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting callback worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping callback worker")
	return w.consumer.Close()
}

// Job is one pass of a periodic task.
type Job func(ctx context.Context) error

// Periodic runs a job on a fixed interval until stopped
type Periodic struct {
	name     string
	interval time.Duration
	job      Job
	logger   *zap.Logger
}

// NewPeriodic creates a periodic worker
func NewPeriodic(name string, interval time.Duration, job Job) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		job:      job,
		logger:   util.GetLogger().With(zap.String("worker", name), zap.String("host", util.Hostname())),
	}
}

// Start runs the job once per interval and returns when ctx is done.
func (p *Periodic) Start(ctx context.Context) error {
	p.logger.Info("Starting periodic worker", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping periodic worker")
			return ctx.Err()
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	start := time.Now()
	if err := p.job(ctx); err != nil {
		p.logger.Error("Periodic job failed", zap.Error(err))
		return
	}
	p.logger.Debug("Periodic job finished", zap.Duration("took", time.Since(start)))
}

const retryLockName = "callback-retry"

// RetryJob re-applies due dead-lettered callbacks, one replica at a time.
func RetryJob(reconciler *service.Reconciler, locker service.Locker, batch int, lockTTL time.Duration) Job {
	return func(ctx context.Context) error {
		if locker != nil {
			token, ok, err := locker.AcquireLock(ctx, retryLockName, lockTTL)
			if err != nil || !ok {
				return err
			}
			defer func() { _ = locker.ReleaseLock(context.Background(), retryLockName, token) }()
		}

		stats, err := reconciler.RetryFailedCallbacks(ctx, batch)
		if err != nil {
			return err
		}
		if stats.Resolved+stats.Retried+stats.Dead > 0 {
			util.GetLogger().Info("Callback retry pass",
				zap.Int("resolved", stats.Resolved),
				zap.Int("retried", stats.Retried),
				zap.Int("dead", stats.Dead))
		}
		return nil
	}
}

// SweepJob runs the ledger sweep.
func SweepJob(ledger *service.LedgerService, lockTTL time.Duration) Job {
	return func(ctx context.Context) error {
		result, err := ledger.Sweep(ctx, lockTTL)
		if err != nil {
			return err
		}
		if result.Expired+result.Released > 0 {
			util.GetLogger().Info("Ledger sweep",
				zap.Int("expired", result.Expired),
				zap.Int("released", result.Released))
		}
		return nil
	}
}
