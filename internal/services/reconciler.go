package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/onramp/internal/models"
)

// Advancer is the part of OnRampService the reconciler drives.
type Advancer interface {
	PendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
	Advance(ctx context.Context, id uuid.UUID) (AdvanceResult, error)
}

// ReconcileReport summarises one reconciliation cycle.
type ReconcileReport struct {
	Scanned   int
	Completed int
	Failed    int
	Pending   int
	Skipped   int
	Errored   int
	Duration  time.Duration
}

// Reconciler periodically re-checks unsettled transactions. It never talks to
// the gateway or the ledger itself; every write goes through the Advancer.
type Reconciler struct {
	advancer  Advancer
	batchSize int
	workers   int
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler processing up to batchSize rows per cycle
// on the given number of workers.
func NewReconciler(advancer Advancer, batchSize, workers int, logger *slog.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		advancer:  advancer,
		batchSize: batchSize,
		workers:   workers,
		logger:    logger,
	}
}

// RunOnce scans unsettled transactions and advances each one independently.
// A failure on one transaction is logged and does not stop the others.
func (r *Reconciler) RunOnce(ctx context.Context) ReconcileReport {
	started := time.Now()
	report := ReconcileReport{}

	txns, err := r.advancer.PendingTransactions(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("reconciliation scan failed", "error", err)
		report.Errored++
		report.Duration = time.Since(started)
		return report
	}
	report.Scanned = len(txns)
	if len(txns) == 0 {
		report.Duration = time.Since(started)
		return report
	}
	r.logger.Info("reconciling pending transactions", "count", len(txns))

	var mu sync.Mutex
	r.run(ctx, txns, func(txn models.Transaction) {
		res, err := r.advance(ctx, txn.ID)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Errored++
			attrs := []any{"transaction_id", txn.ID, "checkout_request_id", txn.RequestID(), "error", err}
			if IsRetryable(err) {
				r.logger.Warn("advance failed, will retry next cycle", attrs...)
			} else {
				r.logger.Error("advance failed", attrs...)
			}
			return
		}
		switch res.Outcome {
		case OutcomeCompleted:
			report.Completed++
		case OutcomeFailed:
			report.Failed++
		case OutcomePending:
			report.Pending++
		default:
			report.Skipped++
		}
	})

	report.Duration = time.Since(started)
	r.logger.Info("reconciliation cycle finished",
		"scanned", report.Scanned, "completed", report.Completed, "failed", report.Failed,
		"pending", report.Pending, "skipped", report.Skipped, "errored", report.Errored,
		"duration", report.Duration)
	return report
}

// advance isolates a single transaction, turning a panic into an error.
func (r *Reconciler) advance(ctx context.Context, id uuid.UUID) (res AdvanceResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = newError(KindInternal, nil, "panic while advancing %s: %v", id, p)
		}
	}()
	return r.advancer.Advance(ctx, id)
}

func (r *Reconciler) run(ctx context.Context, txns []models.Transaction, fn func(models.Transaction)) {
	work := make(chan models.Transaction)
	var wg sync.WaitGroup

	workers := r.workers
	if workers > len(txns) {
		workers = len(txns)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for txn := range work {
				fn(txn)
			}
		}()
	}

Loop:
	for _, txn := range txns {
		select {
		case work <- txn:
		case <-ctx.Done():
			break Loop
		}
	}
	close(work)
	wg.Wait()
}
