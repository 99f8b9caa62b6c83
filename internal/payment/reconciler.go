package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	paymentDatamodel "github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
)

type ReconcileJob struct {
	PaymentID         string
	CheckoutRequestID string
	CreatedAt         time.Time
}

type Worker struct {
	ID         int
	WorkerPool chan chan ReconcileJob
	JobChannel chan ReconcileJob
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan ReconcileJob, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan ReconcileJob),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(context.Context, ReconcileJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker processing job", "worker_id", w.ID, "checkout_request_id", job.CheckoutRequestID)
				processFunc(ctx, job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type ReconcileAPI interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*paymentDatamodel.MpesaPayment, error)
	Reconcile(ctx context.Context, checkoutRequestID string) (Outcome, error)
	ReconcileExpired(ctx context.Context, checkoutRequestID string) (Outcome, error)
}

type ReconcilerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	// MaxPendingAge bounds how long a push may stay pending. Older payments
	// are settled as failed when the gateway still has no final answer.
	MaxPendingAge time.Duration
	MaxWorkers    int
	BatchSize     int
}

// Reconciler settles payments whose callback never arrived by asking the
// gateway and applying terminal answers through the same guarded transition
// as callbacks.
type Reconciler struct {
	service ReconcileAPI
	config  ReconcilerConfig
	logger  *slog.Logger
	now     func() time.Time

	jobQueue   chan ReconcileJob
	workerPool chan chan ReconcileJob
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewReconciler(service ReconcileAPI, config ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 2 * time.Minute
	}
	if config.MaxPendingAge <= 0 {
		config.MaxPendingAge = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		service:    service,
		config:     config,
		logger:     logger,
		now:        time.Now,
		jobQueue:   make(chan ReconcileJob, config.BatchSize),
		workerPool: make(chan chan ReconcileJob, config.MaxWorkers),
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]struct{}),
	}
}

// Start launches the worker pool and dispatcher.
func (r *Reconciler) Start() {
	r.once.Do(func() {
		for i := 0; i < r.config.MaxWorkers; i++ {
			worker := NewWorker(i, r.workerPool, r.logger)
			worker.Start(r.ctx, &r.wg, r.process)
		}

		r.wg.Add(1)
		go r.dispatch()

		r.logger.Info("reconciler worker pool started",
			"max_workers", r.config.MaxWorkers,
			"queue_size", cap(r.jobQueue))
	})
}

func (r *Reconciler) dispatch() {
	defer r.wg.Done()

	for {
		select {
		case job := <-r.jobQueue:
			select {
			case jobChannel := <-r.workerPool:
				select {
				case jobChannel <- job:
				case <-r.ctx.Done():
					return
				}
			case <-r.ctx.Done():
				return
			}
		case <-r.ctx.Done():
			r.logger.Info("reconciler dispatcher shutting down")
			return
		}
	}
}

// Run starts the pool and scans for stale payments every interval until ctx
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.Start()
	defer r.Shutdown()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reconciler scan failed", "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce queues every stale processing payment not already being checked and
// returns how many were queued.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.config.StaleAfter)
	records, err := r.service.ListStale(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, record := range records {
		if !r.claim(record.CheckoutRequestID) {
			continue
		}

		job := ReconcileJob{
			PaymentID:         record.PaymentID,
			CheckoutRequestID: record.CheckoutRequestID,
			CreatedAt:         record.CreatedAt,
		}
		select {
		case r.jobQueue <- job:
			queued++
		default:
			r.release(record.CheckoutRequestID)
			r.logger.Warn("reconciler queue full, deferring to next scan",
				"queue_capacity", cap(r.jobQueue))
			return queued, nil
		}
	}

	if queued > 0 {
		r.logger.Info("stale payments queued for reconciliation", "count", queued)
	}
	return queued, nil
}

func (r *Reconciler) process(ctx context.Context, job ReconcileJob) {
	defer r.release(job.CheckoutRequestID)

	reconcile := r.service.Reconcile
	expired := r.expired(job)
	if expired {
		reconcile = r.service.ReconcileExpired
	}

	outcome, err := reconcile(ctx, job.CheckoutRequestID)
	if err != nil {
		r.logger.Warn("reconcile attempt failed",
			"checkout_request_id", job.CheckoutRequestID,
			"error", err)
		return
	}

	r.logger.Info("reconcile attempt finished",
		"payment_id", job.PaymentID,
		"checkout_request_id", job.CheckoutRequestID,
		"expired", expired,
		"outcome", outcome)
}

func (r *Reconciler) expired(job ReconcileJob) bool {
	if job.CreatedAt.IsZero() {
		return false
	}
	return r.now().Sub(job.CreatedAt) >= r.config.MaxPendingAge
}

func (r *Reconciler) claim(checkoutRequestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[checkoutRequestID]; busy {
		return false
	}
	r.inflight[checkoutRequestID] = struct{}{}
	return true
}

func (r *Reconciler) release(checkoutRequestID string) {
	r.mu.Lock()
	delete(r.inflight, checkoutRequestID)
	r.mu.Unlock()
}

// Drain waits for every queued job to finish, then shuts the pool down.
func (r *Reconciler) Drain() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for r.pending() > 0 {
		select {
		case <-ticker.C:
		case <-r.ctx.Done():
			return
		}
	}
	r.Shutdown()
}

func (r *Reconciler) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Reconciler) Shutdown() {
	r.logger.Info("shutting down reconciler")
	r.cancel()
	r.wg.Wait()
	r.logger.Info("reconciler shutdown complete")
}
