package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/storefront-payments/internal/core/events"
	"github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers that run outside the HTTP server.`,
}

var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile payments whose callback never arrived",
	Long:  `Periodically query the gateway for payments stuck in processing and settle the ones with a final answer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startReconcileWorker()
	},
}

var (
	maxWorkers int
	batchSize  int
	runOnce    bool
)

func startReconcileWorker() error {
	config, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	gormDB, err := initGorm(db)
	if err != nil {
		return fmt.Errorf("failed to initialize gorm: %w", err)
	}

	eventBus := events.NewEventBus(lg)
	payment.NewEventHandler(payment.NewLogOrderNotifier(lg), lg).RegisterEventHandlers(eventBus)
	defer eventBus.Wait()

	config.Reconciler.MaxWorkers = getIntFlag(maxWorkers, config.Reconciler.MaxWorkers)
	config.Reconciler.BatchSize = getIntFlag(batchSize, config.Reconciler.BatchSize)

	service := newPaymentService(config, gormDB, eventBus, lg)
	reconciler := newReconciler(config, service, lg)

	lg.Info("starting reconcile worker",
		"max_workers", config.Reconciler.MaxWorkers,
		"batch_size", config.Reconciler.BatchSize,
		"interval", config.Reconciler.Interval,
		"stale_after", config.Reconciler.StaleAfter,
		"max_pending_age", config.Reconciler.MaxPendingAge,
		"once", runOnce)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runOnce {
		reconciler.Start()
		queued, err := reconciler.RunOnce(ctx)
		if err != nil {
			reconciler.Shutdown()
			return fmt.Errorf("reconcile scan: %w", err)
		}
		reconciler.Drain()
		lg.Info("reconcile pass finished", "queued", queued)
		return nil
	}

	reconciler.Run(ctx)
	lg.Info("reconcile worker stopped")
	return nil
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	reconcileWorkerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of workers (overrides config)")
	reconcileWorkerCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Payments examined per scan (overrides config)")
	reconcileWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single scan and exit")

	workerCmd.AddCommand(reconcileWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
